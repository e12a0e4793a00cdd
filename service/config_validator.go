package service

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/fillwatch/core"
	"github.com/shopspring/decimal"
)

// DefaultNotifyPrefix is the delivery service accepted when none is configured
const DefaultNotifyPrefix = "https://discord.com/api/webhooks/"

const (
	signingKeyMinLength = 66
	addressLength       = 42
)

// ConfigValidator turns a raw payload into a Configuration
type ConfigValidator struct {
	notifyPrefixes []string
}

// NewConfigValidator creates a validator accepting webhook endpoints under
// the given prefixes
func NewConfigValidator(notifyPrefixes []string) *ConfigValidator {
	if len(notifyPrefixes) == 0 {
		notifyPrefixes = []string{DefaultNotifyPrefix}
	}
	return &ConfigValidator{notifyPrefixes: notifyPrefixes}
}

// Validate checks the payload field by field and reports the first failure
func (v *ConfigValidator) Validate(identity core.Identity, p core.ConfigPayload) (core.Configuration, error) {
	if !strings.HasPrefix(p.PrivateKey, "0x") || len(p.PrivateKey) < signingKeyMinLength {
		return core.Configuration{}, invalid("privateKey", "Invalid private key format")
	}

	if !strings.HasPrefix(p.WalletAddress, "0x") || len(p.WalletAddress) != addressLength || !common.IsHexAddress(p.WalletAddress) {
		return core.Configuration{}, invalid("walletAddress", "Invalid wallet address format")
	}

	if !v.allowedEndpoint(p.WebhookURL) {
		return core.Configuration{}, invalid("webhookUrl", "Invalid webhook URL")
	}

	assets, ok := normalizeAssets(p.Tokens)
	if !ok {
		return core.Configuration{}, invalid("tokens", "Tokens must be a non-empty array of strings")
	}

	minSize, ok := positiveNumber(p.MinSize)
	if !ok {
		return core.Configuration{}, invalid("minSize", "minSize must be a positive number")
	}

	return core.Configuration{
		Identity:       identity,
		SigningKey:     p.PrivateKey,
		PayoutAddress:  p.WalletAddress,
		NotifyEndpoint: p.WebhookURL,
		WatchedAssets:  assets,
		MinSize:        minSize,
	}, nil
}

func (v *ConfigValidator) allowedEndpoint(endpoint string) bool {
	for _, prefix := range v.notifyPrefixes {
		if strings.HasPrefix(endpoint, prefix) && len(endpoint) > len(prefix) {
			return true
		}
	}
	return false
}

// normalizeAssets trims and upper-cases every entry, keeping the first
// occurrence of duplicates
func normalizeAssets(raw any) ([]string, bool) {
	var items []any
	switch list := raw.(type) {
	case []any:
		items = list
	case []string:
		for _, s := range list {
			items = append(items, s)
		}
	default:
		return nil, false
	}
	if len(items) == 0 {
		return nil, false
	}

	seen := make(map[string]struct{}, len(items))
	assets := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return nil, false
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		assets = append(assets, s)
	}

	return assets, true
}

func positiveNumber(raw any) (decimal.Decimal, bool) {
	var d decimal.Decimal
	switch n := raw.(type) {
	case float64:
		d = decimal.NewFromFloat(n)
	case int:
		d = decimal.NewFromInt(int64(n))
	case int64:
		d = decimal.NewFromInt(n)
	case json.Number:
		parsed, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Decimal{}, false
		}
		d = parsed
	case decimal.Decimal:
		d = n
	default:
		return decimal.Decimal{}, false
	}

	return d, d.IsPositive()
}

func invalid(field, message string) error {
	return &core.ValidationError{Field: field, Message: message}
}

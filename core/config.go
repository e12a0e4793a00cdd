package core

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Configuration is the validated monitoring setup of one identity
type Configuration struct {
	Identity       Identity
	SigningKey     string // Secret; never logged
	PayoutAddress  string
	NotifyEndpoint string
	WatchedAssets  []string
	MinSize        decimal.Decimal
	Active         bool
	UpdatedAt      time.Time
}

// ConfigPayload is the raw body submitted to set a configuration. Tokens and
// MinSize are left untyped so the validator can report which field is wrong.
type ConfigPayload struct {
	PrivateKey    string `json:"privateKey"`
	WalletAddress string `json:"walletAddress"`
	WebhookURL    string `json:"webhookUrl"`
	Tokens        any    `json:"tokens"`
	MinSize       any    `json:"minSize"`
}

// LogValue keeps the signing key out of structured logs.
func (c Configuration) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("identity", c.Identity.String()),
		slog.String("payout_address", c.PayoutAddress),
		slog.Any("watched_assets", c.WatchedAssets),
		slog.String("min_size", c.MinSize.String()),
		slog.Bool("active", c.Active),
	)
}

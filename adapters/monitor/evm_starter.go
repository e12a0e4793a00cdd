package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/internal/eth"
	"github.com/layer-3/fillwatch/ports"
	"github.com/shopspring/decimal"
)

// TransferTopic is the ERC-20 Transfer event signature
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const (
	defaultDecimals = 18
	logBufferSize   = 128

	defaultResubscribeBackoff = 30 * time.Second
	defaultMaxResubscribes    = 5
)

var (
	ErrNoKnownAssets = errors.New("no watched asset has a known contract")
	ErrInvalidKey    = errors.New("invalid signing key")
)

// LogClient is the part of ethclient.Client a monitor needs
type LogClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a LogClient to a node
type Dialer func(ctx context.Context, url string) (LogClient, error)

func dialEthClient(ctx context.Context, url string) (LogClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Asset is a token contract that can be watched
type Asset struct {
	Symbol   string
	Contract common.Address
	Decimals int32
}

// EVMStarter starts monitors that watch incoming ERC-20 transfers to the
// payout address of a configuration
type EVMStarter struct {
	nodeURL     string
	dialTimeout time.Duration
	assets      map[string]Asset
	publisher   ports.FillPublisher
	logger      *slog.Logger
	dial        Dialer

	// resubscribeBackoff caps the wait between reconnect attempts after a
	// dropped subscription; maxResubscribes consecutive failures end the monitor
	resubscribeBackoff time.Duration
	maxResubscribes    int
}

// NewEVMStarter creates a starter for the node at nodeURL. contracts maps
// asset symbols to token contracts and decimals overrides the default 18
// decimals per symbol. Symbols are case insensitive.
func NewEVMStarter(
	nodeURL string,
	dialTimeout time.Duration,
	contracts map[string]string,
	decimals map[string]int32,
	publisher ports.FillPublisher,
	logger *slog.Logger,
) (*EVMStarter, error) {
	assets := make(map[string]Asset, len(contracts))
	for symbol, contract := range contracts {
		if !common.IsHexAddress(contract) {
			return nil, fmt.Errorf("invalid contract address for %s: %q", symbol, contract)
		}
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		assets[symbol] = Asset{
			Symbol:   symbol,
			Contract: common.HexToAddress(contract),
			Decimals: defaultDecimals,
		}
	}
	for symbol, d := range decimals {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if asset, ok := assets[symbol]; ok {
			asset.Decimals = d
			assets[symbol] = asset
		}
	}

	return &EVMStarter{
		nodeURL:     nodeURL,
		dialTimeout: dialTimeout,
		assets:      assets,
		publisher:   publisher,
		logger:      logger,
		dial:        dialEthClient,

		resubscribeBackoff: defaultResubscribeBackoff,
		maxResubscribes:    defaultMaxResubscribes,
	}, nil
}

// Start subscribes to the transfer logs of the watched assets and returns
// once the subscription is open. A dropped subscription is reopened on a
// fresh connection; the handle's Done channel closes once reconnecting gives up.
func (s *EVMStarter) Start(ctx context.Context, cfg core.Configuration) (ports.MonitorHandle, error) {
	if _, err := eth.ParsePrivateKey(cfg.SigningKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	watched := s.resolve(cfg.WatchedAssets)
	if len(watched) == 0 {
		return nil, ErrNoKnownAssets
	}

	query := transferQuery(watched, cfg.PayoutAddress)
	logs := make(chan types.Log, logBufferSize)
	c := &conn{}

	sub, err := s.subscribe(ctx, c, query, logs)
	if err != nil {
		c.close()
		return nil, err
	}

	runCtx, stop := context.WithCancel(context.Background())
	h := &handle{
		cfg:       cfg,
		startedAt: time.Now(),
		stop:      stop,
		done:      make(chan struct{}),
	}

	initial := sub
	failures := 0
	resub := event.ResubscribeErr(s.resubscribeBackoff, func(ctx context.Context, lastErr error) (event.Subscription, error) {
		if initial != nil {
			sub := initial
			initial = nil
			return sub, nil
		}
		if runCtx.Err() != nil {
			return nil, runCtx.Err()
		}

		s.logger.Warn("transfer subscription dropped, reconnecting",
			"identity", cfg.Identity,
			"attempt", failures+1,
			"error", lastErr)

		sub, err := s.subscribe(ctx, c, query, logs)
		if err != nil {
			failures++
			if failures >= s.maxResubscribes {
				s.logger.Error("giving up on transfer subscription",
					"identity", cfg.Identity,
					"attempts", failures,
					"error", err)
				h.Close()
			}
			return nil, err
		}
		failures = 0
		return sub, nil
	})

	go s.watch(runCtx, h, c, resub, logs, watched)

	s.logger.Debug("transfer subscription opened",
		"identity", cfg.Identity,
		"assets", len(watched))
	return h, nil
}

// subscribe replaces the connection held by c with a fresh one and opens
// the transfer log subscription on it
func (s *EVMStarter) subscribe(ctx context.Context, c *conn, query ethereum.FilterQuery, logs chan<- types.Log) (ethereum.Subscription, error) {
	c.close()

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	client, err := s.dial(dialCtx, s.nodeURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node: %w", err)
	}
	c.set(client)

	sub, err := client.SubscribeFilterLogs(dialCtx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to transfer logs: %w", err)
	}
	return sub, nil
}

func (s *EVMStarter) resolve(symbols []string) map[common.Address]Asset {
	watched := make(map[common.Address]Asset, len(symbols))
	for _, symbol := range symbols {
		asset, ok := s.assets[strings.ToUpper(symbol)]
		if !ok {
			s.logger.Warn("no contract configured for asset", "asset", symbol)
			continue
		}
		watched[asset.Contract] = asset
	}
	return watched
}

func (s *EVMStarter) watch(
	ctx context.Context,
	h *handle,
	c *conn,
	sub event.Subscription,
	logs <-chan types.Log,
	watched map[common.Address]Asset,
) {
	defer close(h.done)
	defer h.Close()
	defer c.close()
	defer sub.Unsubscribe()
	defer s.recoverWatch(h)

	for {
		select {
		case <-ctx.Done():
			return
		case lg := <-logs:
			fill, ok := decodeTransfer(h.cfg, watched, lg)
			if !ok {
				continue
			}
			if err := s.publisher.PublishFill(ctx, fill); err != nil {
				s.logger.Error("failed to publish fill", "identity", fill.Identity, "tx", fill.TxHash, "error", err)
			}
		}
	}
}

func (s *EVMStarter) recoverWatch(h *handle) {
	if r := recover(); r != nil {
		s.logger.Error("transfer watch panicked",
			"identity", h.cfg.Identity,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}

func transferQuery(watched map[common.Address]Asset, payout string) ethereum.FilterQuery {
	contracts := make([]common.Address, 0, len(watched))
	for contract := range watched {
		contracts = append(contracts, contract)
	}

	return ethereum.FilterQuery{
		Addresses: contracts,
		Topics: [][]common.Hash{
			{TransferTopic},
			nil,
			{common.BytesToHash(common.HexToAddress(payout).Bytes())},
		},
	}
}

// decodeTransfer turns a Transfer log into a fill when its scaled amount
// reaches the configured minimum
func decodeTransfer(cfg core.Configuration, watched map[common.Address]Asset, lg types.Log) (core.Fill, bool) {
	if lg.Removed || len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic || len(lg.Data) != 32 {
		return core.Fill{}, false
	}

	asset, ok := watched[lg.Address]
	if !ok {
		return core.Fill{}, false
	}

	to := common.BytesToAddress(lg.Topics[2].Bytes())
	if to != common.HexToAddress(cfg.PayoutAddress) {
		return core.Fill{}, false
	}

	amount := decimal.NewFromBigInt(new(big.Int).SetBytes(lg.Data), -asset.Decimals)
	if amount.LessThan(cfg.MinSize) {
		return core.Fill{}, false
	}

	return core.Fill{
		Identity:       cfg.Identity,
		Asset:          asset.Symbol,
		Amount:         amount.String(),
		From:           common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:             to.Hex(),
		TxHash:         lg.TxHash.Hex(),
		BlockNumber:    lg.BlockNumber,
		NotifyEndpoint: cfg.NotifyEndpoint,
		DetectedAt:     time.Now(),
	}, true
}

type handle struct {
	cfg       core.Configuration
	startedAt time.Time
	stop      context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (h *handle) Identity() core.Identity    { return h.cfg.Identity }
func (h *handle) Config() core.Configuration { return h.cfg }
func (h *handle) StartedAt() time.Time       { return h.startedAt }
func (h *handle) Done() <-chan struct{}      { return h.done }

// Close stops the watch loop, which releases the subscription and client on exit
func (h *handle) Close() error {
	h.once.Do(h.stop)
	return nil
}

// conn holds the node connection currently serving a monitor
type conn struct {
	mu     sync.Mutex
	client LogClient
}

func (c *conn) set(client LogClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

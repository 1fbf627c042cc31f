// Package app wires configuration into a connected escrow coordinator for
// the binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/crypto"

	"escrowdesk/internal/config"
	"escrowdesk/internal/escrow"
	"escrowdesk/internal/events"
	"escrowdesk/internal/ledger"
)

// App is a connected session and everything that has to be closed with it.
type App struct {
	Coordinator *escrow.Coordinator
	Gateway     ledger.Gateway
	Session     *ledger.Session
	Publisher   events.Publisher

	closers []func()
}

// NewLogger builds the stderr logger used by every binary.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Build dials the ledger (or starts the in-process simulator), connects the
// signing session and returns a coordinator for it.
func Build(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	if cfg.Chain.PrivateKey == "" {
		return nil, &ledger.ConnectionError{Err: errors.New("CHAIN_PRIVATE_KEY is not set")}
	}
	key, err := ledger.ParsePrivateKey(cfg.Chain.PrivateKey)
	if err != nil {
		return nil, &ledger.ConnectionError{Err: err}
	}

	a := &App{}
	var sessions ledger.SessionProvider
	if cfg.Chain.Simulate {
		sim := ledger.NewSimulator(cfg.Chain.RequiredChainID)
		a.Gateway = sim
		sessions = sim.Sessions(crypto.PubkeyToAddress(key.PublicKey))
		logger.Info("using in-process ledger simulator", "chain_id", sim.ChainID())
	} else {
		gw, err := ledger.DialEthGateway(ctx, ledger.EthGatewayConfig{
			RPCURL:          cfg.Chain.RPCURL,
			ContractAddress: cfg.Chain.ContractAddress,
			ConfirmTimeout:  cfg.Chain.ConfirmTimeout,
			PollInterval:    cfg.Chain.PollInterval,
			CallTimeout:     cfg.Chain.RPCTimeout,
			Retry: ledger.RetryPolicy{
				MaxAttempts:       cfg.Retry.MaxAttempts,
				InitialBackoff:    cfg.Retry.InitialBackoff,
				MaxBackoff:        cfg.Retry.MaxBackoff,
				BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, &ledger.ConnectionError{Err: err}
		}
		a.Gateway = gw
		a.closers = append(a.closers, gw.Close)
		sessions = gw.KeySessions(key)
	}

	session, err := sessions.Connect(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Session = session

	a.Publisher = &events.NoopPublisher{}
	if cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.Publisher = pub
	}
	pub := a.Publisher
	a.closers = append(a.closers, func() { _ = pub.Close() })

	coord, err := escrow.NewCoordinator(a.Gateway, session, escrow.Options{
		RequiredNetwork: cfg.Chain.RequiredChainID,
		Logger:          logger,
		Publisher:       a.Publisher,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Coordinator = coord

	logger.Info("session connected",
		"identity", session.Identity.Hex(),
		"network", session.NetworkID,
		"required", cfg.Chain.RequiredChainID)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

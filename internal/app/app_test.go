package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowdesk/internal/config"
	"escrowdesk/internal/ledger"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func simConfig() *config.AppConfig {
	return &config.AppConfig{
		Chain: config.ChainConfig{
			PrivateKey:      testKey,
			RequiredChainID: 31337,
			Simulate:        true,
		},
	}
}

func TestBuildWithSimulator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := Build(context.Background(), simConfig(), logger)
	require.NoError(t, err)
	defer a.Close()

	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), a.Session.Identity)
	assert.Equal(t, int64(31337), a.Session.NetworkID)
	assert.False(t, a.Coordinator.WrongNetwork())
	require.NoError(t, a.Coordinator.RefreshLists(context.Background()))
}

func TestBuildRequiresKey(t *testing.T) {
	cfg := simConfig()
	cfg.Chain.PrivateKey = ""
	_, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var connErr *ledger.ConnectionError
	assert.True(t, errors.As(err, &connErr))
}

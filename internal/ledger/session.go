package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
)

type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// KeySessionProvider connects a session signing with a local private key.
type KeySessionProvider struct {
	chain chainIDReader
	key   *ecdsa.PrivateKey
}

func (p *KeySessionProvider) Connect(ctx context.Context) (*Session, error) {
	if p.key == nil {
		return nil, &ConnectionError{Err: errors.New("no private key configured")}
	}
	chainID, err := p.chain.ChainID(ctx)
	if err != nil {
		return nil, &ConnectionError{Err: fmt.Errorf("fetch chain id: %w", err)}
	}

	opts, err := bind.NewKeyedTransactorWithChainID(p.key, chainID)
	if err != nil {
		return nil, &ConnectionError{Err: fmt.Errorf("transactor: %w", err)}
	}
	// Gas limit, price and nonce are left to the node.
	opts.GasLimit = 0
	opts.GasPrice = nil
	opts.Nonce = nil

	return NewSession(crypto.PubkeyToAddress(p.key.PublicKey), chainID.Int64(), opts), nil
}

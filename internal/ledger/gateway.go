// Package ledger adapts escrow intents to the EscrowList contract and
// normalizes what the ledger returns into domain records.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"escrowdesk/internal/model"
)

// Gateway is the fixed surface the coordinator drives.
type Gateway interface {
	// SubmitCreate funds a new agreement with amount wei from the session identity.
	SubmitCreate(ctx context.Context, s *Session, arbiter, beneficiary common.Address, amount *big.Int) (SubmissionHandle, error)
	SubmitApprove(ctx context.Context, s *Session, agreementID string) (SubmissionHandle, error)
	// Confirm blocks until the submission is final. Implementations bound the
	// wait themselves and fail with *ConfirmationError instead of hanging.
	Confirm(ctx context.Context, h SubmissionHandle) (Confirmed, error)
	QueryMine(ctx context.Context, s *Session) ([]model.Agreement, error)
	QueryToApprove(ctx context.Context, s *Session) ([]model.Agreement, error)
	Balance(ctx context.Context, who common.Address) (*big.Int, error)
}

// HealthChecker is implemented by gateways with a remote dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// SessionProvider yields an authenticated session.
type SessionProvider interface {
	Connect(ctx context.Context) (*Session, error)
}

type SubmissionHandle struct {
	Kind        model.ActionKind
	TxHash      string
	AgreementID string
}

type Confirmed struct {
	TxHash      string
	BlockNumber uint64
	// AgreementID is set for creates when the ledger reports the assigned id.
	AgreementID string
}

var errCannotSign = errors.New("session has no signing identity")

// Session is the connected identity and the network it reported at connect time.
type Session struct {
	Identity   common.Address
	NetworkID  int64
	transactor *bind.TransactOpts
}

// NewSession builds a session. A nil transactor yields a read-only session.
func NewSession(identity common.Address, networkID int64, transactor *bind.TransactOpts) *Session {
	return &Session{Identity: identity, NetworkID: networkID, transactor: transactor}
}

func (s *Session) CanSign() bool {
	return s != nil && s.transactor != nil
}

// transactOpts returns a per-call copy bound to ctx.
func (s *Session) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if !s.CanSign() {
		return nil, errCannotSign
	}
	opts := *s.transactor
	opts.Context = ctx
	opts.Value = nil
	return &opts, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"escrowdesk/internal/contracts"
	"escrowdesk/internal/model"
	"escrowdesk/internal/units"
)

// DefaultSimulatorBalance is credited to an identity the first time the
// simulator sees it: 1000 ether.
var DefaultSimulatorBalance = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))

// Simulator is an in-memory EscrowList ledger. Submissions are checked the
// way gas estimation would check them and take effect when confirmed.
type Simulator struct {
	mu       sync.Mutex
	chainID  int64
	block    uint64
	txSeq    uint64
	escrows  []*simEscrow
	balances map[common.Address]*big.Int
	mempool  map[string]simTx
	receipts map[string]simReceipt

	dropNext     bool
	queryFails   int
	queryErr     error
	keepApproved bool
}

type simEscrow struct {
	id          int64
	depositor   common.Address
	arbiter     common.Address
	beneficiary common.Address
	amount      *big.Int
	approved    bool
}

type simTx struct {
	kind        model.ActionKind
	from        common.Address
	arbiter     common.Address
	beneficiary common.Address
	amount      *big.Int
	escrowID    int64
	dropped     bool
}

type simReceipt struct {
	confirmed Confirmed
	err       error
}

func NewSimulator(chainID int64) *Simulator {
	return &Simulator{
		chainID:  chainID,
		balances: make(map[common.Address]*big.Int),
		mempool:  make(map[string]simTx),
		receipts: make(map[string]simReceipt),
	}
}

func (s *Simulator) ChainID() int64 { return s.chainID }

// Session returns a signing session for who on the simulator's chain.
func (s *Simulator) Session(who common.Address) *Session {
	return NewSession(who, s.chainID, &bind.TransactOpts{From: who})
}

// Sessions returns a provider that always connects as who.
func (s *Simulator) Sessions(who common.Address) SessionProvider {
	return simSessions{sim: s, who: who}
}

type simSessions struct {
	sim *Simulator
	who common.Address
}

func (p simSessions) Connect(context.Context) (*Session, error) {
	if p.who == (common.Address{}) {
		return nil, &ConnectionError{Err: errors.New("no identity configured")}
	}
	return p.sim.Session(p.who), nil
}

// DropNext makes the next submission vanish from the mempool so its
// confirmation fails.
func (s *Simulator) DropNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext = true
}

// FailQueries makes the next n list queries fail with err.
func (s *Simulator) FailQueries(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryFails = n
	s.queryErr = err
}

// IncludeApprovedInToApprove makes getListEscrowsToApprove return approved
// entries as well, like a contract that leaves filtering to clients.
func (s *Simulator) IncludeApprovedInToApprove(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepApproved = v
}

// Agreement reads an escrow directly from simulator storage.
func (s *Simulator) Agreement(id string) (model.Agreement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(id)
	if e == nil {
		return model.Agreement{}, false
	}
	return e.toAgreement(), true
}

func (s *Simulator) SubmitCreate(ctx context.Context, sess *Session, arbiter, beneficiary common.Address, amount *big.Int) (SubmissionHandle, error) {
	const op = contracts.MethodNewEscrow
	if err := ctx.Err(); err != nil {
		return SubmissionHandle{}, &SubmissionError{Op: op, Err: err}
	}
	if !sess.CanSign() {
		return SubmissionHandle{}, &SubmissionError{Op: op, Err: errCannotSign}
	}
	if amount == nil || amount.Sign() <= 0 {
		return SubmissionHandle{}, &RejectedError{Op: op, Reason: "value must be positive"}
	}
	if arbiter == (common.Address{}) || beneficiary == (common.Address{}) {
		return SubmissionHandle{}, &RejectedError{Op: op, Reason: "invalid address"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balanceLocked(sess.Identity).Cmp(amount) < 0 {
		return SubmissionHandle{}, &RejectedError{Op: op, Reason: "insufficient funds for transfer"}
	}
	hash := s.enqueueLocked(simTx{
		kind:        model.ActionCreate,
		from:        sess.Identity,
		arbiter:     arbiter,
		beneficiary: beneficiary,
		amount:      new(big.Int).Set(amount),
	})
	return SubmissionHandle{Kind: model.ActionCreate, TxHash: hash}, nil
}

func (s *Simulator) SubmitApprove(ctx context.Context, sess *Session, agreementID string) (SubmissionHandle, error) {
	const op = contracts.MethodApproveEscrow
	if err := ctx.Err(); err != nil {
		return SubmissionHandle{}, &SubmissionError{Op: op, Err: err}
	}
	if !sess.CanSign() {
		return SubmissionHandle{}, &SubmissionError{Op: op, Err: errCannotSign}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(agreementID)
	if e == nil {
		return SubmissionHandle{}, &RejectedError{Op: op, Reason: fmt.Sprintf("escrow %q does not exist", agreementID)}
	}
	if err := e.checkApprove(op, sess.Identity); err != nil {
		return SubmissionHandle{}, err
	}
	hash := s.enqueueLocked(simTx{kind: model.ActionApprove, from: sess.Identity, escrowID: e.id})
	return SubmissionHandle{Kind: model.ActionApprove, TxHash: hash, AgreementID: strconv.FormatInt(e.id, 10)}, nil
}

func (s *Simulator) Confirm(ctx context.Context, h SubmissionHandle) (Confirmed, error) {
	if err := ctx.Err(); err != nil {
		return Confirmed{}, &ConfirmationError{TxHash: h.TxHash, Reason: err.Error(), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[h.TxHash]; ok {
		return r.confirmed, r.err
	}
	tx, ok := s.mempool[h.TxHash]
	if !ok {
		return Confirmed{}, &ConfirmationError{TxHash: h.TxHash, Reason: "unknown transaction"}
	}
	delete(s.mempool, h.TxHash)

	var r simReceipt
	if tx.dropped {
		r.err = &ConfirmationError{TxHash: h.TxHash, Reason: "transaction dropped from mempool"}
	} else {
		r = s.executeLocked(h.TxHash, tx)
	}
	s.receipts[h.TxHash] = r
	return r.confirmed, r.err
}

// executeLocked applies a mined transaction. Conditions are re-checked since
// state may have moved between submission and inclusion.
func (s *Simulator) executeLocked(hash string, tx simTx) simReceipt {
	s.block++
	switch tx.kind {
	case model.ActionCreate:
		bal := s.balanceLocked(tx.from)
		if bal.Cmp(tx.amount) < 0 {
			return simReceipt{err: &ConfirmationError{TxHash: hash, Reason: "reverted: insufficient funds"}}
		}
		bal.Sub(bal, tx.amount)
		e := &simEscrow{
			id:          int64(len(s.escrows)),
			depositor:   tx.from,
			arbiter:     tx.arbiter,
			beneficiary: tx.beneficiary,
			amount:      tx.amount,
		}
		s.escrows = append(s.escrows, e)
		return simReceipt{confirmed: Confirmed{TxHash: hash, BlockNumber: s.block, AgreementID: strconv.FormatInt(e.id, 10)}}
	case model.ActionApprove:
		e := s.escrows[tx.escrowID]
		if err := e.checkApprove(contracts.MethodApproveEscrow, tx.from); err != nil {
			if IsAuthorization(err) {
				return simReceipt{err: err}
			}
			return simReceipt{err: &ConfirmationError{TxHash: hash, Reason: "reverted: " + err.Error(), Err: err}}
		}
		e.approved = true
		bal := s.balanceLocked(e.beneficiary)
		bal.Add(bal, e.amount)
		return simReceipt{confirmed: Confirmed{TxHash: hash, BlockNumber: s.block, AgreementID: strconv.FormatInt(e.id, 10)}}
	}
	return simReceipt{err: &ConfirmationError{TxHash: hash, Reason: "unsupported transaction"}}
}

func (s *Simulator) QueryMine(ctx context.Context, sess *Session) ([]model.Agreement, error) {
	return s.query(ctx, func(e *simEscrow) bool {
		return e.depositor == sess.Identity || e.beneficiary == sess.Identity
	})
}

func (s *Simulator) QueryToApprove(ctx context.Context, sess *Session) ([]model.Agreement, error) {
	return s.query(ctx, func(e *simEscrow) bool {
		return e.arbiter == sess.Identity && (!e.approved || s.keepApproved)
	})
}

func (s *Simulator) query(ctx context.Context, match func(*simEscrow) bool) ([]model.Agreement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryFails > 0 {
		s.queryFails--
		return nil, s.queryErr
	}
	out := make([]model.Agreement, 0)
	for _, e := range s.escrows {
		if match(e) {
			out = append(out, e.toAgreement())
		}
	}
	return out, nil
}

func (s *Simulator) Balance(ctx context.Context, who common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balanceLocked(who)), nil
}

func (s *Simulator) enqueueLocked(tx simTx) string {
	s.txSeq++
	tx.dropped = s.dropNext
	s.dropNext = false
	hash := crypto.Keccak256Hash(tx.from.Bytes(), new(big.Int).SetUint64(s.txSeq).Bytes()).Hex()
	s.mempool[hash] = tx
	return hash
}

func (s *Simulator) balanceLocked(who common.Address) *big.Int {
	bal, ok := s.balances[who]
	if !ok {
		bal = new(big.Int).Set(DefaultSimulatorBalance)
		s.balances[who] = bal
	}
	return bal
}

func (s *Simulator) lookup(id string) *simEscrow {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n < 0 || n >= int64(len(s.escrows)) {
		return nil
	}
	return s.escrows[n]
}

func (e *simEscrow) checkApprove(op string, caller common.Address) error {
	if caller != e.arbiter {
		return newAuthorizationError(op, ArbiterOnlyReason, nil)
	}
	if e.approved {
		return &RejectedError{Op: op, Reason: "escrow already approved"}
	}
	return nil
}

func (e *simEscrow) toAgreement() model.Agreement {
	return model.Agreement{
		ID:          strconv.FormatInt(e.id, 10),
		Depositor:   e.depositor,
		Arbiter:     e.arbiter,
		Beneficiary: e.beneficiary,
		Amount:      units.FormatEther(e.amount),
		Approved:    e.approved,
	}
}

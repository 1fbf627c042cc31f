// Package escrow coordinates the escrow lifecycle for one connected session:
// which agreements belong in which list, submitting create and approve
// actions, and tracking each action until the ledger settles it.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowdesk/internal/events"
	"escrowdesk/internal/idgen"
	"escrowdesk/internal/ledger"
	"escrowdesk/internal/model"
	"escrowdesk/internal/units"
)

type Options struct {
	// RequiredNetwork is the chain id the session must report before lists
	// are fetched or mutations submitted.
	RequiredNetwork int64
	Logger          *slog.Logger
	Publisher       events.Publisher
	Now             func() time.Time
	NewActionID     func() (string, error)
}

// Coordinator owns the agreement lists and pending actions of one session.
// The ledger is the source of truth: lists are replaced wholesale by
// re-querying, never patched locally.
//
// The mutex guards in-memory state only and is never held across a gateway
// call, so readers observe a pending action while it waits for finality.
type Coordinator struct {
	gateway  ledger.Gateway
	session  *ledger.Session
	required int64
	log      *slog.Logger
	events   events.Publisher
	now      func() time.Time
	newID    func() (string, error)

	mu           sync.Mutex
	mine         []model.Agreement
	toApprove    []model.Agreement
	wrongNetwork bool
	refreshedAt  time.Time

	// refreshGen numbers refreshes as they start; appliedGen is the newest
	// one whose lists were swapped in.
	refreshGen uint64
	appliedGen uint64

	actions  map[string]*model.PendingAction
	inflight map[string]string
}

func NewCoordinator(gateway ledger.Gateway, session *ledger.Session, opts Options) (*Coordinator, error) {
	if gateway == nil {
		return nil, errors.New("ledger gateway is required")
	}
	if session == nil {
		return nil, &ledger.ConnectionError{Err: errors.New("no session")}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewActionID
	if newID == nil {
		newID = idgen.NewActionID
	}

	return &Coordinator{
		gateway:      gateway,
		session:      session,
		required:     opts.RequiredNetwork,
		log:          logger.With("identity", session.Identity.Hex(), "network", session.NetworkID),
		events:       publisher,
		now:          now,
		newID:        newID,
		mine:         []model.Agreement{},
		toApprove:    []model.Agreement{},
		wrongNetwork: session.NetworkID != opts.RequiredNetwork,
		actions:      make(map[string]*model.PendingAction),
		inflight:     make(map[string]string),
	}, nil
}

func (c *Coordinator) Identity() common.Address { return c.session.Identity }

func (c *Coordinator) networkOK() bool {
	return c.session.NetworkID == c.required
}

// RefreshLists re-reads both lists from the ledger and swaps them in
// together. When either query fails the previous lists are kept. On a
// network mismatch both lists are cleared and ErrWrongNetwork is returned.
// A refresh that resolves after a newer one has applied is discarded.
func (c *Coordinator) RefreshLists(ctx context.Context) error {
	c.mu.Lock()
	c.refreshGen++
	gen := c.refreshGen
	c.mu.Unlock()

	if !c.networkOK() {
		c.mu.Lock()
		c.appliedGen = max(c.appliedGen, gen)
		c.mine = []model.Agreement{}
		c.toApprove = []model.Agreement{}
		c.wrongNetwork = true
		c.refreshedAt = c.now()
		c.mu.Unlock()

		c.log.Warn("lists not fetched on wrong network", "required", c.required)
		c.publish(ctx, events.TopicListsRefreshed, events.ListsRefreshed{
			Identity:     c.session.Identity.Hex(),
			WrongNetwork: true,
			At:           c.now(),
		})
		return ErrWrongNetwork
	}

	mine, err := c.gateway.QueryMine(ctx, c.session)
	if err != nil {
		return fmt.Errorf("refresh mine list: %w", err)
	}
	toApprove, err := c.gateway.QueryToApprove(ctx, c.session)
	if err != nil {
		return fmt.Errorf("refresh to-approve list: %w", err)
	}

	me := c.session.Identity
	mine = keep(mine, func(a model.Agreement) bool { return a.InvolvesAsParty(me) })
	// The ledger may or may not drop approved entries itself.
	toApprove = keep(toApprove, func(a model.Agreement) bool { return a.AwaitsApprovalFrom(me) })

	c.mu.Lock()
	if gen < c.appliedGen {
		c.mu.Unlock()
		c.log.Debug("stale refresh discarded", "generation", gen, "applied", c.appliedGen)
		return nil
	}
	c.appliedGen = gen
	c.mine = mine
	c.toApprove = toApprove
	c.wrongNetwork = false
	c.refreshedAt = c.now()
	c.mu.Unlock()

	c.log.Debug("lists refreshed", "mine", len(mine), "to_approve", len(toApprove))
	c.publish(ctx, events.TopicListsRefreshed, events.ListsRefreshed{
		Identity:  me.Hex(),
		Mine:      len(mine),
		ToApprove: len(toApprove),
		At:        c.now(),
	})
	return nil
}

type CreateRequest struct {
	Arbiter     string `json:"arbiter"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

// CreateAgreement validates the request, submits it, waits for finality and
// then refreshes both lists whatever the outcome. Validation and network
// failures return before anything is submitted.
func (c *Coordinator) CreateAgreement(ctx context.Context, req CreateRequest) Result {
	arbiter, beneficiary, wei, verr := c.validateCreate(req)
	if verr != nil {
		return failure(ReasonValidation, verr.Error(), nil)
	}
	if !c.networkOK() {
		return c.wrongNetworkResult()
	}

	guard := fmt.Sprintf("create:%s:%s:%s", arbiter.Hex(), beneficiary.Hex(), wei.String())
	action, busy, err := c.begin(model.ActionCreate, "", guard)
	if err != nil {
		return failure(ReasonSubmission, msgCreateFailed, err)
	}
	if busy {
		return failure(ReasonBusy, msgAlreadyPending, nil)
	}

	res := c.run(ctx, action, guard, func() (ledger.SubmissionHandle, error) {
		return c.gateway.SubmitCreate(ctx, c.session, arbiter, beneficiary, wei)
	})
	if res.OK {
		res.Message = msgCreated
	} else {
		res.Message = msgCreateFailed
		if res.Reason == ReasonNotArbiter {
			res.Reason = ReasonRejected
		}
	}

	if err := c.RefreshLists(ctx); err != nil && !errors.Is(err, ErrWrongNetwork) {
		c.log.Warn("refresh after create failed", "action", action.ID, "err", err)
		res.ListsStale = true
	}
	return res
}

// ApproveAgreement submits an approval and waits for finality. It does not
// refresh the lists, so a batch of approvals can share one refresh.
func (c *Coordinator) ApproveAgreement(ctx context.Context, agreementID string) Result {
	id, verr := validateAgreementID(agreementID)
	if verr != nil {
		return failure(ReasonValidation, verr.Error(), nil)
	}
	if !c.networkOK() {
		return c.wrongNetworkResult()
	}

	guard := "approve:" + id
	action, busy, err := c.begin(model.ActionApprove, id, guard)
	if err != nil {
		return failure(ReasonSubmission, msgApproveFailed, err)
	}
	if busy {
		return failure(ReasonBusy, msgAlreadyPending, nil)
	}

	res := c.run(ctx, action, guard, func() (ledger.SubmissionHandle, error) {
		return c.gateway.SubmitApprove(ctx, c.session, id)
	})
	switch {
	case res.OK:
		res.Message = msgApproved
	case res.Reason == ReasonNotArbiter:
		res.Message = msgNotArbiter
	default:
		res.Message = msgApproveFailed
	}
	return res
}

// ApproveBatch approves each id in turn and refreshes the lists once at the end.
func (c *Coordinator) ApproveBatch(ctx context.Context, ids []string) []Result {
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		results = append(results, c.ApproveAgreement(ctx, id))
	}
	if err := c.RefreshLists(ctx); err != nil && !errors.Is(err, ErrWrongNetwork) {
		c.log.Warn("refresh after approvals failed", "err", err)
		for i := range results {
			results[i].ListsStale = true
		}
	}
	return results
}

// run drives one action through submit and confirm and settles it.
func (c *Coordinator) run(ctx context.Context, action model.PendingAction, guard string, submit func() (ledger.SubmissionHandle, error)) Result {
	defer c.release(guard)

	handle, err := submit()
	if err != nil {
		c.log.Warn("submission failed", "kind", action.Kind, "action", action.ID, "err", err)
		settled := c.settle(ctx, action.ID, model.StatusFailed, "", err)
		res := failure(reasonFor(err), "", err)
		res.ActionID = settled.ID
		res.AgreementID = settled.AgreementID
		return res
	}

	c.mu.Lock()
	a := c.actions[action.ID]
	a.TxHash = handle.TxHash
	submitted := *a
	c.mu.Unlock()
	c.log.Info("action submitted", "kind", action.Kind, "action", action.ID, "tx", handle.TxHash)
	c.publish(ctx, events.TopicActionSubmitted, events.ActionEvent{Identity: c.session.Identity.Hex(), Action: submitted})

	confirmed, err := c.gateway.Confirm(ctx, handle)
	if err != nil {
		c.log.Warn("action failed", "kind", action.Kind, "action", action.ID, "tx", handle.TxHash, "err", err)
		settled := c.settle(ctx, action.ID, model.StatusFailed, "", err)
		res := failure(reasonFor(err), "", err)
		res.ActionID = settled.ID
		res.AgreementID = settled.AgreementID
		res.TxHash = handle.TxHash
		return res
	}

	settled := c.settle(ctx, action.ID, model.StatusConfirmed, confirmed.AgreementID, nil)
	c.log.Info("action confirmed", "kind", action.Kind, "action", action.ID, "tx", handle.TxHash, "block", confirmed.BlockNumber)
	return Result{
		OK:          true,
		ActionID:    settled.ID,
		AgreementID: settled.AgreementID,
		TxHash:      handle.TxHash,
	}
}

// begin registers a submitted action unless guard is already held by a
// non-terminal one.
func (c *Coordinator) begin(kind model.ActionKind, agreementID, guard string) (model.PendingAction, bool, error) {
	id, err := c.newID()
	if err != nil {
		return model.PendingAction{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.inflight[guard]; held {
		return model.PendingAction{}, true, nil
	}
	action := &model.PendingAction{
		ID:          id,
		Kind:        kind,
		AgreementID: agreementID,
		Status:      model.StatusSubmitted,
		SubmittedAt: c.now(),
	}
	c.actions[id] = action
	c.inflight[guard] = id
	return *action, false, nil
}

func (c *Coordinator) release(guard string) {
	c.mu.Lock()
	delete(c.inflight, guard)
	c.mu.Unlock()
}

func (c *Coordinator) settle(ctx context.Context, actionID string, status model.ActionStatus, agreementID string, cause error) model.PendingAction {
	c.mu.Lock()
	a := c.actions[actionID]
	at := c.now()
	a.Status = status
	a.SettledAt = &at
	if agreementID != "" {
		a.AgreementID = agreementID
	}
	if cause != nil {
		a.Error = cause.Error()
	}
	snapshot := *a
	c.mu.Unlock()

	ev := events.ActionEvent{Identity: c.session.Identity.Hex(), Action: snapshot}
	if cause != nil {
		ev.Reason = string(reasonFor(cause))
	}
	c.publish(ctx, events.TopicForStatus(status), ev)
	return snapshot
}

func (c *Coordinator) wrongNetworkResult() Result {
	return failure(ReasonWrongNetwork,
		fmt.Sprintf("Wrong network, switch to chain %d", c.required),
		fmt.Errorf("%w: session on chain %d", ErrWrongNetwork, c.session.NetworkID))
}

func (c *Coordinator) publish(ctx context.Context, topic string, event any) {
	if err := c.events.Publish(ctx, topic, event); err != nil {
		c.log.Warn("event publish failed", "topic", topic, "err", err)
	}
}

// Mine returns the agreements the session funded or benefits from.
func (c *Coordinator) Mine() []model.Agreement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Agreement{}, c.mine...)
}

// ToApprove returns the unapproved agreements the session arbitrates.
func (c *Coordinator) ToApprove() []model.Agreement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Agreement{}, c.toApprove...)
}

func (c *Coordinator) WrongNetwork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wrongNetwork
}

func (c *Coordinator) RefreshedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshedAt
}

// Pending returns every tracked action, oldest first.
func (c *Coordinator) Pending() []model.PendingAction {
	c.mu.Lock()
	out := make([]model.PendingAction, 0, len(c.actions))
	for _, a := range c.actions {
		out = append(out, *a)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func (c *Coordinator) Action(id string) (model.PendingAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[id]
	if !ok {
		return model.PendingAction{}, false
	}
	return *a, true
}

// Acknowledge discards a terminal action once its outcome has been shown.
func (c *Coordinator) Acknowledge(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[id]
	if !ok {
		return ErrUnknownAction
	}
	if !a.Status.Terminal() {
		return ErrActionNotTerminal
	}
	delete(c.actions, id)
	return nil
}

type SessionInfo struct {
	Identity        string `json:"identity"`
	NetworkID       int64  `json:"networkId"`
	RequiredNetwork int64  `json:"requiredNetwork"`
	CorrectNetwork  bool   `json:"correctNetwork"`
	Balance         string `json:"balance"`
}

// Session reports the identity and a freshly read balance. The balance is
// readable on any network.
func (c *Coordinator) Session(ctx context.Context) (SessionInfo, error) {
	info := SessionInfo{
		Identity:        c.session.Identity.Hex(),
		NetworkID:       c.session.NetworkID,
		RequiredNetwork: c.required,
		CorrectNetwork:  c.networkOK(),
	}
	wei, err := c.gateway.Balance(ctx, c.session.Identity)
	if err != nil {
		return info, fmt.Errorf("read balance: %w", err)
	}
	info.Balance = units.FormatEther(wei)
	return info, nil
}

func keep(in []model.Agreement, pred func(model.Agreement) bool) []model.Agreement {
	out := make([]model.Agreement, 0, len(in))
	for _, a := range in {
		if pred(a) {
			out = append(out, a)
		}
	}
	return out
}

package model

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Agreement is an escrow agreement as read back from the ledger. Amount is
// the human-scale decimal (ether) rendering of the funded base-unit value.
type Agreement struct {
	ID          string         `json:"id"`
	Depositor   common.Address `json:"depositor"`
	Arbiter     common.Address `json:"arbiter"`
	Beneficiary common.Address `json:"beneficiary"`
	Amount      string         `json:"amount"`
	Approved    bool           `json:"approved"`
}

// InvolvesAsParty reports whether who funded or receives the agreement.
func (a Agreement) InvolvesAsParty(who common.Address) bool {
	return a.Depositor == who || a.Beneficiary == who
}

// AwaitsApprovalFrom reports whether who is the arbiter of a still-unapproved agreement.
func (a Agreement) AwaitsApprovalFrom(who common.Address) bool {
	return a.Arbiter == who && !a.Approved
}

type ActionKind string

const (
	ActionCreate  ActionKind = "create"
	ActionApprove ActionKind = "approve"
)

type ActionStatus string

const (
	StatusSubmitted ActionStatus = "submitted"
	StatusConfirmed ActionStatus = "confirmed"
	StatusFailed    ActionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ActionStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// PendingAction tracks one ledger-mutating request from submission to finality.
// AgreementID is empty for a create until the ledger reports the assigned id.
type PendingAction struct {
	ID          string       `json:"id"`
	Kind        ActionKind   `json:"kind"`
	AgreementID string       `json:"agreementId,omitempty"`
	TxHash      string       `json:"txHash,omitempty"`
	Status      ActionStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	SubmittedAt time.Time    `json:"submittedAt"`
	SettledAt   *time.Time   `json:"settledAt,omitempty"`
}

// ParseIdentity accepts a 0x-prefixed hex address, ignoring surrounding space.
func ParseIdentity(raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

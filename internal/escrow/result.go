package escrow

import (
	"errors"
	"fmt"

	"escrowdesk/internal/ledger"
)

// ErrWrongNetwork is reported when the session's network differs from the
// required one. Lists stay empty and mutations are refused.
var ErrWrongNetwork = errors.New("wrong network")

var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrActionNotTerminal = errors.New("action has not reached a terminal status")
)

// ValidationError describes caller input that must be corrected before resubmitting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Reason tags a failed Result.
type Reason string

const (
	ReasonValidation   Reason = "validation"
	ReasonWrongNetwork Reason = "wrong_network"
	ReasonNotArbiter   Reason = "not_arbiter"
	ReasonRejected     Reason = "rejected"
	ReasonSubmission   Reason = "submission"
	ReasonConfirmation Reason = "confirmation"
	ReasonBusy         Reason = "busy"
)

const (
	msgCreated        = "Contract created"
	msgCreateFailed   = "Error during creation of new contract"
	msgApproved       = "Contract approved"
	msgApproveFailed  = "Error during approval"
	msgNotArbiter     = "Only the arbiter can approve it"
	msgAlreadyPending = "An action for this escrow is already pending"
)

// Result is the tagged outcome of a create or approve. Message is meant for
// display; Detail carries the underlying error text.
type Result struct {
	OK          bool   `json:"ok"`
	Reason      Reason `json:"reason,omitempty"`
	Message     string `json:"message"`
	Detail      string `json:"detail,omitempty"`
	ActionID    string `json:"actionId,omitempty"`
	AgreementID string `json:"agreementId,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	// ListsStale is set when the follow-up refresh failed and the lists
	// still reflect the previous read.
	ListsStale bool `json:"listsStale,omitempty"`
}

func failure(reason Reason, message string, err error) Result {
	r := Result{Reason: reason, Message: message}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}

// reasonFor maps a gateway error onto a Reason. Authorization is checked
// first since it unwraps to a rejection, and a revert seen at confirmation
// stays a confirmation failure even when it wraps the rejection cause.
func reasonFor(err error) Reason {
	var (
		rejected *ledger.RejectedError
		confirm  *ledger.ConfirmationError
	)
	switch {
	case ledger.IsAuthorization(err):
		return ReasonNotArbiter
	case errors.As(err, &confirm):
		return ReasonConfirmation
	case errors.As(err, &rejected):
		return ReasonRejected
	default:
		return ReasonSubmission
	}
}

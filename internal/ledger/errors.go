package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ArbiterOnlyReason is the revert reason the EscrowList contract uses when
// someone other than the recorded arbiter calls approveEscrow.
const ArbiterOnlyReason = "Only the arbiter can approve it"

// ConnectionError means no signing identity could be obtained.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "connect: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// SubmissionError means the request never reached the ledger: the session
// cannot sign or the transport failed.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: submission failed: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RejectedError means the ledger refused the call synchronously.
type RejectedError struct {
	Op     string
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// AuthorizationError is the rejection raised when the caller is not the
// agreement's arbiter. It unwraps to a *RejectedError.
type AuthorizationError struct {
	Rejected *RejectedError
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: not authorized: %s", e.Rejected.Op, e.Rejected.Reason)
}

func (e *AuthorizationError) Unwrap() error { return e.Rejected }

// ConfirmationError means a submission was accepted but never reached
// finality, or was reverted when mined.
type ConfirmationError struct {
	TxHash string
	Reason string
	Err    error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("confirm %s: %s", e.TxHash, e.Reason)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

func newAuthorizationError(op, reason string, err error) *AuthorizationError {
	return &AuthorizationError{Rejected: &RejectedError{Op: op, Reason: reason, Err: err}}
}

// IsAuthorization reports whether err carries an AuthorizationError.
func IsAuthorization(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}

// classifySubmitError maps an error returned while building, estimating or
// sending a transaction onto the gateway taxonomy.
func classifySubmitError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, ArbiterOnlyReason):
		return newAuthorizationError(op, ArbiterOnlyReason, err)
	case isRejection(msg):
		return &RejectedError{Op: op, Reason: revertReason(msg), Err: err}
	default:
		return &SubmissionError{Op: op, Err: err}
	}
}

func isRejection(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"execution reverted",
		"invalid argument",
		"invalid address",
		"abi:",
		"insufficient funds",
		"gas required exceeds allowance",
		"intrinsic gas too low",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// revertReason strips the node's "execution reverted: " prefix when present.
func revertReason(msg string) string {
	const prefix = "execution reverted: "
	if i := strings.Index(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return msg
}

// Package events publishes escrow lifecycle notifications.
package events

import (
	"context"
	"time"

	"escrowdesk/internal/model"
)

const (
	TopicActionSubmitted = "escrow.action.submitted"
	TopicActionConfirmed = "escrow.action.confirmed"
	TopicActionFailed    = "escrow.action.failed"
	TopicListsRefreshed  = "escrow.lists.refreshed"
)

type ActionEvent struct {
	Identity string              `json:"identity"`
	Action   model.PendingAction `json:"action"`
	Reason   string              `json:"reason,omitempty"`
}

type ListsRefreshed struct {
	Identity     string    `json:"identity"`
	Mine         int       `json:"mine"`
	ToApprove    int       `json:"toApprove"`
	WrongNetwork bool      `json:"wrongNetwork"`
	At           time.Time `json:"at"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// TopicForStatus maps a pending action status to its topic.
func TopicForStatus(status model.ActionStatus) string {
	switch status {
	case model.StatusConfirmed:
		return TopicActionConfirmed
	case model.StatusFailed:
		return TopicActionFailed
	default:
		return TopicActionSubmitted
	}
}

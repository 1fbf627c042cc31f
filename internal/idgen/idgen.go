// Package idgen generates identifiers for pending ledger actions and requests.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// ActionPrefix is prepended to every pending action id.
const ActionPrefix = "act-"

const (
	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	length   = 12
)

// NewActionID returns a fresh pending action id such as "act-k3j9x0q2m1ab".
func NewActionID() (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return ActionPrefix + id, nil
}

// NewRequestID returns an id for correlating one HTTP request in logs.
func NewRequestID() string {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "req-unknown"
	}
	return "req-" + id
}

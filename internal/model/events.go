package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a state change emitted by the recovery module.
type EventType string

// Event types, one per ledger transition.
const (
	EventGuardianAdded     EventType = "GuardianAdded"
	EventGuardianRevoked   EventType = "GuardianRevoked"
	EventChangedThreshold  EventType = "ChangedThreshold"
	EventRecoveryExecuted  EventType = "RecoveryExecuted"
	EventRecoveryCanceled  EventType = "RecoveryCanceled"
	EventRecoveryFinalized EventType = "RecoveryFinalized"
)

// Event is an append-only log entry for an account. Seq is assigned by the
// event store and increases per account.
type Event struct {
	Account       common.Address `json:"account"`
	Seq           uint64         `json:"seq"`
	Type          EventType      `json:"type"`
	Actor         string         `json:"actor,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	At            time.Time      `json:"at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

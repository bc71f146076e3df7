// Package idempotency runs a handler at most once per key. The settlement
// worker keys each dispensation on Hash(DispenseID, PolicyID) so a redelivered
// message never accumulates into a deductible twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxEntry is one remembered key
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long a key is remembered
	DefaultTTL time.Duration
	// CleanupInterval is how often expired keys are purged
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// IsTerminal marks handler errors that must never be reprocessed. Nil treats every error as recoverable.
	IsTerminal func(err error) bool
}

// DefaultInboxConfig returns the defaults used by the settlement worker
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

func (c InboxConfig) statusFor(err error) Status {
	if c.IsTerminal != nil && c.IsTerminal(err) {
		return StatusFailed
	}
	return StatusRecoverable
}

var (
	// ErrMessageInProgress means another handler holds the key
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the key failed terminally and will not be retried
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// ProcessResult reports how a key was handled
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Processor runs a handler at most once per idempotency key. A finished key
// returns the stored result, a failed key is refused and an in-flight key
// reports ErrMessageInProgress.
type Processor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error)
}

// GenerateKey creates a deterministic idempotency key for settling one
// dispensation against one policy
func GenerateKey(dispenseID, policyID string) string {
	data := strings.Join([]string{strings.TrimSpace(dispenseID), strings.TrimSpace(policyID)}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func errorResult(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

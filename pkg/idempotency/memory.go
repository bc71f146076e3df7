package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryInbox is the in-process Processor used with the memory store driver and in tests
type MemoryInbox struct {
	mu      sync.Mutex
	config  InboxConfig
	entries map[string]*InboxEntry
	now     func() time.Time
}

var _ Processor = (*MemoryInbox)(nil)

// NewMemoryInbox creates an empty in-memory inbox
func NewMemoryInbox(cfg InboxConfig) *MemoryInbox {
	return &MemoryInbox{
		config:  cfg,
		entries: make(map[string]*InboxEntry),
		now:     time.Now,
	}
}

// Process executes fn unless key was already handled
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	entry, exists := m.entries[key]
	recovered := false
	if exists {
		switch entry.Status {
		case StatusFinished:
			result := entry.Result
			m.mu.Unlock()
			return &ProcessResult{IsNew: false, Result: result}, nil
		case StatusFailed:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if m.now().Sub(entry.UpdatedAt) <= m.config.RecoveryTimeout {
				m.mu.Unlock()
				return nil, ErrMessageInProgress
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	now := m.now()
	if !exists {
		entry = &InboxEntry{IdempotencyKey: key, HandlerName: handlerName, Payload: payload, CreatedAt: now}
		m.entries[key] = entry
	}
	entry.Status = StatusStarted
	entry.UpdatedAt = now
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry.UpdatedAt = m.now()
	if err != nil {
		entry.Status = m.config.statusFor(err)
		entry.Result = errorResult(err)
		return nil, err
	}
	entry.Status = StatusFinished
	entry.Result = result
	return &ProcessResult{IsNew: !exists, WasRecovered: recovered, Result: result}, nil
}

// Status returns the status recorded for key
func (m *MemoryInbox) Status(key string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	return e.Status, true
}

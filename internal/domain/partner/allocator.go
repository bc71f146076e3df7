package partner

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CodeAllocator hands out patient identifiers
type CodeAllocator interface {
	Next(ctx context.Context) (string, error)
}

// CodeFormat is the prefix and zero padding of patient codes
type CodeFormat struct {
	Prefix string
	Width  int
}

// DefaultCodeFormat yields PAC00001, PAC00002, ...
func DefaultCodeFormat() CodeFormat {
	return CodeFormat{Prefix: "PAC", Width: 5}
}

// Format renders sequence number n
func (f CodeFormat) Format(n int64) string {
	return fmt.Sprintf("%s%0*d", f.Prefix, f.Width, n)
}

// CounterAllocator numbers codes in process, starting at 1
type CounterAllocator struct {
	format CodeFormat
	mu     sync.Mutex
	next   int64
}

// NewCounterAllocator creates an in-memory allocator
func NewCounterAllocator(format CodeFormat) *CounterAllocator {
	return &CounterAllocator{format: format, next: 1}
}

// Next returns the next code
func (a *CounterAllocator) Next(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.next
	a.next++
	return a.format.Format(n), nil
}

// SequenceAllocator draws numbers from the patient_code_seq sequence
type SequenceAllocator struct {
	pool   *pgxpool.Pool
	format CodeFormat
}

// NewSequenceAllocator creates an allocator over the database sequence
func NewSequenceAllocator(pool *pgxpool.Pool, format CodeFormat) *SequenceAllocator {
	return &SequenceAllocator{pool: pool, format: format}
}

// Next returns the next code. Numbers are never reused, even after a rollback.
func (a *SequenceAllocator) Next(ctx context.Context) (string, error) {
	var n int64
	if err := a.pool.QueryRow(ctx, `SELECT nextval('patient_code_seq')`).Scan(&n); err != nil {
		return "", fmt.Errorf("next patient code: %w", err)
	}
	return a.format.Format(n), nil
}

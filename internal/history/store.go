// Package history persists decision and operation outcomes so every
// rebalance the system executed (or declined) can be explained later.
// Records are append-only; stores keep a bounded ring of the most
// recent entries except Postgres, which keeps everything.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

// DefaultCapacity bounds the in-memory ring when the config leaves it unset.
const DefaultCapacity = 500

// ErrNotFound is returned by Get when no record matches the id.
var ErrNotFound = errors.New("history: record not found")

// Outcome summarizes what happened to a decision.
type Outcome string

const (
	OutcomeHold     Outcome = "hold"     // decision moved nothing
	OutcomeExecuted Outcome = "executed" // every message finalized
	OutcomePartial  Outcome = "partial"  // some messages failed terminally
	OutcomeFailed   Outcome = "failed"   // no message finalized
	OutcomeRejected Outcome = "rejected" // refused before submission
	OutcomeDryRun   Outcome = "dry_run"  // evaluated without submission
)

// MessageOutcome is the per-message slice of an operation outcome.
// Amounts and fees are decimal strings so records stay self-describing
// across format versions.
type MessageOutcome struct {
	MessageID string `json:"message_id,omitempty"`
	Route     string `json:"route"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	FeeNative string `json:"fee_native,omitempty"`
}

// Record ties one decision to its operation outcome. ID is the
// decision id; OperationID is zero when the decision never reached the
// orchestrator. ErrorKind and ErrorReason carry the short classified
// failure, never stack traces.
type Record struct {
	ID          uuid.UUID        `json:"id"`
	OperationID uuid.UUID        `json:"operation_id,omitempty"`
	Decision    *voting.Decision `json:"decision"`
	Outcome     Outcome          `json:"outcome"`
	Messages    []MessageOutcome `json:"messages,omitempty"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	ErrorReason string           `json:"error_reason,omitempty"`
	RecordedAt  time.Time        `json:"recorded_at"`
}

// HoldRecord builds the record for a decision that moved nothing.
func HoldRecord(d *voting.Decision) Record {
	return Record{
		ID:         d.ID,
		Decision:   d,
		Outcome:    OutcomeHold,
		RecordedAt: time.Now().UTC(),
	}
}

// Store is the persistence contract. List returns newest-first, at
// most limit records; limit <= 0 applies the store default. Get
// matches either the decision id or the operation id.
type Store interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	Len() int
	Close() error
}

// Open builds the store the config selects: Postgres when a DSN is
// set, the JSONL file when a path is set, otherwise memory only.
func Open(ctx context.Context, cfg config.HistoryConfig) (Store, error) {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	switch {
	case cfg.GetHistoryDSN() != "":
		return OpenPostgres(ctx, cfg.GetHistoryDSN())
	case cfg.Path != "":
		return NewFileStore(cfg.Path, capacity)
	default:
		return NewMemoryStore(capacity), nil
	}
}

// ring is a fixed-capacity record buffer shared by the memory and file
// stores. Not safe for concurrent use; callers lock.
type ring struct {
	buf   []Record
	next  int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ring{buf: make([]Record, capacity)}
}

func (r *ring) add(rec Record) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// list returns up to limit records, newest first.
func (r *ring) list(limit int) []Record {
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]Record, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *ring) get(id uuid.UUID) (Record, bool) {
	for i := 1; i <= r.count; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		rec := r.buf[idx]
		if rec.ID == id || rec.OperationID == id {
			return rec, true
		}
	}
	return Record{}, false
}

func (r *ring) snapshot() []Record {
	out := make([]Record, 0, r.count)
	for i := r.count; i >= 1; i-- {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

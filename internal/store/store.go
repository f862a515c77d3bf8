// Package store defines the key-addressed persistence interface for the
// exchange. Implementations include Redis (production), PostgreSQL
// (durable source of truth), and in-memory (for testing).
//
// Every operation is atomic at the single-key level only. Multi-key
// consistency is the caller's responsibility, achieved through the named
// per-key locks exposed by Lock.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for absent keys.
	ErrNotFound = errors.New("store: key not found")

	// ErrLockHeld is returned by Lock when the lease could not be acquired
	// within the bounded wait. Callers treat it as a retryable
	// concurrency conflict, never as corruption.
	ErrLockHeld = errors.New("store: lock already held")
)

// UnlockFunc releases a lock lease. Safe to call more than once.
type UnlockFunc func()

// Store is the persistence interface.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value at key, creating or replacing it.
	Set(ctx context.Context, key string, value []byte) error

	// Append appends value to the list at key, creating it if absent.
	Append(ctx context.Context, key string, value []byte) error

	// Range returns list elements in [start, stop] (inclusive, zero-based;
	// negative indexes count from the end, Redis LRANGE semantics).
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Trim discards all but the last keep elements of the list at key.
	Trim(ctx context.Context, key string, keep int64) error

	// AddToSet adds member to the set at key.
	AddToSet(ctx context.Context, key, member string) error

	// RemoveFromSet removes member from the set at key.
	RemoveFromSet(ctx context.Context, key, member string) error

	// Members returns all members of the set at key (empty when absent).
	Members(ctx context.Context, key string) ([]string, error)

	// Lock acquires the named mutual-exclusion lease, waiting up to the
	// implementation's configured bound. On success the returned UnlockFunc
	// must be called on every exit path. On contention it returns
	// ErrLockHeld rather than hanging.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// --- Key layout ---
//
// The logical layout is shared by all implementations so that the ledger,
// engine, and resolution packages address state uniformly.

func EventsKey() string                { return "events" }
func EventKey(id string) string        { return "event:" + id }
func OrderKey(id string) string        { return "order:" + id }
func EventOrdersKey(id string) string  { return "event:" + id + ":orders" }
func TradesKey(eventID string) string  { return "event:" + eventID + ":trades" }
func PricesKey(eventID string) string  { return "event:" + eventID + ":prices" }
func AuditKey(eventID string) string   { return "event:" + eventID + ":audit" }
func RulesKey(eventID string) string   { return "event:" + eventID + ":rules" }
func PoolKey(eventID string) string    { return "event:" + eventID + ":collateral" }
func ProposalKey(eventID string) string { return "event:" + eventID + ":proposal" }
func HoldersKey(eventID string) string { return "event:" + eventID + ":positions" }
func BalanceKey(userID string) string  { return "balance:" + userID }
func PositionKey(eventID, userID string) string {
	return "position:" + eventID + ":" + userID
}

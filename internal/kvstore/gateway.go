// Package kvstore is the Key-Value Store Gateway: a thin, reconnecting
// client to an external KV store exposing atomic watched transactions,
// hash/set operations, and pub/sub. All durable core state goes through
// this package; nothing else talks to Redis directly.
package kvstore

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ParseInt64 and FormatInt64 let an alternate Gateway implementation (e.g.
// kvstoretest.Fake) reproduce Redis's HINCRBY semantics on a string-typed
// hash field without depending on a particular integer encoding elsewhere.
func ParseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func FormatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

// ErrWatchConflict is returned by RunAtomic when every retry attempt hit a
// concurrent modification of one of the watched keys.
var ErrWatchConflict = errors.New("kvstore: watch conflict exceeded retry budget")

// ErrNotFound is returned by single-field reads when the key or field is
// absent.
var ErrNotFound = errors.New("kvstore: not found")

// Subscription is a live pub/sub subscription on one channel.
type Subscription interface {
	// Channel delivers published message payloads until Close is called.
	Channel() <-chan string
	Close() error
}

// Reader is the read surface available inside a RunAtomic transaction body,
// backed by the keys passed to RunAtomic (and watched for conflicting
// writes between the read and the eventual commit).
type Reader interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// Writer accumulates the mutations a RunAtomic body wants to commit. The
// mutations are only applied if none of the watched keys changed since the
// Reader read them; otherwise RunAtomic retries the whole body.
type Writer struct {
	ops []Op
}

// OpKind tags the kind of mutation a queued Op represents.
type OpKind int

const (
	OpHSet OpKind = iota
	OpHIncrBy
	OpHDel
	OpSAdd
	OpSRem
	OpRPush
	OpDel
	OpPublish
)

// Op is one queued mutation. Exported so alternate Gateway implementations
// (e.g. kvstoretest.Fake) can apply a Writer's operations themselves.
type Op struct {
	Kind    OpKind
	Key     string
	Field   string
	Fields  []string
	Values  map[string]string
	Members []string
	Delta   int64
	Channel string
	Message string
}

// Ops returns the operations queued on this Writer, in order.
func (w *Writer) Ops() []Op { return w.ops }

func (w *Writer) HSet(key string, values map[string]string) {
	w.ops = append(w.ops, Op{Kind: OpHSet, Key: key, Values: values})
}

func (w *Writer) HIncrBy(key, field string, delta int64) {
	w.ops = append(w.ops, Op{Kind: OpHIncrBy, Key: key, Field: field, Delta: delta})
}

func (w *Writer) HDel(key string, fields ...string) {
	w.ops = append(w.ops, Op{Kind: OpHDel, Key: key, Fields: fields})
}

func (w *Writer) SAdd(key string, members ...string) {
	w.ops = append(w.ops, Op{Kind: OpSAdd, Key: key, Members: members})
}

func (w *Writer) SRem(key string, members ...string) {
	w.ops = append(w.ops, Op{Kind: OpSRem, Key: key, Members: members})
}

func (w *Writer) RPush(key string, values ...string) {
	w.ops = append(w.ops, Op{Kind: OpRPush, Key: key, Members: values})
}

func (w *Writer) Del(keys ...string) {
	for _, k := range keys {
		w.ops = append(w.ops, Op{Kind: OpDel, Key: k})
	}
}

func (w *Writer) Publish(channel, message string) {
	w.ops = append(w.ops, Op{Kind: OpPublish, Channel: channel, Message: message})
}

// Gateway is the full KV gateway surface. A single process-wide instance is
// constructed at startup (internal/kvstore's Connect) and shared by every
// manager that needs durable state.
type Gateway interface {
	// Incr atomically increments key and returns the new value. Used for
	// the monotonic session id counter; Redis INCR is already atomic so
	// this does not need RunAtomic.
	Incr(ctx context.Context, key string) (int64, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Del(ctx context.Context, keys ...string) error

	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// RunAtomic reads the watched keys, invokes fn with a Reader over them
	// and a fresh Writer, then attempts to commit the Writer's operations
	// iff none of the watched keys changed since the read. On conflict it
	// retries fn from scratch up to the implementation's retry budget
	// (DefaultWatchRetry attempts for the redis-backed gateway) before
	// returning ErrWatchConflict.
	RunAtomic(ctx context.Context, watchKeys []string, fn func(ctx context.Context, r Reader, w *Writer) error) error

	Close() error
}

// RetryPolicy bounds the internal reconnect/backoff behavior shared by both
// the redis-backed gateway and RunAtomic's conflict-retry loop.
type RetryPolicy struct {
	MaxAttempts int
	Spacing     time.Duration
}

// DefaultConnectRetry matches §4.1's "bounded retry (5 attempts, 1s spacing)
// on initial connect".
var DefaultConnectRetry = RetryPolicy{MaxAttempts: 5, Spacing: time.Second}

// DefaultWatchRetry bounds how many times RunAtomic re-runs its body after
// a watch conflict before giving up.
var DefaultWatchRetry = RetryPolicy{MaxAttempts: 10, Spacing: 10 * time.Millisecond}

// Package kvstoretest provides an in-memory kvstore.Gateway for unit tests
// that exercise Session/Resource/Job Manager logic without a live Redis,
// mirroring the teacher's func-field mock pattern in internal/corndogs but
// implemented as a real (versioned) store since callers depend on actual
// watch/multi/exec semantics, not call recording.
package kvstoretest

import (
	"context"
	"sync"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
)

type hashEntry struct {
	values  map[string]string
	version int64
}

// Fake is an in-process Gateway. Safe for concurrent use; RunAtomic applies
// the same optimistic-concurrency semantics as the redis-backed gateway by
// tracking a per-key version bumped on every write.
type Fake struct {
	mu       sync.Mutex
	hashes   map[string]*hashEntry
	sets     map[string]map[string]struct{}
	lists    map[string][]string
	counters map[string]int64
	subs     map[string][]chan string
	versions map[string]int64 // covers counters, sets, lists too, keyed same as hashes map when absent
}

// New constructs an empty Fake gateway.
func New() *Fake {
	return &Fake{
		hashes:   map[string]*hashEntry{},
		sets:     map[string]map[string]struct{}{},
		lists:    map[string][]string{},
		counters: map[string]int64{},
		subs:     map[string][]chan string{},
		versions: map[string]int64{},
	}
}

func (f *Fake) Close() error { return nil }

func (f *Fake) versionOf(key string) int64 {
	if h, ok := f.hashes[key]; ok {
		return h.version
	}
	return f.versions[key]
}

func (f *Fake) bumpVersion(key string) {
	f.versions[key]++
	if h, ok := f.hashes[key]; ok {
		h.version++
	}
}

func (f *Fake) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	f.bumpVersion(key)
	return f.counters[key], nil
}

func (f *Fake) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copyHash(key), nil
}

func (f *Fake) copyHash(key string) map[string]string {
	out := map[string]string{}
	if h, ok := f.hashes[key]; ok {
		for k, v := range h.values {
			out[k] = v
		}
	}
	return out
}

func (f *Fake) HGet(ctx context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h.values[field]
	return v, ok, nil
}

func (f *Fake) HSet(ctx context.Context, key string, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hsetLocked(key, values)
	return nil
}

func (f *Fake) hsetLocked(key string, values map[string]string) {
	h, ok := f.hashes[key]
	if !ok {
		h = &hashEntry{values: map[string]string{}}
		f.hashes[key] = h
	}
	for k, v := range values {
		h.values[k] = v
	}
	f.bumpVersion(key)
}

func (f *Fake) HDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(h.values, field)
	}
	f.bumpVersion(key)
	return nil
}

func (f *Fake) SAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saddLocked(key, members)
	return nil
}

func (f *Fake) saddLocked(key string, members []string) {
	s, ok := f.sets[key]
	if !ok {
		s = map[string]struct{}{}
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	f.bumpVersion(key)
}

func (f *Fake) SRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(s, m)
	}
	f.bumpVersion(key)
	return nil
}

func (f *Fake) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	return out, nil
}

func (f *Fake) RPush(ctx context.Context, key string, values ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rpushLocked(key, values)
	return nil
}

func (f *Fake) rpushLocked(key string, values []string) {
	f.lists[key] = append(f.lists[key], values...)
	f.bumpVersion(key)
}

func (f *Fake) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sliceRange(f.lists[key], start, stop), nil
}

func sliceRange(list []string, start, stop int64) []string {
	n := int64(len(list))
	if n == 0 {
		return nil
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out
}

func (f *Fake) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.hashes, key)
		delete(f.sets, key)
		delete(f.lists, key)
		delete(f.counters, key)
		f.bumpVersion(key)
	}
	return nil
}

func (f *Fake) Publish(ctx context.Context, channel, message string) error {
	f.mu.Lock()
	subs := append([]chan string{}, f.subs[channel]...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

type fakeSubscription struct {
	ch chan string
}

func (s *fakeSubscription) Channel() <-chan string { return s.ch }
func (s *fakeSubscription) Close() error           { return nil }

func (f *Fake) Subscribe(ctx context.Context, channel string) (kvstore.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan string, 32)
	f.subs[channel] = append(f.subs[channel], ch)
	return &fakeSubscription{ch: ch}, nil
}

type fakeReader struct {
	f *Fake
}

func (r *fakeReader) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return r.f.copyHash(key), nil
}

func (r *fakeReader) HGet(ctx context.Context, key, field string) (string, bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	h, ok := r.f.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h.values[field]
	return v, ok, nil
}

func (r *fakeReader) SMembers(ctx context.Context, key string) ([]string, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	s, ok := r.f.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	return out, nil
}

func (r *fakeReader) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return sliceRange(r.f.lists[key], start, stop), nil
}

// RunAtomic snapshots the watched keys' versions, runs fn, and commits the
// writer's operations only if no watched key changed in the meantime -
// matching go-redis's WATCH/MULTI/EXEC semantics closely enough for unit
// tests that exercise retry-on-conflict behavior.
func (f *Fake) RunAtomic(ctx context.Context, watchKeys []string, fn func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error) error {
	const maxAttempts = 1000
	for attempt := 0; attempt < maxAttempts; attempt++ {
		f.mu.Lock()
		before := make([]int64, len(watchKeys))
		for i, k := range watchKeys {
			before[i] = f.versionOf(k)
		}
		f.mu.Unlock()

		reader := &fakeReader{f: f}
		writer := &kvstore.Writer{}
		if err := fn(ctx, reader, writer); err != nil {
			return err
		}

		f.mu.Lock()
		conflict := false
		for i, k := range watchKeys {
			if f.versionOf(k) != before[i] {
				conflict = true
				break
			}
		}
		if !conflict {
			f.applyLocked(writer)
			f.mu.Unlock()
			return nil
		}
		f.mu.Unlock()
	}
	return kvstore.ErrWatchConflict
}

func (f *Fake) applyLocked(w *kvstore.Writer) {
	for _, a := range w.Ops() {
		switch a.Kind {
		case kvstore.OpHSet:
			f.hsetLocked(a.Key, a.Values)
		case kvstore.OpHIncrBy:
			h, ok := f.hashes[a.Key]
			if !ok {
				h = &hashEntry{values: map[string]string{}}
				f.hashes[a.Key] = h
			}
			cur := int64(0)
			if v, ok := h.values[a.Field]; ok {
				cur = kvstore.ParseInt64(v)
			}
			h.values[a.Field] = kvstore.FormatInt64(cur + a.Delta)
			f.bumpVersion(a.Key)
		case kvstore.OpHDel:
			if h, ok := f.hashes[a.Key]; ok {
				for _, field := range a.Fields {
					delete(h.values, field)
				}
				f.bumpVersion(a.Key)
			}
		case kvstore.OpSAdd:
			f.saddLocked(a.Key, a.Members)
		case kvstore.OpSRem:
			if s, ok := f.sets[a.Key]; ok {
				for _, m := range a.Members {
					delete(s, m)
				}
				f.bumpVersion(a.Key)
			}
		case kvstore.OpRPush:
			f.rpushLocked(a.Key, a.Members)
		case kvstore.OpDel:
			delete(f.hashes, a.Key)
			delete(f.sets, a.Key)
			delete(f.lists, a.Key)
			delete(f.counters, a.Key)
			f.bumpVersion(a.Key)
		case kvstore.OpPublish:
			subs := f.subs[a.Channel]
			for _, ch := range subs {
				select {
				case ch <- a.Message:
				default:
				}
			}
		}
	}
}

var _ kvstore.Gateway = (*Fake)(nil)

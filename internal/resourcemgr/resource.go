// Package resourcemgr implements the Resource Manager: worker-node
// inventory tracking with atomic allocate/release against the KV Store
// Gateway, and the three CPU allocation policies layered on top.
// Grounded on original_source's RedisManager.py (watch/hget/hincrby/execute
// retry-on-conflict loop) and scheduler.py (policy methods).
package resourcemgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/gammazero/workerpool"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
)

// availableCountFanout bounds how many concurrent HGetAll reads
// AvailableCPUCount issues against the KV store at once.
const availableCountFanout = 8

// ErrInvalidRequest is returned for negative, zero, or non-integer CPU
// requests without ever touching the store.
var ErrInvalidRequest = errors.New("resourcemgr: invalid cpu request")

// ErrInsufficientResources is returned when a policy cannot satisfy a
// request even after trying every registered node.
var ErrInsufficientResources = errors.New("resourcemgr: insufficient resources")

const (
	AvailabilityActive  = "active"
	AvailabilityDrained = "drained"
	StateReady          = "ready"
	StateDown           = "down"
)

// Resource is a worker node.
type Resource struct {
	NodeID          string
	Hostname        string
	Availability    string
	State           string
	TotalCPUs       int
	AvailableCPUs   int
	TotalMemory     int64
	AvailableMemory int64
}

// Allocation is a reservation on one Resource.
type Allocation struct {
	NodeID          string `json:"node_id"`
	Hostname        string `json:"hostname"`
	CPUsAllocated   int    `json:"cpus_allocated"`
	MemoryAllocated int64  `json:"memory_allocated"`
	PartitionIndex  int    `json:"partition_index"`
}

// Manager is the Resource Manager. One instance per process, sharing the
// process-wide KV gateway.
type Manager struct {
	gw   kvstore.Gateway
	keys *kvstore.KeyNamer
}

// New constructs a Resource Manager over gw.
func New(gw kvstore.Gateway, keys *kvstore.KeyNamer) *Manager {
	return &Manager{gw: gw, keys: keys}
}

func (m *Manager) nodeOrderKey() string { return m.keys.Key("resource_order") }

// SetResources initializes the pool, recording each node's hash, adding it
// to the resources set, and appending it to the registration-order list
// that the allocation policies iterate; ties are broken by registration
// order.
func (m *Manager) SetResources(ctx context.Context, resources []Resource) error {
	for _, r := range resources {
		if err := m.gw.HSet(ctx, m.keys.ResourceKey(r.NodeID), resourceToHash(r)); err != nil {
			return fmt.Errorf("resourcemgr: setting resource %q: %w", r.NodeID, err)
		}
		if err := m.gw.SAdd(ctx, m.keys.ResourcesSetKey(), r.NodeID); err != nil {
			return fmt.Errorf("resourcemgr: indexing resource %q: %w", r.NodeID, err)
		}
		if err := m.gw.RPush(ctx, m.nodeOrderKey(), r.NodeID); err != nil {
			return fmt.Errorf("resourcemgr: recording order for %q: %w", r.NodeID, err)
		}
	}
	return nil
}

// OrderedNodeIDs returns node ids in registration order.
func (m *Manager) OrderedNodeIDs(ctx context.Context) ([]string, error) {
	return m.gw.LRange(ctx, m.nodeOrderKey(), 0, -1)
}

// Get returns the current state of one node.
func (m *Manager) Get(ctx context.Context, nodeID string) (*Resource, error) {
	hash, err := m.gw.HGetAll(ctx, m.keys.ResourceKey(nodeID))
	if err != nil {
		return nil, fmt.Errorf("resourcemgr: reading resource %q: %w", nodeID, err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("resourcemgr: resource %q not found", nodeID)
	}
	r := resourceFromHash(nodeID, hash)
	return &r, nil
}

// SetState updates a node's health state (StateReady/StateDown) without
// touching its allocation counters. Used by out-of-band health sampling,
// not by the allocate/release path.
func (m *Manager) SetState(ctx context.Context, nodeID, state string) error {
	if err := m.gw.HSet(ctx, m.keys.ResourceKey(nodeID), map[string]string{"state": state}); err != nil {
		return fmt.Errorf("resourcemgr: setting state for %q: %w", nodeID, err)
	}
	return nil
}

// Allocate reserves cpus (and memory bytes as given, if memory>0) against
// nodeID inside a watched pipeline, retrying on concurrent modification.
// If partial is true, a node with some (but less than requested)
// availability still yields an allocation for whatever is available; the
// memory grant is then capped at what is available, not scaled to the
// granted cpus. If partial is false, insufficient availability yields
// (nil, nil) without modifying the store.
func (m *Manager) Allocate(ctx context.Context, nodeID string, cpus int, memory int64, partial bool) (*Allocation, error) {
	if cpus <= 0 {
		return nil, ErrInvalidRequest
	}

	resourceKey := m.keys.ResourceKey(nodeID)
	var result *Allocation

	err := m.gw.RunAtomic(ctx, []string{resourceKey}, func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error {
		result = nil
		hash, err := r.HGetAll(ctx, resourceKey)
		if err != nil {
			return err
		}
		if len(hash) == 0 {
			return fmt.Errorf("resourcemgr: resource %q not found", nodeID)
		}
		res := resourceFromHash(nodeID, hash)

		grantCPUs := cpus
		if res.AvailableCPUs < cpus {
			if !partial || res.AvailableCPUs <= 0 {
				return nil
			}
			grantCPUs = res.AvailableCPUs
		}

		grantMemory := int64(0)
		if memory > 0 {
			grantMemory = memory
			if res.AvailableMemory < grantMemory {
				if !partial {
					return nil
				}
				grantMemory = res.AvailableMemory
			}
		}

		w.HIncrBy(resourceKey, "available_cpus", -int64(grantCPUs))
		if grantMemory > 0 {
			w.HIncrBy(resourceKey, "available_memory", -grantMemory)
		}

		result = &Allocation{
			NodeID:          nodeID,
			Hostname:        res.Hostname,
			CPUsAllocated:   grantCPUs,
			MemoryAllocated: grantMemory,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resourcemgr: allocating on %q: %w", nodeID, err)
	}
	return result, nil
}

// Release returns every allocation's reserved counters to their nodes.
// Not idempotent: releasing the same allocation twice double-credits the
// node, so the Job Manager is responsible for releasing each job's
// allocation set exactly once; the Job Manager enforces that by clearing
// Job.Allocations after the first release, making repeated
// release_allocations calls a no-op.
func (m *Manager) Release(ctx context.Context, allocations []Allocation) error {
	for _, a := range allocations {
		resourceKey := m.keys.ResourceKey(a.NodeID)
		err := m.gw.RunAtomic(ctx, []string{resourceKey}, func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error {
			w.HIncrBy(resourceKey, "available_cpus", int64(a.CPUsAllocated))
			if a.MemoryAllocated > 0 {
				w.HIncrBy(resourceKey, "available_memory", a.MemoryAllocated)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("resourcemgr: releasing allocation on %q: %w", a.NodeID, err)
		}
	}
	return nil
}

// AvailableCPUCount sums available_cpus across every registered node. A
// hint only, not a reservation. Node reads are independent of one another,
// so they fan out across a bounded worker pool rather than reading one
// node at a time.
func (m *Manager) AvailableCPUCount(ctx context.Context) (int, error) {
	ids, err := m.gw.SMembers(ctx, m.keys.ResourcesSetKey())
	if err != nil {
		return 0, fmt.Errorf("resourcemgr: listing resources: %w", err)
	}

	pool := workerpool.New(availableCountFanout)
	var mu sync.Mutex
	total := 0
	for _, id := range ids {
		id := id
		pool.Submit(func() {
			res, err := m.Get(ctx, id)
			if err != nil {
				return
			}
			mu.Lock()
			total += res.AvailableCPUs
			mu.Unlock()
		})
	}
	pool.StopWait()
	return total, nil
}

func resourceToHash(r Resource) map[string]string {
	return map[string]string{
		"node_id":          r.NodeID,
		"hostname":         r.Hostname,
		"availability":     r.Availability,
		"state":            r.State,
		"total_cpus":       strconv.Itoa(r.TotalCPUs),
		"available_cpus":   strconv.Itoa(r.AvailableCPUs),
		"total_memory":     strconv.FormatInt(r.TotalMemory, 10),
		"available_memory": strconv.FormatInt(r.AvailableMemory, 10),
	}
}

func resourceFromHash(nodeID string, hash map[string]string) Resource {
	totalCPUs, _ := strconv.Atoi(hash["total_cpus"])
	availCPUs, _ := strconv.Atoi(hash["available_cpus"])
	totalMem, _ := strconv.ParseInt(hash["total_memory"], 10, 64)
	availMem, _ := strconv.ParseInt(hash["available_memory"], 10, 64)
	return Resource{
		NodeID:          nodeID,
		Hostname:        hash["hostname"],
		Availability:    hash["availability"],
		State:           hash["state"],
		TotalCPUs:       totalCPUs,
		AvailableCPUs:   availCPUs,
		TotalMemory:     totalMem,
		AvailableMemory: availMem,
	}
}

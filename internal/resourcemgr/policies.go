package resourcemgr

import (
	"context"
	"fmt"
)

// Policy selects how a job's CPU request is spread across registered
// nodes.
type Policy string

const (
	PolicySingleNode Policy = "single_node"
	PolicyRoundRobin Policy = "round_robin"
	PolicyFillNodes  Policy = "fill_nodes"
)

// AllocatePolicy runs policy against the registered node pool for the given
// total cpu/memory request, rolling back every partial allocation it made
// if the policy cannot be satisfied end to end.
func (m *Manager) AllocatePolicy(ctx context.Context, policy Policy, totalCPUs int, totalMemory int64) ([]Allocation, error) {
	if totalCPUs <= 0 {
		return nil, ErrInvalidRequest
	}

	nodeIDs, err := m.OrderedNodeIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("resourcemgr: listing node order: %w", err)
	}
	if len(nodeIDs) == 0 {
		return nil, ErrInsufficientResources
	}

	switch policy {
	case PolicySingleNode:
		return m.allocateSingleNode(ctx, nodeIDs, totalCPUs, totalMemory)
	case PolicyRoundRobin:
		return m.allocateRoundRobin(ctx, nodeIDs, totalCPUs, totalMemory)
	case PolicyFillNodes:
		return m.allocateFillNodes(ctx, nodeIDs, totalCPUs, totalMemory)
	default:
		return nil, fmt.Errorf("resourcemgr: unknown policy %q", policy)
	}
}

// allocateSingleNode returns the first node (in registration order) able to
// satisfy the whole request as a single allocation.
func (m *Manager) allocateSingleNode(ctx context.Context, nodeIDs []string, cpus int, memory int64) ([]Allocation, error) {
	for _, nodeID := range nodeIDs {
		alloc, err := m.Allocate(ctx, nodeID, cpus, memory, false)
		if err != nil {
			return nil, err
		}
		if alloc != nil {
			return []Allocation{*alloc}, nil
		}
	}
	return nil, ErrInsufficientResources
}

// allocateRoundRobin splits cpus evenly (remainder to the first nodes) and
// requires every per-node exact allocation to succeed.
func (m *Manager) allocateRoundRobin(ctx context.Context, nodeIDs []string, cpus int, memory int64) ([]Allocation, error) {
	n := len(nodeIDs)
	base := cpus / n
	remainder := cpus % n

	var allocations []Allocation
	for i, nodeID := range nodeIDs {
		want := base
		if i < remainder {
			want++
		}
		if want == 0 {
			continue
		}
		memShare := proportionalShare(memory, want, cpus)
		alloc, err := m.Allocate(ctx, nodeID, want, memShare, false)
		if err != nil {
			m.rollback(ctx, allocations)
			return nil, err
		}
		if alloc == nil {
			m.rollback(ctx, allocations)
			return nil, ErrInsufficientResources
		}
		allocations = append(allocations, *alloc)
	}
	return allocations, nil
}

// allocateFillNodes greedily drains each node (partial allocation allowed)
// in registration order until the total is met.
func (m *Manager) allocateFillNodes(ctx context.Context, nodeIDs []string, cpus int, memory int64) ([]Allocation, error) {
	var allocations []Allocation
	remaining := cpus
	for _, nodeID := range nodeIDs {
		if remaining <= 0 {
			break
		}
		memShare := proportionalShare(memory, remaining, cpus)
		alloc, err := m.Allocate(ctx, nodeID, remaining, memShare, true)
		if err != nil {
			m.rollback(ctx, allocations)
			return nil, err
		}
		if alloc == nil || alloc.CPUsAllocated == 0 {
			continue
		}
		allocations = append(allocations, *alloc)
		remaining -= alloc.CPUsAllocated
	}
	if remaining > 0 {
		m.rollback(ctx, allocations)
		return nil, ErrInsufficientResources
	}
	return allocations, nil
}

func (m *Manager) rollback(ctx context.Context, allocations []Allocation) {
	if len(allocations) == 0 {
		return
	}
	_ = m.Release(ctx, allocations)
}

func proportionalShare(total int64, part, whole int) int64 {
	if total <= 0 || whole <= 0 {
		return 0
	}
	return total * int64(part) / int64(whole)
}

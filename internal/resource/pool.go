// Package resource partitions the worker's CPU and GPU identifier pools
// across concurrent runs. All mutation happens on the scheduler loop, so
// the Pool itself carries no lock; it enforces the partitioning invariants
// instead.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInsufficient is returned by Reserve when fewer identifiers are free
// than requested. Callers treat this as "retry later", never as a run
// failure.
var ErrInsufficient = errors.New("insufficient free resources")

// Set is an allocated group of device identifiers, always sorted ascending.
type Set []int

// String renders the set in the comma-separated form container runtimes
// accept for cpuset parameters, e.g. "0,2,3".
func (s Set) String() string {
	parts := make([]string, len(s))
	for i, id := range s {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// Allocation pairs the CPU and GPU sets handed to one run.
type Allocation struct {
	CPUs Set
	GPUs Set
}

// Pool tracks which CPU and GPU identifiers are free. The zero value is
// unusable; construct with NewPool.
type Pool struct {
	cpus idSpace
	gpus idSpace
}

type idSpace struct {
	total    []int // sorted, fixed at construction
	reserved map[int]bool
}

// NewPool creates a pool over the given identifier lists. The lists are
// copied and sorted; duplicates are a configuration error.
func NewPool(cpuIDs, gpuIDs []int) (*Pool, error) {
	cpus, err := newIDSpace("cpu", cpuIDs)
	if err != nil {
		return nil, err
	}
	gpus, err := newIDSpace("gpu", gpuIDs)
	if err != nil {
		return nil, err
	}
	return &Pool{cpus: cpus, gpus: gpus}, nil
}

func newIDSpace(kind string, ids []int) (idSpace, error) {
	sorted := make([]int, len(ids))
	copy(sorted, ids)
	sort.Ints(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return idSpace{}, fmt.Errorf("duplicate %s id %d in pool", kind, sorted[i])
		}
	}
	return idSpace{total: sorted, reserved: make(map[int]bool)}, nil
}

// Reserve hands out disjoint CPU and GPU sets of the requested sizes,
// first-fit over free identifiers with ties broken by lowest id so that
// allocation is deterministic. Returns ErrInsufficient when either space
// cannot satisfy the request right now.
func (p *Pool) Reserve(cpuCount, gpuCount int) (Allocation, error) {
	if cpuCount < 0 || gpuCount < 0 {
		return Allocation{}, fmt.Errorf("negative resource request (cpus=%d gpus=%d)", cpuCount, gpuCount)
	}
	if cpuCount > len(p.cpus.total) || gpuCount > len(p.gpus.total) {
		return Allocation{}, fmt.Errorf("request exceeds pool size (cpus=%d/%d gpus=%d/%d)",
			cpuCount, len(p.cpus.total), gpuCount, len(p.gpus.total))
	}

	cpus, ok := p.cpus.pick(cpuCount)
	if !ok {
		return Allocation{}, fmt.Errorf("%w: %d cpus requested, %d free", ErrInsufficient, cpuCount, p.cpus.free())
	}
	gpus, ok := p.gpus.pick(gpuCount)
	if !ok {
		return Allocation{}, fmt.Errorf("%w: %d gpus requested, %d free", ErrInsufficient, gpuCount, p.gpus.free())
	}

	p.cpus.mark(cpus, true)
	p.gpus.mark(gpus, true)
	return Allocation{CPUs: cpus, GPUs: gpus}, nil
}

// Release returns an allocation to the pool. Releasing identifiers that are
// not currently reserved means run accounting has been corrupted; that is a
// programming invariant, not a recoverable condition, so it panics.
func (p *Pool) Release(a Allocation) {
	p.cpus.checkReserved("cpu", a.CPUs)
	p.gpus.checkReserved("gpu", a.GPUs)
	p.cpus.mark(a.CPUs, false)
	p.gpus.mark(a.GPUs, false)
}

// FreeCPUs returns the number of unreserved CPU identifiers.
func (p *Pool) FreeCPUs() int { return p.cpus.free() }

// FreeGPUs returns the number of unreserved GPU identifiers.
func (p *Pool) FreeGPUs() int { return p.gpus.free() }

// TotalCPUs returns the configured CPU pool size.
func (p *Pool) TotalCPUs() int { return len(p.cpus.total) }

// TotalGPUs returns the configured GPU pool size.
func (p *Pool) TotalGPUs() int { return len(p.gpus.total) }

func (s *idSpace) free() int {
	return len(s.total) - len(s.reserved)
}

// pick returns the n lowest free identifiers without marking them.
func (s *idSpace) pick(n int) (Set, bool) {
	if n == 0 {
		return nil, true
	}
	out := make(Set, 0, n)
	for _, id := range s.total {
		if s.reserved[id] {
			continue
		}
		out = append(out, id)
		if len(out) == n {
			return out, true
		}
	}
	return nil, false
}

func (s *idSpace) mark(ids Set, reserved bool) {
	for _, id := range ids {
		if reserved {
			s.reserved[id] = true
		} else {
			delete(s.reserved, id)
		}
	}
}

func (s *idSpace) checkReserved(kind string, ids Set) {
	for _, id := range ids {
		if !s.reserved[id] {
			panic(fmt.Sprintf("resource: double release of %s %d", kind, id))
		}
	}
}

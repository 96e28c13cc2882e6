// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package distributed provides the collectives replicas use to stay in step:
// a barrier and a mean all-reduce.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrGroupClosed is returned by collectives on a group that was aborted.
var ErrGroupClosed = errors.New("process group closed")

// Group is the set of replicas taking part in one run. Every collective
// blocks until all members have called it.
type Group interface {
	Rank() int
	WorldSize() int
	// Barrier returns once every member reached it.
	Barrier(ctx context.Context) error
	// AllReduceMean replaces values with the element-wise mean over members.
	AllReduceMean(ctx context.Context, values []float64) error
}

// IsCoordinator reports whether g's member is rank 0, the replica that logs,
// monitors and checkpoints.
func IsCoordinator(g Group) bool { return g.Rank() == 0 }

type single struct{}

// Single returns the group of a run without replicas. Collectives return
// immediately.
func Single() Group { return single{} }

func (single) Rank() int      { return 0 }
func (single) WorldSize() int { return 1 }

func (single) Barrier(ctx context.Context) error { return ctx.Err() }

func (single) AllReduceMean(ctx context.Context, _ []float64) error { return ctx.Err() }

// rendezvous is the state shared by the members of a local group.
type rendezvous struct {
	mu      sync.Mutex
	cond    *sync.Cond
	world   int
	arrived int
	gen     uint64
	sum     []float64
	result  []float64
	err     error
}

// LocalGroup is one member of an in-process group of goroutine replicas.
type LocalGroup struct {
	rank int
	r    *rendezvous
}

var _ Group = (*LocalGroup)(nil)

// NewLocalGroup returns world members sharing one rendezvous; member i has
// rank i.
func NewLocalGroup(world int) ([]*LocalGroup, error) {
	if world <= 0 {
		return nil, fmt.Errorf("world size must be positive, got %d", world)
	}
	r := &rendezvous{world: world}
	r.cond = sync.NewCond(&r.mu)
	members := make([]*LocalGroup, world)
	for i := range members {
		members[i] = &LocalGroup{rank: i, r: r}
	}
	return members, nil
}

func (g *LocalGroup) Rank() int      { return g.rank }
func (g *LocalGroup) WorldSize() int { return g.r.world }

func (g *LocalGroup) Barrier(ctx context.Context) error {
	return g.collect(ctx, nil)
}

func (g *LocalGroup) AllReduceMean(ctx context.Context, values []float64) error {
	return g.collect(ctx, values)
}

// Abort releases every blocked member with err and fails later collectives.
// Replicas call it when they stop early so the others do not wait forever.
func (g *LocalGroup) Abort(err error) {
	r := g.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = ErrGroupClosed
		if err != nil {
			r.err = fmt.Errorf("%w: %w", ErrGroupClosed, err)
		}
	}
	r.cond.Broadcast()
}

// collect is a generation counted rendezvous. The last member to arrive
// publishes the mean and wakes the others.
func (g *LocalGroup) collect(ctx context.Context, values []float64) error {
	r := g.r
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.arrived == 0 {
		r.sum = make([]float64, len(values))
	}
	if len(values) != len(r.sum) {
		r.err = fmt.Errorf("%w: rank %d contributed %d values, expected %d", ErrGroupClosed, g.rank, len(values), len(r.sum))
		r.cond.Broadcast()
		return r.err
	}
	for i, v := range values {
		r.sum[i] += v
	}
	r.arrived++
	gen := r.gen

	if r.arrived == r.world {
		scale := 1 / float64(r.world)
		r.result = r.sum
		for i := range r.result {
			r.result[i] *= scale
		}
		r.sum = nil
		r.arrived = 0
		r.gen++
		r.cond.Broadcast()
	} else {
		for r.gen == gen && r.err == nil && ctx.Err() == nil {
			r.cond.Wait()
		}
		if r.gen == gen {
			if r.err != nil {
				return r.err
			}
			// Leaving mid-collective breaks it for everyone.
			r.err = fmt.Errorf("%w: rank %d left: %w", ErrGroupClosed, g.rank, ctx.Err())
			r.cond.Broadcast()
			return ctx.Err()
		}
	}
	copy(values, r.result)
	return nil
}

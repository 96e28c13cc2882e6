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

package batch

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Prefetcher assembles batches on a bounded pool of goroutines and hands them
// to the consumer in request order.
type Prefetcher struct {
	loader  *Loader
	workers int64

	// Metrics
	currentActive atomic.Int64 // Batches being assembled
	maxActive     atomic.Int64 // High-water mark of currentActive
	totalDone     atomic.Int64 // Batches delivered
	totalSkipped  atomic.Int64 // Fully filtered batches

	logger *zap.Logger
}

// PrefetchStats holds prefetcher statistics.
type PrefetchStats struct {
	CurrentActive int64 `json:"current_active"`
	MaxActive     int64 `json:"max_active"`
	TotalDone     int64 `json:"total_done"`
	TotalSkipped  int64 `json:"total_skipped"`
	Workers       int64 `json:"workers"`
}

// NewPrefetcher returns a Prefetcher over loader. At most workers batches are
// assembling or waiting for the consumer at any time.
func NewPrefetcher(loader *Loader, workers int, logger *zap.Logger) *Prefetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	logger.Debug("Batch prefetcher initialized", zap.Int("workers", workers))
	return &Prefetcher{loader: loader, workers: int64(workers), logger: logger}
}

// Stats returns current prefetcher statistics.
func (p *Prefetcher) Stats() PrefetchStats {
	return PrefetchStats{
		CurrentActive: p.currentActive.Load(),
		MaxActive:     p.maxActive.Load(),
		TotalDone:     p.totalDone.Load(),
		TotalSkipped:  p.totalSkipped.Load(),
		Workers:       p.workers,
	}
}

type result struct {
	batch *Batch
	err   error
}

// Stream delivers the batches of one prefetched epoch.
type Stream struct {
	p      *Prefetcher
	sem    *semaphore.Weighted
	order  chan chan result
	ctx    context.Context
	cancel context.CancelFunc
}

// Epoch starts prefetching epoch n. The caller must Close the stream.
func (p *Prefetcher) Epoch(ctx context.Context, n int) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		p:      p,
		sem:    semaphore.NewWeighted(p.workers),
		order:  make(chan chan result, p.workers),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.dispatch(ctx, p.loader.slots(n))
	return s
}

func (s *Stream) dispatch(ctx context.Context, slots [][]int) {
	defer close(s.order)
	for _, slot := range slots {
		// The slot is returned by Next once the consumer takes the batch.
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		ch := make(chan result, 1)
		s.order <- ch
		go func(indices []int) {
			s.p.trackStart()
			b, err := s.p.loader.assemble(indices)
			s.p.currentActive.Add(-1)
			ch <- result{batch: b, err: err}
		}(slot)
	}
}

func (p *Prefetcher) trackStart() {
	active := p.currentActive.Add(1)
	for {
		old := p.maxActive.Load()
		if active <= old || p.maxActive.CompareAndSwap(old, active) {
			return
		}
	}
}

// Next returns the next non-empty batch in request order, or io.EOF at the
// end of the epoch.
func (s *Stream) Next(ctx context.Context) (*Batch, error) {
	for {
		var ch chan result
		var ok bool
		select {
		case ch, ok = <-s.order:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			if err := s.ctx.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		var res result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.sem.Release(1)

		if errors.Is(res.err, ErrEmptyBatch) {
			s.p.totalSkipped.Add(1)
			s.p.logger.Debug("Skipping empty batch")
			continue
		}
		if res.err != nil {
			return nil, res.err
		}
		s.p.totalDone.Add(1)
		return res.batch, nil
	}
}

// Close stops dispatching further batches.
func (s *Stream) Close() {
	s.cancel()
}

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
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/datasets"
	"go.uber.org/zap"
)

// Sampler decides the order in which dataset indices are visited in an epoch.
type Sampler interface {
	Indices(epoch, n int) []int
}

// SequentialSampler visits 0..n-1 in order.
type SequentialSampler struct{}

func (SequentialSampler) Indices(_, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// RandomSampler draws a new permutation per epoch. The permutation only
// depends on the seed and the epoch number.
type RandomSampler struct {
	Seed uint64
}

func (s RandomSampler) Indices(epoch, n int) []int {
	r := rand.New(rand.NewPCG(s.Seed, uint64(epoch)))
	return r.Perm(n)
}

type shardedSampler struct {
	inner       Sampler
	rank, world int
}

// Shard restricts s to the strided share of one replica: positions
// rank, rank+world, rank+2*world and so on of the inner order.
func Shard(s Sampler, rank, world int) Sampler {
	if world <= 1 {
		return s
	}
	return shardedSampler{inner: s, rank: rank, world: world}
}

func (s shardedSampler) Indices(epoch, n int) []int {
	all := s.inner.Indices(epoch, n)
	out := make([]int, 0, len(all)/s.world+1)
	for i := s.rank; i < len(all); i += s.world {
		out = append(out, all[i])
	}
	return out
}

// Loader streams assembled batches over a dataset, one pass per epoch.
type Loader struct {
	dataset   datasets.Dataset
	assembler *Assembler
	batchSize int
	sampler   Sampler
	logger    *zap.Logger
}

// NewLoader returns a Loader. A nil sampler means sequential order.
func NewLoader(ds datasets.Dataset, asm *Assembler, batchSize int, sampler Sampler, logger *zap.Logger) (*Loader, error) {
	if ds == nil || asm == nil {
		return nil, errors.New("dataset and assembler are required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if sampler == nil {
		sampler = SequentialSampler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{dataset: ds, assembler: asm, batchSize: batchSize, sampler: sampler, logger: logger}, nil
}

// Len returns the number of batches per epoch, counting a final partial batch.
func (l *Loader) Len() int {
	n := len(l.sampler.Indices(0, l.dataset.Len()))
	return (n + l.batchSize - 1) / l.batchSize
}

// Examples returns the number of examples visited per epoch.
func (l *Loader) Examples() int {
	return len(l.sampler.Indices(0, l.dataset.Len()))
}

// BatchSize returns the configured number of examples per batch.
func (l *Loader) BatchSize() int { return l.batchSize }

// Epoch returns a fresh iterator over epoch n.
func (l *Loader) Epoch(n int) *Iterator {
	return &Iterator{loader: l, slots: l.slots(n)}
}

// slots groups the epoch's indices into per-batch chunks.
func (l *Loader) slots(epoch int) [][]int {
	indices := l.sampler.Indices(epoch, l.dataset.Len())
	var out [][]int
	for start := 0; start < len(indices); start += l.batchSize {
		end := min(start+l.batchSize, len(indices))
		out = append(out, indices[start:end])
	}
	return out
}

func (l *Loader) assemble(indices []int) (*Batch, error) {
	examples := make([]datasets.Example, 0, len(indices))
	for _, i := range indices {
		ex, err := l.dataset.At(i)
		if err != nil {
			return nil, fmt.Errorf("loading example %d: %w", i, err)
		}
		examples = append(examples, ex)
	}
	return l.assembler.Assemble(examples)
}

// Iterator yields the batches of one epoch in order.
type Iterator struct {
	loader *Loader
	slots  [][]int
	pos    int
}

// Next returns the next non-empty batch, or io.EOF once the epoch is
// exhausted. Fully filtered batches are skipped.
func (it *Iterator) Next(ctx context.Context) (*Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if it.pos >= len(it.slots) {
			return nil, io.EOF
		}
		slot := it.slots[it.pos]
		it.pos++
		b, err := it.loader.assemble(slot)
		if errors.Is(err, ErrEmptyBatch) {
			it.loader.logger.Debug("Skipping empty batch", zap.Int("batch", it.pos-1))
			continue
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

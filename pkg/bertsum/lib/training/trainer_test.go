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

package training_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/beam"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/datasets"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/distributed"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/evaluation"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/monitoring"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/optim"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/testutil"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func examples(n int) datasets.Pairs {
	texts := make([][2]string, n)
	for i := range texts {
		texts[i] = [2]string{fmt.Sprintf("story %d", i), fmt.Sprintf("summary %d", i)}
	}
	return datasets.FromTexts(texts)
}

type setup struct {
	tok    *testutil.Tokenizer
	model  *testutil.Model
	opt    *optim.DualRate
	loader *batch.Loader
}

func newSetup(t *testing.T, ds datasets.Dataset, batchSize int, sampler batch.Sampler) *setup {
	t.Helper()
	tok := testutil.NewTokenizer()
	m := testutil.NewModel(16)
	opt, err := optim.NewDualRate(m, optim.DefaultConfig())
	require.NoError(t, err)
	asm, err := batch.NewAssembler(tok, 8)
	require.NoError(t, err)
	loader, err := batch.NewLoader(ds, asm, batchSize, sampler, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &setup{tok: tok, model: m, opt: opt, loader: loader}
}

func (s *setup) components() training.Components {
	return training.Components{Model: s.model, Optimizer: s.opt, Loader: s.loader}
}

func TestTrain_StepCapIndependentOfEpochs(t *testing.T) {
	for _, tc := range []struct {
		epochs, maxSteps, batches int
	}{
		{epochs: 1, maxSteps: 5, batches: 10},
		{epochs: 100, maxSteps: 5, batches: 10},
		// The cap needs a second epoch even though one was configured.
		{epochs: 1, maxSteps: 7, batches: 14},
	} {
		t.Run(fmt.Sprintf("epochs %d max %d", tc.epochs, tc.maxSteps), func(t *testing.T) {
			s := newSetup(t, examples(20), 2, batch.SequentialSampler{})
			tr, err := training.NewTrainer(training.Config{
				Epochs:            tc.epochs,
				MaxSteps:          tc.maxSteps,
				AccumulationSteps: 2,
			}, s.components(), zaptest.NewLogger(t))
			require.NoError(t, err)
			assert.Equal(t, tc.maxSteps, tr.TotalSteps())

			res, err := tr.Train(t.Context())
			require.NoError(t, err)
			assert.Equal(t, tc.maxSteps, res.GlobalStep)
			assert.Equal(t, tc.maxSteps, s.opt.StepCount())
			assert.InDelta(t, 1.0, res.AverageLoss, 1e-12)

			forwards, backwards := s.model.Calls()
			assert.Equal(t, tc.batches, forwards)
			assert.Equal(t, tc.batches, backwards)
			for _, scale := range s.model.Scales() {
				assert.Equal(t, 0.5, scale)
			}
			assert.True(t, s.model.Training())
		})
	}
}

func TestTrain_EpochsWithoutCap(t *testing.T) {
	s := newSetup(t, examples(20), 2, batch.RandomSampler{Seed: 42})
	tr, err := training.NewTrainer(training.Config{Epochs: 2, AccumulationSteps: 3}, s.components(), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, tr.TotalSteps())
	assert.Equal(t, 2, tr.Epochs())

	res, err := tr.Train(t.Context())
	require.NoError(t, err)
	// Accumulation windows span the epoch boundary: 20 batches make 6 steps.
	assert.Equal(t, 6, res.GlobalStep)
	forwards, _ := s.model.Calls()
	assert.Equal(t, 20, forwards)
}

func TestTrain_InterruptedAtWindowBoundary(t *testing.T) {
	s := newSetup(t, examples(20), 2, batch.SequentialSampler{})
	tr, err := training.NewTrainer(training.Config{Epochs: 3, AccumulationSteps: 2}, s.components(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	res, err := tr.Train(ctx)
	assert.ErrorIs(t, err, training.ErrInterrupted)
	// The first window still completes.
	assert.Equal(t, 1, res.GlobalStep)
	forwards, backwards := s.model.Calls()
	assert.Equal(t, 2, forwards)
	assert.Equal(t, 2, backwards)
}

type captured struct {
	tag   string
	value float64
	text  string
	step  int
}

type captureSink struct {
	mu     sync.Mutex
	events []captured
}

func (c *captureSink) add(e captured) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) AddScalar(tag string, value float64, step int) error {
	return c.add(captured{tag: tag, value: value, step: step})
}

func (c *captureSink) AddScalars(tag string, values map[string]float64, step int) error {
	for k, v := range values {
		_ = c.add(captured{tag: tag + "/" + k, value: v, step: step})
	}
	return nil
}

func (c *captureSink) AddText(tag, text string, step int) error {
	return c.add(captured{tag: tag, text: text, step: step})
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) find(tag string, step int) (captured, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.tag == tag && e.step == step {
			return e, true
		}
	}
	return captured{}, false
}

func TestTrain_Monitoring(t *testing.T) {
	s := newSetup(t, examples(20), 2, batch.SequentialSampler{})
	summarizer, err := evaluation.NewSummarizer(s.model, s.tok, beam.Config{BeamSize: 2, MaxLength: 3, Alpha: 0.9}, nil)
	require.NoError(t, err)
	sink := &captureSink{}
	parts := s.components()
	parts.Summarizer = summarizer
	parts.Recorder = monitoring.NewRecorder(sink, zaptest.NewLogger(t))

	tr, err := training.NewTrainer(training.Config{
		Epochs:                 1,
		MaxSteps:               4,
		AccumulationSteps:      2,
		LoggingSteps:           2,
		EvaluateDuringTraining: true,
	}, parts, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = tr.Train(t.Context())
	require.NoError(t, err)

	for _, step := range []int{2, 4} {
		loss, ok := sink.find("loss", step)
		require.True(t, ok, "loss at step %d", step)
		// Two steps of two batches, each contributing 1 * 0.5.
		assert.InDelta(t, 1.0, loss.value, 1e-12)

		lr, ok := sink.find("learning_rate/encoder", step)
		require.True(t, ok)
		assert.InDelta(t, optim.Rate(0.002, 20000, step), lr.value, 1e-18)
		_, ok = sink.find("learning_rate/decoder", step)
		assert.True(t, ok)
		_, ok = sink.find("memory/heap_alloc", step)
		assert.True(t, ok)

		_, ok = sink.find("summary", step)
		assert.True(t, ok)
		article, ok := sink.find("article", step)
		require.True(t, ok)
		assert.Contains(t, article.text, "story")
	}
	_, ok := sink.find("loss", 1)
	assert.False(t, ok)
	assert.True(t, s.model.Training(), "training mode restored after sampling")
}

func TestTrain_ReplicasStayInStep(t *testing.T) {
	for _, n := range []int{20, 21} {
		t.Run(fmt.Sprintf("%d examples", n), func(t *testing.T) {
			const world = 2
			members, err := distributed.NewLocalGroup(world)
			require.NoError(t, err)
			ds := examples(n)

			results := make([]training.Result, world)
			setups := make([]*setup, world)
			var g errgroup.Group
			for rank, member := range members {
				s := newSetup(t, ds, 2, batch.Shard(batch.SequentialSampler{}, rank, world))
				setups[rank] = s
				parts := s.components()
				parts.Group = member
				tr, err := training.NewTrainer(training.Config{Epochs: 1, AccumulationSteps: 1}, parts, zaptest.NewLogger(t))
				require.NoError(t, err)
				g.Go(func() error {
					res, err := tr.Train(t.Context())
					results[rank] = res
					if err != nil {
						member.Abort(err)
					}
					return err
				})
			}
			require.NoError(t, g.Wait())

			// The shorter shard has 5 batches; both replicas stop there.
			for rank := range world {
				assert.Equal(t, 5, results[rank].GlobalStep, "rank %d", rank)
				forwards, _ := setups[rank].model.Calls()
				assert.Equal(t, 5, forwards)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	for name, cfg := range map[string]training.Config{
		"no accumulation":  {Epochs: 1},
		"negative max":     {Epochs: 1, AccumulationSteps: 1, MaxSteps: -1},
		"no epochs":        {AccumulationSteps: 1},
		"negative logging": {Epochs: 1, AccumulationSteps: 1, LoggingSteps: -1},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, training.Config{MaxSteps: 3, AccumulationSteps: 1}.Validate())

	_, err := training.NewTrainer(training.Config{Epochs: 1, AccumulationSteps: 1}, training.Components{}, nil)
	assert.Error(t, err)
}

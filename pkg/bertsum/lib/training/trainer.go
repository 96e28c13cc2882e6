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

// Package training runs the optimization loop: epochs of batches, gradient
// accumulation, gradient synchronization across replicas, the dual-rate
// optimizer step and periodic monitoring.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/devices"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/distributed"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/evaluation"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/monitoring"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/optim"
	"go.uber.org/zap"
)

// ErrInterrupted is returned when the context is cancelled during training.
// The model holds the weights of the last completed optimizer step.
var ErrInterrupted = errors.New("training interrupted")

// Config holds the loop settings.
type Config struct {
	// Epochs is the number of passes over the data when MaxSteps is 0.
	Epochs int `json:"num_train_epochs" mapstructure:"epochs"`
	// MaxSteps caps the number of optimizer steps. 0 means no cap.
	MaxSteps int `json:"max_steps" mapstructure:"max_steps"`
	// AccumulationSteps is the number of batches per optimizer step.
	AccumulationSteps int `json:"gradient_accumulation_steps" mapstructure:"gradient_accumulation_steps"`
	// LoggingSteps is the monitoring period in optimizer steps. 0 disables
	// monitoring.
	LoggingSteps int `json:"logging_steps" mapstructure:"logging_steps"`
	// EvaluateDuringTraining samples a summary at every monitoring step.
	// Ignored when training with replicas.
	EvaluateDuringTraining bool `json:"evaluate_during_training" mapstructure:"evaluate_during_training"`
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.AccumulationSteps < 1 {
		return fmt.Errorf("gradient accumulation steps must be at least 1, got %d", c.AccumulationSteps)
	}
	if c.MaxSteps < 0 {
		return fmt.Errorf("max steps must not be negative, got %d", c.MaxSteps)
	}
	if c.MaxSteps == 0 && c.Epochs < 1 {
		return fmt.Errorf("epochs must be at least 1 without max steps, got %d", c.Epochs)
	}
	if c.LoggingSteps < 0 {
		return fmt.Errorf("logging steps must not be negative, got %d", c.LoggingSteps)
	}
	return nil
}

// Components are the collaborators of a Trainer.
type Components struct {
	Model     model.Model
	Optimizer *optim.DualRate
	Loader    *batch.Loader
	// Group synchronizes replicas. Nil means a single replica.
	Group distributed.Group
	// Summarizer produces the sampled summaries. Nil disables sampling.
	Summarizer *evaluation.Summarizer
	// Recorder receives monitoring signals on the coordinator.
	Recorder  *monitoring.Recorder
	Placement devices.Placement
}

// Result is the outcome of a run.
type Result struct {
	GlobalStep  int     `json:"global_step"`
	AverageLoss float64 `json:"average_loss"`
}

// Trainer runs the loop for one replica.
type Trainer struct {
	parts Components
	cfg   Config

	logger *zap.Logger
	grads  []float64
}

// NewTrainer validates cfg and returns a Trainer.
func NewTrainer(c Config, parts Components, logger *zap.Logger) (*Trainer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if parts.Model == nil || parts.Optimizer == nil || parts.Loader == nil {
		return nil, errors.New("trainer requires a model, an optimizer and a loader")
	}
	if parts.Group == nil {
		parts.Group = distributed.Single()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{parts: parts, cfg: c, logger: logger}, nil
}

// TotalSteps is the number of optimizer steps the run performs unless
// interrupted.
func (t *Trainer) TotalSteps() int {
	if t.cfg.MaxSteps > 0 {
		return t.cfg.MaxSteps
	}
	return t.cfg.Epochs * (t.parts.Loader.Len() / t.cfg.AccumulationSteps)
}

// Epochs is the number of passes needed to perform TotalSteps.
func (t *Trainer) Epochs() int {
	if t.cfg.MaxSteps == 0 {
		return t.cfg.Epochs
	}
	batches := t.parts.Loader.Len()
	if batches == 0 {
		return 0
	}
	return int(math.Ceil(float64(t.cfg.MaxSteps*t.cfg.AccumulationSteps) / float64(batches)))
}

func (t *Trainer) coordinator() bool { return distributed.IsCoordinator(t.parts.Group) }

func (t *Trainer) replicated() bool { return t.parts.Group.WorldSize() > 1 }

// state is the bookkeeping of a run.
type state struct {
	globalStep  int
	batches     int
	trLoss      float64
	loggingLoss float64
}

func (s *state) result() Result {
	r := Result{GlobalStep: s.globalStep}
	if s.globalStep > 0 {
		r.AverageLoss = s.trLoss / float64(s.globalStep)
	}
	return r
}

// Train runs until the step cap or the last epoch. Cancelling ctx is only
// observed after an accumulation window or an epoch; in-flight work always
// completes. An interrupted run returns its partial Result with
// ErrInterrupted.
func (t *Trainer) Train(ctx context.Context) (Result, error) {
	var st state
	loader := t.parts.Loader
	epochs := t.Epochs()

	if t.coordinator() {
		t.logger.Info("Running training",
			zap.Int("examples", loader.Examples()),
			zap.Int("epochs", epochs),
			zap.Int("batch_size_per_device", loader.BatchSize()),
			zap.Int("total_batch_size", loader.BatchSize()*t.cfg.AccumulationSteps*t.parts.Group.WorldSize()),
			zap.Int("gradient_accumulation_steps", t.cfg.AccumulationSteps),
			zap.Int("total_steps", t.TotalSteps()))
	}

	// Work in flight is never cancelled; ctx is polled at boundaries.
	work := context.WithoutCancel(ctx)
	t.parts.Model.SetTraining(true)
	t.parts.Optimizer.ZeroGrad()

	for epoch := 0; t.cfg.MaxSteps > 0 || epoch < t.cfg.Epochs; epoch++ {
		seen, done, err := t.runEpoch(ctx, work, epoch, &st)
		if err != nil {
			if ctx.Err() != nil {
				return st.result(), ErrInterrupted
			}
			return st.result(), err
		}
		if done {
			break
		}
		if ctx.Err() != nil {
			t.logger.Info("Training interrupted", zap.Int("epoch", epoch), zap.Int("global_step", st.globalStep))
			return st.result(), ErrInterrupted
		}
		if seen == 0 {
			t.logger.Warn("Epoch produced no batches, stopping", zap.Int("epoch", epoch))
			break
		}
	}

	res := st.result()
	if t.coordinator() {
		t.logger.Info("Training finished",
			zap.Int("global_step", res.GlobalStep),
			zap.Float64("average_loss", res.AverageLoss))
	}
	return res, nil
}

// runEpoch processes one epoch and returns the number of batches seen and
// whether the run is over.
func (t *Trainer) runEpoch(ctx, work context.Context, epoch int, st *state) (int, bool, error) {
	accum := t.cfg.AccumulationSteps
	seen := 0
	it := t.parts.Loader.Epoch(epoch)
	for {
		b, err := it.Next(work)
		if err != nil && !errors.Is(err, io.EOF) {
			return seen, false, fmt.Errorf("loading batch: %w", err)
		}
		more, err := t.agree(work, b != nil)
		if err != nil {
			return seen, false, err
		}
		if !more {
			return seen, false, nil
		}
		seen++

		loss, err := t.forwardBackward(work, b)
		if err != nil {
			return seen, false, fmt.Errorf("epoch %d batch %d: %w", epoch, seen-1, err)
		}
		st.trLoss += loss
		st.batches++
		if st.batches%accum != 0 {
			continue
		}

		t.parts.Optimizer.Step()
		t.parts.Optimizer.ZeroGrad()
		st.globalStep++

		if t.coordinator() && t.cfg.LoggingSteps > 0 && st.globalStep%t.cfg.LoggingSteps == 0 {
			t.monitor(work, st, b)
		}
		if t.cfg.MaxSteps > 0 && st.globalStep >= t.cfg.MaxSteps {
			return seen, true, nil
		}
		if ctx.Err() != nil {
			t.logger.Info("Training interrupted", zap.Int("epoch", epoch), zap.Int("global_step", st.globalStep))
			return seen, true, ErrInterrupted
		}
	}
}

// agree reports whether every replica has a batch. Replicas may hold shards
// of different lengths; the epoch ends for all of them as soon as one runs
// out so collectives stay paired.
func (t *Trainer) agree(ctx context.Context, have bool) (bool, error) {
	if !t.replicated() {
		return have, nil
	}
	flag := []float64{0}
	if have {
		flag[0] = 1
	}
	if err := t.parts.Group.AllReduceMean(ctx, flag); err != nil {
		return false, fmt.Errorf("synchronizing epoch end: %w", err)
	}
	return flag[0] == 1, nil
}

// forwardBackward accumulates the gradients of b scaled by the accumulation
// window and returns the scaled loss.
func (t *Trainer) forwardBackward(ctx context.Context, b *batch.Batch) (float64, error) {
	out, err := t.parts.Model.Forward(ctx, b)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	scale := 1 / float64(t.cfg.AccumulationSteps)
	loss := out.Loss() * scale
	if err := t.parts.Model.Backward(ctx, scale); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	if err := t.syncGradients(ctx); err != nil {
		return 0, err
	}
	return loss, nil
}

// syncGradients replaces every gradient with its mean over replicas.
func (t *Trainer) syncGradients(ctx context.Context) error {
	if !t.replicated() {
		return nil
	}
	params := model.Parameters(t.parts.Model)
	t.grads = t.grads[:0]
	for _, p := range params {
		t.grads = append(t.grads, p.Grad.RawMatrix().Data...)
	}
	if err := t.parts.Group.AllReduceMean(ctx, t.grads); err != nil {
		return fmt.Errorf("all-reducing gradients: %w", err)
	}
	off := 0
	for _, p := range params {
		data := p.Grad.RawMatrix().Data
		off += copy(data, t.grads[off:off+len(data)])
	}
	return nil
}

func (t *Trainer) monitor(ctx context.Context, st *state, b *batch.Batch) {
	step := st.globalStep
	rec := t.parts.Recorder
	lrs := t.parts.Optimizer.LearningRates()
	rec.Scalars("learning_rate", map[string]float64{
		string(optim.GroupEncoder): lrs[optim.GroupEncoder],
		string(optim.GroupDecoder): lrs[optim.GroupDecoder],
	}, step)
	loss := (st.trLoss - st.loggingLoss) / float64(t.cfg.LoggingSteps)
	rec.Scalar("loss", loss, step)
	for tag, v := range devices.MemoryStats(t.parts.Placement) {
		rec.Scalar(tag, v, step)
	}
	st.loggingLoss = st.trLoss

	t.logger.Info("Training progress",
		zap.Int("global_step", step),
		zap.Float64("loss", loss),
		zap.Float64("encoder_lr", lrs[optim.GroupEncoder]),
		zap.Float64("decoder_lr", lrs[optim.GroupDecoder]))

	if t.cfg.EvaluateDuringTraining && !t.replicated() && t.parts.Summarizer != nil {
		t.sample(ctx, b, step)
	}
}

// sample summarizes the first example of b for the monitoring sink.
func (t *Trainer) sample(ctx context.Context, b *batch.Batch, step int) {
	row := b.Row(0)
	t.parts.Model.SetTraining(false)
	summaries, err := t.parts.Summarizer.Summarize(ctx, row)
	t.parts.Model.SetTraining(true)
	if err != nil {
		t.logger.Warn("Failed to sample summary", zap.Int("global_step", step), zap.Error(err))
		return
	}
	t.parts.Recorder.Text("summary", summaries[0], step)
	if len(row.Examples) > 0 {
		t.parts.Recorder.Text("article", row.Examples[0].Source(), step)
	}
}

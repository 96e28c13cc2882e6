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

package bertsum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/checkpoint"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/datasets"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/devices"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/distributed"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/evaluation"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/monitoring"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/optim"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/tokenizers"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/training"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TrainReport describes a finished or interrupted training run.
type TrainReport struct {
	Result      training.Result   `json:"result"`
	Interrupted bool              `json:"interrupted"`
	Checkpoint  string            `json:"checkpoint,omitempty"`
	Evaluation  *evaluation.Stats `json:"evaluation,omitempty"`
}

// trainingArguments is the content of training_arguments.json.
type trainingArguments struct {
	Config
	Result training.Result `json:"result"`
}

// member is one replica's view of the process group.
type member struct {
	distributed.Group
	abort func(error)
}

func newMembers(world int) ([]member, error) {
	if world == 1 {
		return []member{{Group: distributed.Single(), abort: func(error) {}}}, nil
	}
	locals, err := distributed.NewLocalGroup(world)
	if err != nil {
		return nil, err
	}
	out := make([]member, world)
	for i, g := range locals {
		out[i] = member{Group: g, abort: g.Abort}
	}
	return out, nil
}

// initState is written by the coordinator before the startup barrier and
// read by the other replicas after it.
type initState struct {
	dir string
}

// replicaRun is what a replica leaves behind.
type replicaRun struct {
	model  *model.Simple
	result training.Result
}

// Train fine-tunes the model on the training dataset, then writes a
// checkpoint to the output directory. Cancelling ctx interrupts training at
// the next step boundary; the user is then asked whether to save. An
// interrupted run returns a report and no error.
func (r *Runner) Train(ctx context.Context) (*TrainReport, error) {
	if err := checkpoint.CheckOutputDir(r.cfg.OutputDir, r.cfg.Overwrite); err != nil {
		if errors.Is(err, checkpoint.ErrOutputExists) {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return nil, err
	}

	placement := r.selectDevices()
	tok, err := r.tokenizer()
	if err != nil {
		return nil, err
	}
	ds, err := r.dataset(r.trainData, r.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	members, err := newMembers(r.cfg.Replicas)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	rec, closeMonitoring, err := r.monitoring()
	if err != nil {
		return nil, err
	}
	defer closeMonitoring()

	r.logger.Info("Starting training",
		zap.Int("replicas", len(members)),
		zap.Int("devices", placement.Count()),
		zap.Bool("accelerated", placement.Accelerated()),
		zap.Uint64("seed", r.cfg.Seed))

	runs := make([]replicaRun, len(members))
	var shared initState
	var g errgroup.Group
	for rank, m := range members {
		g.Go(func() error {
			var replicaRec *monitoring.Recorder
			if distributed.IsCoordinator(m) {
				replicaRec = rec
			}
			run, err := r.replica(ctx, m, &shared, tok, ds, placement, replicaRec)
			runs[rank] = run
			if err != nil {
				m.abort(err)
			}
			return err
		})
	}
	err = g.Wait()
	if shared.dir != "" {
		_ = os.RemoveAll(shared.dir)
	}

	coordinator := runs[0]
	report := &TrainReport{Result: coordinator.result}
	switch {
	case err == nil:
	case errors.Is(err, training.ErrInterrupted) && coordinator.model != nil:
		report.Interrupted = true
		r.logger.Warn("Training interrupted", zap.Int("global_step", report.Result.GlobalStep))
		if !confirm(r.in, r.out, "Save a checkpoint of the current model?") {
			r.logger.Info("Exiting without saving")
			return report, nil
		}
	default:
		return nil, err
	}

	path, err := checkpoint.Save(r.cfg.OutputDir, checkpoint.Snapshot{
		Model:     coordinator.model,
		Tokenizer: tok,
		Arguments: trainingArguments{Config: r.cfg, Result: report.Result},
	}, r.logger)
	if err != nil {
		return nil, err
	}
	report.Checkpoint = path

	if r.cfg.Evaluate && !report.Interrupted {
		ev := *r
		ev.cfg.ModelDir = path
		stats, err := ev.Evaluate(ctx)
		if err != nil {
			return nil, err
		}
		report.Evaluation = stats
	}
	return report, nil
}

// replica prepares and runs one replica. The coordinator builds the initial
// model while the others wait at the startup barrier, then load the copy it
// saved.
func (r *Runner) replica(
	ctx context.Context,
	m member,
	shared *initState,
	tok tokenizers.Tokenizer,
	ds datasets.Dataset,
	placement devices.Placement,
	rec *monitoring.Recorder,
) (replicaRun, error) {
	var run replicaRun
	logger := r.logger.With(zap.Int("rank", m.Rank()))
	world := m.WorldSize()

	// Startup is not a cancellation point; training observes ctx at its
	// first step boundary.
	startup := context.WithoutCancel(ctx)
	var net *model.Simple
	if distributed.IsCoordinator(m) {
		var err error
		net, err = r.initialModel(tok)
		if err == nil && world > 1 {
			err = r.shareInitialModel(net, shared)
		}
		if err != nil {
			return run, err
		}
		if err := m.Barrier(startup); err != nil {
			return run, err
		}
	} else {
		if err := m.Barrier(startup); err != nil {
			return run, err
		}
		var err error
		if net, err = model.LoadSimple(shared.dir); err != nil {
			return run, fmt.Errorf("loading initial model on rank %d: %w", m.Rank(), err)
		}
	}
	run.model = net

	opt, err := optim.NewDualRate(net, r.cfg.Optimizer)
	if err != nil {
		return run, err
	}
	asm, err := batch.NewAssembler(tok, r.cfg.BlockSize)
	if err != nil {
		return run, err
	}
	sampler := batch.Shard(batch.RandomSampler{Seed: r.cfg.Seed}, m.Rank(), world)
	loader, err := batch.NewLoader(ds, asm, r.cfg.BatchSize, sampler, logger)
	if err != nil {
		return run, err
	}

	parts := training.Components{
		Model:     net,
		Optimizer: opt,
		Loader:    loader,
		Group:     m.Group,
		Recorder:  rec,
		Placement: placement,
	}
	if distributed.IsCoordinator(m) && r.cfg.Training.EvaluateDuringTraining && world == 1 {
		if parts.Summarizer, err = evaluation.NewSummarizer(net, tok, r.cfg.Beam, logger.Named("beam")); err != nil {
			return run, err
		}
	}
	tr, err := training.NewTrainer(r.cfg.Training, parts, logger)
	if err != nil {
		return run, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	run.result, err = tr.Train(ctx)
	return run, err
}

func (r *Runner) shareInitialModel(net *model.Simple, shared *initState) error {
	dir, err := os.MkdirTemp("", "bertsum-init-")
	if err != nil {
		return fmt.Errorf("creating initial model directory: %w", err)
	}
	shared.dir = dir
	if err := net.Save(dir); err != nil {
		return fmt.Errorf("sharing initial model: %w", err)
	}
	return nil
}

// confirm asks a yes/no question defaulting to yes. A closed input counts as
// the default.
func confirm(in io.Reader, out io.Writer, question string) bool {
	_, _ = fmt.Fprintf(out, "%s [Y/n] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		_, _ = fmt.Fprintln(out)
		return true
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true
	}
	return false
}

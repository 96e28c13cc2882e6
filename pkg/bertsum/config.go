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

// Package bertsum wires the training and evaluation pipelines of an
// abstractive summarizer: datasets, tokenizer, model, optimizer, beam search,
// replicas, monitoring and checkpoints.
package bertsum

import (
	"errors"
	"fmt"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/beam"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/devices"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/optim"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/paths"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/training"
)

// ErrConfiguration is returned for invalid settings, before any work starts.
var ErrConfiguration = errors.New("invalid configuration")

// Config holds every setting of a run.
type Config struct {
	// DataDir holds the .story files used for training.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	// EvalDataDir holds the .story files used for evaluation and references.
	EvalDataDir string `json:"eval_data_dir" mapstructure:"eval_data_dir"`
	// ModelDir holds the tokenizer and, optionally, weights to start from. A
	// checkpoint directory works too.
	ModelDir     string `json:"model_dir" mapstructure:"model_dir"`
	OutputDir    string `json:"output_dir" mapstructure:"output_dir"`
	SummariesDir string `json:"summaries_dir" mapstructure:"summaries_dir"`
	RunsDir      string `json:"runs_dir" mapstructure:"runs_dir"`
	Overwrite    bool   `json:"overwrite_output_dir" mapstructure:"overwrite"`

	BlockSize     int `json:"block_size" mapstructure:"block_size"`
	BatchSize     int `json:"per_device_train_batch_size" mapstructure:"batch_size"`
	EvalBatchSize int `json:"per_device_eval_batch_size" mapstructure:"eval_batch_size"`
	// Hidden is the hidden size of a freshly initialized model.
	Hidden int    `json:"hidden_size" mapstructure:"hidden_size"`
	Seed   uint64 `json:"seed" mapstructure:"seed"`

	Training  training.Config `json:"training" mapstructure:"training"`
	Optimizer optim.Config    `json:"optimizer" mapstructure:"optimizer"`
	Beam      beam.Config     `json:"beam" mapstructure:"beam"`

	// Replicas is the number of in-process data-parallel replicas.
	Replicas int          `json:"replicas" mapstructure:"replicas"`
	Device   devices.Mode `json:"device" mapstructure:"device"`
	// PrefetchWorkers bounds batch assembly ahead of evaluation decoding.
	PrefetchWorkers int `json:"prefetch_workers" mapstructure:"prefetch_workers"`
	// MetricsAddr serves Prometheus metrics during training when set.
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
	// Evaluate runs an evaluation from the final checkpoint after training.
	Evaluate bool `json:"do_evaluate" mapstructure:"evaluate"`
}

// DefaultConfig returns the settings of the reference fine-tuning recipe.
func DefaultConfig() Config {
	return Config{
		DataDir:         paths.DefaultDataDir(),
		EvalDataDir:     paths.DefaultDataDir(),
		ModelDir:        paths.DefaultModelDir(),
		OutputDir:       paths.DefaultOutputDir(),
		SummariesDir:    paths.DefaultSummariesDir(),
		RunsDir:         paths.DefaultRunsDir(),
		BlockSize:       512,
		BatchSize:       4,
		EvalBatchSize:   4,
		Seed:            42,
		Training:        training.Config{Epochs: 10, AccumulationSteps: 1, LoggingSteps: 100},
		Optimizer:       optim.DefaultConfig(),
		Beam:            beam.DefaultConfig(),
		Replicas:        1,
		Device:          devices.ModeAuto,
		PrefetchWorkers: 4,
	}
}

// Validate reports every invalid setting wrapped in ErrConfiguration.
func (c Config) Validate() error {
	var errs []error
	if c.ModelDir == "" {
		errs = append(errs, errors.New("model directory is required"))
	}
	if c.BlockSize < 2 {
		errs = append(errs, fmt.Errorf("block size must be at least 2, got %d", c.BlockSize))
	}
	if c.BatchSize < 1 || c.EvalBatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch sizes must be positive, got %d and %d", c.BatchSize, c.EvalBatchSize))
	}
	if c.Hidden < 0 {
		errs = append(errs, fmt.Errorf("hidden size must not be negative, got %d", c.Hidden))
	}
	if c.Replicas < 1 {
		errs = append(errs, fmt.Errorf("replicas must be at least 1, got %d", c.Replicas))
	}
	if _, err := devices.ParseMode(string(c.Device)); err != nil {
		errs = append(errs, err)
	}
	if err := c.Training.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Optimizer.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Beam.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

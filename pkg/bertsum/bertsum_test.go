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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/beam"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/checkpoint"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/datasets"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/devices"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/evaluation"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/monitoring"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/testutil"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/training"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var words = []string{"the", "cat", "sat", "on", "mat", "dog", "ran", "home", "fast", "."}

func corpus(n int) datasets.Pairs {
	texts := make([][2]string, n)
	for i := range texts {
		a, b := words[i%9], words[(i+3)%9]
		texts[i] = [2]string{
			fmt.Sprintf("the %s sat on the %s .", a, b),
			fmt.Sprintf("%s %s .", a, b),
		}
	}
	return datasets.FromTexts(texts)
}

func noCUDA() ([]devices.Device, error) {
	return nil, devices.ErrDeviceUnavailable
}

func testConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.ModelDir = filepath.Join(root, "model")
	cfg.OutputDir = filepath.Join(root, "output")
	cfg.SummariesDir = filepath.Join(root, "summaries")
	cfg.RunsDir = filepath.Join(root, "runs")
	cfg.BlockSize = 16
	cfg.BatchSize = 2
	cfg.EvalBatchSize = 3
	cfg.Hidden = 4
	cfg.PrefetchWorkers = 2
	cfg.Training = training.Config{MaxSteps: 3, AccumulationSteps: 2, LoggingSteps: 1}
	cfg.Beam = beam.Config{BeamSize: 2, MinLength: 0, MaxLength: 4, Alpha: 0.9, BlockRepeatingTrigrams: true}
	return cfg
}

func newTestRunner(t *testing.T, cfg Config, opts ...Option) *Runner {
	t.Helper()
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithTokenizer(testutil.NewTokenizer(words...)),
		WithDatasets(corpus(12), corpus(5)),
		WithDeviceOptions(devices.WithProbe(noCUDA)),
	}
	r, err := NewRunner(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func countFiles(t *testing.T, dir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	require.NoError(t, err)
	return len(matches)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"no model dir":   func(c *Config) { c.ModelDir = "" },
		"tiny block":     func(c *Config) { c.BlockSize = 1 },
		"zero batch":     func(c *Config) { c.BatchSize = 0 },
		"no replicas":    func(c *Config) { c.Replicas = 0 },
		"bad device":     func(c *Config) { c.Device = "tpu" },
		"bad training":   func(c *Config) { c.Training.AccumulationSteps = 0 },
		"bad optimizer":  func(c *Config) { c.Optimizer.Beta1 = 1 },
		"bad beam":       func(c *Config) { c.Beam.BeamSize = 0 },
		"negative width": func(c *Config) { c.Hidden = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)
			_, err := NewRunner(cfg)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestTrain_WritesCheckpointAndEvaluates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Evaluate = true
	cfg.Training.EvaluateDuringTraining = true
	cfg.MetricsAddr = "127.0.0.1:0"
	reg := prometheus.NewRegistry()
	r := newTestRunner(t, cfg, WithRegistry(reg))

	report, err := r.Train(t.Context())
	require.NoError(t, err)
	assert.False(t, report.Interrupted)
	assert.Equal(t, 3, report.Result.GlobalStep)
	assert.Equal(t, filepath.Join(cfg.OutputDir, checkpoint.DirName), report.Checkpoint)

	weights := filepath.Join(report.Checkpoint, checkpoint.WeightsDir)
	loaded, err := model.LoadSimple(weights)
	require.NoError(t, err)
	assert.Equal(t, len(words)+3, loaded.Config().VocabSize)
	assert.Equal(t, 4, loaded.Config().Hidden)
	assert.FileExists(t, filepath.Join(report.Checkpoint, checkpoint.TokenizerDir, "vocab.txt"))

	var args trainingArguments
	require.NoError(t, checkpoint.LoadArguments(report.Checkpoint, &args))
	assert.Equal(t, 3, args.Result.GlobalStep)
	assert.Equal(t, cfg.BlockSize, args.BlockSize)
	assert.Equal(t, cfg.Beam, args.Beam)

	require.NotNil(t, report.Evaluation)
	assert.Equal(t, 5, report.Evaluation.Examples)
	assert.Equal(t, 5, countFiles(t, cfg.SummariesDir, "model_*.txt"))

	runs, err := os.ReadDir(cfg.RunsDir)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	events, err := monitoring.ReadEvents(filepath.Join(cfg.RunsDir, runs[0].Name(), monitoring.EventsFileName))
	require.NoError(t, err)
	tags := map[string]bool{}
	for _, ev := range events {
		tags[ev.Tag] = true
	}
	for _, tag := range []string{"loss", "learning_rate", "memory/heap_alloc", "summary", "article"} {
		assert.True(t, tags[tag], "missing %s", tag)
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	var step float64
	for _, f := range families {
		if f.GetName() == "bertsum_training_step" {
			step = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 3.0, step)
}

func TestTrain_OutputDirGuard(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.OutputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, "old"), []byte("x"), 0o644))

	_, err := newTestRunner(t, cfg).Train(t.Context())
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, checkpoint.ErrOutputExists)
	assert.NoDirExists(t, cfg.RunsDir, "nothing starts before the guard")

	cfg.Overwrite = true
	report, err := newTestRunner(t, cfg).Train(t.Context())
	require.NoError(t, err)
	assert.NotEmpty(t, report.Checkpoint)
}

func TestTrain_InterruptPrompt(t *testing.T) {
	for _, tc := range []struct {
		answer string
		saved  bool
	}{
		{"n\n", false},
		{"No\n", false},
		{"y\n", true},
		{"\n", true},
	} {
		t.Run(strings.TrimSpace(tc.answer), func(t *testing.T) {
			cfg := testConfig(t)
			var prompt bytes.Buffer
			r := newTestRunner(t, cfg, WithPrompt(strings.NewReader(tc.answer), &prompt))

			ctx, cancel := context.WithCancel(t.Context())
			cancel()
			report, err := r.Train(ctx)
			require.NoError(t, err)
			assert.True(t, report.Interrupted)
			assert.Equal(t, 1, report.Result.GlobalStep)
			assert.Contains(t, prompt.String(), "[Y/n]")

			if tc.saved {
				assert.DirExists(t, report.Checkpoint)
			} else {
				assert.Empty(t, report.Checkpoint)
				assert.NoDirExists(t, filepath.Join(cfg.OutputDir, checkpoint.DirName))
			}
		})
	}
}

func TestTrain_Replicas(t *testing.T) {
	cfg := testConfig(t)
	cfg.Replicas = 2
	cfg.Training = training.Config{MaxSteps: 2, AccumulationSteps: 1, LoggingSteps: 1, EvaluateDuringTraining: true}

	report, err := newTestRunner(t, cfg).Train(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Result.GlobalStep)
	assert.DirExists(t, report.Checkpoint)
}

func TestTrain_StartsFromSavedWeights(t *testing.T) {
	cfg := testConfig(t)
	tok := testutil.NewTokenizer(words...)
	start, err := model.NewSimple(model.SimpleConfig{VocabSize: tok.VocabSize(), Hidden: 6, Seed: 9})
	require.NoError(t, err)
	require.NoError(t, start.Save(filepath.Join(cfg.ModelDir, checkpoint.WeightsDir)))

	report, err := newTestRunner(t, cfg).Train(t.Context())
	require.NoError(t, err)
	loaded, err := model.LoadSimple(filepath.Join(report.Checkpoint, checkpoint.WeightsDir))
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Config().Hidden, "hidden size comes from the saved model")

	mismatched := testConfig(t)
	small, err := model.NewSimple(model.SimpleConfig{VocabSize: 4, Hidden: 2})
	require.NoError(t, err)
	require.NoError(t, small.Save(filepath.Join(mismatched.ModelDir, checkpoint.WeightsDir)))
	_, err = newTestRunner(t, mismatched).Train(t.Context())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestEvaluateAndReferences(t *testing.T) {
	cfg := testConfig(t)
	_, err := newTestRunner(t, cfg).Evaluate(t.Context())
	assert.ErrorIs(t, err, ErrConfiguration, "no weights yet")

	tok := testutil.NewTokenizer(words...)
	m, err := model.NewSimple(model.SimpleConfig{VocabSize: tok.VocabSize(), Hidden: 4, Seed: 1})
	require.NoError(t, err)
	require.NoError(t, m.Save(filepath.Join(cfg.ModelDir, checkpoint.WeightsDir)))

	r := newTestRunner(t, cfg)
	stats, err := r.Evaluate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Examples)
	assert.Equal(t, 2, stats.Batches)

	n, err := r.References(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	raw, err := os.ReadFile(filepath.Join(cfg.SummariesDir, fmt.Sprintf(evaluation.ReferenceFilePattern, 0)))
	require.NoError(t, err)
	assert.Equal(t, "the on .", string(raw))
}

func TestConfirm(t *testing.T) {
	for in, want := range map[string]bool{
		"":        true,
		"\n":      true,
		"y\n":     true,
		" YES \n": true,
		"n\n":     false,
		"nope\n":  false,
		"n":       false,
	} {
		var out bytes.Buffer
		assert.Equal(t, want, confirm(strings.NewReader(in), &out, "Save?"), "%q", in)
		assert.True(t, strings.HasPrefix(out.String(), "Save? [Y/n] "))
	}
}

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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/checkpoint"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/datasets"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/devices"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/evaluation"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/monitoring"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/tokenizers"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Runner executes the commands of a configured run.
type Runner struct {
	cfg    Config
	logger *zap.Logger

	tok        tokenizers.Tokenizer
	trainData  datasets.Dataset
	evalData   datasets.Dataset
	in         io.Reader
	out        io.Writer
	registry   *prometheus.Registry
	deviceOpts []devices.Option
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithTokenizer uses tok instead of loading one from the model directory.
func WithTokenizer(tok tokenizers.Tokenizer) Option {
	return func(r *Runner) { r.tok = tok }
}

// WithDatasets uses in-memory datasets instead of reading story files. A nil
// dataset keeps the configured directory.
func WithDatasets(train, eval datasets.Dataset) Option {
	return func(r *Runner) {
		r.trainData = train
		r.evalData = eval
	}
}

// WithPrompt sets where the save question after an interrupt is asked and
// answered. Defaults to stdin and stderr.
func WithPrompt(in io.Reader, out io.Writer) Option {
	return func(r *Runner) {
		r.in = in
		r.out = out
	}
}

// WithRegistry registers training metrics with reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// WithDeviceOptions passes options to device selection.
func WithDeviceOptions(opts ...devices.Option) Option {
	return func(r *Runner) { r.deviceOpts = append(r.deviceOpts, opts...) }
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{cfg: cfg, in: os.Stdin, out: os.Stderr}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

// Config returns the run settings.
func (r *Runner) Config() Config { return r.cfg }

func (r *Runner) selectDevices() devices.Placement {
	mode, _ := devices.ParseMode(string(r.cfg.Device))
	opts := append([]devices.Option{devices.WithMode(mode)}, r.deviceOpts...)
	return devices.Select(r.logger, opts...)
}

// tokenizer returns the configured tokenizer or loads it from the model
// directory, preferring the tokenizer/ folder of a checkpoint.
func (r *Runner) tokenizer() (tokenizers.Tokenizer, error) {
	if r.tok != nil {
		return r.tok, nil
	}
	dir := r.cfg.ModelDir
	if sub := filepath.Join(dir, checkpoint.TokenizerDir); isDir(sub) {
		dir = sub
	}
	tok, err := tokenizers.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	r.logger.Info("Loaded tokenizer", zap.String("path", dir))
	return tok, nil
}

func (r *Runner) dataset(override datasets.Dataset, dir string) (datasets.Dataset, error) {
	if override != nil {
		return override, nil
	}
	ds, err := datasets.NewCNNDailyMail(dir)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	r.logger.Info("Opened dataset", zap.String("dir", dir), zap.Int("examples", ds.Len()))
	return ds, nil
}

// weightsDir is where the model directory keeps saved weights.
func (r *Runner) weightsDir() string {
	return filepath.Join(r.cfg.ModelDir, checkpoint.WeightsDir)
}

// loadModel reads the weights of the model directory, checking them against
// the tokenizer vocabulary when it is known.
func (r *Runner) loadModel(tok tokenizers.Tokenizer) (*model.Simple, error) {
	m, err := model.LoadSimple(r.weightsDir())
	if err != nil {
		return nil, fmt.Errorf("loading model: %w", err)
	}
	if sizer, ok := tok.(tokenizers.VocabSizer); ok && sizer.VocabSize() != m.Config().VocabSize {
		return nil, fmt.Errorf("%w: model vocabulary %d does not match tokenizer vocabulary %d",
			ErrConfiguration, m.Config().VocabSize, sizer.VocabSize())
	}
	r.logger.Info("Loaded model", zap.String("path", r.weightsDir()), zap.Int("parameters", model.NumParameters(m)))
	return m, nil
}

// initialModel loads saved weights when the model directory has them and
// otherwise initializes a model from the seed, with the decoder embeddings
// copied from the encoder.
func (r *Runner) initialModel(tok tokenizers.Tokenizer) (*model.Simple, error) {
	if model.Exists(r.weightsDir()) {
		return r.loadModel(tok)
	}
	sizer, ok := tok.(tokenizers.VocabSizer)
	if !ok || sizer.VocabSize() <= 0 {
		return nil, fmt.Errorf("%w: tokenizer does not report a vocabulary size", ErrConfiguration)
	}
	m, err := model.NewSimple(model.SimpleConfig{
		VocabSize: sizer.VocabSize(),
		Hidden:    r.cfg.Hidden,
		PadID:     tok.SpecialTokens().Pad,
		Seed:      r.cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := model.ShareEmbeddings(m); err != nil {
		return nil, err
	}
	r.logger.Info("Initialized model",
		zap.Int("vocab_size", m.Config().VocabSize),
		zap.Int("hidden_size", m.Config().Hidden),
		zap.Int("parameters", model.NumParameters(m)))
	return m, nil
}

// monitoring builds the coordinator's sinks: the log, an event file per run
// and, with a metrics address, Prometheus gauges served over HTTP.
func (r *Runner) monitoring() (*monitoring.Recorder, func(), error) {
	logger := r.logger.Named("monitoring")
	sinks := []monitoring.Sink{monitoring.NewLogSink(logger)}
	var server *monitoring.MetricsServer

	if r.cfg.RunsDir != "" {
		events, err := monitoring.NewEventFile(r.cfg.RunsDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Recording events", zap.String("run_id", events.RunID()), zap.String("path", events.Path()))
		sinks = append(sinks, events)
	}
	if r.cfg.MetricsAddr != "" {
		reg := r.registry
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		sinks = append(sinks, monitoring.NewPrometheusSink(reg))
		var err error
		server, err = monitoring.NewMetricsServer(r.cfg.MetricsAddr, reg, logger)
		if err != nil {
			_ = monitoring.Multi(sinks...).Close()
			return nil, nil, fmt.Errorf("starting metrics server: %w", err)
		}
		server.Start()
	}

	rec := monitoring.NewRecorder(monitoring.Multi(sinks...), logger)
	closeFn := func() {
		rec.Close()
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("Failed to stop metrics server", zap.Error(err))
			}
		}
	}
	return rec, closeFn, nil
}

// Evaluate summarizes the evaluation dataset with the model directory's
// weights and writes model_<i>.txt files to the summaries directory.
func (r *Runner) Evaluate(ctx context.Context) (*evaluation.Stats, error) {
	r.selectDevices()
	tok, err := r.tokenizer()
	if err != nil {
		return nil, err
	}
	if !model.Exists(r.weightsDir()) {
		return nil, fmt.Errorf("%w: no model weights in %s", ErrConfiguration, r.cfg.ModelDir)
	}
	m, err := r.loadModel(tok)
	if err != nil {
		return nil, err
	}
	loader, err := r.evalLoader(tok)
	if err != nil {
		return nil, err
	}
	summarizer, err := evaluation.NewSummarizer(m, tok, r.cfg.Beam, r.logger.Named("beam"))
	if err != nil {
		return nil, err
	}
	ev := evaluation.NewEvaluator(summarizer, loader, r.cfg.PrefetchWorkers, r.cfg.SummariesDir, r.logger)
	stats, err := ev.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	return &stats, nil
}

// References writes the reference summaries of the evaluation dataset as
// original_<i>.txt files, numbered like the Evaluate outputs.
func (r *Runner) References(ctx context.Context) (int, error) {
	tok, err := r.tokenizer()
	if err != nil {
		return 0, err
	}
	loader, err := r.evalLoader(tok)
	if err != nil {
		return 0, err
	}
	return evaluation.WriteReferences(ctx, loader, r.cfg.SummariesDir, r.logger)
}

func (r *Runner) evalLoader(tok tokenizers.Tokenizer) (*batch.Loader, error) {
	ds, err := r.dataset(r.evalData, r.cfg.EvalDataDir)
	if err != nil {
		return nil, err
	}
	asm, err := batch.NewAssembler(tok, r.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	return batch.NewLoader(ds, asm, r.cfg.EvalBatchSize, batch.SequentialSampler{}, r.logger)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

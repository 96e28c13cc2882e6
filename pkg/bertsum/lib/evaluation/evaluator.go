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

package evaluation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"go.uber.org/zap"
)

// File name patterns of the evaluation outputs. The index is the position of
// the example among those that survive batch assembly, so model and
// reference files written from the same loader line up.
const (
	ModelFilePattern     = "model_%d.txt"
	ReferenceFilePattern = "original_%d.txt"
)

// Stats summarizes an evaluation run.
type Stats struct {
	Examples int                 `json:"examples"`
	Batches  int                 `json:"batches"`
	Elapsed  time.Duration       `json:"elapsed"`
	Prefetch batch.PrefetchStats `json:"prefetch"`
}

// Evaluator summarizes every example of a loader and writes one file per
// summary. The loader should use a sequential sampler.
type Evaluator struct {
	summarizer *Summarizer
	prefetcher *batch.Prefetcher
	outputDir  string
	logger     *zap.Logger
}

// NewEvaluator returns an Evaluator writing into outputDir. Batches are
// assembled by up to workers goroutines ahead of decoding.
func NewEvaluator(s *Summarizer, loader *batch.Loader, workers int, outputDir string, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		summarizer: s,
		prefetcher: batch.NewPrefetcher(loader, workers, logger),
		outputDir:  outputDir,
		logger:     logger,
	}
}

// Run decodes the whole loader. The model is switched to evaluation mode and
// left there.
func (e *Evaluator) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	var stats Stats
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return stats, fmt.Errorf("creating summaries directory: %w", err)
	}
	e.summarizer.model.SetTraining(false)

	stream := e.prefetcher.Epoch(ctx, 0)
	defer stream.Close()
	for {
		b, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		summaries, err := e.summarizer.Summarize(ctx, b)
		if err != nil {
			return stats, fmt.Errorf("decoding batch %d: %w", stats.Batches, err)
		}
		for _, summary := range summaries {
			name := fmt.Sprintf(ModelFilePattern, stats.Examples)
			if err := writeLines(filepath.Join(e.outputDir, name), SplitSentences(summary)); err != nil {
				return stats, err
			}
			stats.Examples++
		}
		stats.Batches++
		e.logger.Debug("Decoded batch",
			zap.Int("batch", stats.Batches),
			zap.Int("examples", stats.Examples))
	}

	stats.Elapsed = time.Since(start)
	stats.Prefetch = e.prefetcher.Stats()
	e.logger.Info("Evaluation finished",
		zap.Int("examples", stats.Examples),
		zap.Int("batches", stats.Batches),
		zap.Duration("elapsed", stats.Elapsed),
		zap.String("output", e.outputDir))
	return stats, nil
}

// WriteReferences writes the reference summary of every example the loader
// yields to original_<i>.txt, one highlight per line. It returns the number
// of files written.
func WriteReferences(ctx context.Context, loader *batch.Loader, outputDir string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating references directory: %w", err)
	}
	n := 0
	it := loader.Epoch(0)
	for {
		b, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		for _, ex := range b.Examples {
			name := fmt.Sprintf(ReferenceFilePattern, n)
			if err := writeLines(filepath.Join(outputDir, name), ex.Summary); err != nil {
				return n, err
			}
			n++
		}
	}
	logger.Info("Wrote reference summaries", zap.Int("count", n), zap.String("output", outputDir))
	return n, nil
}

func writeLines(path string, lines []string) error {
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

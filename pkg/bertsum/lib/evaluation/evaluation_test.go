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

package evaluation_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/beam"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/datasets"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/evaluation"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSplitSentences(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"no terminator", []string{"no terminator"}},
		{"Hello world. How are you? Fine!", []string{"Hello world.", "How are you?", "Fine!"}},
		{"a.  . trailing words", []string{"a.", ".", "trailing words"}},
	} {
		assert.Equal(t, tc.want, evaluation.SplitSentences(tc.in), tc.in)
	}
}

type fixture struct {
	tok        *testutil.Tokenizer
	model      *testutil.Model
	summarizer *evaluation.Summarizer
	loader     *batch.Loader
}

// newFixture scripts a model that always summarizes "cat sat. dog ran!".
// The second example has no summary and is filtered out during assembly.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	tok := testutil.NewTokenizer("story", "cat", "sat.", "dog", "ran!", "first", "second", "third")
	m := testutil.NewModel(tok.VocabSize()).Chain(0.9,
		testutil.StartID, tok.ID("cat"), tok.ID("sat."), tok.ID("dog"), tok.ID("ran!"), testutil.SepID)

	s, err := evaluation.NewSummarizer(m, tok, beam.Config{
		BeamSize: 2, MinLength: 0, MaxLength: 10, Alpha: 0.9, BlockRepeatingTrigrams: true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ds := datasets.Pairs{
		{Story: []string{"story"}, Summary: []string{"first"}},
		{Story: []string{"story"}},
		{Story: []string{"story"}, Summary: []string{"second", "second"}},
		{Story: []string{"story"}, Summary: []string{"third"}},
	}
	asm, err := batch.NewAssembler(tok, 8)
	require.NoError(t, err)
	loader, err := batch.NewLoader(ds, asm, 2, batch.SequentialSampler{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &fixture{tok: tok, model: m, summarizer: s, loader: loader}
}

func readFile(t *testing.T, dir, pattern string, i int) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf(pattern, i)))
	require.NoError(t, err)
	return string(raw)
}

func TestSummarizer(t *testing.T) {
	f := newFixture(t)
	b, err := f.loader.Epoch(0).Next(t.Context())
	require.NoError(t, err)

	summaries, err := f.summarizer.Summarize(t.Context(), b)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat sat. dog ran!"}, summaries)

	_, err = evaluation.NewSummarizer(f.model, f.tok, beam.Config{}, nil)
	assert.ErrorIs(t, err, beam.ErrInvalidConfig)
}

func TestEvaluator_Run(t *testing.T) {
	f := newFixture(t)
	f.model.SetTraining(true)
	out := filepath.Join(t.TempDir(), "summaries")

	stats, err := evaluation.NewEvaluator(f.summarizer, f.loader, 2, out, zaptest.NewLogger(t)).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Examples)
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, int64(2), stats.Prefetch.TotalDone)
	assert.False(t, f.model.Training())

	for i := range 3 {
		assert.Equal(t, "cat sat.\ndog ran!", readFile(t, out, evaluation.ModelFilePattern, i))
	}
	assert.NoFileExists(t, filepath.Join(out, fmt.Sprintf(evaluation.ModelFilePattern, 3)))
}

func TestEvaluator_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := evaluation.NewEvaluator(f.summarizer, f.loader, 1, t.TempDir(), nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteReferences(t *testing.T) {
	f := newFixture(t)
	out := t.TempDir()

	n, err := evaluation.WriteReferences(t.Context(), f.loader, out, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "first", readFile(t, out, evaluation.ReferenceFilePattern, 0))
	assert.Equal(t, "second\nsecond", readFile(t, out, evaluation.ReferenceFilePattern, 1))
	assert.Equal(t, "third", readFile(t, out, evaluation.ReferenceFilePattern, 2))
}

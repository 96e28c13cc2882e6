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

// Package evaluation turns batches into summaries with beam search and
// writes them out for external scoring.
package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/beam"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/tokenizers"
	"go.uber.org/zap"
)

// Summarizer decodes the sources of a batch into summary text.
type Summarizer struct {
	model   model.Model
	decoder *beam.Decoder
	tok     tokenizers.Tokenizer
}

// NewSummarizer returns a Summarizer decoding with cfg. Hypotheses open with
// the tokenizer's start token and finish on its end token.
func NewSummarizer(m model.Model, tok tokenizers.Tokenizer, cfg beam.Config, logger *zap.Logger) (*Summarizer, error) {
	special := tok.SpecialTokens()
	d, err := beam.NewDecoder(cfg, special.Start, special.End, logger)
	if err != nil {
		return nil, fmt.Errorf("creating beam decoder: %w", err)
	}
	return &Summarizer{model: m, decoder: d, tok: tok}, nil
}

// Summarize returns one summary per row of b. The model must be in
// evaluation mode; the caller owns the switch.
func (s *Summarizer) Summarize(ctx context.Context, b *batch.Batch) ([]string, error) {
	results, err := s.decoder.Decode(ctx, s.model, b.Source, b.EncoderTokenTypeIDs, b.EncoderMask)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = s.tok.Decode(r.Tokens)
	}
	return out, nil
}

// SplitSentences splits text after every '.', '!' or '?'. Terminators stay
// with their sentence; blank pieces are dropped.
func SplitSentences(text string) []string {
	var out []string
	for len(text) > 0 {
		i := strings.IndexAny(text, ".!?")
		var piece string
		if i < 0 {
			piece, text = text, ""
		} else {
			piece, text = text[:i+1], text[i+1:]
		}
		if piece = strings.TrimSpace(piece); piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

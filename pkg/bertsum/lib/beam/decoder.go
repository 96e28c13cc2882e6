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

// Package beam implements batched beam search over an encoder-decoder model.
package beam

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"go.uber.org/zap"
)

// Scorer is the inference half of model.Model.
type Scorer interface {
	Encode(ctx context.Context, source, tokenTypes, mask [][]int) (model.EncoderOutput, error)
	DecodeStep(ctx context.Context, enc model.EncoderOutput, rows []int, prefixes [][]int) ([][]float64, error)
}

// Hypothesis is one beam at the end of decoding.
type Hypothesis struct {
	// Tokens starts with the start token and ends with the end token when
	// Finished.
	Tokens []int
	// Score is the cumulative log-probability.
	Score float64
	// NormalizedScore is Score divided by length^alpha.
	NormalizedScore float64
	Finished        bool
}

// Result is the decoding of one example.
type Result struct {
	// Tokens is the best hypothesis without the start and end tokens.
	Tokens []int
	// Best is the selected hypothesis.
	Best Hypothesis
	// Hypotheses holds every surviving beam, best first.
	Hypotheses []Hypothesis
}

// Decoder runs beam search with a fixed configuration.
type Decoder struct {
	cfg     Config
	startID int
	endID   int
	logger  *zap.Logger
}

// NewDecoder creates a Decoder. startID opens every hypothesis and endID
// finishes one.
func NewDecoder(cfg Config, startID, endID int, logger *zap.Logger) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{cfg: cfg, startID: startID, endID: endID, logger: logger}, nil
}

// Config returns the decoder settings.
func (d *Decoder) Config() Config { return d.cfg }

type hypothesis struct {
	tokens   []int
	score    float64
	finished bool
}

// generated is the number of tokens after the start token.
func (h *hypothesis) generated() int { return len(h.tokens) - 1 }

// Decode returns the best summary of every source row. The model is only
// asked to encode and score; nothing is recorded for training. The context is
// checked between timesteps.
func (d *Decoder) Decode(ctx context.Context, s Scorer, source, tokenTypes, mask [][]int) ([]Result, error) {
	enc, err := s.Encode(ctx, source, tokenTypes, mask)
	if err != nil {
		return nil, fmt.Errorf("encoding sources: %w", err)
	}

	n := len(source)
	beams := make([][]*hypothesis, n)
	done := make([]bool, n)
	for ex := range beams {
		beams[ex] = make([]*hypothesis, d.cfg.BeamSize)
		for b := range beams[ex] {
			beams[ex][b] = &hypothesis{tokens: []int{d.startID}}
			// Identical starting beams would expand into duplicates.
			if b > 0 {
				beams[ex][b].score = math.Inf(-1)
			}
		}
	}

	steps := 0
	for step := 0; step < d.cfg.MaxLength; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var rows []int
		var prefixes [][]int
		type slot struct{ ex, beam int }
		var slots []slot
		for ex := range beams {
			if done[ex] {
				continue
			}
			for b, h := range beams[ex] {
				if h.finished || math.IsInf(h.score, -1) {
					continue
				}
				rows = append(rows, ex)
				prefixes = append(prefixes, h.tokens)
				slots = append(slots, slot{ex, b})
			}
		}
		if len(rows) == 0 {
			break
		}
		steps++

		logProbs, err := s.DecodeStep(ctx, enc, rows, prefixes)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", step, err)
		}
		if len(logProbs) != len(rows) {
			return nil, fmt.Errorf("decode step %d: %w: %d scores for %d prefixes", step, model.ErrShapeMismatch, len(logProbs), len(rows))
		}
		scores := make(map[slot][]float64, len(slots))
		for i, sl := range slots {
			scores[sl] = logProbs[i]
		}

		for ex := range beams {
			if done[ex] {
				continue
			}
			top := newTopK(d.cfg.BeamSize)
			for b, h := range beams[ex] {
				if h.finished {
					top.offer(candidate{score: h.score, token: -1, beam: b})
					continue
				}
				lp, ok := scores[slot{ex, b}]
				if !ok {
					continue
				}
				d.expand(top, h, b, lp)
			}
			if top.Len() == 0 {
				// Every continuation was blocked; keep what we have.
				done[ex] = true
				continue
			}

			next := make([]*hypothesis, 0, d.cfg.BeamSize)
			allFinished := true
			for _, c := range top.sorted() {
				parent := beams[ex][c.beam]
				if c.token < 0 {
					next = append(next, parent)
					continue
				}
				tokens := make([]int, len(parent.tokens)+1)
				copy(tokens, parent.tokens)
				tokens[len(parent.tokens)] = c.token
				h := &hypothesis{tokens: tokens, score: c.score, finished: c.token == d.endID}
				allFinished = allFinished && h.finished
				next = append(next, h)
			}
			beams[ex] = next
			if allFinished {
				done[ex] = true
			}
		}
	}

	results := make([]Result, n)
	finished := 0
	for ex := range beams {
		results[ex] = d.finalize(beams[ex])
		if results[ex].Best.Finished {
			finished++
		}
	}
	d.logger.Debug("Beam search done",
		zap.Int("examples", n),
		zap.Int("steps", steps),
		zap.Int("finished", finished))
	return results, nil
}

// expand offers every allowed continuation of h.
func (d *Decoder) expand(top *topK, h *hypothesis, b int, logProbs []float64) {
	var blocked map[int]struct{}
	if d.cfg.BlockRepeatingTrigrams {
		blocked = blockedTrigramTokens(h.tokens)
	}
	allowEnd := h.generated() >= d.cfg.MinLength
	for tok, lp := range logProbs {
		if tok == d.endID && !allowEnd {
			continue
		}
		if _, ok := blocked[tok]; ok {
			continue
		}
		score := h.score + lp
		if math.IsNaN(score) || math.IsInf(score, -1) {
			continue
		}
		top.offer(candidate{score: score, token: tok, beam: b})
	}
}

// finalize applies the length penalty and picks the best finished beam, or
// the best unfinished one when none finished.
func (d *Decoder) finalize(beams []*hypothesis) Result {
	hyps := make([]Hypothesis, 0, len(beams))
	for _, h := range beams {
		if math.IsInf(h.score, -1) {
			continue
		}
		hyps = append(hyps, Hypothesis{
			Tokens:          h.tokens,
			Score:           h.score,
			NormalizedScore: LengthPenalized(h.score, h.generated(), d.cfg.Alpha),
			Finished:        h.finished,
		})
	}
	sort.SliceStable(hyps, func(i, j int) bool {
		if hyps[i].Finished != hyps[j].Finished {
			return hyps[i].Finished
		}
		return hyps[i].NormalizedScore > hyps[j].NormalizedScore
	})

	var res Result
	res.Hypotheses = hyps
	if len(hyps) == 0 {
		return res
	}
	res.Best = hyps[0]
	tokens := res.Best.Tokens
	if len(tokens) > 0 && tokens[0] == d.startID {
		tokens = tokens[1:]
	}
	if res.Best.Finished && len(tokens) > 0 && tokens[len(tokens)-1] == d.endID {
		tokens = tokens[:len(tokens)-1]
	}
	res.Tokens = append([]int(nil), tokens...)
	return res
}

// LengthPenalized divides a cumulative log score by length^alpha. Lengths
// below one are left unpenalized.
func LengthPenalized(score float64, length int, alpha float64) float64 {
	if length < 1 {
		return score
	}
	return score / math.Pow(float64(length), alpha)
}

// blockedTrigramTokens returns the tokens that would complete a trigram
// already present in tokens.
func blockedTrigramTokens(tokens []int) map[int]struct{} {
	n := len(tokens)
	if n < 3 {
		return nil
	}
	a, b := tokens[n-2], tokens[n-1]
	var blocked map[int]struct{}
	for i := 0; i+2 < n; i++ {
		if tokens[i] == a && tokens[i+1] == b {
			if blocked == nil {
				blocked = make(map[int]struct{})
			}
			blocked[tokens[i+2]] = struct{}{}
		}
	}
	return blocked
}

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

package beam

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned for beam settings outside their valid range.
var ErrInvalidConfig = errors.New("invalid beam search config")

// Config holds parameters for beam search decoding.
type Config struct {
	// BeamSize is the number of hypotheses kept per example.
	BeamSize int `json:"beam_size" mapstructure:"beam_size"`
	// MinLength is the number of tokens to generate before the end token is allowed.
	MinLength int `json:"min_length" mapstructure:"min_length"`
	// MaxLength is the maximum number of tokens to generate.
	MaxLength int `json:"max_length" mapstructure:"max_length"`
	// Alpha is the length penalty exponent. Scores are divided by length^Alpha.
	Alpha float64 `json:"alpha" mapstructure:"alpha"`
	// BlockRepeatingTrigrams forbids emitting a 3-gram already in the hypothesis.
	BlockRepeatingTrigrams bool `json:"block_repeating_trigrams" mapstructure:"block_repeating_trigrams"`
}

// DefaultConfig returns the settings used to sample and evaluate summaries.
func DefaultConfig() Config {
	return Config{
		BeamSize:               5,
		MinLength:              15,
		MaxLength:              150,
		Alpha:                  0.9,
		BlockRepeatingTrigrams: true,
	}
}

// Validate checks the ranges of every field.
func (c Config) Validate() error {
	if c.BeamSize <= 0 {
		return fmt.Errorf("%w: beam size must be positive, got %d", ErrInvalidConfig, c.BeamSize)
	}
	if c.MinLength < 0 {
		return fmt.Errorf("%w: min length must be non-negative, got %d", ErrInvalidConfig, c.MinLength)
	}
	if c.MaxLength <= c.MinLength {
		return fmt.Errorf("%w: max length %d must exceed min length %d", ErrInvalidConfig, c.MaxLength, c.MinLength)
	}
	if c.Alpha < 0 {
		return fmt.Errorf("%w: alpha must be non-negative, got %g", ErrInvalidConfig, c.Alpha)
	}
	return nil
}

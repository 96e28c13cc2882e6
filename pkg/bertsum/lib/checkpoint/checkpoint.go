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

// Package checkpoint writes training snapshots: model weights, tokenizer
// files and the run configuration.
//
// A snapshot is assembled in a staging directory next to its final location
// and renamed into place, so a reader never sees a partial checkpoint.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/tokenizers"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Layout of a checkpoint directory.
const (
	DirName       = "checkpoint"
	WeightsDir    = "weights"
	TokenizerDir  = "tokenizer"
	ArgumentsFile = "training_arguments.json"
)

// ErrOutputExists is returned when the output directory already holds files
// and overwriting was not requested.
var ErrOutputExists = errors.New("output directory exists and is not empty")

// CheckOutputDir fails with ErrOutputExists if dir is a non-empty directory
// and overwrite is false. A missing directory is fine.
func CheckOutputDir(dir string, overwrite bool) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output path %s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading output directory: %w", err)
	}
	if len(entries) > 0 && !overwrite {
		return fmt.Errorf("%w: %s (use --overwrite to continue)", ErrOutputExists, dir)
	}
	return nil
}

// Snapshot is what a checkpoint holds.
type Snapshot struct {
	Model     model.Saver
	Tokenizer tokenizers.Tokenizer
	// Arguments is encoded to training_arguments.json.
	Arguments any
}

// Save writes s to <outputDir>/checkpoint, replacing any previous
// checkpoint, and returns the checkpoint path.
func Save(outputDir string, s Snapshot, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.Model == nil {
		return "", errors.New("checkpoint requires a model")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	staging := filepath.Join(outputDir, ".checkpoint.tmp-"+uuid.NewString())
	if err := writeSnapshot(staging, s, logger); err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}

	final := filepath.Join(outputDir, DirName)
	var previous string
	if _, err := os.Stat(final); err == nil {
		previous = filepath.Join(outputDir, ".checkpoint.old-"+uuid.NewString())
		if err := os.Rename(final, previous); err != nil {
			_ = os.RemoveAll(staging)
			return "", fmt.Errorf("moving previous checkpoint aside: %w", err)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		if previous != "" {
			_ = os.Rename(previous, final)
		}
		return "", fmt.Errorf("publishing checkpoint: %w", err)
	}
	if previous != "" {
		if err := os.RemoveAll(previous); err != nil {
			logger.Warn("Failed to remove previous checkpoint", zap.String("path", previous), zap.Error(err))
		}
	}

	logger.Info("Saved checkpoint", zap.String("path", final))
	return final, nil
}

func writeSnapshot(dir string, s Snapshot, logger *zap.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	if err := s.Model.Save(filepath.Join(dir, WeightsDir)); err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	if saver, ok := s.Tokenizer.(tokenizers.Saver); ok {
		if err := saver.SaveTo(filepath.Join(dir, TokenizerDir)); err != nil {
			return fmt.Errorf("saving tokenizer: %w", err)
		}
	} else if s.Tokenizer != nil {
		logger.Warn("Tokenizer cannot be saved, checkpoint has no tokenizer files")
	}
	if s.Arguments != nil {
		raw, err := json.MarshalIndent(s.Arguments, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding training arguments: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, ArgumentsFile), raw, 0o644); err != nil {
			return fmt.Errorf("writing training arguments: %w", err)
		}
	}
	return nil
}

// LoadArguments decodes the training arguments of the checkpoint at dir
// into v.
func LoadArguments(dir string, v any) error {
	raw, err := os.ReadFile(filepath.Join(dir, ArgumentsFile))
	if err != nil {
		return fmt.Errorf("reading training arguments: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parsing training arguments: %w", err)
	}
	return nil
}

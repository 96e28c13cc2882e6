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

package checkpoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/checkpoint"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, checkpoint.CheckOutputDir(filepath.Join(dir, "missing"), false))
	require.NoError(t, checkpoint.CheckOutputDir(dir, false), "empty directory")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale"), []byte("x"), 0o644))
	err := checkpoint.CheckOutputDir(dir, false)
	assert.ErrorIs(t, err, checkpoint.ErrOutputExists)
	assert.NoError(t, checkpoint.CheckOutputDir(dir, true))

	err = checkpoint.CheckOutputDir(filepath.Join(dir, "stale"), true)
	require.Error(t, err)
	assert.NotErrorIs(t, err, checkpoint.ErrOutputExists)
}

type arguments struct {
	BlockSize int     `json:"block_size"`
	Alpha     float64 `json:"alpha"`
}

func TestSave(t *testing.T) {
	out := t.TempDir()
	tok := testutil.NewTokenizer("the", "cat")
	m := testutil.NewModel(tok.VocabSize())

	path, err := checkpoint.Save(out, checkpoint.Snapshot{
		Model:     m,
		Tokenizer: tok,
		Arguments: arguments{BlockSize: 512, Alpha: 0.9},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, checkpoint.DirName), path)

	assert.FileExists(t, filepath.Join(path, checkpoint.WeightsDir, "encoder.txt"))
	assert.FileExists(t, filepath.Join(path, checkpoint.WeightsDir, "decoder.txt"))
	assert.FileExists(t, filepath.Join(path, checkpoint.TokenizerDir, "vocab.txt"))

	var got arguments
	require.NoError(t, checkpoint.LoadArguments(path, &got))
	assert.Equal(t, arguments{BlockSize: 512, Alpha: 0.9}, got)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staging directories left behind")
	assert.Equal(t, checkpoint.DirName, entries[0].Name())
}

func TestSave_ReplacesPreviousCheckpoint(t *testing.T) {
	out := t.TempDir()
	tok := testutil.NewTokenizer()
	simple, err := model.NewSimple(model.SimpleConfig{VocabSize: tok.VocabSize(), Hidden: 4, Seed: 1})
	require.NoError(t, err)

	_, err = checkpoint.Save(out, checkpoint.Snapshot{Model: testutil.NewModel(3), Tokenizer: tok}, nil)
	require.NoError(t, err)
	path, err := checkpoint.Save(out, checkpoint.Snapshot{Model: simple, Tokenizer: tok}, nil)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(path, checkpoint.WeightsDir, "encoder.txt"))
	loaded, err := model.LoadSimple(filepath.Join(path, checkpoint.WeightsDir))
	require.NoError(t, err)
	assert.Equal(t, simple.Config(), loaded.Config())
	assert.NoFileExists(t, filepath.Join(path, checkpoint.ArgumentsFile))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type brokenSaver struct{}

var errDisk = errors.New("disk full")

func (brokenSaver) Save(string) error { return errDisk }

func TestSave_FailureKeepsPreviousCheckpoint(t *testing.T) {
	out := t.TempDir()
	path, err := checkpoint.Save(out, checkpoint.Snapshot{Model: testutil.NewModel(3)}, nil)
	require.NoError(t, err)

	_, err = checkpoint.Save(out, checkpoint.Snapshot{Model: brokenSaver{}}, nil)
	assert.ErrorIs(t, err, errDisk)
	assert.FileExists(t, filepath.Join(path, checkpoint.WeightsDir, "encoder.txt"))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = checkpoint.Save(out, checkpoint.Snapshot{}, nil)
	assert.Error(t, err)
}

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

package cmd

import (
	"path/filepath"
	"testing"

	"github.com/antflydb/bertsum/pkg/bertsum"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/devices"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setViper(t *testing.T, values map[string]any) {
	t.Helper()
	for k, v := range values {
		old := viper.Get(k)
		viper.Set(k, v)
		t.Cleanup(func() { viper.Set(k, old) })
	}
}

func TestConfigFromViper_Defaults(t *testing.T) {
	cfg := configFromViper()
	want := bertsum.DefaultConfig()
	assert.Equal(t, want.Training, cfg.Training)
	assert.Equal(t, want.Optimizer, cfg.Optimizer)
	assert.Equal(t, want.Beam, cfg.Beam)
	assert.Equal(t, want.BlockSize, cfg.BlockSize)
	assert.Equal(t, devices.ModeAuto, cfg.Device)
	assert.Empty(t, cfg.MetricsAddr)
	require.NoError(t, cfg.Validate())
}

func TestConfigFromViper_Overrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	setViper(t, map[string]any{
		"training.max_steps":                   50000,
		"training.gradient_accumulation_steps": 5,
		"optimizer.decoder.learning_rate":      0.2,
		"beam.beam_size":                       3,
		"metrics_port":                         9090,
		"replicas":                             2,
		"to_cpu":                               true,
		"output_dir":                           "~/bertsum-out",
	})

	cfg := configFromViper()
	assert.Equal(t, 50000, cfg.Training.MaxSteps)
	assert.Equal(t, 5, cfg.Training.AccumulationSteps)
	assert.Equal(t, 0.2, cfg.Optimizer.Decoder.LearningRate)
	assert.Equal(t, 3, cfg.Beam.BeamSize)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 2, cfg.Replicas)
	assert.Equal(t, devices.ModeCPU, cfg.Device)
	assert.Equal(t, filepath.Join(home, "bertsum-out"), cfg.OutputDir)
}

func TestDevicesMode(t *testing.T) {
	assert.Equal(t, devices.ModeCPU, devicesMode("cuda", true))
	assert.Equal(t, devices.ModeCUDA, devicesMode("cuda", false))
	assert.Equal(t, devices.ModeAuto, devicesMode("auto", false))
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"train", "evaluate", "references"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
	assert.NotNil(t, trainCmd.Flags().Lookup("max-steps"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("to-cpu"))
}

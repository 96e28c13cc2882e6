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

// Package cmd implements the bertsum command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/antflydb/bertsum/pkg/bertsum"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/devices"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/paths"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	Version string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bertsum",
	Short: "Fine-tune and evaluate an abstractive summarizer",
	Long: `Fine-tune a pretrained encoder-decoder summarizer on CNN/DailyMail story
files and decode summaries with beam search.

Examples:
  # Train for 10 epochs, then summarize the evaluation set
  bertsum train --data-dir ~/data/cnn/train --eval-data-dir ~/data/cnn/test --evaluate

  # Cap training at 50000 optimizer steps on two replicas
  bertsum train --max-steps 50000 --replicas 2

  # Summarize with a saved checkpoint
  bertsum evaluate --model-dir ~/.bertsum/output/checkpoint

  # Write the reference summaries next to the decoded ones
  bertsum references --eval-data-dir ~/data/cnn/test`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	defaults := bertsum.DefaultConfig()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file path (e.g. bertsum.yaml)")
	flags.String("log-level", "info", "set the logging level (e.g. debug, info, warn, error)")
	flags.String("log-style", "terminal", "set the logging output style (terminal, json, noop)")
	flags.String("model-dir", defaults.ModelDir, "directory with the tokenizer and optional weights, or a checkpoint")
	flags.String("eval-data-dir", defaults.EvalDataDir, "directory of .story files to summarize")
	flags.String("summaries-dir", defaults.SummariesDir, "directory receiving model_<i>.txt and original_<i>.txt")
	flags.Int("block-size", defaults.BlockSize, "tokens per source and target sequence")
	flags.Int("eval-batch-size", defaults.EvalBatchSize, "examples per evaluation batch")
	flags.Int("prefetch-workers", defaults.PrefetchWorkers, "batches assembled ahead of decoding")
	flags.Uint64("seed", defaults.Seed, "random seed for initialization and shuffling")
	flags.String("device", string(defaults.Device), "accelerator mode (auto, cuda, cpu)")
	flags.Bool("to-cpu", false, "run on the CPU even when CUDA devices are present")

	flags.Int("beam-size", defaults.Beam.BeamSize, "beam width")
	flags.Int("min-length", defaults.Beam.MinLength, "minimum number of generated tokens")
	flags.Int("max-length", defaults.Beam.MaxLength, "maximum number of generated tokens")
	flags.Float64("alpha", defaults.Beam.Alpha, "length penalty exponent")
	flags.Bool("block-trigrams", defaults.Beam.BlockRepeatingTrigrams, "forbid repeating a trigram within a summary")

	mustBindPFlag("config", flags.Lookup("config"))
	mustBindPFlag("log.level", flags.Lookup("log-level"))
	mustBindPFlag("log.style", flags.Lookup("log-style"))
	mustBindPFlag("model_dir", flags.Lookup("model-dir"))
	mustBindPFlag("eval_data_dir", flags.Lookup("eval-data-dir"))
	mustBindPFlag("summaries_dir", flags.Lookup("summaries-dir"))
	mustBindPFlag("block_size", flags.Lookup("block-size"))
	mustBindPFlag("eval_batch_size", flags.Lookup("eval-batch-size"))
	mustBindPFlag("prefetch_workers", flags.Lookup("prefetch-workers"))
	mustBindPFlag("seed", flags.Lookup("seed"))
	mustBindPFlag("device", flags.Lookup("device"))
	mustBindPFlag("to_cpu", flags.Lookup("to-cpu"))
	mustBindPFlag("beam.beam_size", flags.Lookup("beam-size"))
	mustBindPFlag("beam.min_length", flags.Lookup("min-length"))
	mustBindPFlag("beam.max_length", flags.Lookup("max-length"))
	mustBindPFlag("beam.alpha", flags.Lookup("alpha"))
	mustBindPFlag("beam.block_repeating_trigrams", flags.Lookup("block-trigrams"))

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.style", "terminal")
	setTrainingDefaults(defaults)
}

// setTrainingDefaults registers the keys only the train command has flags for.
func setTrainingDefaults(d bertsum.Config) {
	viper.SetDefault("data_dir", d.DataDir)
	viper.SetDefault("output_dir", d.OutputDir)
	viper.SetDefault("runs_dir", d.RunsDir)
	viper.SetDefault("batch_size", d.BatchSize)
	viper.SetDefault("hidden_size", d.Hidden)
	viper.SetDefault("replicas", d.Replicas)
	viper.SetDefault("training.epochs", d.Training.Epochs)
	viper.SetDefault("training.max_steps", d.Training.MaxSteps)
	viper.SetDefault("training.gradient_accumulation_steps", d.Training.AccumulationSteps)
	viper.SetDefault("training.logging_steps", d.Training.LoggingSteps)
	viper.SetDefault("optimizer.encoder.learning_rate", d.Optimizer.Encoder.LearningRate)
	viper.SetDefault("optimizer.encoder.warmup_steps", d.Optimizer.Encoder.WarmupSteps)
	viper.SetDefault("optimizer.decoder.learning_rate", d.Optimizer.Decoder.LearningRate)
	viper.SetDefault("optimizer.decoder.warmup_steps", d.Optimizer.Decoder.WarmupSteps)
	viper.SetDefault("optimizer.beta1", d.Optimizer.Beta1)
	viper.SetDefault("optimizer.beta2", d.Optimizer.Beta2)
	viper.SetDefault("optimizer.epsilon", d.Optimizer.Epsilon)
}

// devicesMode resolves the device flags; --to-cpu wins over --device.
func devicesMode(mode string, toCPU bool) devices.Mode {
	if toCPU {
		return devices.ModeCPU
	}
	return devices.Mode(mode)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config file in home directory and current directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".bertsum")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("bertsum")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("BERTSUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// configFromViper assembles the run settings from flags, environment and
// config file. Keys without a flag on the running command keep their defaults.
func configFromViper() bertsum.Config {
	cfg := bertsum.DefaultConfig()
	cfg.ModelDir = paths.Expand(viper.GetString("model_dir"))
	cfg.EvalDataDir = paths.Expand(viper.GetString("eval_data_dir"))
	cfg.SummariesDir = paths.Expand(viper.GetString("summaries_dir"))
	cfg.BlockSize = viper.GetInt("block_size")
	cfg.EvalBatchSize = viper.GetInt("eval_batch_size")
	cfg.PrefetchWorkers = viper.GetInt("prefetch_workers")
	cfg.Seed = viper.GetUint64("seed")
	cfg.Device = devicesMode(viper.GetString("device"), viper.GetBool("to_cpu"))

	cfg.Beam.BeamSize = viper.GetInt("beam.beam_size")
	cfg.Beam.MinLength = viper.GetInt("beam.min_length")
	cfg.Beam.MaxLength = viper.GetInt("beam.max_length")
	cfg.Beam.Alpha = viper.GetFloat64("beam.alpha")
	cfg.Beam.BlockRepeatingTrigrams = viper.GetBool("beam.block_repeating_trigrams")

	cfg.DataDir = paths.Expand(viper.GetString("data_dir"))
	cfg.OutputDir = paths.Expand(viper.GetString("output_dir"))
	cfg.RunsDir = paths.Expand(viper.GetString("runs_dir"))
	cfg.Overwrite = viper.GetBool("overwrite")
	cfg.BatchSize = viper.GetInt("batch_size")
	cfg.Hidden = viper.GetInt("hidden_size")
	cfg.Replicas = viper.GetInt("replicas")
	cfg.Evaluate = viper.GetBool("evaluate")
	if port := viper.GetInt("metrics_port"); port > 0 {
		cfg.MetricsAddr = fmt.Sprintf(":%d", port)
	}

	cfg.Training.Epochs = viper.GetInt("training.epochs")
	cfg.Training.MaxSteps = viper.GetInt("training.max_steps")
	cfg.Training.AccumulationSteps = viper.GetInt("training.gradient_accumulation_steps")
	cfg.Training.LoggingSteps = viper.GetInt("training.logging_steps")
	cfg.Training.EvaluateDuringTraining = viper.GetBool("training.evaluate_during_training")

	cfg.Optimizer.Encoder.LearningRate = viper.GetFloat64("optimizer.encoder.learning_rate")
	cfg.Optimizer.Encoder.WarmupSteps = viper.GetInt("optimizer.encoder.warmup_steps")
	cfg.Optimizer.Decoder.LearningRate = viper.GetFloat64("optimizer.decoder.learning_rate")
	cfg.Optimizer.Decoder.WarmupSteps = viper.GetInt("optimizer.decoder.warmup_steps")
	cfg.Optimizer.Beta1 = viper.GetFloat64("optimizer.beta1")
	cfg.Optimizer.Beta2 = viper.GetFloat64("optimizer.beta2")
	cfg.Optimizer.Epsilon = viper.GetFloat64("optimizer.epsilon")
	return cfg
}

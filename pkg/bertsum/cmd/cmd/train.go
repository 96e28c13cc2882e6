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
	"github.com/antflydb/bertsum/pkg/bertsum"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune the summarizer",
	Long: `Fine-tune the summarizer on the story files of --data-dir and save a
checkpoint under --output-dir.

An interrupt (Ctrl-C) stops training at the next optimizer step. You are then
asked whether to save the model trained so far.`,
	Args: cobra.NoArgs,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	defaults := bertsum.DefaultConfig()

	flags := trainCmd.Flags()
	flags.String("data-dir", defaults.DataDir, "directory of .story files to train on")
	flags.String("output-dir", defaults.OutputDir, "directory receiving the checkpoint")
	flags.String("runs-dir", defaults.RunsDir, "directory receiving monitoring event files")
	flags.Bool("overwrite", false, "replace a checkpoint already in the output directory")
	flags.Int("batch-size", defaults.BatchSize, "examples per training batch and replica")
	flags.Int("hidden-size", defaults.Hidden, "hidden size of a freshly initialized model (0 uses the embedding width)")
	flags.Int("replicas", defaults.Replicas, "data-parallel replicas")
	flags.Int("metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	flags.Bool("evaluate", false, "summarize the evaluation set with the final checkpoint")

	flags.Int("epochs", defaults.Training.Epochs, "passes over the training set")
	flags.Int("max-steps", defaults.Training.MaxSteps, "stop after this many optimizer steps (0 means no cap)")
	flags.Int("gradient-accumulation-steps", defaults.Training.AccumulationSteps, "batches per optimizer step")
	flags.Int("logging-steps", defaults.Training.LoggingSteps, "optimizer steps between monitoring records (0 disables)")
	flags.Bool("evaluate-during-training", false, "decode a sample summary at every monitoring record")

	flags.Float64("encoder-lr", defaults.Optimizer.Encoder.LearningRate, "encoder peak learning rate")
	flags.Int("encoder-warmup", defaults.Optimizer.Encoder.WarmupSteps, "encoder warmup steps")
	flags.Float64("decoder-lr", defaults.Optimizer.Decoder.LearningRate, "decoder peak learning rate")
	flags.Int("decoder-warmup", defaults.Optimizer.Decoder.WarmupSteps, "decoder warmup steps")

	for key, name := range map[string]string{
		"data_dir":                             "data-dir",
		"output_dir":                           "output-dir",
		"runs_dir":                             "runs-dir",
		"overwrite":                            "overwrite",
		"batch_size":                           "batch-size",
		"hidden_size":                          "hidden-size",
		"replicas":                             "replicas",
		"metrics_port":                         "metrics-port",
		"evaluate":                             "evaluate",
		"training.epochs":                      "epochs",
		"training.max_steps":                   "max-steps",
		"training.gradient_accumulation_steps": "gradient-accumulation-steps",
		"training.logging_steps":               "logging-steps",
		"training.evaluate_during_training":    "evaluate-during-training",
		"optimizer.encoder.learning_rate":      "encoder-lr",
		"optimizer.encoder.warmup_steps":       "encoder-warmup",
		"optimizer.decoder.learning_rate":      "decoder-lr",
		"optimizer.decoder.warmup_steps":       "decoder-warmup",
	} {
		mustBindPFlag(key, flags.Lookup(name))
	}
}

func runTrain(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.stop()

	report, err := s.runner.Train(s.ctx)
	if err != nil {
		s.logger.Error("Training failed", zap.Error(err))
		return err
	}
	fields := []zap.Field{
		zap.Int("global_step", report.Result.GlobalStep),
		zap.Float64("average_loss", report.Result.AverageLoss),
		zap.Bool("interrupted", report.Interrupted),
	}
	if report.Checkpoint != "" {
		fields = append(fields, zap.String("checkpoint", report.Checkpoint))
	}
	if report.Evaluation != nil {
		fields = append(fields, zap.Int("summaries", report.Evaluation.Examples))
	}
	s.logger.Info("Training finished", fields...)
	return nil
}

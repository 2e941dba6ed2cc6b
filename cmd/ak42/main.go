package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/ak42/internal/export"
	"github.com/23skdu/ak42/internal/logger"
	"github.com/23skdu/ak42/internal/metrics"
)

type rootFlags struct {
	logLevel    string
	logFormat   string
	metricsFile string
	layout      bool
	sequential  bool
}

func newRootCmd() *cobra.Command {
	var f rootFlags

	rootCmd := &cobra.Command{
		Use:           "ak42 <input_model_dir> <output_dir>",
		Short:         "Export a Hugging Face llama model to checkpoint_v1.bin and tokenizer.bin",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(f.logLevel, f.logFormat)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd.Context(), f, args[0], args[1])
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&f.logFormat, "log-format", "console", "Log format (console, json)")
	pf.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")

	rootCmd.Flags().BoolVar(&f.layout, "layout", false, "Also write an Arrow layout manifest of the checkpoint")
	rootCmd.Flags().BoolVar(&f.sequential, "sequential", false, "Write the tokenizer after the checkpoint instead of concurrently")

	rootCmd.AddCommand(newInspectCmd())
	return rootCmd
}

func runConvert(ctx context.Context, f rootFlags, in, out string) error {
	_, err := export.Convert(ctx, export.Options{
		InputDir:   in,
		OutputDir:  out,
		Layout:     f.layout,
		Sequential: f.sequential,
	})

	if f.metricsFile != "" {
		if merr := metrics.WriteFile(f.metricsFile); merr != nil {
			logger.Log.Warn("failed to write metrics", "path", f.metricsFile, "error", merr)
		}
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Log.Error("ak42 failed", "error", err)
		stop()
		os.Exit(1)
	}
}

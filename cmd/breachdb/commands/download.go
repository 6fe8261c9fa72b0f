package commands

import (
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breachline/breachdb/pkg/downloader"
	"github.com/breachline/breachdb/pkg/metrics"
)

var downloadFlags struct {
	output      string
	parallelMax int
	prefixLimit string
	resume      bool
	progress    bool
	ntlm        bool
	retryMax    int
	promMetrics bool
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the breach corpus into a sorted binary database",
	Long: `Download fetches every hash-range shard from the Have I Been Pwned API
and streams it into a sorted fixed-width binary database file.

An interrupted run leaves a valid partial database; rerun with --resume to
continue where it stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if downloadFlags.output == "" {
			return UsageError{Err: errors.New("--output is required")}
		}
		limit, err := strconv.ParseUint(downloadFlags.prefixLimit, 16, 32)
		if err != nil || limit > downloader.PrefixSpace {
			return UsageError{Err: fmt.Errorf("invalid --prefix-limit %q", downloadFlags.prefixLimit)}
		}

		cfg := downloader.Config{
			Output:      downloadFlags.output,
			NTLM:        downloadFlags.ntlm,
			ParallelMax: downloadFlags.parallelMax,
			PrefixLimit: int(limit),
			Resume:      downloadFlags.resume,
			Progress:    downloadFlags.progress,
			RetryMax:    downloadFlags.retryMax,
			UserAgent:   "breachdb/" + Version,
		}
		if downloadFlags.promMetrics {
			metrics.Init()
			cfg.Metrics = metrics.NewDownloadMetrics()
		}

		// SIGINT leaves a resumable partial file behind.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return downloader.Run(ctx, cfg)
	},
}

func init() {
	f := downloadCmd.Flags()
	f.StringVar(&downloadFlags.output, "output", "", "output database file (required)")
	f.IntVar(&downloadFlags.parallelMax, "parallel-max", downloader.DefaultParallelMax, "max concurrent shard fetches")
	f.StringVar(&downloadFlags.prefixLimit, "prefix-limit", "100000", "upper exclusive prefix bound, hex")
	f.BoolVar(&downloadFlags.resume, "resume", false, "resume from the existing output file")
	f.BoolVar(&downloadFlags.progress, "progress", false, "print progress to stderr")
	f.BoolVar(&downloadFlags.ntlm, "ntlm", false, "download the NTLM corpus instead of SHA-1")
	f.IntVar(&downloadFlags.retryMax, "retry-max", downloader.DefaultRetryMax, "per-shard retry budget")
	f.BoolVar(&downloadFlags.promMetrics, "metrics", false, "register Prometheus metrics for the run")
}

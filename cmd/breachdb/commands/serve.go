package commands

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/breachline/breachdb/internal/logger"
	"github.com/breachline/breachdb/pkg/config"
	"github.com/breachline/breachdb/pkg/metrics"
	"github.com/breachline/breachdb/pkg/server"
)

var serveCfgFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve password lookups over HTTP",
	Long: `Serve answers /check/{backend}/{query} lookups against the configured
databases and filters. At least one backend must be configured, on the
command line or in the config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := viper.New()
		bind := func(key, flag string) {
			_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
		}
		bind("sha1_db", "sha1-db")
		bind("ntlm_db", "ntlm-db")
		bind("sha1t64_db", "sha1t64-db")
		bind("binfuse8_filter", "binfuse8-filter")
		bind("binfuse16_filter", "binfuse16-filter")
		bind("bind_address", "bind-address")
		bind("port", "port")
		bind("threads", "threads")
		bind("json", "json")
		bind("perf_test", "perf-test")
		bind("toc", "toc")
		bind("toc_bits", "toc-bits")
		bind("cache_size", "cache-size")
		bind("request_timeout", "request-timeout")
		bind("metrics_port", "metrics-port")

		cfg, err := config.Load(v, serveCfgFile)
		if err != nil {
			if errors.Is(err, config.ErrNoBackend) {
				return UsageError{Err: err}
			}
			return err
		}
		if err := logger.Init(cfg.Logging); err != nil {
			return err
		}

		if cfg.MetricsPort > 0 {
			metrics.Init()
		}

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return srv.ListenAndServe(ctx)
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("sha1-db", "", "SHA-1 database file (enables sha1 and plain backends)")
	f.String("ntlm-db", "", "NTLM database file")
	f.String("sha1t64-db", "", "truncated SHA-1 database file")
	f.String("binfuse8-filter", "", "8-bit sharded binary-fuse filter file")
	f.String("binfuse16-filter", "", "16-bit sharded binary-fuse filter file")
	f.String("bind-address", config.Defaults().BindAddress, "IPv4 address to bind")
	f.Int("port", config.Defaults().Port, "port to bind")
	f.Int("threads", config.Defaults().Threads, "concurrently served connections")
	f.Bool("json", false, "respond with JSON bodies")
	f.Bool("perf-test", false, "perturb queries to defeat the cache (results are wrong)")
	f.Bool("toc", false, "build or load a table of contents per database")
	f.Int("toc-bits", config.Defaults().TOCBits, "table of contents bit width (15..25)")
	f.Int("cache-size", config.Defaults().CacheSize, "result cache capacity in entries (0 disables)")
	f.Duration("request-timeout", config.Defaults().RequestTimeout, "per-request timeout")
	f.Int("metrics-port", 0, "Prometheus metrics port (0 disables)")
	f.StringVar(&serveCfgFile, "config", "", "YAML config file")
}

package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/drpcorg/kvindex/utils"
)

var (
	verbose     bool
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:          "kvindex [command] (flags)",
	Short:        "secondary index maintenance over pebble stores",
	SilenceUsage: true,
}

func logger() utils.Logger {
	if verbose {
		return utils.NewDefaultLogger(slog.LevelDebug)
	}
	return utils.NewDefaultLogger(slog.LevelInfo)
}

// serveMetrics exposes reg on metricsAddr, if set, until the process exits.
func serveMetrics(reg *prometheus.Registry, log utils.Logger) {
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error("metrics server stopped", "addr", metricsAddr, "err", err)
		}
	}()
}

func main() {
	cobra.EnableCommandSorting = false
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every record")
	rootCmd.AddCommand(
		fullbuildCmd,
		importCmd,
		queryCmd,
		schemaCmd,
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/drpcorg/kvindex/fullbuild"
	"github.com/drpcorg/kvindex/store"
)

var fullbuildConfig struct {
	store          string
	connect        string
	indexerConf    string
	shardingConf   string
	shards         []string
	params         []string
	sessionTimeout time.Duration
	acquireTimeout time.Duration
	maxPerHost     int
	maxTotal       int
	failurePolicy  string
	run            fullbuild.RunOptions
}

var fullbuildCmd = &cobra.Command{
	Use:   "fullbuild --store <dir> --indexer-conf <file> --shard <name>=<address>...",
	Short: "rebuild an index from every record of a store",
	Long: `Scans every record of the store, computes its index entries and
dispatches them to the configured shards. A shard address is either an
http(s) search endpoint or pebble:///path for a local index table.
--param sets raw job parameters and wins over the other flags.`,
	Args: cobra.NoArgs,
	RunE: runFullbuild,
}

func init() {
	f := fullbuildCmd.Flags()
	c := &fullbuildConfig
	f.StringVar(&c.store, "store", "", "source record store directory")
	f.StringVar(&c.connect, "connect", "mem://kvindex", "coordination service: mem://<name> or pebble:///<dir>")
	f.StringVar(&c.indexerConf, "indexer-conf", "", "indexer configuration JSON file")
	f.StringVar(&c.shardingConf, "sharding-conf", "", "sharding rule JSON file (default: hash of the record id)")
	f.StringArrayVar(&c.shards, "shard", nil, "shard as <name>=<address>, repeatable")
	f.StringArrayVar(&c.params, "param", nil, "raw job parameter <key>=<value>, repeatable")
	f.DurationVar(&c.sessionTimeout, "session-timeout", 30*time.Second, "lock lease length")
	f.DurationVar(&c.acquireTimeout, "acquire-timeout", 0, "how long to wait for a held record lock")
	f.IntVar(&c.maxPerHost, "pool-max-per-host", 5, "connections per shard endpoint")
	f.IntVar(&c.maxTotal, "pool-max-total", 50, "connections over all shard endpoints")
	f.StringVar(&c.failurePolicy, "failure-policy", "fail-fast", "fail-fast or best-effort")
	f.IntVarP(&c.run.Partitions, "partitions", "p", 4, "number of scan partitions")
	f.IntVarP(&c.run.Parallelism, "concurrency", "c", 0, "partitions run at once (default: all)")
	f.IntVar(&c.run.Retries, "retries", 2, "reruns of a failed partition")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	_ = fullbuildCmd.MarkFlagRequired("store")
	_ = fullbuildCmd.MarkFlagRequired("indexer-conf")
}

func readBase64(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// jobParams turns the flags into job parameters.
func jobParams() (map[string]string, error) {
	c := &fullbuildConfig
	params := map[string]string{
		fullbuild.ParamConnect:        c.connect,
		fullbuild.ParamSessionTimeout: c.sessionTimeout.String(),
		fullbuild.ParamAcquireTimeout: c.acquireTimeout.String(),
		fullbuild.ParamPoolMaxPerHost: strconv.Itoa(c.maxPerHost),
		fullbuild.ParamPoolMaxTotal:   strconv.Itoa(c.maxTotal),
		fullbuild.ParamFailurePolicy:  c.failurePolicy,
	}
	var err error
	if params[fullbuild.ParamIndexerConf], err = readBase64(c.indexerConf); err != nil {
		return nil, err
	}
	if c.shardingConf != "" {
		if params[fullbuild.ParamShardingConf], err = readBase64(c.shardingConf); err != nil {
			return nil, err
		}
	}
	for i, s := range c.shards {
		name, addr, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("--shard %q: want <name>=<address>", s)
		}
		params[fullbuild.ParamShardName+strconv.Itoa(i+1)] = name
		params[fullbuild.ParamShardAddress+strconv.Itoa(i+1)] = addr
	}
	for _, p := range c.params {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("--param %q: want <key>=<value>", p)
		}
		params[k] = v
	}
	return params, nil
}

func runFullbuild(cmd *cobra.Command, _ []string) error {
	log := logger()
	params, err := jobParams()
	if err != nil {
		return err
	}
	conf, err := fullbuild.ParseJobConf(params)
	if err != nil {
		return err
	}

	db, err := store.Open(fullbuildConfig.store, store.Options{Logger: log})
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	if err := fullbuild.RegisterMetrics(reg); err != nil {
		return err
	}
	if err := reg.Register(db.Collector()); err != nil {
		return err
	}
	serveMetrics(reg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	run := fullbuildConfig.run
	run.Logger = log
	start := time.Now()
	stats, err := fullbuild.RunLocal(ctx, conf, db, run)
	fmt.Fprintf(cmd.OutOrStdout(), "records %d, done %d, failed %d, entries %d, stale locks %d in %s\n",
		stats.Records, stats.Done, stats.Failed, stats.Entries, stats.ReleaseFailures, time.Since(start).Round(time.Millisecond))
	return err
}

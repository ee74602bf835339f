package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drpcorg/kvindex/codec"
	"github.com/drpcorg/kvindex/rules"
	"github.com/drpcorg/kvindex/store"
)

var importStore string

var importCmd = &cobra.Command{
	Use:   "import --store <dir> [file]",
	Short: "load JSON lines {\"id\": ..., \"properties\": {...}} into a record store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := io.Reader(cmd.InOrStdin())
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		db, err := store.Open(importStore, store.Options{Logger: logger()})
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := importRecords(db.Records(), in)
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d records\n", n)
		return err
	},
}

type recordLine struct {
	ID         string                     `json:"id"`
	Properties map[string]json.RawMessage `json:"properties"`
}

func importRecords(rs *store.RecordStore, in io.Reader) (int, error) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	n := 0
	for line := 1; sc.Scan(); line++ {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var rl recordLine
		if err := json.Unmarshal(sc.Bytes(), &rl); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if rl.ID == "" {
			return n, fmt.Errorf("line %d: no id", line)
		}
		if err := rs.Put(store.Record{ID: []byte(rl.ID), Properties: rl.Properties}); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}

var queryConfig struct {
	shard       string
	indexerConf string
	eq          []string
}

var queryCmd = &cobra.Command{
	Use:   "query --shard <dir> --indexer-conf <file> [--eq <field>=<json>]...",
	Short: "list the rows of a local index shard whose leading fields match",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := os.ReadFile(queryConfig.indexerConf)
		if err != nil {
			return err
		}
		r, err := rules.Parse(conf)
		if err != nil {
			return err
		}
		s := r.Schema()
		values := map[string]any{}
		for _, eq := range queryConfig.eq {
			name, raw, ok := strings.Cut(eq, "=")
			if !ok {
				return fmt.Errorf("--eq %q: want <field>=<json value>", eq)
			}
			c, ok := s.Codec(name)
			if !ok {
				return fmt.Errorf("--eq %q: no field %q in %s", eq, name, s.Name())
			}
			if values[name], err = rules.Convert(c.Def(), json.RawMessage(raw)); err != nil {
				return err
			}
		}

		db, err := store.OpenShared(queryConfig.shard, store.Options{Logger: logger()})
		if err != nil {
			return err
		}
		defer db.Close()
		enc := json.NewEncoder(cmd.OutOrStdout())
		for e, err := range db.Index(s).Prefix(values) {
			if err != nil {
				return err
			}
			if err := enc.Encode(printable(s.Fields(), e.Values, e.Identifier)); err != nil {
				return err
			}
		}
		return nil
	},
}

func printable(defs []codec.Def, values map[string]any, id []byte) map[string]any {
	out := map[string]any{"identifier": string(id)}
	for _, d := range defs {
		if v, ok := values[d.Name]; ok {
			out[d.Name] = v
		} else {
			out[d.Name] = "(collated)"
		}
	}
	return out
}

func init() {
	importCmd.Flags().StringVar(&importStore, "store", "", "record store directory")
	_ = importCmd.MarkFlagRequired("store")

	f := queryCmd.Flags()
	f.StringVar(&queryConfig.shard, "shard", "", "local index shard directory")
	f.StringVar(&queryConfig.indexerConf, "indexer-conf", "", "indexer configuration JSON file")
	f.StringArrayVar(&queryConfig.eq, "eq", nil, "leading field value as <field>=<json>, repeatable")
	_ = queryCmd.MarkFlagRequired("shard")
	_ = queryCmd.MarkFlagRequired("indexer-conf")
}

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drpcorg/kvindex/schema"
)

var schemaConfig struct {
	fromBinary bool
	toBinary   bool
	name       string
}

var schemaCmd = &cobra.Command{
	Use:   "schema [file]",
	Short: "validate an index schema and convert it between JSON and binary",
	Long: `Reads a schema in JSON form (or base64 binary form with --from-binary)
and prints its fields, hash and JSON form, or the base64 binary form with
--binary.`,
	Args: cobra.MaximumNArgs(1),
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
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		s, err := readSchema(data)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if schemaConfig.toBinary {
			bin, _ := s.MarshalBinary()
			_, err := fmt.Fprintln(out, base64.StdEncoding.EncodeToString(bin))
			return err
		}
		fmt.Fprintf(out, "%s\nhash %016x\n", s, s.Hash())
		js, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(js))
		return err
	},
}

func readSchema(data []byte) (*schema.Schema, error) {
	if !schemaConfig.fromBinary {
		return schema.FromJSON(schemaConfig.name, data)
	}
	bin, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	return schema.FromBinary(bin)
}

func init() {
	f := schemaCmd.Flags()
	f.BoolVar(&schemaConfig.fromBinary, "from-binary", false, "input is the base64 binary form")
	f.BoolVar(&schemaConfig.toBinary, "binary", false, "print the base64 binary form")
	f.StringVar(&schemaConfig.name, "name", "", "override the schema name of a JSON input")
}

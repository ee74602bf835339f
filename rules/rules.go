// Package rules turns source records into index entries according to an
// indexer configuration document.
package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/schema"
	"github.com/drpcorg/kvindex/store"
)

// An indexer configuration looks like
//
//	{
//	  "schema": {"name": "people", "fields": {...}, "identifierOrder": "ASCENDING"},
//	  "mapping": {"<field>": "<record property>", ...},
//	  "multiValued": "<field>",
//	  "match": {"<record property>": <json value>, ...}
//	}
//
// Fields left out of mapping read the property of the same name. The
// multiValued field reads a JSON array and yields one entry per element.
// Records whose properties differ from match produce no entries.
type confDoc struct {
	Schema      json.RawMessage            `json:"schema"`
	Mapping     map[string]string          `json:"mapping"`
	MultiValued string                     `json:"multiValued"`
	Match       map[string]json.RawMessage `json:"match"`
}

type Rules struct {
	schema   *schema.Schema
	mapping  map[string]string
	multi    string
	match    map[string]json.RawMessage
	convs    map[string]converter
	document []byte
}

func confErr(format string, args ...any) error {
	return fmt.Errorf("%w: indexer conf: %s", index_errors.ErrInvalidJobConf, fmt.Sprintf(format, args...))
}

func Parse(conf []byte) (*Rules, error) {
	var doc confDoc
	dec := json.NewDecoder(bytes.NewReader(conf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, confErr("%v", err)
	}
	if len(doc.Schema) == 0 {
		return nil, confErr("no schema")
	}
	s, err := schema.FromJSON("", doc.Schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", index_errors.ErrInvalidJobConf, err)
	}
	if s.Name() == "" {
		return nil, confErr("schema without name")
	}
	if s.Len() == 0 {
		return nil, confErr("schema %q has no fields", s.Name())
	}
	r := &Rules{
		schema:   s,
		mapping:  make(map[string]string, s.Len()),
		multi:    doc.MultiValued,
		match:    doc.Match,
		convs:    make(map[string]converter, s.Len()),
		document: bytes.Clone(conf),
	}
	for field := range doc.Mapping {
		if s.FieldPosition(field) < 0 {
			return nil, confErr("mapping of unknown field %q", field)
		}
	}
	if r.multi != "" && s.FieldPosition(r.multi) < 0 {
		return nil, confErr("multi-valued field %q is not in the schema", r.multi)
	}
	for _, def := range s.Fields() {
		prop := def.Name
		if p, ok := doc.Mapping[def.Name]; ok && p != "" {
			prop = p
		}
		r.mapping[def.Name] = prop
		conv, ok := converters[def.Kind]
		if !ok {
			return nil, confErr("field %q: no conversion for %s", def.Name, def.Kind)
		}
		r.convs[def.Name] = conv
	}
	return r, nil
}

func (r *Rules) Schema() *schema.Schema { return r.schema }

// Document returns the configuration the rules were parsed from.
func (r *Rules) Document() []byte { return r.document }

func (r *Rules) matches(rec store.Record) (bool, error) {
	for prop, want := range r.match {
		got, ok := rec.Properties[prop]
		if !ok {
			return false, nil
		}
		eq, err := jsonEqual(got, want)
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

// Entries computes the index entries of rec. A record that fails the match
// or lacks a mapped property has no entries; a property that does not fit
// its field is an error.
func (r *Rules) Entries(ctx context.Context, rec store.Record) ([]schema.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := r.matches(rec)
	if err != nil || !ok {
		return nil, err
	}
	base := schema.NewEntry(bytes.Clone(rec.ID))
	var multi []any
	for _, def := range r.schema.Fields() {
		raw, ok := rec.Properties[r.mapping[def.Name]]
		if !ok || isNull(raw) {
			return nil, nil
		}
		conv := r.convs[def.Name]
		if def.Name == r.multi {
			if multi, err = convertArray(def, conv, raw); err != nil {
				return nil, fmt.Errorf("record %q: %w", rec.ID, err)
			}
			continue
		}
		v, err := conv(def, raw)
		if err != nil {
			return nil, fmt.Errorf("record %q: %w", rec.ID, err)
		}
		base = base.With(def.Name, v)
	}
	if r.multi == "" {
		return []schema.Entry{base}, nil
	}
	entries := make([]schema.Entry, 0, len(multi))
	for _, v := range multi {
		e := schema.NewEntry(base.Identifier)
		for k, bv := range base.Values {
			e = e.With(k, bv)
		}
		entries = append(entries, e.With(r.multi, v))
	}
	return entries, nil
}

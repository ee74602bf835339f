package shard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/cespare/xxhash"
	"github.com/shopspring/decimal"

	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/schema"
)

// A rule document looks like
//
//	{
//	  "shardingKey": {
//	    "value": {"source": "recordId"} | {"source": "field", "field": "country"},
//	    "type": "long" | "string",
//	    "hash": "xxhash" | "none",
//	    "modulus": 4,
//	    "prefixLength": 2
//	  },
//	  "mapping": {
//	    "type": "list" | "range",
//	    "entries": [{"shard": "s1", "values": [0, 1]}, {"shard": "s2", "upTo": 100}, ...]
//	  }
//	}
//
// Hashing always yields a long in [0, modulus). Range entries are checked in
// order; upTo is exclusive and the last entry may leave it out to catch the
// rest.
type ruleDoc struct {
	ShardingKey struct {
		Value struct {
			Source string `json:"source"`
			Field  string `json:"field"`
		} `json:"value"`
		Type         string `json:"type"`
		Hash         string `json:"hash"`
		Modulus      int64  `json:"modulus"`
		PrefixLength int    `json:"prefixLength"`
	} `json:"shardingKey"`
	Mapping struct {
		Type    string `json:"type"`
		Entries []struct {
			Shard  string            `json:"shard"`
			Values []json.RawMessage `json:"values"`
			UpTo   json.RawMessage   `json:"upTo"`
		} `json:"entries"`
	} `json:"mapping"`
}

const (
	sourceRecordID = "recordId"
	sourceField    = "field"

	typeLong   = "long"
	typeString = "string"

	hashNone   = "none"
	hashXXHash = "xxhash"

	mappingList  = "list"
	mappingRange = "range"
)

type key struct {
	n int64
	s string
}

type rangeEntry struct {
	shard string
	upTo  *key
}

type Rule struct {
	source       string
	field        string
	long         bool
	hash         bool
	modulus      int64
	prefixLength int

	list   map[key]string
	ranges []rangeEntry
	shards []string
}

func ruleErr(format string, args ...any) error {
	return fmt.Errorf("%w: sharding rule: %s", index_errors.ErrInvalidJobConf, fmt.Sprintf(format, args...))
}

func ParseRule(conf []byte) (*Rule, error) {
	var doc ruleDoc
	dec := json.NewDecoder(bytes.NewReader(conf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, ruleErr("%v", err)
	}
	sk := doc.ShardingKey
	r := &Rule{
		source:       sk.Value.Source,
		field:        sk.Value.Field,
		long:         sk.Type == typeLong,
		modulus:      sk.Modulus,
		prefixLength: sk.PrefixLength,
	}
	switch r.source {
	case sourceRecordID:
	case sourceField:
		if r.field == "" {
			return nil, ruleErr("field source without field name")
		}
	default:
		return nil, ruleErr("key source %q", r.source)
	}
	if sk.Type != typeLong && sk.Type != typeString {
		return nil, ruleErr("key type %q", sk.Type)
	}
	switch sk.Hash {
	case "", hashNone:
	case hashXXHash:
		if !r.long {
			return nil, ruleErr("hashed keys are longs")
		}
		r.hash = true
	default:
		return nil, ruleErr("hash %q", sk.Hash)
	}
	if r.modulus < 0 || (r.hash && r.modulus == 0) {
		return nil, ruleErr("modulus %d", r.modulus)
	}
	if r.prefixLength < 0 {
		return nil, ruleErr("prefix length %d", r.prefixLength)
	}

	seen := map[string]bool{}
	addShard := func(name string) error {
		if name == "" {
			return ruleErr("mapping entry without shard")
		}
		if !seen[name] {
			seen[name] = true
			r.shards = append(r.shards, name)
		}
		return nil
	}
	entries := doc.Mapping.Entries
	if len(entries) == 0 {
		return nil, ruleErr("empty mapping")
	}
	switch doc.Mapping.Type {
	case mappingList:
		r.list = map[key]string{}
		for _, e := range entries {
			if err := addShard(e.Shard); err != nil {
				return nil, err
			}
			for _, raw := range e.Values {
				k, err := r.parseKey(raw)
				if err != nil {
					return nil, err
				}
				if prev, dup := r.list[k]; dup && prev != e.Shard {
					return nil, ruleErr("value %s mapped to %q and %q", raw, prev, e.Shard)
				}
				r.list[k] = e.Shard
			}
		}
	case mappingRange:
		for i, e := range entries {
			if err := addShard(e.Shard); err != nil {
				return nil, err
			}
			re := rangeEntry{shard: e.Shard}
			if len(e.UpTo) != 0 {
				k, err := r.parseKey(e.UpTo)
				if err != nil {
					return nil, err
				}
				if i > 0 && r.ranges[i-1].upTo != nil && !r.less(*r.ranges[i-1].upTo, k) {
					return nil, ruleErr("range bounds not ascending at %s", e.UpTo)
				}
				re.upTo = &k
			} else if i != len(entries)-1 {
				return nil, ruleErr("only the last range may be open")
			}
			r.ranges = append(r.ranges, re)
		}
	default:
		return nil, ruleErr("mapping type %q", doc.Mapping.Type)
	}
	return r, nil
}

func (r *Rule) parseKey(raw json.RawMessage) (key, error) {
	if r.long {
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return key{}, ruleErr("value %s is not a long", raw)
		}
		return key{n: n}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return key{}, ruleErr("value %s is not a string", raw)
	}
	return key{s: s}, nil
}

func (r *Rule) less(a, b key) bool {
	if r.long {
		return a.n < b.n
	}
	return a.s < b.s
}

// Shards lists the shard names the rule can select.
func (r *Rule) Shards() []string { return r.shards }

func (r *Rule) RecordKeyed() bool { return r.source == sourceRecordID }

func unroutable(recordID []byte, format string, args ...any) error {
	return fmt.Errorf("%w: record %q: %s", index_errors.ErrUnroutableEntry, recordID, fmt.Sprintf(format, args...))
}

func (r *Rule) keyOf(recordID []byte, e schema.Entry) (key, error) {
	var raw []byte
	var num *int64
	if r.source == sourceRecordID {
		raw = recordID
	} else {
		v, ok := e.Values[r.field]
		if !ok {
			return key{}, unroutable(recordID, "no value for %q", r.field)
		}
		switch t := v.(type) {
		case []byte:
			raw = t
		case string:
			raw = []byte(t)
		case int32:
			n := int64(t)
			num, raw = &n, strconv.AppendInt(nil, n, 10)
		case int64:
			num, raw = &t, strconv.AppendInt(nil, t, 10)
		case float32:
			raw = strconv.AppendFloat(nil, float64(t), 'g', -1, 32)
		case decimal.Decimal:
			raw = []byte(t.String())
		default:
			return key{}, unroutable(recordID, "field %q of type %T", r.field, v)
		}
	}

	if r.hash {
		return key{n: int64(xxhash.Sum64(raw) % uint64(r.modulus))}, nil
	}
	if !r.long {
		s := raw
		if r.prefixLength > 0 && utf8.RuneCount(s) > r.prefixLength {
			cut := 0
			for i := 0; i < r.prefixLength; i++ {
				_, size := utf8.DecodeRune(s[cut:])
				cut += size
			}
			s = s[:cut]
		}
		return key{s: string(s)}, nil
	}
	if num == nil {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return key{}, unroutable(recordID, "key %q is not a long", raw)
		}
		num = &n
	}
	n := *num
	if r.modulus > 0 {
		n = ((n % r.modulus) + r.modulus) % r.modulus
	}
	return key{n: n}, nil
}

func (r *Rule) SelectShard(recordID []byte, e schema.Entry) (string, error) {
	k, err := r.keyOf(recordID, e)
	if err != nil {
		return "", err
	}
	if r.list != nil {
		if name, ok := r.list[k]; ok {
			return name, nil
		}
		return "", unroutable(recordID, "key %v not listed", k)
	}
	for _, re := range r.ranges {
		if re.upTo == nil || r.less(k, *re.upTo) {
			return re.shard, nil
		}
	}
	return "", unroutable(recordID, "key %v beyond last range", k)
}

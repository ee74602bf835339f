package rules

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/drpcorg/kvindex/codec"
	"github.com/drpcorg/kvindex/index_errors"
)

// converter turns a JSON property into the Go value the field codec takes.
type converter func(def codec.Def, raw json.RawMessage) (any, error)

var converters = map[codec.Kind]converter{
	codec.KindInteger:      toInteger,
	codec.KindLong:         toLong,
	codec.KindFloat:        toFloat,
	codec.KindDecimal:      toDecimal,
	codec.KindString:       toString,
	codec.KindFixedByte:    toBytes,
	codec.KindVariableByte: toBytes,
}

func mismatch(def codec.Def, raw json.RawMessage) error {
	return fmt.Errorf("%w: field %q (%s) from %s", index_errors.ErrTypeMismatch, def.Name, def.Kind, raw)
}

func outOfRange(def codec.Def, raw json.RawMessage) error {
	return fmt.Errorf("%w: field %q (%s) from %s", index_errors.ErrValueOutOfRange, def.Name, def.Kind, raw)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// number rejects quoted numbers, which json.Number would otherwise accept.
func number(raw json.RawMessage) (json.Number, bool) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] == '"' {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return "", false
	}
	return n, true
}

func parseInt(def codec.Def, raw json.RawMessage, bits int) (int64, error) {
	n, ok := number(raw)
	if !ok {
		return 0, mismatch(def, raw)
	}
	v, err := strconv.ParseInt(n.String(), 10, bits)
	var numErr *strconv.NumError
	switch {
	case err == nil:
		return v, nil
	case errors.As(err, &numErr) && numErr.Err == strconv.ErrRange:
		return 0, outOfRange(def, raw)
	default:
		return 0, mismatch(def, raw)
	}
}

func toInteger(def codec.Def, raw json.RawMessage) (any, error) {
	v, err := parseInt(def, raw, 32)
	return int32(v), err
}

func toLong(def codec.Def, raw json.RawMessage) (any, error) {
	return parseInt(def, raw, 64)
}

// toFloat takes a JSON number or one of the strings "NaN", "Infinity" and
// "-Infinity".
func toFloat(def codec.Def, raw json.RawMessage) (any, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "NaN":
			return float32(math.NaN()), nil
		case "Infinity":
			return float32(math.Inf(1)), nil
		case "-Infinity":
			return float32(math.Inf(-1)), nil
		}
		return nil, mismatch(def, raw)
	}
	n, ok := number(raw)
	if !ok {
		return nil, mismatch(def, raw)
	}
	v, err := strconv.ParseFloat(n.String(), 32)
	if err != nil {
		return nil, outOfRange(def, raw)
	}
	return float32(v), nil
}

// toDecimal takes a JSON number or a numeric string, keeping every digit.
func toDecimal(def codec.Def, raw json.RawMessage) (any, error) {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		n, ok := number(raw)
		if !ok {
			return nil, mismatch(def, raw)
		}
		s = n.String()
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, mismatch(def, raw)
	}
	return d, nil
}

func toString(def codec.Def, raw json.RawMessage) (any, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, mismatch(def, raw)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return nil, outOfRange(def, raw)
	}
	return s, nil
}

// toBytes takes standard base64 text.
func toBytes(def codec.Def, raw json.RawMessage) (any, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, mismatch(def, raw)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, mismatch(def, raw)
	}
	if def.Kind == codec.KindFixedByte && len(b) != def.Length {
		return nil, outOfRange(def, raw)
	}
	return b, nil
}

func convertArray(def codec.Def, conv converter, raw json.RawMessage) ([]any, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, mismatch(def, raw)
	}
	values := make([]any, 0, len(items))
	for _, item := range items {
		v, err := conv(def, item)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func jsonEqual(a, b json.RawMessage) (bool, error) {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false, fmt.Errorf("%w: %v", index_errors.ErrCorruptEncoding, err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false, fmt.Errorf("%w: %v", index_errors.ErrCorruptEncoding, err)
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return bytes.Equal(ja, jb), nil
}

// Convert turns a JSON value into the Go value the codec of def takes.
func Convert(def codec.Def, raw json.RawMessage) (any, error) {
	conv, ok := converters[def.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", index_errors.ErrUnknownCodecKind, def.Kind)
	}
	return conv(def, raw)
}

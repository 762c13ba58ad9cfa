package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Canonicalize re-encodes a JSON document with sorted object keys and
// normalised numbers, so structurally equal values encode identically.
// Integer literals keep full precision; 9007199254740993 and
// 9007199254740992 stay distinct.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON value at offset %d", dec.InputOffset())
	}
	v, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		return normalizeNumber(t)
	case map[string]any:
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
	case []any:
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
	}
	return v, nil
}

// normalizeNumber keeps integer literals exact and folds everything else
// through float64, writing integral values without a fraction so 3 and 3.0
// compare equal.
func normalizeNumber(n json.Number) (json.Number, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return "", fmt.Errorf("invalid number %q", s)
		}
		return json.Number(i.String()), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", err
	}
	if f == math.Trunc(f) {
		i, _ := big.NewFloat(f).Int(nil)
		return json.Number(i.String()), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// Equal compares two JSON documents structurally.
func Equal(a, b json.RawMessage) bool {
	ca, err := Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// Package query implements the `<field>__<op>` filter predicates used to
// select runs by parameter and metric values.
package query

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/signalnine/orruns/internal/stats"
)

// ErrUnknownOperator is returned for a `__<op>` suffix that is not supported.
var ErrUnknownOperator = errors.New("unknown filter operator")

type Op string

const (
	Eq       Op = "eq"
	Ne       Op = "ne"
	Gt       Op = "gt"
	Gte      Op = "gte"
	Lt       Op = "lt"
	Lte      Op = "lte"
	In       Op = "in"
	Contains Op = "contains"
)

var ops = map[Op]bool{Eq: true, Ne: true, Gt: true, Gte: true, Lt: true, Lte: true, In: true, Contains: true}

const sep = "__"

// Filter is a single predicate on one field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func (f Filter) String() string {
	return fmt.Sprintf("%s__%s=%v", f.Field, f.Op, f.Value)
}

// ParseFilter splits key into field and operator. A key without a `__`
// suffix compares for equality.
func ParseFilter(key string, value any) (Filter, error) {
	if key == "" {
		return Filter{}, errors.New("empty filter key")
	}
	i := strings.LastIndex(key, sep)
	if i < 0 {
		return Filter{Field: key, Op: Eq, Value: value}, nil
	}
	field, op := key[:i], Op(key[i+len(sep):])
	if field == "" {
		return Filter{}, fmt.Errorf("filter %q: empty field", key)
	}
	if !ops[op] {
		return Filter{}, fmt.Errorf("filter %q: %w %q", key, ErrUnknownOperator, op)
	}
	if op == In {
		if _, ok := asSlice(value); !ok {
			return Filter{}, fmt.Errorf("filter %q: value must be a list", key)
		}
	}
	return Filter{Field: field, Op: op, Value: value}, nil
}

// ParseFilters parses a filter mapping. The result is ordered by key.
func ParseFilters(m map[string]any) ([]Filter, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Filter, 0, len(keys))
	for _, k := range keys {
		f, err := ParseFilter(k, m[k])
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseExpr parses the command line form `field__op=value`. Values are read
// as numbers or booleans when possible; `in` takes a comma separated list.
func ParseExpr(expr string) (Filter, error) {
	key, raw, ok := strings.Cut(expr, "=")
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: want field__op=value", expr)
	}
	key = strings.TrimSpace(key)
	var value any = ParseValue(raw)
	if strings.HasSuffix(key, sep+string(In)) {
		parts := strings.Split(raw, ",")
		list := make([]any, len(parts))
		for i, p := range parts {
			list[i] = ParseValue(p)
		}
		value = list
	}
	return ParseFilter(key, value)
}

// ParseExprs parses command line expressions into the keyed mapping taken
// by ParseFilters.
func ParseExprs(exprs []string) (map[string]any, error) {
	out := make(map[string]any, len(exprs))
	for _, expr := range exprs {
		f, err := ParseExpr(expr)
		if err != nil {
			return nil, err
		}
		out[f.Field+sep+string(f.Op)] = f.Value
	}
	return out, nil
}

// ParseValue reads a literal as int, float, bool or string.
func ParseValue(s string) any {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// Lookup resolves a field in a decoded mapping. An exact key wins; otherwise
// dots descend into nested maps.
func Lookup(m map[string]any, field string) (any, bool) {
	if v, ok := m[field]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(field, ".")
	if !found {
		return nil, false
	}
	child, ok := m[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return Lookup(child, rest)
}

// Match reports whether actual satisfies f. A missing field never matches.
func (f Filter) Match(actual any, present bool) bool {
	if !present {
		return false
	}
	switch f.Op {
	case Eq:
		return equal(actual, f.Value)
	case Ne:
		return !equal(actual, f.Value)
	case Gt, Gte, Lt, Lte:
		c, ok := compare(actual, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case Gt:
			return c > 0
		case Gte:
			return c >= 0
		case Lt:
			return c < 0
		default:
			return c <= 0
		}
	case In:
		list, _ := asSlice(f.Value)
		for _, v := range list {
			if equal(actual, v) {
				return true
			}
		}
		return false
	case Contains:
		if s, ok := actual.(string); ok {
			return strings.Contains(s, fmt.Sprint(f.Value))
		}
		if list, ok := asSlice(actual); ok {
			for _, v := range list {
				if equal(v, f.Value) {
					return true
				}
			}
		}
		return false
	}
	return false
}

// MatchAll reports whether every filter matches the values resolved by get.
func MatchAll(filters []Filter, get func(field string) (any, bool)) bool {
	for _, f := range filters {
		v, ok := get(f.Field)
		if !f.Match(v, ok) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if x, ok := stats.Float(a); ok {
		if y, ok := stats.Float(b); ok {
			return x == y
		}
		if s, ok := b.(string); ok {
			y, err := strconv.ParseFloat(s, 64)
			return err == nil && x == y
		}
		return false
	}
	switch x := a.(type) {
	case string:
		return x == fmt.Sprint(b)
	case bool:
		y, ok := b.(bool)
		if !ok {
			if s, isStr := b.(string); isStr {
				y, err := strconv.ParseBool(s)
				return err == nil && x == y
			}
		}
		return ok && x == y
	case nil:
		return b == nil
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers numerically and strings lexically.
func compare(a, b any) (int, bool) {
	if x, ok := stats.Float(a); ok {
		y, ok := stats.Float(b)
		if !ok {
			s, isStr := b.(string)
			if !isStr {
				return 0, false
			}
			var err error
			if y, err = strconv.ParseFloat(s, 64); err != nil {
				return 0, false
			}
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	x, ok := a.(string)
	if !ok {
		return 0, false
	}
	y, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(x, y), true
}

func asSlice(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if _, isBytes := v.([]byte); isBytes {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

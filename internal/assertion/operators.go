package assertion

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

type evalOptions struct {
	caseInsensitive bool
	coerceTypes     bool
	parameters      domain.Metadata
}

// operatorSpec pairs an operator with its parameter contract. Operators with
// needsValue require the "value" parameter as the right-hand operand; the
// rest of the per-operator parameters are read from the options.
type operatorSpec struct {
	needsValue bool
	apply      func(observed, expected any, opts evalOptions) (bool, error)
}

func (s operatorSpec) expected(params domain.Metadata) (any, error) {
	if !s.needsValue {
		return nil, nil
	}
	value, ok := params["value"]
	if !ok {
		return nil, errors.New(`parameter "value" is required`)
	}
	return value, nil
}

// Operator vocabulary. The table is the contract: each entry names the
// operator and whether it takes a comparison value.
var operators = map[string]operatorSpec{
	"eq":  {needsValue: true, apply: applyEq},
	"neq": {needsValue: true, apply: applyNeq},

	"lt":  {needsValue: true, apply: applyOrder(func(c int) bool { return c < 0 })},
	"lte": {needsValue: true, apply: applyOrder(func(c int) bool { return c <= 0 })},
	"gt":  {needsValue: true, apply: applyOrder(func(c int) bool { return c > 0 })},
	"gte": {needsValue: true, apply: applyOrder(func(c int) bool { return c >= 0 })},

	"length_eq":  {needsValue: true, apply: applyLength(func(c int) bool { return c == 0 })},
	"length_lt":  {needsValue: true, apply: applyLength(func(c int) bool { return c < 0 })},
	"length_lte": {needsValue: true, apply: applyLength(func(c int) bool { return c <= 0 })},
	"length_gt":  {needsValue: true, apply: applyLength(func(c int) bool { return c > 0 })},
	"length_gte": {needsValue: true, apply: applyLength(func(c int) bool { return c >= 0 })},

	"in":       {needsValue: true, apply: applyIn},
	"not_in":   {needsValue: true, apply: applyNotIn},
	"subset":   {needsValue: true, apply: applySubset},
	"superset": {needsValue: true, apply: applySuperset},

	"contains":    {needsValue: true, apply: applyStringPredicate(strings.Contains)},
	"starts_with": {needsValue: true, apply: applyStringPredicate(strings.HasPrefix)},
	"ends_with":   {needsValue: true, apply: applyStringPredicate(strings.HasSuffix)},
	"matches":     {needsValue: true, apply: applyMatches},

	"is_null":   {apply: applyIsNull},
	"not_null":  {apply: applyNotNull},
	"is_empty":  {apply: applyIsEmpty},
	"not_empty": {apply: applyNotEmpty},

	"approx_eq": {needsValue: true, apply: applyApproxEq},

	"before": {needsValue: true, apply: applyTemporal(func(o, e time.Time) bool { return o.Before(e) })},
	"after":  {needsValue: true, apply: applyTemporal(func(o, e time.Time) bool { return o.After(e) })},
}

// Quantifiers resolve their sub-operator through the table, so they register
// here rather than in the literal; a literal entry would read the table back
// during its own initialization.
func init() {
	operators["any"] = operatorSpec{needsValue: true, apply: applyQuantifier(quantAny)}
	operators["all"] = operatorSpec{needsValue: true, apply: applyQuantifier(quantAll)}
	operators["none"] = operatorSpec{needsValue: true, apply: applyQuantifier(quantNone)}
}

func typeMismatch(observed, expected any) error {
	return fmt.Errorf("type mismatch: cannot compare %T with %T", observed, expected)
}

func toNumber(value any, coerce bool) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		if coerce {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err == nil {
				return f, nil
			}
		}
	}
	return 0, fmt.Errorf("value %v (%T) is not a number", value, value)
}

func toTime(value any) (time.Time, error) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("value %v (%T) is not a timestamp", value, value)
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("value %q is not an RFC 3339 timestamp", s)
	}
	return t, nil
}

func toSlice(value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		return v, nil
	case []float64:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value %v (%T) is not a collection", value, value)
	}
}

func equalValues(observed, expected any, opts evalOptions) (bool, error) {
	if observed == nil || expected == nil {
		return observed == nil && expected == nil, nil
	}
	switch ov := observed.(type) {
	case float64, int, int64:
		ef, err := toNumber(expected, opts.coerceTypes)
		if err != nil {
			return false, typeMismatch(observed, expected)
		}
		of, _ := toNumber(observed, false)
		return of == ef, nil
	case string:
		if opts.coerceTypes {
			if ef, err := toNumber(expected, false); err == nil {
				of, err2 := toNumber(observed, true)
				if err2 != nil {
					return false, typeMismatch(observed, expected)
				}
				return of == ef, nil
			}
		}
		es, ok := expected.(string)
		if !ok {
			return false, typeMismatch(observed, expected)
		}
		if opts.caseInsensitive {
			return strings.EqualFold(ov, es), nil
		}
		return ov == es, nil
	case bool:
		eb, ok := expected.(bool)
		if !ok {
			return false, typeMismatch(observed, expected)
		}
		return ov == eb, nil
	default:
		if os, err := toSlice(observed); err == nil {
			es, err2 := toSlice(expected)
			if err2 != nil {
				return false, typeMismatch(observed, expected)
			}
			if len(os) != len(es) {
				return false, nil
			}
			for i := range os {
				eq, err3 := equalValues(os[i], es[i], opts)
				if err3 != nil {
					return false, err3
				}
				if !eq {
					return false, nil
				}
			}
			return true, nil
		}
		if reflect.TypeOf(observed) != reflect.TypeOf(expected) {
			return false, typeMismatch(observed, expected)
		}
		return reflect.DeepEqual(observed, expected), nil
	}
}

func compareValues(observed, expected any, opts evalOptions) (int, error) {
	if of, err := toNumber(observed, opts.coerceTypes); err == nil {
		ef, err2 := toNumber(expected, opts.coerceTypes)
		if err2 != nil {
			return 0, typeMismatch(observed, expected)
		}
		switch {
		case of < ef:
			return -1, nil
		case of > ef:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if ot, err := toTime(observed); err == nil {
		et, err2 := toTime(expected)
		if err2 == nil {
			return ot.Compare(et), nil
		}
	}
	os, ok := observed.(string)
	es, ok2 := expected.(string)
	if ok && ok2 {
		if opts.caseInsensitive {
			os = strings.ToLower(os)
			es = strings.ToLower(es)
		}
		return strings.Compare(os, es), nil
	}
	return 0, typeMismatch(observed, expected)
}

func valueLength(value any) (int, error) {
	switch v := value.(type) {
	case string:
		return utf8.RuneCountInString(v), nil
	case []any:
		return len(v), nil
	case []float64:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	default:
		return 0, fmt.Errorf("value %v (%T) has no length", value, value)
	}
}

func applyEq(observed, expected any, opts evalOptions) (bool, error) {
	return equalValues(observed, expected, opts)
}

func applyNeq(observed, expected any, opts evalOptions) (bool, error) {
	eq, err := equalValues(observed, expected, opts)
	return !eq, err
}

func applyOrder(accept func(int) bool) func(any, any, evalOptions) (bool, error) {
	return func(observed, expected any, opts evalOptions) (bool, error) {
		c, err := compareValues(observed, expected, opts)
		if err != nil {
			return false, err
		}
		return accept(c), nil
	}
}

func applyLength(accept func(int) bool) func(any, any, evalOptions) (bool, error) {
	return func(observed, expected any, opts evalOptions) (bool, error) {
		length, err := valueLength(observed)
		if err != nil {
			return false, err
		}
		want, err := toNumber(expected, opts.coerceTypes)
		if err != nil {
			return false, err
		}
		switch {
		case float64(length) < want:
			return accept(-1), nil
		case float64(length) > want:
			return accept(1), nil
		default:
			return accept(0), nil
		}
	}
}

func applyIn(observed, expected any, opts evalOptions) (bool, error) {
	members, err := toSlice(expected)
	if err != nil {
		return false, fmt.Errorf(`parameter "value" must be a collection: %w`, err)
	}
	for _, member := range members {
		eq, err := equalValues(observed, member, opts)
		if err != nil {
			return false, err
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

func applyNotIn(observed, expected any, opts evalOptions) (bool, error) {
	in, err := applyIn(observed, expected, opts)
	return !in, err
}

func applySubset(observed, expected any, opts evalOptions) (bool, error) {
	return sliceCovered(observed, expected, opts)
}

func applySuperset(observed, expected any, opts evalOptions) (bool, error) {
	return sliceCovered(expected, observed, opts)
}

// sliceCovered reports whether every element of inner appears in outer.
func sliceCovered(inner, outer any, opts evalOptions) (bool, error) {
	items, err := toSlice(inner)
	if err != nil {
		return false, err
	}
	for _, item := range items {
		in, err := applyIn(item, outer, opts)
		if err != nil {
			return false, err
		}
		if !in {
			return false, nil
		}
	}
	return true, nil
}

func applyStringPredicate(pred func(string, string) bool) func(any, any, evalOptions) (bool, error) {
	return func(observed, expected any, opts evalOptions) (bool, error) {
		os, ok := observed.(string)
		es, ok2 := expected.(string)
		if !ok || !ok2 {
			return false, typeMismatch(observed, expected)
		}
		if opts.caseInsensitive {
			os = strings.ToLower(os)
			es = strings.ToLower(es)
		}
		return pred(os, es), nil
	}
}

func applyMatches(observed, expected any, opts evalOptions) (bool, error) {
	os, ok := observed.(string)
	pattern, ok2 := expected.(string)
	if !ok || !ok2 {
		return false, typeMismatch(observed, expected)
	}
	if opts.caseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re.MatchString(os), nil
}

func applyIsNull(observed, _ any, _ evalOptions) (bool, error) {
	return observed == nil, nil
}

func applyNotNull(observed, _ any, _ evalOptions) (bool, error) {
	return observed != nil, nil
}

func applyIsEmpty(observed, _ any, _ evalOptions) (bool, error) {
	if observed == nil {
		return true, nil
	}
	length, err := valueLength(observed)
	if err != nil {
		return false, err
	}
	return length == 0, nil
}

func applyNotEmpty(observed, expected any, opts evalOptions) (bool, error) {
	empty, err := applyIsEmpty(observed, expected, opts)
	return !empty, err
}

func applyApproxEq(observed, expected any, opts evalOptions) (bool, error) {
	of, err := toNumber(observed, opts.coerceTypes)
	if err != nil {
		return false, err
	}
	ef, err := toNumber(expected, opts.coerceTypes)
	if err != nil {
		return false, err
	}
	tolRaw, ok := opts.parameters["tolerance"]
	if !ok {
		return false, errors.New(`parameter "tolerance" is required`)
	}
	tol, err := toNumber(tolRaw, true)
	if err != nil || tol < 0 {
		return false, fmt.Errorf("invalid tolerance %v", tolRaw)
	}
	mode, _ := opts.parameters["tolerance_mode"].(string)
	diff := math.Abs(of - ef)
	switch mode {
	case "", "absolute":
		return diff <= tol, nil
	case "relative":
		return diff <= tol*math.Abs(ef), nil
	default:
		return false, fmt.Errorf("unknown tolerance mode %q", mode)
	}
}

func applyTemporal(accept func(o, e time.Time) bool) func(any, any, evalOptions) (bool, error) {
	return func(observed, expected any, _ evalOptions) (bool, error) {
		ot, err := toTime(observed)
		if err != nil {
			return false, err
		}
		et, err := toTime(expected)
		if err != nil {
			return false, err
		}
		return accept(ot, et), nil
	}
}

type quantMode int

const (
	quantAny quantMode = iota
	quantAll
	quantNone
)

// applyQuantifier applies a sub-operator to every element of a collection.
// The sub-operator comes from the "operator" parameter; quantifiers do not
// nest.
func applyQuantifier(mode quantMode) func(any, any, evalOptions) (bool, error) {
	return func(observed, expected any, opts evalOptions) (bool, error) {
		items, err := toSlice(observed)
		if err != nil {
			return false, err
		}
		subName, _ := opts.parameters["operator"].(string)
		if subName == "" {
			return false, errors.New(`parameter "operator" is required`)
		}
		switch subName {
		case "any", "all", "none":
			return false, fmt.Errorf("quantifier %q cannot nest", subName)
		}
		sub, ok := operators[subName]
		if !ok {
			return false, fmt.Errorf("unknown operator %q", subName)
		}

		matched := 0
		for i, item := range items {
			pass, err := sub.apply(item, expected, opts)
			if err != nil {
				return false, fmt.Errorf("element %d: %w", i, err)
			}
			if pass {
				matched++
			}
		}
		switch mode {
		case quantAny:
			return matched > 0, nil
		case quantAll:
			return matched == len(items), nil
		default:
			return matched == 0, nil
		}
	}
}

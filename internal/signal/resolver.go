package signal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// Resolution is the outcome of resolving one signal set against a document.
// Values holds coerced values for present signals only; Missing lists slugs
// whose data path resolved to nothing, regardless of requiredness.
type Resolution struct {
	Values  map[string]any
	Missing []string
}

// MissingRequired filters Missing down to the slugs marked required in defs.
func (r Resolution) MissingRequired(defs []domain.Signal) []string {
	required := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Required {
			required[def.Slug] = true
		}
	}
	var out []string
	for _, slug := range r.Missing {
		if required[slug] {
			out = append(out, slug)
		}
	}
	return out
}

// ResolveSet resolves every signal definition against the document and
// coerces each present value to its declared type. A value that is present
// but cannot coerce is an error, not a missing signal.
func ResolveSet(doc *Document, defs []domain.Signal) (Resolution, error) {
	res := Resolution{Values: make(map[string]any, len(defs))}
	for _, def := range defs {
		raw, found := doc.Resolve(def.EffectiveDataPath())
		if !found {
			res.Missing = append(res.Missing, def.Slug)
			continue
		}
		value, err := Coerce(raw, def.Type)
		if err != nil {
			return Resolution{}, fmt.Errorf("signal %q: %w", def.Slug, err)
		}
		res.Values[def.Slug] = value
	}
	return res, nil
}

// ResolveMap resolves already-extracted values (an output envelope's signal
// map) against the definitions, applying the same coercion and missing
// accounting as document resolution.
func ResolveMap(values map[string]any, defs []domain.Signal) (Resolution, error) {
	res := Resolution{Values: make(map[string]any, len(defs))}
	for _, def := range defs {
		raw, found := values[def.Slug]
		if !found {
			res.Missing = append(res.Missing, def.Slug)
			continue
		}
		value, err := Coerce(raw, def.Type)
		if err != nil {
			return Resolution{}, fmt.Errorf("signal %q: %w", def.Slug, err)
		}
		res.Values[def.Slug] = value
	}
	return res, nil
}

// Coerce converts a resolved raw value to the declared signal type. XML
// resolution yields strings for leaves, so numeric and boolean coercion
// accepts string forms.
func Coerce(raw any, typ domain.SignalType) (any, error) {
	switch typ {
	case domain.SignalNumber:
		return coerceNumber(raw)
	case domain.SignalString:
		return coerceString(raw)
	case domain.SignalBoolean:
		return coerceBoolean(raw)
	case domain.SignalTimeseries:
		return coerceTimeseries(raw)
	case domain.SignalObject:
		return coerceObject(raw)
	default:
		return nil, fmt.Errorf("unknown signal type %q", typ)
	}
}

func coerceNumber(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value of type %T is not a number", raw)
	}
}

func coerceString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("value of type %T is not a string", raw)
	}
}

func coerceBoolean(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(v)))
		if err != nil {
			return false, fmt.Errorf("value %q is not a boolean", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("value of type %T is not a boolean", raw)
	}
}

func coerceTimeseries(raw any) ([]float64, error) {
	switch v := raw.(type) {
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, len(v))
		for i, item := range v {
			f, err := coerceNumber(item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = f
		}
		return out, nil
	case string:
		fields := strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		})
		if len(fields) == 0 {
			return nil, fmt.Errorf("value %q is not a timeseries", v)
		}
		out := make([]float64, len(fields))
		for i, field := range fields {
			f, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("element %d: value %q is not a number", i, field)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %T is not a timeseries", raw)
	}
}

func coerceObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case *xmlElement:
		return xmlElementToMap(v), nil
	default:
		return nil, fmt.Errorf("value of type %T is not an object", raw)
	}
}

// xmlElementToMap flattens an element subtree into a map. Attributes keep an
// "@" prefix; repeated child names collect into a slice.
func xmlElementToMap(el *xmlElement) map[string]any {
	out := make(map[string]any, len(el.attrs)+len(el.children))
	for name, value := range el.attrs {
		out["@"+name] = value
	}
	for _, child := range el.children {
		value := elementValue(child)
		if nested, ok := value.(*xmlElement); ok {
			value = xmlElementToMap(nested)
		}
		switch existing := out[child.name].(type) {
		case nil:
			out[child.name] = value
		case []any:
			out[child.name] = append(existing, value)
		default:
			out[child.name] = []any{existing, value}
		}
	}
	return out
}

package tools

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// coerceNumbers rewrites quoted numbers ("3.8") into JSON numbers
// wherever the target field of t is numeric. Models often quote numeric
// arguments. Anything that does not parse as a number is left alone for
// the decoder to reject.
func coerceNumbers(raw json.RawMessage, t reflect.Type) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	changed := false
	v = coerce(v, t, &changed)
	if !changed {
		return raw, nil
	}
	return json.Marshal(v)
}

func coerce(v any, t reflect.Type, changed *bool) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		fields := jsonFields(t)
		for k, fv := range m {
			if ft, ok := fields[k]; ok {
				m[k] = coerce(fv, ft, changed)
			}
		}
		return m
	case reflect.Slice:
		list, ok := v.([]any)
		if !ok {
			return v
		}
		for i := range list {
			list[i] = coerce(list[i], t.Elem(), changed)
		}
		return list
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		s, ok := v.(string)
		if !ok {
			return v
		}
		s = strings.TrimSpace(s)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return v
		}
		*changed = true
		return json.Number(s)
	}
	return v
}

// jsonFields maps JSON names to field types, flattening embedded structs
// the way encoding/json does.
func jsonFields(t reflect.Type) map[string]reflect.Type {
	out := make(map[string]reflect.Type, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			for k, ft := range jsonFields(f.Type) {
				if _, ok := out[k]; !ok {
					out[k] = ft
				}
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		out[name] = f.Type
	}
	return out
}

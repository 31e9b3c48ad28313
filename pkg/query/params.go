// Package query serializes request parameters the way the MangaDex API expects them.
//
// Slice values are expanded into repeated "name[]=value" pairs in element order,
// strings are sent verbatim as "name=value" and every other scalar is JSON encoded
// (true, 15, 1.5). Nil values are dropped.
package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
)

// Params holds query parameters for a single request.
type Params map[string]any

// Clone returns a shallow copy of p. Slice values are shared.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Set assigns a value and returns p so calls can be chained.
func (p Params) Set(name string, value any) Params {
	p[name] = value
	return p
}

// Encode renders the parameters as a query string without the leading "?".
// Keys are sorted so the same Params always produce the same string.
func (p Params) Encode() (string, error) {
	if len(p) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, name := range keys {
		encoded, err := encodeValue(name, p[name])
		if err != nil {
			return "", err
		}
		parts = append(parts, encoded...)
	}

	return strings.Join(parts, "&"), nil
}

// MustEncode is Encode for parameters known to be encodable.
func (p Params) MustEncode() string {
	s, err := p.Encode()
	if err != nil {
		panic(err)
	}
	return s
}

func encodeValue(name string, value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case string:
		return []string{pair(name, v)}, nil
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, pair(name+"[]", item))
		}
		return out, nil
	case fmt.Stringer:
		return []string{pair(name, v.String())}, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := scalar(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("param %q[%d]: %w", name, i, err)
			}
			out = append(out, pair(name+"[]", item))
		}
		return out, nil
	case reflect.Map:
		// Nested maps become name[key]=value, which is how order[createdAt]=asc is sent.
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			item, err := scalar(rv.MapIndex(k).Interface())
			if err != nil {
				return nil, fmt.Errorf("param %q[%v]: %w", name, k.Interface(), err)
			}
			out = append(out, pair(fmt.Sprintf("%s[%v]", name, k.Interface()), item))
		}
		return out, nil
	}

	item, err := scalar(value)
	if err != nil {
		return nil, fmt.Errorf("param %q: %w", name, err)
	}
	return []string{pair(name, item)}, nil
}

func scalar(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("json encode: %w", err)
	}
	return strings.Trim(string(data), `"`), nil
}

func pair(name, value string) string {
	// Brackets stay literal in the name; the API matches on "ids[]" not "ids%5B%5D".
	return escapeName(name) + "=" + url.QueryEscape(value)
}

func escapeName(name string) string {
	escaped := url.QueryEscape(name)
	escaped = strings.ReplaceAll(escaped, "%5B", "[")
	return strings.ReplaceAll(escaped, "%5D", "]")
}

// FromValues converts url.Values into Params. Keys ending in "[]" become slices.
func FromValues(values url.Values) Params {
	p := make(Params, len(values))
	for k, v := range values {
		if name, ok := strings.CutSuffix(k, "[]"); ok {
			p[name] = append([]string(nil), v...)
			continue
		}
		if len(v) > 0 {
			p[k] = v[0]
		}
	}
	return p
}

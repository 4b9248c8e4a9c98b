package webhook

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

const (
	// MaxExtraEntries caps how many keys a response may contribute.
	MaxExtraEntries = 256
	// MaxExtraValueLength caps each value, in characters.
	MaxExtraValueLength = 640
)

// Flatten turns a response body into run extras. A JSON object is flattened
// into dotted keys ("user.name", "items.0"). Anything else, including
// malformed JSON, is stored whole under key.
func Flatten(key, body string) map[string]string {
	out := map[string]string{}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil || dec.More() {
		out[key] = truncate(body)
		return out
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		out[key] = truncate(body)
		return out
	}

	flattenInto(out, "", obj)
	return out
}

func flattenInto(out map[string]string, prefix string, value any) {
	if len(out) >= MaxExtraEntries {
		return
	}
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(out, join(k), v[k])
		}
	case []any:
		for i, item := range v {
			flattenInto(out, join(strconv.Itoa(i)), item)
		}
	case string:
		out[prefix] = truncate(v)
	case json.Number:
		out[prefix] = v.String()
	case bool:
		out[prefix] = strconv.FormatBool(v)
	case nil:
		out[prefix] = ""
	}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxExtraValueLength {
		return s
	}
	return string(r[:MaxExtraValueLength])
}

package descriptor

import (
	"encoding/json"
	"reflect"
	"strings"
)

func jsonKeys(v any) map[string]struct{} {
	keys := make(map[string]struct{})
	collectKeys(reflect.TypeOf(v), keys)
	return keys
}

// collectKeys walks untagged embedded structs, whose members encoding/json
// promotes to the outer object.
func collectKeys(t reflect.Type, keys map[string]struct{}) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" && f.Anonymous {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectKeys(ft, keys)
			}
			continue
		}
		if name == "" || name == "-" {
			continue
		}
		keys[name] = struct{}{}
	}
}

// unknownFields keeps the members of a JSON object that the typed model does
// not declare, so a rewrite preserves them.
func unknownFields(data []byte, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for key, value := range all {
		if _, ok := known[key]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = value
	}
	return extra, nil
}

func mergeFields(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, ok := out[key]; !ok {
			out[key] = value
		}
	}
	return json.Marshal(out)
}

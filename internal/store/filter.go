package store

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Filter value that matches jobs where the field is absent. Workers use it
// to mean "not yet claimed" / "no result yet".
const FilterUndefined = "undefined"

// matchesFilters applies equality matching per field against the job's JSON
// document. Keys may use dotted lookups into substructures
// ("current.runner"). A value may carry comma separated alternatives, any
// one of which suffices; the literal "undefined" alternative matches an
// absent or null field.
func matchesFilters(doc map[string]any, filters map[string]string) bool {
	for key, value := range filters {
		got, present := lookupPath(doc, strings.Split(key, "."))

		matched := false
		for _, alt := range strings.Split(value, ",") {
			if alt == FilterUndefined {
				if !present || got == nil {
					matched = true
					break
				}
				continue
			}
			if present && stringify(got) == alt {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func lookupPath(doc map[string]any, segments []string) (any, bool) {
	var current any = doc
	for _, s := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[s]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

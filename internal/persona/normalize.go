package persona

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// lineBreak matches the three newline conventions legacy textarea
// fields were saved with.
var lineBreak = regexp.MustCompile(`\r\n|\r|\n`)

// Normalize converts raw persona fields into a canonical [Record].
// It never fails: unrecognized shapes degrade to empty fields.
func Normalize(raw map[string]any) Record {
	return Record{
		ID:          scalarString(raw["id"]),
		Title:       StripTags(scalarString(raw["title"])),
		Role:        StripTags(scalarString(raw["role"])),
		Guidelines:  stringList(raw["guidelines"]),
		Constraints: stringList(raw["constraints"]),
		Variables:   variableList(raw["variables"]),
		Examples:    exampleList(raw["examples"]),
	}
}

// NormalizeRecord re-normalizes a typed record. Records built by hand
// (tests, importers) go through this before they are stored or compiled.
func NormalizeRecord(r Record) Record {
	return Normalize(r.Fields())
}

// Slug lowercases s and keeps only a-z, 0-9 and underscore.
func Slug(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// stringList accepts a newline-delimited string or a list and returns
// the non-empty trimmed entries in order.
func stringList(v any) []string {
	out := make([]string, 0)
	switch t := v.(type) {
	case string:
		for _, line := range lineBreak.Split(t, -1) {
			if s := strings.TrimSpace(line); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, item := range t {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
	case []any, map[string]any:
		for _, item := range listItems(t) {
			if s := strings.TrimSpace(toString(item)); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// variableList accepts a list of {name, description} maps, a list of
// "name: description" strings, or a newline-delimited string of the same.
func variableList(v any) []Variable {
	out := make([]Variable, 0)
	var items []any
	switch t := v.(type) {
	case string:
		for _, line := range lineBreak.Split(t, -1) {
			items = append(items, line)
		}
	case []any, map[string]any:
		items = listItems(t)
	case []map[string]any:
		for _, m := range t {
			items = append(items, m)
		}
	}

	for _, item := range items {
		var name, desc string
		switch e := item.(type) {
		case map[string]any:
			name = toString(e["name"])
			desc = toString(e["description"])
		default:
			name, desc, _ = strings.Cut(toString(e), ":")
		}
		name = Slug(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		out = append(out, Variable{Name: name, Description: strings.TrimSpace(desc)})
	}
	return out
}

// exampleList accepts a list of {input, output} maps. Any other entry
// becomes an example whose input is the entry's string form.
func exampleList(v any) []Example {
	out := make([]Example, 0)
	var items []any
	switch t := v.(type) {
	case nil:
	case []any, map[string]any:
		items = listItems(t)
	case []map[string]any:
		for _, m := range t {
			items = append(items, m)
		}
	default:
		items = []any{t}
	}

	for _, item := range items {
		var ex Example
		if m, ok := item.(map[string]any); ok {
			ex = Example{
				Input:  strings.TrimSpace(toString(m["input"])),
				Output: strings.TrimSpace(toString(m["output"])),
			}
		} else {
			ex = Example{Input: strings.TrimSpace(toString(item))}
		}
		if ex.Input == "" && ex.Output == "" {
			continue
		}
		out = append(out, ex)
	}
	return out
}

// listItems flattens a JSON array or an index-keyed JSON object into an
// ordered slice. Object keys sort numerically when they are all
// integers, lexically otherwise.
func listItems(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		keys := make([]string, 0, len(t))
		numeric := true
		for k := range t {
			keys = append(keys, k)
			if _, err := strconv.Atoi(k); err != nil {
				numeric = false
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			if numeric {
				a, _ := strconv.Atoi(keys[i])
				b, _ := strconv.Atoi(keys[j])
				return a < b
			}
			return keys[i] < keys[j]
		})
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = t[k]
		}
		return items
	}
	return nil
}

// scalarString returns the trimmed string form of a scalar, or "" for
// composites.
func scalarString(v any) string {
	switch v.(type) {
	case []any, map[string]any:
		return ""
	}
	return strings.TrimSpace(toString(v))
}

// toString coerces a decoded JSON value to its string form.
func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case []any, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

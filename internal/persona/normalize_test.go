package persona

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalize_LegacyNewlineString(t *testing.T) {
	rec := Normalize(map[string]any{
		"guidelines": "Be kind\nBe concise\n\n",
	})

	want := []string{"Be kind", "Be concise"}
	if diff := cmp.Diff(want, rec.Guidelines); diff != "" {
		t.Errorf("guidelines mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalize_StringLists(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"nil", nil, []string{}},
		{"crlf", "one\r\ntwo\rthree\nfour", []string{"one", "two", "three", "four"}},
		{"whitespace only", "  \n\t\n", []string{}},
		{"list with blanks", []any{" a ", "", "b", "   "}, []string{"a", "b"}},
		{"duplicates kept", []any{"same", "same"}, []string{"same", "same"}},
		{"non-string entries", []any{42.0, true, nil, "x"}, []string{"42", "true", "x"}},
		{"typed string slice", []string{" p ", "q"}, []string{"p", "q"}},
		{"index keyed object", map[string]any{"10": "third", "2": "second", "0": "first"}, []string{"first", "second", "third"}},
		{"scalar number", 7.0, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(map[string]any{"constraints": tt.in}).Constraints
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("constraints mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalize_Variables(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []Variable
	}{
		{
			name: "maps",
			in: []any{
				map[string]any{"name": "Customer Name", "description": " who "},
				map[string]any{"name": "order-id", "description": ""},
			},
			want: []Variable{{Name: "customername", Description: "who"}, {Name: "orderid"}},
		},
		{
			name: "empty slug dropped",
			in: []any{
				map[string]any{"name": "!!!", "description": "dropped"},
				map[string]any{"description": "no name"},
				map[string]any{"name": "ok_1"},
			},
			want: []Variable{{Name: "ok_1"}},
		},
		{
			name: "duplicates kept",
			in: []any{
				map[string]any{"name": "a", "description": "first"},
				map[string]any{"name": "a", "description": "second"},
			},
			want: []Variable{{Name: "a", Description: "first"}, {Name: "a", Description: "second"}},
		},
		{
			name: "legacy lines",
			in:   "site_name: The site title\nuser\n\n",
			want: []Variable{{Name: "site_name", Description: "The site title"}, {Name: "user"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(map[string]any{"variables": tt.in}).Variables
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("variables mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalize_Examples(t *testing.T) {
	got := Normalize(map[string]any{
		"examples": []any{
			map[string]any{"input": " Explain gravity ", "output": "Gravity is..."},
			map[string]any{"input": "", "output": "  "},
			map[string]any{"input": "", "output": "only output"},
			"bare question",
			12.0,
		},
	}).Examples

	want := []Example{
		{Input: "Explain gravity", Output: "Gravity is..."},
		{Input: "", Output: "only output"},
		{Input: "bare question"},
		{Input: "12"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("examples mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalize_RoleAndID(t *testing.T) {
	rec := Normalize(map[string]any{
		"id":   42.0,
		"role": "  <p>You are a <b>tutor</b>.</p><script>alert(1)</script> ",
	})
	if rec.ID != "42" {
		t.Errorf("ID = %q, want %q", rec.ID, "42")
	}
	if rec.Role != "You are a tutor." {
		t.Errorf("Role = %q, want %q", rec.Role, "You are a tutor.")
	}
}

func TestNormalize_MalformedInputDegrades(t *testing.T) {
	rec := Normalize(map[string]any{
		"role":        []any{"not", "a", "string"},
		"guidelines":  map[string]any{"x": map[string]any{}},
		"variables":   17.0,
		"examples":    nil,
		"constraints": false,
	})
	if rec.Role != "" || len(rec.Variables) != 0 || len(rec.Examples) != 0 || len(rec.Constraints) != 0 {
		t.Errorf("expected empty fields, got %+v", rec)
	}
	if diff := cmp.Diff([]string{"{}"}, rec.Guidelines); diff != "" {
		t.Errorf("composite guideline should be coerced (-want +got):\n%s", diff)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		`{}`,
		`{"id": 7, "role": " Tutor ", "guidelines": "a\r\nb\n\nc"}`,
		`{"role": "<em>x</em> &amp; y", "constraints": ["", " z "], "variables": [{"name": "A B", "description": " d "}, "k: v"]}`,
		`{"examples": ["q", {"input": "i"}, {"output": "o"}, {"input": "", "output": ""}], "variables": "x_1: one\n-: none"}`,
		`{"guidelines": {"1": "second", "0": "first"}, "title": " Title "}`,
		`{"role": "Reply in the form <<b>name</b>>", "title": "><<b >b"}`,
		`{"role": "<<<b>b>i>Tutor", "title": "a <<em></em>br> b"}`,
	}
	for _, in := range inputs {
		var raw map[string]any
		if err := json.Unmarshal([]byte(in), &raw); err != nil {
			t.Fatalf("bad fixture %s: %v", in, err)
		}
		once := Normalize(raw)
		twice := NormalizeRecord(once)
		if diff := cmp.Diff(once, twice); diff != "" {
			t.Errorf("normalize not idempotent for %s (-once +twice):\n%s", in, diff)
		}
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"customer_name": "customer_name",
		"Customer Name": "customername",
		"site.title":    "sitetitle",
		"ÜBER_2":        "ber_2",
		"---":           "",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

package validation

import (
	"testing"
)

func TestRules_AcceptsValidRecord(t *testing.T) {
	rules := Rules{
		"title": {Required(), IsString(), MaxLength(10)},
		"count": {IsNumber(), Range(0, 100)},
	}

	value := map[string]any{"title": "hello", "count": 42}
	out, issues := rules.Validate(value)

	if issues != nil {
		t.Fatalf("Validate() issues = %v, want nil", issues)
	}
	if out["title"] != "hello" {
		t.Errorf("validated value = %v", out)
	}
}

func TestRules_AccumulatesIssues(t *testing.T) {
	rules := Rules{
		"title": {Required(), IsString()},
		"count": {Required(), IsNumber()},
	}

	_, issues := rules.Validate(map[string]any{"count": "nope"})

	if len(issues) < 2 {
		t.Fatalf("got %d issues, want at least 2 (missing title, bad count)", len(issues))
	}
}

func TestRequired(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		present bool
		wantErr bool
	}{
		{"absent", nil, false, true},
		{"nil", nil, true, true},
		{"whitespace", "   ", true, true},
		{"value", "x", true, false},
		{"zero number", 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := Required()("field", tt.value, tt.present)
			if (issue != nil) != tt.wantErr {
				t.Errorf("Required()(%v, %v) = %v, wantErr %v", tt.value, tt.present, issue, tt.wantErr)
			}
			if issue != nil && issue.Path != "field" {
				t.Errorf("issue.Path = %q, want field", issue.Path)
			}
		})
	}
}

func TestIsString(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		present bool
		wantErr bool
	}{
		{"absent passes", nil, false, false},
		{"string", "ok", true, false},
		{"unicode", "世界", true, false},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true, true},
		{"number", 1, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := IsString()("field", tt.value, tt.present)
			if (issue != nil) != tt.wantErr {
				t.Errorf("IsString()(%v) = %v, wantErr %v", tt.value, issue, tt.wantErr)
			}
		})
	}
}

func TestMaxLength(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		max     int
		wantErr bool
	}{
		{"within", "abc", 5, false},
		{"exact", "abcde", 5, false},
		{"over", "abcdef", 5, true},
		{"runes not bytes", "世界", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := MaxLength(tt.max)("field", tt.value, true)
			if (issue != nil) != tt.wantErr {
				t.Errorf("MaxLength(%d)(%q) = %v, wantErr %v", tt.max, tt.value, issue, tt.wantErr)
			}
		})
	}
}

func TestRange(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		wantErr bool
	}{
		{"int within", 5, false},
		{"float within", 5.5, false},
		{"below", -1, true},
		{"above", 11, true},
		{"non-numeric passes through", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := Range(0, 10)("field", tt.value, true)
			if (issue != nil) != tt.wantErr {
				t.Errorf("Range(0,10)(%v) = %v, wantErr %v", tt.value, issue, tt.wantErr)
			}
		})
	}
}

func TestEnum(t *testing.T) {
	rule := Enum("insert", "update", "delete")

	if issue := rule("op", "insert", true); issue != nil {
		t.Errorf("Enum(insert) = %v, want nil", issue)
	}
	if issue := rule("op", "upsert", true); issue == nil {
		t.Error("Enum(upsert) = nil, want issue")
	}
}

func TestCollector(t *testing.T) {
	var c Collector

	if c.HasIssues() {
		t.Error("fresh collector has issues")
	}

	c.Add(nil)
	if c.HasIssues() {
		t.Error("Add(nil) recorded an issue")
	}

	c.Add(&Issue{Path: "f", Message: "bad"})
	if !c.HasIssues() || len(c.Issues()) != 1 {
		t.Errorf("Issues() = %v, want 1 issue", c.Issues())
	}
}

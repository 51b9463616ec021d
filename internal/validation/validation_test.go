package validation

import (
	"testing"
)

func TestIsValidTag(t *testing.T) {
	tests := []struct {
		tag   string
		valid bool
	}{
		{"translation", true},
		{"ocr", true},
		{"data_entry", true},
		{"llm-eval", true},
		{"a1", true},

		// Invalid cases
		{"", false},
		{"Translation", false}, // uppercase
		{"with space", false},
		{"emoji🙂", false},
		{"trailing.", false},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false}, // 51 chars
	}

	for _, tc := range tests {
		result := IsValidTag(tc.tag)
		if result != tc.valid {
			t.Errorf("IsValidTag(%q) = %v, want %v", tc.tag, result, tc.valid)
		}
	}
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ag-AbC123xyz789", true},
		{"tk-000000000000", true},
		{"msg-AbC123xyz789", true},

		{"", false},
		{"ag-short", false},
		{"noprefix12345", false},
		{"agent-AbC123xyz789", false}, // prefix too long
		{"ag-AbC123xyz78!", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("need", "translate this"),
		IntRange("max_credits", 30, 1, 100000),
		Tags("tags", []string{"translation", "english"}),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("need", ""),
		IntRange("max_credits", 0, 1, 100000),
		Tags("tags", []string{"BAD TAG"}),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
}

func TestIntRange(t *testing.T) {
	if err := IntRange("max_credits", 1, 1, 100000)(); err != nil {
		t.Error("Expected no error at lower bound")
	}
	if err := IntRange("max_credits", 100000, 1, 100000)(); err != nil {
		t.Error("Expected no error at upper bound")
	}
	if err := IntRange("max_credits", 100001, 1, 100000)(); err == nil {
		t.Error("Expected error above upper bound")
	}
	if err := IntRange("rating", 0, 1, 5)(); err == nil {
		t.Error("Expected error below lower bound")
	}
}

func TestTags(t *testing.T) {
	// Too many tags
	many := make([]string, MaxTags+1)
	for i := range many {
		many[i] = "tag"
	}
	if err := Tags("tags", many)(); err == nil {
		t.Error("Expected error for too many tags")
	}

	// Empty list is fine
	if err := Tags("tags", nil)(); err != nil {
		t.Error("Expected no error for nil tags")
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}

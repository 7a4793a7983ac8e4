package keypool

import (
	"net/http"
	"sort"
	"strings"
	"testing"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"single key", "key-1", []string{"key-1"}},
		{"multiple keys", "key-1,key-2,key-3", []string{"key-1", "key-2", "key-3"}},
		{"whitespace trimmed", " key-1 , key-2 ", []string{"key-1", "key-2"}},
		{"empty entries dropped", "key-1,,key-2,", []string{"key-1", "key-2"}},
		{"empty string", "", nil},
		{"only separators and spaces", " , ,, ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseList(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseList(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseList(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFromRequest_HeaderPrecedence(t *testing.T) {
	header := http.Header{}
	header.Set(HeaderAPIKey, "header-key-1,header-key-2")

	got := FromRequest(header, "fallback-key")
	if len(got) != 2 || got[0] != "header-key-1" || got[1] != "header-key-2" {
		t.Errorf("FromRequest() = %v, want header keys", got)
	}
}

func TestFromRequest_FallbackWhenHeaderEmpty(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"header absent", ""},
		{"header only separators", " , ,"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set(HeaderAPIKey, tt.header)
			}

			got := FromRequest(header, "env-key-1, env-key-2")
			if len(got) != 2 || got[0] != "env-key-1" || got[1] != "env-key-2" {
				t.Errorf("FromRequest() = %v, want fallback keys", got)
			}
		})
	}
}

func TestFromRequest_BothEmpty(t *testing.T) {
	if got := FromRequest(http.Header{}, ""); len(got) != 0 {
		t.Errorf("FromRequest() = %v, want empty", got)
	}
}

func TestShuffle_PreservesElements(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e", "f"}

	got := Shuffle(keys)
	if len(got) != len(keys) {
		t.Fatalf("Shuffle() returned %d keys, want %d", len(got), len(keys))
	}

	sorted := make([]string, len(got))
	copy(sorted, got)
	sort.Strings(sorted)
	if strings.Join(sorted, ",") != "a,b,c,d,e,f" {
		t.Errorf("Shuffle() changed the element set: %v", got)
	}
}

func TestShuffle_DoesNotMutateInput(t *testing.T) {
	keys := []string{"a", "b", "c", "d"}

	// Shuffle repeatedly; the input must stay in its original order.
	for range 20 {
		_ = Shuffle(keys)
	}
	if strings.Join(keys, ",") != "a,b,c,d" {
		t.Errorf("Shuffle() mutated its input: %v", keys)
	}
}

func TestShuffle_Reorders(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	// With 8 elements the odds of 50 identity shuffles in a row are nil.
	for range 50 {
		if strings.Join(Shuffle(keys), ",") != strings.Join(keys, ",") {
			return
		}
	}
	t.Error("Shuffle() never produced a different order in 50 draws")
}

func TestRedact(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"AIzaSyExampleKey1234", "...1234"},
		{"abcd", "..."},
		{"ab", "..."},
		{"", "..."},
	}

	for _, tt := range tests {
		if got := Redact(tt.key); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

package util

import (
	"reflect"
	"testing"
)

func TestSplitScope(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "whitespace only", input: "   \t ", want: nil},
		{name: "single", input: "read", want: []string{"read"}},
		{name: "multiple", input: "read write", want: []string{"read", "write"}},
		{name: "extra spaces", input: "  read   write ", want: []string{"read", "write"}},
		{name: "duplicates", input: "read write read", want: []string{"read", "write"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitScope(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitScope(%q) = %#v, want %#v", tt.input, got, tt.want)
			}
		})
	}
}

func TestJoinScope(t *testing.T) {
	if got := JoinScope([]string{"read", "write"}); got != "read write" {
		t.Errorf("JoinScope() = %q, want %q", got, "read write")
	}
	if got := JoinScope(nil); got != "" {
		t.Errorf("JoinScope(nil) = %q, want empty", got)
	}
}

func TestContainsAll(t *testing.T) {
	tests := []struct {
		name string
		have []string
		want []string
		ok   bool
	}{
		{name: "empty want", have: []string{"read"}, want: nil, ok: true},
		{name: "subset", have: []string{"read", "write"}, want: []string{"write"}, ok: true},
		{name: "equal", have: []string{"read", "write"}, want: []string{"write", "read"}, ok: true},
		{name: "missing", have: []string{"read"}, want: []string{"read", "admin"}, ok: false},
		{name: "empty have", have: nil, want: []string{"read"}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsAll(tt.have, tt.want); got != tt.ok {
				t.Errorf("ContainsAll(%v, %v) = %v, want %v", tt.have, tt.want, got, tt.ok)
			}
		})
	}
}

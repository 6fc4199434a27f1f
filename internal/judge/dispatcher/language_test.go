package dispatcher

import "testing"

func TestExtensionFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		language string
		want     string
	}{
		{"C", ".c"},
		{"C++17", ".cpp"},
		{"C#", ".cs"},
		{"Java 17", ".java"},
		{"JavaScript (Node.js)", ".js"},
		{"Python 3", ".py"},
		{"Rust", ".rs"},
		{"TypeScript", ".ts"},
		{"python 3", ".txt"},
		{"Brainfuck", ".txt"},
		{"", ".txt"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.language, func(t *testing.T) {
			t.Parallel()
			if got := ExtensionFor(tt.language); got != tt.want {
				t.Fatalf("ExtensionFor(%q) = %q, want %q", tt.language, got, tt.want)
			}
		})
	}
}

func TestTempBaseName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"two-sum_2", "two-sum_2"},
		{"a/b c", "a_b_c"},
		{"../etc", "___etc"},
		{"", "submission"},
	}
	for _, tt := range tests {
		if got := TempBaseName(tt.in); got != tt.want {
			t.Errorf("TempBaseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	t.Parallel()
	if got := NormalizeIdentifier("  HelloWorld \n"); got != "helloworld" {
		t.Fatalf("got %q", got)
	}
}

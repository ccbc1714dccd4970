package strings

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"short body unchanged", `{"error":"x"}`, 20, `{"error":"x"}`},
		{"exact length", "hello", 5, "hello"},
		{"cut with ellipsis", "invalid_grant: the code has expired", 16, "invalid_grant..."},
		{"html collapsed to one line", "<html>\n  <body>\n\tdenied\n</body>", 60, "<html> <body> denied </body>"},
		{"multibyte runes kept whole", "Zugriff verweigert für Benutzer", 12, "Zugriff v..."},
		{"max below minimum is clamped", "abcdef", 1, "a..."},
		{"empty", "", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.input, tt.maxLen))
		})
	}
}

func TestTruncate_DefaultFitsLongBody(t *testing.T) {
	got := Truncate(strings.Repeat("x", 1000), DefaultMaxLen)
	assert.Len(t, got, DefaultMaxLen)
}

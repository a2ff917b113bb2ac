package sparql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeURI(t *testing.T) {
	assert.Equal(t, "<http://example.org/a>", EscapeURI("http://example.org/a"))
	assert.Equal(t, `<http://example.org/\<a\>\"b\\>`, EscapeURI(`http://example.org/<a>"b\`))
}

func TestEscapeString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", `"""hello"""`},
		{"quotes", `say "hi"`, `"""say \"hi\""""`},
		{"backslash", `a\b`, `"""a\\b"""`},
		{"newline kept", "a\nb", "\"\"\"a\nb\"\"\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EscapeString(tt.in))
		})
	}
}

func TestEscapePredicate(t *testing.T) {
	assert.Equal(t, "<http://example.org/p>", EscapePredicate("http://example.org/p", false))
	assert.Equal(t, "^<http://example.org/p>", EscapePredicate("http://example.org/p", true))
}

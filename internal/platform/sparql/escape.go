package sparql

import "strings"

var (
	uriEscaper    = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `<`, `\<`, `>`, `\>`)
	stringEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// EscapeURI renders an IRI reference.
func EscapeURI(uri string) string {
	return "<" + uriEscaper.Replace(uri) + ">"
}

// EscapeString renders a long-quoted literal; newlines survive unescaped.
func EscapeString(value string) string {
	return `"""` + stringEscaper.Replace(value) + `"""`
}

// EscapePredicate renders one property path step; inverse steps are
// prefixed with ^.
func EscapePredicate(predicate string, inverse bool) string {
	if inverse {
		return "^" + EscapeURI(predicate)
	}
	return EscapeURI(predicate)
}

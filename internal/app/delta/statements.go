package delta

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/sparql"
)

var langTag = regexp.MustCompile(`^[a-zA-Z]+(-[a-zA-Z0-9]+)*$`)

// FormatTerm renders term for use in a SPARQL statement. ok is false for an
// unknown term type or a malformed language tag; both are rendered as a plain
// string.
func FormatTerm(term model.Term) (out string, ok bool) {
	switch term.Type {
	case model.TermURI:
		return sparql.EscapeURI(term.Value), true
	case model.TermLiteral, model.TermTypedLiteral:
		switch {
		case term.Datatype != "":
			return sparql.EscapeString(term.Value) + "^^" + sparql.EscapeURI(term.Datatype), true
		case term.Lang != "":
			if !langTag.MatchString(term.Lang) {
				return sparql.EscapeString(term.Value), false
			}
			return sparql.EscapeString(term.Value) + "@" + term.Lang, true
		default:
			return sparql.EscapeString(term.Value), true
		}
	}
	return sparql.EscapeString(term.Value), false
}

// ToStatements renders triples as a block of "s p o ." lines.
func ToStatements(triples []model.Triple, logger *slog.Logger) string {
	var b strings.Builder
	for _, t := range triples {
		for _, term := range []model.Term{t.Subject, t.Predicate, t.Object} {
			rendered, ok := FormatTerm(term)
			if !ok && logger != nil {
				logger.Warn("Unknown term type or malformed language tag, escaping as a string",
					"type", term.Type, "lang", term.Lang, "value", term.Value)
			}
			b.WriteString(rendered)
			b.WriteByte(' ')
		}
		b.WriteString(".\n")
	}
	return b.String()
}

// DeleteStatement removes one triple from every graph it occurs in.
func DeleteStatement(triple model.Triple, logger *slog.Logger) string {
	return "DELETE WHERE {\n  GRAPH ?g {\n    " +
		ToStatements([]model.Triple{triple}, logger) +
		"  }\n}"
}

// InsertStatements splits triples into INSERT DATA statements of at most
// batchSize triples each, all targeting graph.
func InsertStatements(triples []model.Triple, graph string, batchSize int, logger *slog.Logger) []string {
	if batchSize < 1 {
		batchSize = 1
	}
	var out []string
	for i := 0; i < len(triples); i += batchSize {
		end := min(i+batchSize, len(triples))
		out = append(out, "INSERT DATA {\n  GRAPH "+sparql.EscapeURI(graph)+" {\n"+
			ToStatements(triples[i:end], logger)+
			"  }\n}")
	}
	return out
}

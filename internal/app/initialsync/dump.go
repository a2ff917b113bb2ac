package initialsync

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/sparql"
)

const maxLineSize = 16 * 1024 * 1024

// ReadDumpLines returns the statements of an N-Triples dump, one per line.
// Blank lines and comments are dropped.
func ReadDumpLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dump %s: %w", path, err)
	}
	return lines, nil
}

// InsertStatements groups dump lines into INSERT DATA statements of at most
// batchSize lines targeting graph.
func InsertStatements(lines []string, graph string, batchSize int) []string {
	if batchSize < 1 {
		batchSize = 1
	}
	var out []string
	for i := 0; i < len(lines); i += batchSize {
		end := min(i+batchSize, len(lines))
		out = append(out, "INSERT DATA {\n  GRAPH "+sparql.EscapeURI(graph)+" {\n"+
			strings.Join(lines[i:end], "\n")+
			"\n  }\n}")
	}
	return out
}

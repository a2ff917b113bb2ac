package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/metrics"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/retry"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/sparql"
)

// OrganizationGraph is the graph holding the data owned by organization id.
// Move queries bind the same graph in SPARQL from OrganizationGraph(prefix, "").
func OrganizationGraph(prefix, id string) string {
	return prefix + id
}

type Config struct {
	IngestGraph    string
	PublicGraph    string
	OrgGraphPrefix string
	OrgIDPredicate string
	BatchSize      int
	Pause          time.Duration
}

// Options tune a single dispatch. Headers and Endpoint are passed on to
// every update.
type Options struct {
	Batched  bool
	Cleanup  bool
	Headers  map[string]string
	Endpoint string
}

// Dispatcher moves ingested triples out of the ingest graph into the graph
// their type belongs to. Subjects whose organization cannot be resolved stay
// in the ingest graph.
type Dispatcher struct {
	store  sparql.Store
	retry  *retry.Executor
	cfg    Config
	logger *slog.Logger
}

func NewDispatcher(store sparql.Store, executor *retry.Executor, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	return &Dispatcher{store: store, retry: executor, cfg: cfg, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, rules []model.TypeRoutingRule, opts Options) error {
	for _, rule := range rules {
		if !rule.IsPublic() {
			continue
		}
		d.logger.InfoContext(ctx, "Moving triples to public graph", "type", rule.Type, "batched", opts.Batched)
		if err := d.moveType(ctx, rule, opts, "public"); err != nil {
			return err
		}
	}

	for _, rule := range rules {
		if rule.IsPublic() {
			continue
		}
		d.logger.InfoContext(ctx, "Moving triples to organization graphs", "type", rule.Type, "batched", opts.Batched)
		if err := d.moveType(ctx, rule, opts, "organization"); err != nil {
			return err
		}
	}

	if opts.Cleanup {
		return d.cleanUp(ctx, opts)
	}
	return nil
}

func (d *Dispatcher) moveType(ctx context.Context, rule model.TypeRoutingRule, opts Options, destination string) error {
	if !opts.Batched {
		return d.move(ctx, d.moveQuery(rule, ""), opts, rule.Type, destination)
	}

	total, err := d.countSubjects(ctx, rule.Type)
	if err != nil {
		return err
	}
	for offset := 0; offset < total; offset += d.cfg.BatchSize {
		page := fmt.Sprintf(`
    {
      SELECT DISTINCT ?s WHERE {
        ?s a %s .
      }
      ORDER BY ?s
      OFFSET %d
      LIMIT %d
    }`, sparql.EscapeURI(rule.Type), offset, d.cfg.BatchSize)
		if err := d.move(ctx, d.moveQuery(rule, page), opts, rule.Type, destination); err != nil {
			return fmt.Errorf("page at offset %d of %d: %w", offset, total, err)
		}
	}
	return nil
}

func (d *Dispatcher) move(ctx context.Context, query string, opts Options, typ, destination string) error {
	err := d.retry.Do(ctx, "move "+typ, func(ctx context.Context) error {
		return d.store.Update(ctx, query, d.updateOptions(opts)...)
	})
	if err != nil {
		return fmt.Errorf("move %s to %s graph: %w", typ, destination, err)
	}
	metrics.DispatchMovesTotal.WithLabelValues(destination).Inc()
	return retry.Sleep(ctx, d.cfg.Pause)
}

// moveQuery builds the move for rule. page, when set, restricts the
// subjects to one ordered slice.
func (d *Dispatcher) moveQuery(rule model.TypeRoutingRule, page string) string {
	ingest := sparql.EscapeURI(d.cfg.IngestGraph)
	subjects := page
	if subjects == "" {
		subjects = fmt.Sprintf("\n    ?s a %s .", sparql.EscapeURI(rule.Type))
	}

	if rule.IsPublic() {
		return fmt.Sprintf(`DELETE {
  GRAPH %[1]s {
    ?s ?p ?o .
  }
}
INSERT {
  GRAPH %[2]s {
    ?s ?p ?o .
  }
}
WHERE {%[3]s
  GRAPH %[1]s {
    ?s ?p ?o .
  }
}`, ingest, sparql.EscapeURI(d.cfg.PublicGraph), subjects)
	}

	return fmt.Sprintf(`DELETE {
  GRAPH %[1]s {
    ?s ?p ?o .
  }
}
INSERT {
  GRAPH ?organizationalGraph {
    ?s ?p ?o .
  }
}
WHERE {%[2]s
  GRAPH %[1]s {
    ?s ?p ?o .
  }
  ?s %[3]s ?organization .
  GRAPH %[4]s {
    ?organization %[5]s ?organizationId .
  }
  BIND(IRI(CONCAT(%[6]s, STR(?organizationId))) AS ?organizationalGraph)
}`, ingest, subjects, PredicatePath(rule.PathToOrg), sparql.EscapeURI(d.cfg.PublicGraph),
		sparql.EscapeURI(d.cfg.OrgIDPredicate), quote(OrganizationGraph(d.cfg.OrgGraphPrefix, "")))
}

// PredicatePath joins the steps into a SPARQL property path.
func PredicatePath(steps []model.PathStep) string {
	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		parts = append(parts, sparql.EscapePredicate(step.Predicate, step.Inverse))
	}
	return strings.Join(parts, "/")
}

func (d *Dispatcher) countSubjects(ctx context.Context, typ string) (int, error) {
	query := fmt.Sprintf("SELECT (COUNT(DISTINCT ?s) AS ?count) WHERE {\n  ?s a %s .\n}", sparql.EscapeURI(typ))
	res, err := d.store.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("count subjects of %s: %w", typ, err)
	}
	return res.Int("count")
}

func (d *Dispatcher) cleanUp(ctx context.Context, opts Options) error {
	ingest := sparql.EscapeURI(d.cfg.IngestGraph)

	leftoverQuery := fmt.Sprintf(`SELECT ?type (COUNT(DISTINCT ?s) AS ?count) WHERE {
  GRAPH %s {
    ?s ?p ?o .
  }
  OPTIONAL { ?s a ?type . }
}
GROUP BY ?type`, ingest)
	if res, err := d.store.Query(ctx, leftoverQuery); err != nil {
		d.logger.WarnContext(ctx, "Could not inspect ingest graph before cleanup", "error", err)
	} else if leftover := summarize(res); leftover.subjects > 0 {
		d.logger.WarnContext(ctx, "Purging subjects that could not be dispatched",
			"graph", d.cfg.IngestGraph, "subjects", leftover.subjects, "types", leftover.types)
	}

	purge := fmt.Sprintf(`DELETE {
  GRAPH %[1]s {
    ?s ?p ?o .
  }
}
WHERE {
  GRAPH %[1]s {
    ?s ?p ?o .
  }
}`, ingest)
	err := d.retry.Do(ctx, "clean up ingest graph", func(ctx context.Context) error {
		return d.store.Update(ctx, purge, d.updateOptions(opts)...)
	})
	if err != nil {
		return fmt.Errorf("clean up %s: %w", d.cfg.IngestGraph, err)
	}
	return nil
}

type leftover struct {
	subjects int
	types    []string
}

func summarize(res *sparql.Results) leftover {
	var out leftover
	for _, row := range res.Results.Bindings {
		n, _ := strconv.Atoi(row["count"].Value)
		out.subjects += n
		if typ := row["type"].Value; typ != "" {
			out.types = append(out.types, typ)
		}
	}
	return out
}

func (d *Dispatcher) updateOptions(opts Options) []sparql.UpdateOption {
	var out []sparql.UpdateOption
	if len(opts.Headers) > 0 {
		out = append(out, sparql.WithHeaders(opts.Headers))
	}
	if opts.Endpoint != "" {
		out = append(out, sparql.WithEndpoint(opts.Endpoint))
	}
	return out
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

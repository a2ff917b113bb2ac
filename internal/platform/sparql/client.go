package sparql

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
)

// Store is the part of a SPARQL 1.1 endpoint the consumer relies on.
type Store interface {
	Query(ctx context.Context, query string) (*Results, error)
	Update(ctx context.Context, update string, opts ...UpdateOption) error
}

type Binding struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

// Results mirrors application/sparql-results+json.
type Results struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results struct {
		Bindings []map[string]Binding `json:"bindings"`
	} `json:"results"`
}

// Values returns the non-empty values bound to name, in result order.
func (r *Results) Values(name string) []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Results.Bindings))
	for _, row := range r.Results.Bindings {
		if b, ok := row[name]; ok && b.Value != "" {
			out = append(out, b.Value)
		}
	}
	return out
}

// Int reads name from the first row, typically a COUNT projection.
func (r *Results) Int(name string) (int, error) {
	if r == nil || len(r.Results.Bindings) == 0 {
		return 0, nil
	}
	b, ok := r.Results.Bindings[0][name]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(b.Value)
	if err != nil {
		return 0, fmt.Errorf("binding %s=%q is not an integer: %w", name, b.Value, common.ErrParse)
	}
	return n, nil
}

type updateOptions struct {
	endpoint string
	headers  map[string]string
}

type UpdateOption func(*updateOptions)

// WithHeaders adds request headers, e.g. the mu-call-scope-id marker.
func WithHeaders(headers map[string]string) UpdateOption {
	return func(o *updateOptions) {
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// WithEndpoint sends the update to another endpoint than the client default.
func WithEndpoint(endpoint string) UpdateOption {
	return func(o *updateOptions) {
		if endpoint != "" {
			o.endpoint = endpoint
		}
	}
}

// Client talks to a SPARQL endpoint over HTTP form posts.
type Client struct {
	endpoint   string
	httpClient *http.Client
	headers    map[string]string
}

// NewClient returns a client that sends every request with sudo rights, as
// the consumer writes across authorization graphs.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		headers:    map[string]string{"mu-auth-sudo": "true"},
	}
}

func (c *Client) Query(ctx context.Context, query string) (*Results, error) {
	body, err := c.post(ctx, c.endpoint, "query", query, nil, "application/sparql-results+json")
	if err != nil {
		return nil, err
	}
	var res Results
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode sparql results: %v: %w", err, common.ErrParse)
	}
	return &res, nil
}

func (c *Client) Update(ctx context.Context, update string, opts ...UpdateOption) error {
	o := updateOptions{endpoint: c.endpoint, headers: map[string]string{}}
	for _, opt := range opts {
		opt(&o)
	}
	_, err := c.post(ctx, o.endpoint, "update", update, o.headers, "application/json")
	return err
}

func (c *Client) post(ctx context.Context, endpoint, field, statement string, extra map[string]string, accept string) ([]byte, error) {
	form := url.Values{field: {statement}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build sparql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", accept)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sparql %s: %v: %w", field, err, common.ErrTransientStore)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sparql response: %v: %w", err, common.ErrTransientStore)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("sparql %s returned %d: %s: %w", field, resp.StatusCode, truncate(body), common.ErrTransientStore)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("sparql %s returned %d: %s: %w", field, resp.StatusCode, truncate(body), common.ErrStoreRejected)
	}
	return body, nil
}

func truncate(body []byte) string {
	const max = 300
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

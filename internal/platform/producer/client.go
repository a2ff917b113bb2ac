package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
)

const jsonAPIMediaType = "application/vnd.api+json"

// SinceLayout matches the millisecond precision the producer expects.
const SinceLayout = "2006-01-02T15:04:05.000Z"

type Config struct {
	BaseURL        string
	FilesPath      string
	DownloadPath   string // contains the :id placeholder
	DatasetPath    string
	DatasetSubject string
}

// Client reads delta file listings, payloads and dataset dumps from the
// producing service.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

type fileResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Created string `json:"created"`
		Name    string `json:"name"`
	} `json:"attributes"`
}

// ListFiles returns the delta files created after since, oldest first.
// Timestamps are compared at millisecond precision.
func (c *Client) ListFiles(ctx context.Context, since time.Time) ([]model.DeltaFile, error) {
	since = truncate(since)
	endpoint := c.cfg.BaseURL + c.cfg.FilesPath + "?" + url.Values{"since": {since.Format(SinceLayout)}}.Encode()

	var doc struct {
		Data []fileResource `json:"data"`
	}
	if err := c.getJSON(ctx, endpoint, &doc); err != nil {
		return nil, fmt.Errorf("list delta files: %w", err)
	}

	files := make([]model.DeltaFile, 0, len(doc.Data))
	for _, res := range doc.Data {
		created, err := time.Parse(time.RFC3339Nano, res.Attributes.Created)
		if err != nil {
			return nil, fmt.Errorf("delta file %s has invalid created %q: %w", res.ID, res.Attributes.Created, common.ErrParse)
		}
		file := model.DeltaFile{ID: res.ID, Name: res.Attributes.Name, Created: truncate(created)}
		if !file.Created.After(since) {
			c.logger.DebugContext(ctx, "Skipping delta file that is not newer than since", "file_id", file.ID, "created", file.Created)
			continue
		}
		files = append(files, file)
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Created.Before(files[j].Created) })
	return files, nil
}

// DownloadURL resolves the payload location of a file or dump.
func (c *Client) DownloadURL(id string) string {
	return c.cfg.BaseURL + strings.ReplaceAll(c.cfg.DownloadPath, ":id", url.PathEscape(id))
}

// Download streams the payload of id to dest. A partial file is removed when
// the transfer fails.
func (c *Client) Download(ctx context.Context, id, dest string) error {
	resp, err := c.get(ctx, c.DownloadURL(id), "")
	if err != nil {
		return fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download folder: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("download %s: %v: %w", id, err, common.ErrTransientProducer)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}

// LatestDump finds the dump file of the newest dataset version for the
// configured subject.
func (c *Client) LatestDump(ctx context.Context) (*model.DumpFile, error) {
	query := url.Values{
		"filter[subject]":              {c.cfg.DatasetSubject},
		"filter[:has-no:next-version]": {"yes"},
	}
	datasetURL := c.cfg.BaseURL + c.cfg.DatasetPath + "?" + query.Encode()
	c.logger.InfoContext(ctx, "Retrieving latest dataset", "url", datasetURL)

	var dataset struct {
		Data []struct {
			Attributes struct {
				ReleaseDate string `json:"release-date"`
			} `json:"attributes"`
			Relationships struct {
				Distributions struct {
					Links struct {
						Related string `json:"related"`
					} `json:"links"`
				} `json:"distributions"`
			} `json:"relationships"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, datasetURL, &dataset); err != nil {
		return nil, fmt.Errorf("retrieve dataset: %w", err)
	}
	if len(dataset.Data) == 0 {
		return nil, fmt.Errorf("no dataset was found at the producing endpoint: %w", common.ErrNotFound)
	}

	latest := dataset.Data[0]
	issued, err := time.Parse(time.RFC3339Nano, latest.Attributes.ReleaseDate)
	if err != nil {
		return nil, fmt.Errorf("dataset release-date %q: %w", latest.Attributes.ReleaseDate, common.ErrParse)
	}
	related := strings.TrimLeft(latest.Relationships.Distributions.Links.Related, "/")
	if related == "" {
		return nil, fmt.Errorf("dataset has no distributions link: %w", common.ErrParse)
	}

	distributionURL := c.cfg.BaseURL + "/" + related + "?include=subject"
	c.logger.InfoContext(ctx, "Retrieving distribution", "url", distributionURL)

	var distribution struct {
		Data []struct {
			Relationships struct {
				Subject struct {
					Data struct {
						ID string `json:"id"`
					} `json:"data"`
				} `json:"subject"`
			} `json:"relationships"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, distributionURL, &distribution); err != nil {
		return nil, fmt.Errorf("retrieve distribution: %w", err)
	}
	if len(distribution.Data) == 0 || distribution.Data[0].Relationships.Subject.Data.ID == "" {
		return nil, fmt.Errorf("distribution has no dump file: %w", common.ErrNotFound)
	}

	return &model.DumpFile{
		ID:     distribution.Data[0].Relationships.Subject.Data.ID,
		Issued: truncate(issued),
	}, nil
}

// truncate drops precision the since parameter cannot carry, so a watermark
// taken from a file never lists that file again.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	resp, err := c.get(ctx, endpoint, jsonAPIMediaType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %v: %w", endpoint, err, common.ErrParse)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("GET %s: %v: %w", endpoint, err, common.ErrTransientProducer)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s returned %d: %w", endpoint, resp.StatusCode, common.ErrTransientProducer)
	}
	return resp, nil
}

package delta

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/sparql"
)

type recordingStore struct {
	mu      sync.Mutex
	updates []string
	failOn  string
}

func (s *recordingStore) Query(context.Context, string) (*sparql.Results, error) {
	return &sparql.Results{}, nil
}

func (s *recordingStore) Update(_ context.Context, update string, _ ...sparql.UpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && strings.Contains(update, s.failOn) {
		return errors.New("store rejected update")
	}
	s.updates = append(s.updates, update)
	return nil
}

// fakeProducer serves payloads from memory and records what was asked.
type fakeProducer struct {
	mu         sync.Mutex
	files      []model.DeltaFile
	payloads   map[string]string
	failIDs    map[string]bool
	downloaded []string
	sinces     []time.Time
	listErr    error
}

func (p *fakeProducer) ListFiles(_ context.Context, since time.Time) ([]model.DeltaFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinces = append(p.sinces, since)
	if p.listErr != nil {
		return nil, p.listErr
	}
	var out []model.DeltaFile
	for _, f := range p.files {
		if f.Created.After(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (p *fakeProducer) Download(_ context.Context, id, dest string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloaded = append(p.downloaded, id)
	if p.failIDs[id] {
		return errors.New("producer unavailable")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(p.payloads[id]), 0o644)
}

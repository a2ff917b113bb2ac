package delta

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/logging"
)

const payload = `[
  {
    "inserts": [
      {"subject":{"type":"uri","value":"http://example.org/s1"},"predicate":{"type":"uri","value":"http://example.org/p"},"object":{"type":"literal","value":"new"}},
      {"subject":{"type":"uri","value":"http://example.org/s2"},"predicate":{"type":"uri","value":"http://example.org/p"},"object":{"type":"literal","value":"new"}},
      {"subject":{"type":"uri","value":"http://example.org/s3"},"predicate":{"type":"uri","value":"http://example.org/p"},"object":{"type":"literal","value":"new"}}
    ],
    "deletes": [
      {"subject":{"type":"uri","value":"http://example.org/s1"},"predicate":{"type":"uri","value":"http://example.org/p"},"object":{"type":"literal","value":"old"}}
    ]
  },
  {
    "inserts": [],
    "deletes": [
      {"subject":{"type":"uri","value":"http://example.org/s4"},"predicate":{"type":"uri","value":"http://example.org/p"},"object":{"type":"literal","value":"gone"}}
    ]
  }
]`

func newTestProcessor(t *testing.T, store *recordingStore, producer *fakeProducer, keep bool) *Processor {
	return NewProcessor(store, producer, ProcessorConfig{
		Folder:      t.TempDir(),
		IngestGraph: "http://mu.semte.ch/graphs/ingest",
		BatchSize:   2,
		KeepFiles:   keep,
	}, logging.Discard())
}

func TestProcessorDeletesBeforeInserts(t *testing.T) {
	store := &recordingStore{}
	producer := &fakeProducer{payloads: map[string]string{"f1": payload}}
	p := newTestProcessor(t, store, producer, false)
	file := model.DeltaFile{ID: "f1", Created: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}

	require.NoError(t, p.Consume(context.Background(), file))

	// changeset 1: one delete, two insert batches; changeset 2: one delete.
	require.Len(t, store.updates, 4)
	assert.True(t, strings.HasPrefix(store.updates[0], "DELETE WHERE"))
	assert.Contains(t, store.updates[0], `"""old"""`)
	assert.True(t, strings.HasPrefix(store.updates[1], "INSERT DATA"))
	assert.True(t, strings.HasPrefix(store.updates[2], "INSERT DATA"))
	assert.True(t, strings.HasPrefix(store.updates[3], "DELETE WHERE"))
	assert.Contains(t, store.updates[3], `"""gone"""`)

	_, err := os.Stat(p.LocalPath(file))
	assert.True(t, os.IsNotExist(err), "delta file should be removed after success")
}

func TestProcessorKeepsFiles(t *testing.T) {
	producer := &fakeProducer{payloads: map[string]string{"f1": payload}}
	p := newTestProcessor(t, &recordingStore{}, producer, true)
	file := model.DeltaFile{ID: "f1", Created: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}

	require.NoError(t, p.Consume(context.Background(), file))
	assert.FileExists(t, p.LocalPath(file))
}

func TestProcessorFailures(t *testing.T) {
	file := model.DeltaFile{ID: "f1", Created: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}

	t.Run("malformed payload", func(t *testing.T) {
		store := &recordingStore{}
		p := newTestProcessor(t, store, &fakeProducer{payloads: map[string]string{"f1": "{broken"}}, false)
		err := p.Consume(context.Background(), file)
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrParse)
		assert.Empty(t, store.updates)
		assert.FileExists(t, p.LocalPath(file))
	})

	t.Run("store failure stops processing", func(t *testing.T) {
		store := &recordingStore{failOn: "INSERT DATA"}
		p := newTestProcessor(t, store, &fakeProducer{payloads: map[string]string{"f1": payload}}, false)
		err := p.Consume(context.Background(), file)
		require.Error(t, err)
		require.Len(t, store.updates, 1)
		assert.True(t, strings.HasPrefix(store.updates[0], "DELETE WHERE"))
		assert.FileExists(t, p.LocalPath(file))
	})

	t.Run("download failure", func(t *testing.T) {
		store := &recordingStore{}
		p := newTestProcessor(t, store, &fakeProducer{failIDs: map[string]bool{"f1": true}}, false)
		require.Error(t, p.Consume(context.Background(), file))
		assert.Empty(t, store.updates)
	})
}

func TestLocalPathIsSafe(t *testing.T) {
	p := NewProcessor(nil, nil, ProcessorConfig{Folder: "/tmp/deltas"}, nil)
	path := p.LocalPath(model.DeltaFile{ID: "../../etc/passwd", Created: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)})
	assert.True(t, strings.HasPrefix(path, "/tmp/deltas/"))
	assert.NotContains(t, strings.TrimPrefix(path, "/tmp/deltas/"), "/")
}

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNotStarted, StatusOngoing, true},
		{StatusNotStarted, StatusFailure, true},
		{StatusNotStarted, StatusSuccess, false},
		{StatusOngoing, StatusSuccess, true},
		{StatusOngoing, StatusFailure, true},
		{StatusOngoing, StatusNotStarted, false},
		{StatusSuccess, StatusOngoing, false},
		{StatusFailure, StatusOngoing, false},
		{StatusFailure, StatusSuccess, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.ElementsMatch(t, []Status{StatusNotStarted, StatusOngoing}, Predecessors(StatusFailure))
	assert.Equal(t, []Status{StatusOngoing}, Predecessors(StatusSuccess))
	assert.Empty(t, Predecessors(StatusNotStarted))
}

func TestTermUnmarshalCoercesScalars(t *testing.T) {
	var triples []Triple
	require.NoError(t, json.Unmarshal([]byte(`[
		{"subject":{"type":"uri","value":"http://example.org/s"},
		 "predicate":{"type":"uri","value":"http://example.org/p"},
		 "object":{"type":"typed-literal","value":42,"datatype":"http://www.w3.org/2001/XMLSchema#integer"}},
		{"subject":{"type":"uri","value":"http://example.org/s"},
		 "predicate":{"type":"uri","value":"http://example.org/p"},
		 "object":{"type":"literal","value":true}},
		{"subject":{"type":"uri","value":"http://example.org/s"},
		 "predicate":{"type":"uri","value":"http://example.org/p"},
		 "object":{"type":"literal","value":"hallo","xml:lang":"nl"}}
	]`), &triples))

	require.Len(t, triples, 3)
	assert.Equal(t, "42", triples[0].Object.Value)
	assert.Equal(t, "http://www.w3.org/2001/XMLSchema#integer", triples[0].Object.Datatype)
	assert.Equal(t, "true", triples[1].Object.Value)
	assert.Equal(t, "hallo", triples[2].Object.Value)
	assert.Equal(t, "nl", triples[2].Object.Lang)
}

func TestTermUnmarshalRejectsStructuredValues(t *testing.T) {
	var term Term
	assert.Error(t, json.Unmarshal([]byte(`{"type":"literal","value":{"a":1}}`), &term))
}

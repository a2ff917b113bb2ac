package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TermURI          = "uri"
	TermLiteral      = "literal"
	TermTypedLiteral = "typed-literal"
)

// Term is one position of a triple as delivered by the producer.
type Term struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

// UnmarshalJSON accepts non-string literal values and keeps their text form.
// Values are never reinterpreted; numbers and booleans are re-serialized as
// the characters the producer sent.
func (t *Term) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type     string          `json:"type"`
		Value    json.RawMessage `json:"value"`
		Datatype string          `json:"datatype"`
		Lang     string          `json:"xml:lang"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Type = raw.Type
	t.Datatype = raw.Datatype
	t.Lang = raw.Lang
	t.Value = ""

	value := bytes.TrimSpace(raw.Value)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return nil
	}
	if value[0] == '"' {
		return json.Unmarshal(value, &t.Value)
	}
	if value[0] == '{' || value[0] == '[' {
		return fmt.Errorf("term value must be a scalar, got %s", value)
	}
	t.Value = string(value)
	return nil
}

type Triple struct {
	Subject   Term `json:"subject"`
	Predicate Term `json:"predicate"`
	Object    Term `json:"object"`
}

// Changeset is applied as a unit: deletes first, then inserts.
type Changeset struct {
	Inserts []Triple `json:"inserts"`
	Deletes []Triple `json:"deletes"`
}

// DeltaFile describes a changeset bundle published by the producer.
type DeltaFile struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// DumpFile is the full dataset dump used to bootstrap the store.
type DumpFile struct {
	ID     string    `json:"id"`
	Issued time.Time `json:"issued"`
}

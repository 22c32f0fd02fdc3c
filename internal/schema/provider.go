// Copyright 2025 James Ross
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

// Provider is an events.SchemaProvider backed by JSON Schema documents on
// disk, one per topic, named "<topic>.schema.json". Topics without a
// schema file fall back to the enumerated-topic check in strict mode, or
// pass unvalidated otherwise.
type Provider struct {
	dir    string
	strict bool

	mu      sync.RWMutex
	schemas map[events.Topic]*gojsonschema.Schema
}

// New loads every "*.schema.json" file under dir, keyed by the topic name
// derived from its filename. A missing directory is not an error: it
// just means no schema was supplied, matching a fresh deployment that
// hasn't populated internal/schema/schemas yet.
func New(dir string, strict bool) (*Provider, error) {
	p := &Provider{dir: dir, strict: strict, schemas: make(map[events.Topic]*gojsonschema.Schema)}
	if dir == "" {
		return p, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("schema: read dir %q: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".schema.json") {
			continue
		}
		topic := events.Topic(strings.TrimSuffix(entry.Name(), ".schema.json"))
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("schema: read %q: %w", entry.Name(), err)
		}
		loader := gojsonschema.NewBytesLoader(raw)
		compiled, err := gojsonschema.NewSchema(loader)
		if err != nil {
			return nil, fmt.Errorf("schema: compile %q: %w", entry.Name(), err)
		}
		p.schemas[topic] = compiled
	}
	return p, nil
}

// ValidateTopicFormat reports whether topic is an enumerated bus topic or,
// in non-strict mode, any non-empty string (cognitive event types are
// free-form dotted strings, §6; the dots are not checked).
func (p *Provider) ValidateTopicFormat(topic string) bool {
	if topic == "" {
		return false
	}
	if events.IsKnownTopic(events.Topic(topic)) {
		return true
	}
	return !p.strict
}

// ValidateEnvelope validates env.Payload against the schema registered
// for env.Topic, if one was loaded. Absence of a schema is not a
// validation failure in non-strict mode; in strict mode it is.
func (p *Provider) ValidateEnvelope(env events.Envelope) error {
	p.mu.RLock()
	s, ok := p.schemas[env.Topic]
	p.mu.RUnlock()
	if !ok {
		if p.strict {
			return fmt.Errorf("schema: no schema registered for topic %q", env.Topic)
		}
		return nil
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("schema: marshal payload: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema: validate: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema: payload for topic %q invalid: %s", env.Topic, strings.Join(msgs, "; "))
	}
	return nil
}

var _ events.SchemaProvider = (*Provider)(nil)

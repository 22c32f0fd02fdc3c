// Copyright 2025 James Ross
package schema

import (
	"testing"

	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

func TestProviderValidatesKnownSchema(t *testing.T) {
	p, err := New("testdata", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := events.Envelope{
		Topic:   events.TopicHippoEncode,
		Payload: map[string]interface{}{"content": "remember this"},
	}
	if err := p.ValidateEnvelope(env); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}

	env.Payload = map[string]interface{}{}
	if err := p.ValidateEnvelope(env); err == nil {
		t.Fatal("expected validation error for missing required field")
	}
}

func TestProviderNonStrictAllowsUnknownTopic(t *testing.T) {
	p, err := New("testdata", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env := events.Envelope{Topic: events.Topic("memory.write_initiated"), Payload: map[string]interface{}{}}
	if err := p.ValidateEnvelope(env); err != nil {
		t.Fatalf("expected no schema registered to pass in non-strict mode, got %v", err)
	}
	if !p.ValidateTopicFormat("memory.write_initiated") {
		t.Fatal("expected non-strict mode to accept dotted cognitive topic")
	}
}

func TestProviderStrictRejectsUnknownTopic(t *testing.T) {
	p, err := New("testdata", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ValidateTopicFormat("memory.write_initiated") {
		t.Fatal("expected strict mode to reject non-enumerated topic format")
	}
	env := events.Envelope{Topic: events.Topic("memory.write_initiated")}
	if err := p.ValidateEnvelope(env); err == nil {
		t.Fatal("expected strict mode to require a registered schema")
	}
}

func TestProviderMissingDirIsNotAnError(t *testing.T) {
	p, err := New("nonexistent-dir", false)
	if err != nil {
		t.Fatalf("expected missing dir to be tolerated, got %v", err)
	}
	env := events.Envelope{Topic: events.TopicHippoEncode}
	if err := p.ValidateEnvelope(env); err != nil {
		t.Fatalf("expected no schema to pass validation, got %v", err)
	}
}

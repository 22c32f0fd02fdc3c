// Copyright 2025 James Ross
package events

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic is a stable, enumerated event channel name.
type Topic string

const (
	// Memory events.
	TopicHippoEncode         Topic = "HIPPO_ENCODE"
	TopicHippoEncoded        Topic = "HIPPO_ENCODED"
	TopicWorkspaceBroadcast  Topic = "WORKSPACE_BROADCAST"
	TopicSensoryFrame        Topic = "SENSORY_FRAME"
	TopicRecallRequest       Topic = "RECALL_REQUEST"
	TopicRecallResult        Topic = "RECALL_RESULT"

	// Cognitive events.
	TopicAffectAnalyze  Topic = "AFFECT_ANALYZE"
	TopicAffectUpdate   Topic = "AFFECT_UPDATE"
	TopicDriveTick      Topic = "DRIVE_TICK"
	TopicMetacogReport  Topic = "METACOG_REPORT"
	TopicBeliefUpdate   Topic = "BELIEF_UPDATE"

	// Intelligence events.
	TopicActionDecision Topic = "ACTION_DECISION"
	TopicActionExecuted Topic = "ACTION_EXECUTED"
	TopicLearningTick   Topic = "LEARNING_TICK"

	// Prospective events.
	TopicProspectiveSchedule   Topic = "PROSPECTIVE_SCHEDULE"
	TopicRemindTick            Topic = "REMIND_TICK"
	TopicProspectiveRemindTick Topic = "PROSPECTIVE_REMIND_TICK"

	// System events.
	TopicDSARExport               Topic = "DSAR_EXPORT"
	TopicReindexRequest           Topic = "REINDEX_REQUEST"
	TopicMLRunEvent               Topic = "ML_RUN_EVENT"
	TopicWorkflowUpdate           Topic = "WORKFLOW_UPDATE"
	TopicPIIMinimized             Topic = "PII_MINIMIZED"
	TopicTombstoneApplied         Topic = "TOMBSTONE_APPLIED"
	TopicTombstonePropagate       Topic = "TOMBSTONE_PROPAGATE"
	TopicSafetyAlert              Topic = "SAFETY_ALERT"
	TopicJobStatusChanged         Topic = "JOB_STATUS_CHANGED"
	TopicMemoryReceiptCreated     Topic = "MEMORY_RECEIPT_CREATED"
	TopicIntegrationThingChanged  Topic = "INTEGRATION_THING_CHANGED"
	TopicPresenceDeviceChanged    Topic = "PRESENCE_DEVICE_CHANGED"
	TopicSafetyBandChanged        Topic = "SAFETY_BAND_CHANGED"
)

// knownTopics backs schema-free topic validation; a SchemaProvider may
// layer stricter per-topic payload rules on top.
var knownTopics = map[Topic]struct{}{
	TopicHippoEncode: {}, TopicHippoEncoded: {}, TopicWorkspaceBroadcast: {},
	TopicSensoryFrame: {}, TopicRecallRequest: {}, TopicRecallResult: {},
	TopicAffectAnalyze: {}, TopicAffectUpdate: {}, TopicDriveTick: {},
	TopicMetacogReport: {}, TopicBeliefUpdate: {},
	TopicActionDecision: {}, TopicActionExecuted: {}, TopicLearningTick: {},
	TopicProspectiveSchedule: {}, TopicRemindTick: {}, TopicProspectiveRemindTick: {},
	TopicDSARExport: {}, TopicReindexRequest: {}, TopicMLRunEvent: {},
	TopicWorkflowUpdate: {}, TopicPIIMinimized: {}, TopicTombstoneApplied: {},
	TopicTombstonePropagate: {}, TopicSafetyAlert: {}, TopicJobStatusChanged: {},
	TopicMemoryReceiptCreated: {}, TopicIntegrationThingChanged: {},
	TopicPresenceDeviceChanged: {}, TopicSafetyBandChanged: {},
}

// IsKnownTopic reports whether t is one of the enumerated topics. Pattern
// subscriptions are matched separately and are not required to be known
// topics themselves.
func IsKnownTopic(t Topic) bool {
	_, ok := knownTopics[t]
	return ok
}

// SecurityBand is a data-sensitivity classification carried on every event.
type SecurityBand string

const (
	BandGreen SecurityBand = "GREEN"
	BandAmber SecurityBand = "AMBER"
	BandRed   SecurityBand = "RED"
	BandBlack SecurityBand = "BLACK"
)

// Capability is an actor permission.
type Capability string

const (
	CapWrite    Capability = "WRITE"
	CapRecall   Capability = "RECALL"
	CapProject  Capability = "PROJECT"
	CapSchedule Capability = "SCHEDULE"
)

// Obligation is a policy tag the system must honor downstream.
type Obligation string

const (
	ObligationRedactPII         Obligation = "REDACT_PII"
	ObligationAuditAccess       Obligation = "AUDIT_ACCESS"
	ObligationTombstoneOnDelete Obligation = "TOMBSTONE_ON_DELETE"
	ObligationSyncRequired      Obligation = "SYNC_REQUIRED"
)

// Actor identifies who produced an event.
type Actor struct {
	UserID  string       `json:"user_id"`
	Caps    []Capability `json:"caps"`
	AgentID string       `json:"agent_id,omitempty"`
}

// Device identifies the originating device.
type Device struct {
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
	Locale     string `json:"locale,omitempty"`
}

// QoS carries the delivery contract for an event.
type QoS struct {
	Priority        int    `json:"priority"`
	LatencyBudgetMs int    `json:"latency_budget_ms"`
	Routing         string `json:"routing"`
	Retries         int    `json:"retries"`
	DeadlineMs      *int   `json:"deadline_ms,omitempty"`
}

// Hashes carries integrity digests over the payload.
type Hashes struct {
	PayloadSHA256 string `json:"payload_sha256"`
}

// Signature carries the envelope's cryptographic signature.
type Signature struct {
	Alg       string `json:"alg"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
}

// Meta is the event envelope metadata (everything except the payload).
type Meta struct {
	SchemaVersion    string                 `json:"schema_version"`
	ID               string                 `json:"id"`
	Ts               time.Time              `json:"ts"`
	Topic            Topic                  `json:"topic"`
	Actor            Actor                  `json:"actor"`
	Device           Device                 `json:"device"`
	SpaceID          string                 `json:"space_id"`
	Band             SecurityBand           `json:"band"`
	PolicyVersion    string                 `json:"policy_version"`
	QoS              QoS                    `json:"qos"`
	Obligations      []Obligation           `json:"obligations"`
	RedactionApplied bool                   `json:"redaction_applied"`
	Hashes           Hashes                 `json:"hashes"`
	Signature        Signature              `json:"signature"`
	IngestTs         *time.Time             `json:"ingest_ts,omitempty"`
	MLSGroup         string                 `json:"mls_group,omitempty"`
	ABAC             map[string]interface{} `json:"abac,omitempty"`
	Trace            map[string]interface{} `json:"trace,omitempty"`
	IdempotencyKey   string                 `json:"idempotency_key,omitempty"`
	XExtensions      map[string]interface{} `json:"x_extensions,omitempty"`
}

// Event is the unit of communication on the bus.
type Event struct {
	Meta    Meta                   `json:"-"`
	Payload map[string]interface{} `json:"-"`
}

// Envelope is the on-wire/on-disk JSON shape of an Event (§6).
type Envelope struct {
	SchemaVersion    string                 `json:"schema_version"`
	ID               string                 `json:"id"`
	Ts               string                 `json:"ts"`
	Topic            Topic                  `json:"topic"`
	Actor            Actor                  `json:"actor"`
	Device           Device                 `json:"device"`
	SpaceID          string                 `json:"space_id"`
	Band             SecurityBand           `json:"band"`
	PolicyVersion    string                 `json:"policy_version"`
	QoS              QoS                    `json:"qos"`
	Obligations      []Obligation           `json:"obligations"`
	RedactionApplied bool                   `json:"redaction_applied"`
	Hashes           Hashes                 `json:"hashes"`
	Payload          map[string]interface{} `json:"payload"`
	Signature        Signature              `json:"signature"`
	IngestTs         string                 `json:"ingest_ts,omitempty"`
	MLSGroup         string                 `json:"mls_group,omitempty"`
	ABAC             map[string]interface{} `json:"abac,omitempty"`
	Trace            map[string]interface{} `json:"trace,omitempty"`
	IdempotencyKey   string                 `json:"idempotency_key,omitempty"`
	XExtensions      map[string]interface{} `json:"x_extensions,omitempty"`
}

const schemaVersion = "1.3.0"

// GenerateEventID returns an id of the form "ev-" + 16 lowercase hex chars,
// the first 16 characters of a UUIDv4 hex digest (§6).
func GenerateEventID() string {
	id := uuid.New()
	hexStr := fmt.Sprintf("%x", id[:])
	return "ev-" + hexStr[:16]
}

func init() {
	// Fail fast if the platform's crypto/rand is unusable; uuid.New relies
	// on it for v4 generation.
	var probe [1]byte
	if _, err := rand.Read(probe[:]); err != nil {
		panic("events: crypto/rand unavailable: " + err.Error())
	}
}

// ToEnvelope converts an Event to its persisted/wire envelope form.
func (e Event) ToEnvelope() Envelope {
	hashes := e.Meta.Hashes
	if hashes.PayloadSHA256 == "" {
		hashes.PayloadSHA256 = fmt.Sprintf("%064d", 0)
	}
	sig := e.Meta.Signature
	if sig.Alg == "" {
		sig = Signature{Alg: "ed25519", KeyID: "stub-key", Signature: "stub-sig"}
	}

	env := Envelope{
		SchemaVersion:    schemaVersion,
		ID:               e.Meta.ID,
		Ts:               e.Meta.Ts.UTC().Format(time.RFC3339Nano),
		Topic:            e.Meta.Topic,
		Actor:            e.Meta.Actor,
		Device:           e.Meta.Device,
		SpaceID:          e.Meta.SpaceID,
		Band:             e.Meta.Band,
		PolicyVersion:    e.Meta.PolicyVersion,
		QoS:              e.Meta.QoS,
		Obligations:      e.Meta.Obligations,
		RedactionApplied: e.Meta.RedactionApplied,
		Hashes:           hashes,
		Payload:          e.Payload,
		Signature:        sig,
		MLSGroup:         e.Meta.MLSGroup,
		ABAC:             e.Meta.ABAC,
		Trace:            e.Meta.Trace,
		IdempotencyKey:   e.Meta.IdempotencyKey,
		XExtensions:      e.Meta.XExtensions,
	}
	if e.Meta.IngestTs != nil {
		env.IngestTs = e.Meta.IngestTs.UTC().Format(time.RFC3339Nano)
	}
	return env
}

// FromEnvelope reconstructs an Event from its envelope form.
func FromEnvelope(env Envelope) (Event, error) {
	ts, err := time.Parse(time.RFC3339Nano, env.Ts)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, env.Ts)
		if err != nil {
			return Event{}, fmt.Errorf("events: invalid ts %q: %w", env.Ts, err)
		}
	}

	meta := Meta{
		SchemaVersion:    env.SchemaVersion,
		ID:               env.ID,
		Ts:               ts,
		Topic:            env.Topic,
		Actor:            env.Actor,
		Device:           env.Device,
		SpaceID:          env.SpaceID,
		Band:             env.Band,
		PolicyVersion:    env.PolicyVersion,
		QoS:              env.QoS,
		Obligations:      env.Obligations,
		RedactionApplied: env.RedactionApplied,
		Hashes:           env.Hashes,
		Signature:        env.Signature,
		MLSGroup:         env.MLSGroup,
		ABAC:             env.ABAC,
		Trace:            env.Trace,
		IdempotencyKey:   env.IdempotencyKey,
		XExtensions:      env.XExtensions,
	}
	if env.IngestTs != "" {
		it, err := time.Parse(time.RFC3339Nano, env.IngestTs)
		if err == nil {
			meta.IngestTs = &it
		}
	}

	return Event{Meta: meta, Payload: env.Payload}, nil
}

// MarshalJSON/UnmarshalJSON round trip through the envelope shape so an
// Event serializes identically to the WAL/wire representation.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToEnvelope())
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	ev, err := FromEnvelope(env)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// NewEvent is a convenience constructor mirroring the Python source's
// create_event factory.
func NewEvent(topic Topic, payload map[string]interface{}, actor Actor, device Device, spaceID string) Event {
	return Event{
		Meta: Meta{
			SchemaVersion: schemaVersion,
			ID:            GenerateEventID(),
			Ts:            time.Now().UTC(),
			Topic:         topic,
			Actor:         actor,
			Device:        device,
			SpaceID:       spaceID,
			Band:          BandGreen,
			PolicyVersion: "1.0.0",
			QoS:           QoS{Priority: 5, LatencyBudgetMs: 100, Routing: "gate-path"},
			Obligations:   []Obligation{},
		},
		Payload: payload,
	}
}

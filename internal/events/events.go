// Package events turns domain events into refresh triggers. The envelope
// format is shared with the producing systems; unknown event types are
// dropped, they simply route to no criterion type.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"cohort/internal/criteria"
	"cohort/internal/refresh"
	"cohort/pkg/domain"
)

// Envelope is the wire form of a domain event.
type Envelope struct {
	EventType string          `json:"event_type"`
	SubjectID domain.SubjectID `json:"subject_id"`
	Scope     *scopeRef       `json:"scope,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

type scopeRef struct {
	Type     string `json:"type"`
	Resource string `json:"resource,omitempty"`
}

// ParseEnvelope decodes and minimally validates an event payload.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding event: %w", err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("event without event_type")
	}
	if env.SubjectID.IsNil() {
		return Envelope{}, fmt.Errorf("event %s without subject_id", env.EventType)
	}
	return env, nil
}

// TriggerFor routes an envelope to the criterion types it affects and builds
// the refresh trigger. Returns nil when no registered type reacts to the
// event.
func TriggerFor(env Envelope, reg *criteria.Registry) (*refresh.Trigger, error) {
	types := reg.TypesForEvent(env.EventType)
	if len(types) == 0 {
		return nil, nil
	}
	t := &refresh.Trigger{
		Kind:           refresh.KindEvent,
		EventType:      env.EventType,
		CriterionTypes: types,
		Subjects:       []domain.SubjectID{env.SubjectID},
		EventData:      env.Data,
		Reason:         env.EventType,
	}
	if env.Scope != nil {
		st, err := domain.ParseScopeType(env.Scope.Type)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", env.EventType, err)
		}
		t.Scope = &domain.Scope{Type: st, Resource: env.Scope.Resource}
	}
	return t, nil
}

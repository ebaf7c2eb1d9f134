package refresh

import (
	"time"

	"cohort/pkg/domain"
)

// Kind distinguishes how a refresh was initiated; update-method restrictions
// and priority rules key off it.
type Kind string

const (
	KindEvent     Kind = "event"
	KindScheduled Kind = "scheduled"
	KindManual    Kind = "manual"
)

// Trigger is one unit of refresh work. Event triggers carry the subject and
// the criterion types the event touches; scheduled and manual triggers name
// their target groups directly.
type Trigger struct {
	ID   domain.TriggerID
	Kind Kind

	// EventType and CriterionTypes route event triggers to the groups
	// whose rule trees use an affected type.
	EventType      string
	CriterionTypes []string

	// Subjects narrows the refresh to the listed subjects. Nil means the
	// full population is re-evaluated.
	Subjects []domain.SubjectID

	// Groups are the explicit targets of scheduled and manual triggers.
	Groups []domain.GroupID

	// Scope bounds event routing when the event carries one.
	Scope *domain.Scope

	// EventData is the event payload, used to skip refreshes that provably
	// cannot change membership.
	EventData map[string]any

	Reason     string
	DueAt      time.Time
	EnqueuedAt time.Time

	// Attempt counts deliveries of this trigger, starting at 1. Retryable
	// failures requeue with backoff until the attempt budget runs out.
	Attempt int
}

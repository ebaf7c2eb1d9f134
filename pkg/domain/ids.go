package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Typed IDs keep the different identifier spaces from being mixed up at
// compile time. They wrap uuid.UUID so the zero value is detectable.

// SubjectID identifies a user/account whose group memberships are computed.
type SubjectID uuid.UUID

// GroupID identifies a user group.
type GroupID uuid.UUID

// CollectionID identifies a group collection (exclusivity domain).
type CollectionID uuid.UUID

// TriggerID identifies a refresh trigger for status tracking.
type TriggerID uuid.UUID

func NewSubjectID() SubjectID       { return SubjectID(uuid.New()) }
func NewGroupID() GroupID           { return GroupID(uuid.New()) }
func NewCollectionID() CollectionID { return CollectionID(uuid.New()) }
func NewTriggerID() TriggerID       { return TriggerID(uuid.New()) }

func (id SubjectID) String() string    { return uuid.UUID(id).String() }
func (id GroupID) String() string      { return uuid.UUID(id).String() }
func (id CollectionID) String() string { return uuid.UUID(id).String() }
func (id TriggerID) String() string    { return uuid.UUID(id).String() }

func (id SubjectID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id GroupID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id CollectionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id TriggerID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// Text marshaling keeps the IDs rendering as canonical UUID strings in JSON
// payloads and map keys.

func (id SubjectID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id GroupID) MarshalText() ([]byte, error)      { return []byte(id.String()), nil }
func (id CollectionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id TriggerID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }

func (id *SubjectID) UnmarshalText(b []byte) error {
	parsed, err := ParseSubjectID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *GroupID) UnmarshalText(b []byte) error {
	parsed, err := ParseGroupID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *CollectionID) UnmarshalText(b []byte) error {
	parsed, err := ParseCollectionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *TriggerID) UnmarshalText(b []byte) error {
	parsed, err := ParseTriggerID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseSubjectID validates and returns a SubjectID.
func ParseSubjectID(s string) (SubjectID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SubjectID{}, fmt.Errorf("invalid subject id %q: %w", s, err)
	}
	return SubjectID(u), nil
}

// ParseGroupID validates and returns a GroupID.
func ParseGroupID(s string) (GroupID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GroupID{}, fmt.Errorf("invalid group id %q: %w", s, err)
	}
	return GroupID(u), nil
}

// ParseCollectionID validates and returns a CollectionID.
func ParseCollectionID(s string) (CollectionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return CollectionID{}, fmt.Errorf("invalid collection id %q: %w", s, err)
	}
	return CollectionID(u), nil
}

// ParseTriggerID validates and returns a TriggerID.
func ParseTriggerID(s string) (TriggerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TriggerID{}, fmt.Errorf("invalid trigger id %q: %w", s, err)
	}
	return TriggerID(u), nil
}

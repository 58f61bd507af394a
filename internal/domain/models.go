package domain

import (
	"fmt"
	"maps"
)

// IDField is the record field that identifies a record inside a collection.
const IDField = "id"

// Record is one row of a caller-owned collection (a student, a group, a thesis...).
type Record map[string]any

// ID returns the record identifier, or "" when the record has none.
func (r Record) ID() string {
	switch v := r[IDField].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a copy of the record's top-level fields.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Patch is a field-level change applied on top of a record.
type Patch map[string]any

// Collection is an ordered set of records.
type Collection []Record

// Envelope is the {success, data, error} response shape of the remote API.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

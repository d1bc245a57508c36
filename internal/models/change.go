package models

import (
	"fmt"
	"time"
)

// EventType is the kind of row change carried by a realtime payload.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// Record is a row image as delivered on the wire.
type Record map[string]any

// String returns the column as a string, or "" when absent or null.
func (r Record) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; ids are integral
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}

// ChangePayload is one row change delivered by the realtime feed. Old holds
// the previous row image when the backend supplies one; it may contain only
// the primary key.
type ChangePayload struct {
	Schema          string    `json:"schema"`
	Table           string    `json:"table"`
	EventType       EventType `json:"eventType"`
	New             Record    `json:"new"`
	Old             Record    `json:"old"`
	CommitTimestamp time.Time `json:"commit_timestamp,omitzero"`
}

// Row returns the image filters are evaluated against.
func (p ChangePayload) Row() Record {
	if p.EventType == EventDelete || len(p.New) == 0 {
		return p.Old
	}
	return p.New
}

// Table names used by the feeds.
const (
	TableRides  = "rides"
	TableOffers = "ride_offers"
)

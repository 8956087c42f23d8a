package domain

import "time"

// EventKind names a recorded block lifecycle event.
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventExtended      EventKind = "extended"
	EventUpdated       EventKind = "updated"
	EventReinstalled   EventKind = "reinstalled"
	EventRemoved       EventKind = "removed"
	EventMigrated      EventKind = "migrated"
	EventOrphanRemoved EventKind = "orphan_removed"
)

// BlockEvent is one entry of the block history.
type BlockEvent struct {
	ID      string     `json:"id"`
	Time    time.Time  `json:"time"`
	Kind    EventKind  `json:"kind"`
	UID     uint32     `json:"uid"`
	EndDate *time.Time `json:"endDate,omitempty"`
	Entries int        `json:"entries"`
	Detail  string     `json:"detail,omitempty"`
}

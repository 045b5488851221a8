package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a support conversation. Values match the
// hub and REST wire format.
type Status int

const (
	StatusOpen       Status = 1
	StatusInProgress Status = 2
	StatusResolved   Status = 3
	StatusClosed     Status = 4
)

var statusNames = map[Status]string{
	StatusOpen:       "Open",
	StatusInProgress: "In Progress",
	StatusResolved:   "Resolved",
	StatusClosed:     "Closed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further messages may be sent.
func (s Status) Terminal() bool { return s == StatusClosed }

// Conversation is a support chat between a customer and the support team.
type Conversation struct {
	ID                 string     `gorm:"primaryKey;size:36" json:"id"`
	UserID             string     `gorm:"size:64;not null;index" json:"userId"`
	UserName           string     `gorm:"size:128" json:"userName"`
	Subject            string     `gorm:"size:256;not null" json:"subject"`
	Status             Status     `gorm:"not null;default:1;index" json:"status"`
	AssignedToUserID   *string    `gorm:"size:64" json:"assignedToUserId,omitempty"`
	AssignedToUserName *string    `gorm:"size:128" json:"assignedToUserName,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
}

// ApplyStatus sets the status and stamps the matching resolution/closure
// timestamp.
func (c *Conversation) ApplyStatus(s Status, at time.Time) {
	c.Status = s
	switch s {
	case StatusResolved:
		if c.ResolvedAt == nil {
			c.ResolvedAt = &at
		}
	case StatusClosed:
		if c.ClosedAt == nil {
			c.ClosedAt = &at
		}
	}
}

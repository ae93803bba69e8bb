package models

import (
	"time"

	"github.com/pkg/errors"
)

// Status is the delivery state of a message. It only moves forward.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

var statusOrder = []Status{StatusSent, StatusDelivered, StatusRead}

// Rank orders statuses; unknown values rank 0.
func (s Status) Rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i + 1
		}
	}
	return 0
}

func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Below returns every status strictly behind s.
func (s Status) Below() []Status {
	r := s.Rank()
	if r <= 1 {
		return nil
	}
	return append([]Status(nil), statusOrder[:r-1]...)
}

type Kind string

const (
	KindDirect Kind = "DIRECT"
	KindGroup  Kind = "GROUP"
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

type User struct {
	ID        int64     `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Password  string    `db:"password" json:"-"` // bcrypt hash
	CreatedAt time.Time `db:"-" json:"createdAt"`
}

type Message struct {
	ID         int64     `db:"id" json:"id"`
	SenderID   int64     `db:"sender_id" json:"senderId"`
	ReceiverID *int64    `db:"receiver_id" json:"receiverId,omitempty"`
	GroupID    *int64    `db:"group_id" json:"groupId,omitempty"`
	Content    string    `db:"content" json:"content"`
	Status     Status    `db:"status" json:"status"`
	Kind       Kind      `db:"kind" json:"kind"`
	CreatedAt  time.Time `db:"-" json:"createdAt"`
}

// Validate checks that exactly one of receiver and group is set and that it
// matches the message kind.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindDirect:
		if m.ReceiverID == nil || m.GroupID != nil {
			return errors.Wrap(ErrValidation, "direct message needs a receiver and no group")
		}
	case KindGroup:
		if m.GroupID == nil || m.ReceiverID != nil {
			return errors.Wrap(ErrValidation, "group message needs a group and no receiver")
		}
	default:
		return errors.Wrapf(ErrValidation, "unknown message kind %q", m.Kind)
	}
	if m.SenderID == 0 {
		return errors.Wrap(ErrValidation, "sender required")
	}
	return nil
}

// Event converts a stored message into its queue/bridge payload.
func (m *Message) Event() ChatEvent {
	return ChatEvent{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		GroupID:    m.GroupID,
		Content:    m.Content,
	}
}

type Group struct {
	ID        int64     `db:"id" json:"groupId"`
	Name      string    `db:"name" json:"name"`
	CreatedBy int64     `db:"created_by" json:"createdBy"`
	CreatedAt time.Time `db:"-" json:"createdAt"`
	Members   []Member  `db:"-" json:"members,omitempty"`
}

type Member struct {
	GroupID  int64     `db:"group_id" json:"groupId"`
	UserID   int64     `db:"user_id" json:"userId"`
	Role     Role      `db:"role" json:"role"`
	JoinedAt time.Time `db:"-" json:"joinedAt"`
}

// Presence is the persisted, externally visible status of a user.
type Presence struct {
	UserID   int64     `db:"user_id" json:"userId"`
	Online   bool      `db:"is_online" json:"online"`
	LastSeen time.Time `db:"-" json:"lastSeen"`
}

// Session is a session registry entry: where a user's live connection is.
type Session struct {
	UserID      int64     `json:"userId"`
	NodeID      string    `json:"nodeId"`
	ConnID      string    `json:"connId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Page is one reverse-chronological slice of a message listing.
type Page struct {
	Items []Message `json:"items"`
	Page  int       `json:"page"`
	Size  int       `json:"size"`
	Total int64     `json:"total"`
}

// PageRequest selects a page; Size is clamped by the store.
type PageRequest struct {
	Page int
	Size int
}

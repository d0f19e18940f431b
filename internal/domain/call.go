package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind represents the media kind of a call
type CallKind string

const (
	CallKindAudio      CallKind = "audio"
	CallKindVideo      CallKind = "video"
	CallKindScreen     CallKind = "screen"
	CallKindConference CallKind = "conference"
)

// CallStatus represents the lifecycle state of a call
type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusActive     CallStatus = "active"
	CallStatusDeclined   CallStatus = "declined"
	CallStatusEnded      CallStatus = "ended"
	CallStatusMissed     CallStatus = "missed"
)

// IsTerminal reports whether the status admits no further transitions
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusDeclined || s == CallStatusEnded || s == CallStatusMissed
}

// IsPreActive reports whether the call has not been answered yet
func (s CallStatus) IsPreActive() bool {
	return s == CallStatusInitiating || s == CallStatusRinging
}

// CallEndReason records why a call reached a terminal status
type CallEndReason string

const (
	EndReasonDeclined       CallEndReason = "declined"
	EndReasonEndedByUser    CallEndReason = "ended_by_user"
	EndReasonNoParticipants CallEndReason = "no_participants"
	EndReasonTimeout        CallEndReason = "timeout"
)

// ParticipantStatus represents a user's membership state within a call
type ParticipantStatus string

const (
	ParticipantStatusInvited  ParticipantStatus = "invited"
	ParticipantStatusJoined   ParticipantStatus = "joined"
	ParticipantStatusDeclined ParticipantStatus = "declined"
	ParticipantStatusLeft     ParticipantStatus = "left"
)

// Call represents a tracked voice/video/screen session between users
type Call struct {
	CallID       uuid.UUID          `json:"call_id"`
	ChatID       *uuid.UUID         `json:"chat_id,omitempty"` // originating conversation, required for group calls
	InitiatorID  uuid.UUID          `json:"initiator_id"`
	CalleeID     *uuid.UUID         `json:"callee_id,omitempty"` // two-party calls only
	Kind         CallKind           `json:"kind"`
	IsGroup      bool               `json:"is_group"`
	Status       CallStatus         `json:"status"`
	EndReason    CallEndReason      `json:"end_reason,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	AnsweredAt   *time.Time         `json:"answered_at,omitempty"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
	Participants []*CallParticipant `json:"participants,omitempty"` // join order
}

// CallParticipant represents a user's membership record within a call
type CallParticipant struct {
	CallID          uuid.UUID         `json:"call_id"`
	UserID          uuid.UUID         `json:"user_id"`
	Status          ParticipantStatus `json:"status"`
	InvitedAt       time.Time         `json:"invited_at"`
	JoinedAt        *time.Time        `json:"joined_at,omitempty"`
	LeftAt          *time.Time        `json:"left_at,omitempty"`
	IsMuted         bool              `json:"is_muted"`
	IsCameraOff     bool              `json:"is_camera_off"`
	IsScreenSharing bool              `json:"is_screen_sharing"`
}

// Participant returns the participant record for userID, or nil
func (c *Call) Participant(userID uuid.UUID) *CallParticipant {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// JoinedCount returns the number of participants currently joined and not left
func (c *Call) JoinedCount() int {
	n := 0
	for _, p := range c.Participants {
		if p.Status == ParticipantStatusJoined && p.LeftAt == nil {
			n++
		}
	}
	return n
}

// ParticipantIDs returns the user ids of all participants in join order
func (c *Call) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// CallStatusFields carries the write-once timestamps and end reason that may
// accompany a status transition
type CallStatusFields struct {
	EndReason  CallEndReason
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

// ParticipantFields carries optional participant updates; nil/zero fields are
// left untouched by the store
type ParticipantFields struct {
	Status          ParticipantStatus
	JoinedAt        *time.Time
	LeftAt          *time.Time
	ClearLeftAt     bool // nulls left_at; used when a departed participant rejoins
	IsMuted         *bool
	IsCameraOff     *bool
	IsScreenSharing *bool
}

// CallStats aggregates call history counts for statistics queries
type CallStats struct {
	TotalCalls        int     `json:"total_calls"`
	CompletedCalls    int     `json:"completed_calls"`
	MissedCalls       int     `json:"missed_calls"`
	DeclinedCalls     int     `json:"declined_calls"`
	TotalDurationSecs int64   `json:"total_duration_seconds"`
	AvgDurationSecs   float64 `json:"avg_duration_seconds"`
}

package call

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/constants"
	apperrors "wavelink-backend/pkg/errors"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
)

// CallRepository abstracts call record storage
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	UpdateStatus(ctx context.Context, callID uuid.UUID, expected, next domain.CallStatus, fields domain.CallStatusFields) error
	AddParticipant(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus, joinedAt *time.Time) error
	UpdateParticipant(ctx context.Context, callID, userID uuid.UUID, fields domain.ParticipantFields) error
	UpdateAllJoinedParticipants(ctx context.Context, callID uuid.UUID, status domain.ParticipantStatus, leftAt time.Time) error
	FindActiveCallForUser(ctx context.Context, userID uuid.UUID) (*domain.Call, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
	GetStats(ctx context.Context, userID *uuid.UUID) (*domain.CallStats, error)
}

// ConversationRepository abstracts the chat collaborator
type ConversationRepository interface {
	FindDirectBetween(ctx context.Context, userA, userB uuid.UUID) (*domain.Conversation, error)
	CreateDirect(ctx context.Context, createdBy, other uuid.UUID) (*domain.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// UserRepository abstracts user lookups for display names
type UserRepository interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// Service manages the call session lifecycle: state transitions, admission
// control, ring timers, and notification intent emission. Operations for a
// single call id are serialized through a per-call lock; the ring timer for
// that call goes through the same lock, so a timer fire and a user action
// never interleave.
type Service struct {
	calls       CallRepository
	convos      ConversationRepository
	users       UserRepository
	index       *ActiveCallIndex
	timers      *RingTimerRegistry
	emitter     IntentEmitter
	locks       *callLocks
	ringTimeout time.Duration
}

// NewService creates a new call service
func NewService(
	calls CallRepository,
	convos ConversationRepository,
	users UserRepository,
	index *ActiveCallIndex,
	timers *RingTimerRegistry,
	emitter IntentEmitter,
	ringTimeout time.Duration,
) *Service {
	if ringTimeout <= 0 {
		ringTimeout = constants.DefaultRingTimeout
	}
	return &Service{
		calls:       calls,
		convos:      convos,
		users:       users,
		index:       index,
		timers:      timers,
		emitter:     emitter,
		locks:       newCallLocks(),
		ringTimeout: ringTimeout,
	}
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	InitiatorID uuid.UUID
	CalleeID    *uuid.UUID  // two-party calls
	ChatID      *uuid.UUID  // required for group calls
	CalleeIDs   []uuid.UUID // group invitees; empty means everyone in the chat
	Kind        domain.CallKind
	IsGroup     bool
}

// Initiate starts a new call in status initiating, reserves every target user
// in the active-call index, arms the ring timer, and notifies the invitees.
func (s *Service) Initiate(ctx context.Context, input *InitiateInput) (*domain.Call, error) {
	initiator, err := s.users.GetByID(ctx, input.InitiatorID)
	if err != nil {
		return nil, err
	}

	participantIDs, err := s.resolveParticipants(ctx, input)
	if err != nil {
		return nil, err
	}

	callID := uuid.New()

	// All-or-nothing reservation; this is the admission-control gate
	if err := s.index.Reserve(callID, participantIDs...); err != nil {
		metrics.CallAdmissionRejectedTotal.Inc()
		return nil, err
	}

	chatID := input.ChatID
	if !input.IsGroup {
		chatID, err = s.directConversation(ctx, input.InitiatorID, *input.CalleeID)
		if err != nil {
			s.index.ReleaseAll(callID)
			return nil, err
		}
	}

	now := time.Now()
	call := &domain.Call{
		CallID:      callID,
		ChatID:      chatID,
		InitiatorID: input.InitiatorID,
		CalleeID:    input.CalleeID,
		Kind:        input.Kind,
		IsGroup:     input.IsGroup,
		Status:      domain.CallStatusInitiating,
		StartedAt:   now,
	}
	for _, userID := range participantIDs {
		p := &domain.CallParticipant{
			CallID:    callID,
			UserID:    userID,
			Status:    domain.ParticipantStatusInvited,
			InvitedAt: now,
		}
		if userID == input.InitiatorID {
			p.Status = domain.ParticipantStatusJoined
			joinedAt := now
			p.JoinedAt = &joinedAt
		}
		call.Participants = append(call.Participants, p)
	}

	if err := s.calls.Create(ctx, call); err != nil {
		s.index.ReleaseAll(callID)
		return nil, err
	}

	metrics.CallInitiatedTotal.WithLabelValues(string(call.Kind), strconv.FormatBool(call.IsGroup)).Inc()
	logger.Log.Info("call initiated",
		zap.String("call_id", callID.String()),
		zap.String("initiator_id", input.InitiatorID.String()),
		zap.String("kind", string(call.Kind)),
		zap.Bool("is_group", call.IsGroup),
	)

	s.timers.Arm(callID, s.ringTimeout, s.handleRingTimeout)

	s.emit(call, ActionIncoming, input.InitiatorID, initiator.DisplayName)

	return call, nil
}

// MarkRinging records that at least one callee device acknowledged the
// invitation. Idempotent once the call has moved past initiating.
func (s *Service) MarkRinging(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	unlock := s.locks.lock(callID)
	defer unlock()

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Participant(actorID) == nil {
		return nil, apperrors.NotParticipantError()
	}
	if call.Status != domain.CallStatusInitiating {
		if call.Status == domain.CallStatusRinging {
			return call, nil
		}
		return nil, apperrors.InvalidStateError("call is no longer awaiting an answer")
	}

	if err := s.transition(ctx, call, domain.CallStatusRinging, domain.CallStatusFields{}); err != nil {
		return nil, err
	}

	return call, nil
}

// Accept answers a ringing call: the call becomes active, answeredAt is set,
// and the actor is marked joined. The ring timer is cancelled first so it
// cannot fire after the answer lands.
func (s *Service) Accept(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	unlock := s.locks.lock(callID)
	defer unlock()

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	p := call.Participant(actorID)
	if p == nil {
		return nil, apperrors.NotParticipantError()
	}
	if !call.Status.IsPreActive() {
		return nil, apperrors.InvalidStateError("call is no longer awaiting an answer")
	}

	s.timers.Cancel(callID)

	now := time.Now()
	answeredAt := now
	if err := s.transition(ctx, call, domain.CallStatusActive, domain.CallStatusFields{AnsweredAt: &answeredAt}); err != nil {
		return nil, err
	}
	call.AnsweredAt = &answeredAt

	joinedAt := now
	if err := s.calls.UpdateParticipant(ctx, callID, actorID, domain.ParticipantFields{
		Status:   domain.ParticipantStatusJoined,
		JoinedAt: &joinedAt,
	}); err != nil {
		return nil, err
	}
	p.Status = domain.ParticipantStatusJoined
	p.JoinedAt = &joinedAt

	logger.Log.Info("call accepted",
		zap.String("call_id", callID.String()),
		zap.String("user_id", actorID.String()),
	)

	s.emit(call, ActionAccepted, actorID, s.displayName(ctx, actorID))

	return call, nil
}

// Decline rejects an invitation. A two-party call terminates with status
// declined; for a group call only the actor's invitation is withdrawn and the
// call itself is untouched.
func (s *Service) Decline(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	unlock := s.locks.lock(callID)
	defer unlock()

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	p := call.Participant(actorID)
	if p == nil {
		return nil, apperrors.NotParticipantError()
	}
	if call.Status.IsTerminal() {
		return nil, apperrors.InvalidStateError("call has already ended")
	}

	if call.IsGroup {
		if p.Status != domain.ParticipantStatusInvited {
			return nil, apperrors.InvalidStateError("only a pending invitation can be declined")
		}
		if err := s.calls.UpdateParticipant(ctx, callID, actorID, domain.ParticipantFields{
			Status: domain.ParticipantStatusDeclined,
		}); err != nil {
			return nil, err
		}
		p.Status = domain.ParticipantStatusDeclined
		s.index.Release(actorID)

		s.emit(call, ActionDeclined, actorID, s.displayName(ctx, actorID))
		return call, nil
	}

	if !call.Status.IsPreActive() {
		return nil, apperrors.InvalidStateError("call is no longer awaiting an answer")
	}

	s.timers.Cancel(callID)

	now := time.Now()
	if err := s.transition(ctx, call, domain.CallStatusDeclined, domain.CallStatusFields{
		EndReason: domain.EndReasonDeclined,
		EndedAt:   &now,
	}); err != nil {
		return nil, err
	}
	call.EndReason = domain.EndReasonDeclined
	call.EndedAt = &now

	if err := s.calls.UpdateParticipant(ctx, callID, actorID, domain.ParticipantFields{
		Status: domain.ParticipantStatusDeclined,
	}); err != nil {
		return nil, err
	}
	p.Status = domain.ParticipantStatusDeclined

	if err := s.calls.UpdateAllJoinedParticipants(ctx, callID, domain.ParticipantStatusLeft, now); err != nil {
		return nil, err
	}
	s.index.ReleaseAll(callID)

	logger.Log.Info("call declined",
		zap.String("call_id", callID.String()),
		zap.String("user_id", actorID.String()),
	)

	// Intents go out before the local left-marking so the remaining
	// participants are still addressable recipients
	s.emit(call, ActionDeclined, actorID, s.displayName(ctx, actorID))
	s.markJoinedLeft(call, now)

	return call, nil
}

// Join adds a user to an active group call. Two-party calls cannot be joined.
func (s *Service) Join(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	unlock := s.locks.lock(callID)
	defer unlock()

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsGroup {
		return nil, apperrors.NotConferenceError()
	}
	if call.Status != domain.CallStatusActive {
		return nil, apperrors.InvalidStateError("call is not active")
	}

	if err := s.index.Reserve(callID, actorID); err != nil {
		metrics.CallAdmissionRejectedTotal.Inc()
		return nil, err
	}

	now := time.Now()
	p := call.Participant(actorID)
	if p == nil {
		if err := s.calls.AddParticipant(ctx, callID, actorID, domain.ParticipantStatusJoined, &now); err != nil {
			s.index.Release(actorID)
			return nil, err
		}
		p = &domain.CallParticipant{
			CallID:    callID,
			UserID:    actorID,
			Status:    domain.ParticipantStatusJoined,
			InvitedAt: now,
			JoinedAt:  &now,
		}
		call.Participants = append(call.Participants, p)
	} else {
		if err := s.calls.UpdateParticipant(ctx, callID, actorID, domain.ParticipantFields{
			Status:      domain.ParticipantStatusJoined,
			JoinedAt:    &now,
			ClearLeftAt: true,
		}); err != nil {
			s.index.Release(actorID)
			return nil, err
		}
		p.Status = domain.ParticipantStatusJoined
		p.JoinedAt = &now
		p.LeftAt = nil
	}

	logger.Log.Info("participant joined call",
		zap.String("call_id", callID.String()),
		zap.String("user_id", actorID.String()),
	)

	s.emit(call, ActionJoined, actorID, s.displayName(ctx, actorID))

	return call, nil
}

// Leave removes the actor from the call. When the joined participant count
// drains to one or fewer the call terminates with endReason no_participants.
func (s *Service) Leave(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	unlock := s.locks.lock(callID)
	defer unlock()

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	p := call.Participant(actorID)
	if p == nil {
		return nil, apperrors.NotParticipantError()
	}
	if call.Status.IsTerminal() {
		return nil, apperrors.InvalidStateError("call has already ended")
	}
	if p.Status != domain.ParticipantStatusJoined || p.LeftAt != nil {
		return nil, apperrors.InvalidStateError("user is not joined to this call")
	}

	now := time.Now()
	if err := s.calls.UpdateParticipant(ctx, callID, actorID, domain.ParticipantFields{
		Status: domain.ParticipantStatusLeft,
		LeftAt: &now,
	}); err != nil {
		return nil, err
	}
	p.Status = domain.ParticipantStatusLeft
	p.LeftAt = &now
	s.index.Release(actorID)

	actorName := s.displayName(ctx, actorID)
	s.emit(call, ActionLeft, actorID, actorName)

	if call.JoinedCount() <= 1 {
		s.timers.Cancel(callID)
		if err := s.transition(ctx, call, domain.CallStatusEnded, domain.CallStatusFields{
			EndReason: domain.EndReasonNoParticipants,
			EndedAt:   &now,
		}); err != nil {
			return nil, err
		}
		call.EndReason = domain.EndReasonNoParticipants
		call.EndedAt = &now

		if err := s.calls.UpdateAllJoinedParticipants(ctx, callID, domain.ParticipantStatusLeft, now); err != nil {
			return nil, err
		}
		s.index.ReleaseAll(callID)
		s.observeDuration(call)

		logger.Log.Info("call drained to end",
			zap.String("call_id", callID.String()),
		)

		s.emit(call, ActionEnded, actorID, actorName)
		s.markJoinedLeft(call, now)
	}

	return call, nil
}

// End terminates the call unilaterally. Any current participant may end it;
// every joined participant is marked left.
func (s *Service) End(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	unlock := s.locks.lock(callID)
	defer unlock()

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Participant(actorID) == nil {
		return nil, apperrors.NotParticipantError()
	}
	if call.Status.IsTerminal() {
		return nil, apperrors.InvalidStateError("call has already ended")
	}

	s.timers.Cancel(callID)

	now := time.Now()
	if err := s.transition(ctx, call, domain.CallStatusEnded, domain.CallStatusFields{
		EndReason: domain.EndReasonEndedByUser,
		EndedAt:   &now,
	}); err != nil {
		return nil, err
	}
	call.EndReason = domain.EndReasonEndedByUser
	call.EndedAt = &now

	if err := s.calls.UpdateAllJoinedParticipants(ctx, callID, domain.ParticipantStatusLeft, now); err != nil {
		return nil, err
	}
	s.index.ReleaseAll(callID)
	s.observeDuration(call)

	logger.Log.Info("call ended",
		zap.String("call_id", callID.String()),
		zap.String("user_id", actorID.String()),
	)

	s.emit(call, ActionEnded, actorID, s.displayName(ctx, actorID))
	s.markJoinedLeft(call, now)

	return call, nil
}

// UpdateFlagsInput carries the participant media flags; nil fields are untouched
type UpdateFlagsInput struct {
	IsMuted         *bool
	IsCameraOff     *bool
	IsScreenSharing *bool
}

// UpdateParticipantState mutates the actor's own mute/camera/screen-share
// flags on an active call. The call status never changes here.
func (s *Service) UpdateParticipantState(ctx context.Context, callID, actorID uuid.UUID, input *UpdateFlagsInput) (*domain.Call, error) {
	unlock := s.locks.lock(callID)
	defer unlock()

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	p := call.Participant(actorID)
	if p == nil {
		return nil, apperrors.NotParticipantError()
	}
	if call.Status != domain.CallStatusActive {
		return nil, apperrors.InvalidStateError("call is not active")
	}
	if p.Status != domain.ParticipantStatusJoined || p.LeftAt != nil {
		return nil, apperrors.InvalidStateError("user is not joined to this call")
	}

	if err := s.calls.UpdateParticipant(ctx, callID, actorID, domain.ParticipantFields{
		IsMuted:         input.IsMuted,
		IsCameraOff:     input.IsCameraOff,
		IsScreenSharing: input.IsScreenSharing,
	}); err != nil {
		return nil, err
	}
	if input.IsMuted != nil {
		p.IsMuted = *input.IsMuted
	}
	if input.IsCameraOff != nil {
		p.IsCameraOff = *input.IsCameraOff
	}
	if input.IsScreenSharing != nil {
		p.IsScreenSharing = *input.IsScreenSharing
	}

	s.emit(call, ActionStatusUpdated, actorID, s.displayName(ctx, actorID))

	return call, nil
}

// GetCall retrieves a call with its participants
func (s *Service) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return s.calls.GetByID(ctx, callID)
}

// GetUserCallHistory retrieves call history for a user, newest first
func (s *Service) GetUserCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.calls.GetUserCalls(ctx, userID, limit, offset)
}

// GetCallStats aggregates call outcomes, optionally scoped to one user
func (s *Service) GetCallStats(ctx context.Context, userID *uuid.UUID) (*domain.CallStats, error) {
	return s.calls.GetStats(ctx, userID)
}

// FindActiveCallForUser answers "which call is this user in" from the
// in-process index, falling back to the store for the full record.
func (s *Service) FindActiveCallForUser(ctx context.Context, userID uuid.UUID) (*domain.Call, error) {
	if callID, ok := s.index.Lookup(userID); ok {
		return s.calls.GetByID(ctx, callID)
	}
	return s.calls.FindActiveCallForUser(ctx, userID)
}

// handleRingTimeout fires when a call goes unanswered. It re-validates state
// under the per-call lock so a timer that lost the race to accept or decline
// becomes a no-op. Store failures are retried a bounded number of times and
// then dropped; the registry must never crash.
func (s *Service) handleRingTimeout(callID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < constants.RingTimeoutMaxRetries; attempt++ {
		if attempt > 0 {
			// Sleep outside the per-call lock so a retrying timer does not
			// stall concurrent user operations on the same call
			time.Sleep(constants.RingTimeoutRetryDelay)
		}
		done, err := s.expireUnansweredCall(ctx, callID)
		if done {
			return
		}
		lastErr = err
	}

	logger.Log.Error("ring timeout handling failed",
		zap.String("call_id", callID.String()),
		zap.Error(lastErr),
	)
}

// expireUnansweredCall applies the missed transition for one timer attempt
// under the per-call lock. done means the timeout was applied or is moot; an
// error marks a transient store failure worth retrying.
func (s *Service) expireUnansweredCall(ctx context.Context, callID uuid.UUID) (done bool, _ error) {
	unlock := s.locks.lock(callID)
	defer unlock()

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeCallNotFound) {
			return true, nil
		}
		return false, err
	}
	if !call.Status.IsPreActive() {
		// Answered, declined, or ended before the timer landed
		return true, nil
	}

	now := time.Now()
	err = s.calls.UpdateStatus(ctx, callID, call.Status, domain.CallStatusMissed, domain.CallStatusFields{
		EndReason: domain.EndReasonTimeout,
		EndedAt:   &now,
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeConflict) {
			metrics.CallTransitionConflictTotal.Inc()
			return true, nil
		}
		return false, err
	}
	call.Status = domain.CallStatusMissed
	call.EndReason = domain.EndReasonTimeout
	call.EndedAt = &now

	if err := s.calls.UpdateAllJoinedParticipants(ctx, callID, domain.ParticipantStatusLeft, now); err != nil {
		logger.Log.Warn("failed to mark participants left after ring timeout",
			zap.String("call_id", callID.String()),
			zap.Error(err),
		)
	}
	s.index.ReleaseAll(callID)

	metrics.CallRingTimeoutTotal.Inc()
	metrics.CallTransitionTotal.WithLabelValues(string(domain.CallStatusMissed)).Inc()
	logger.Log.Info("call missed after ring timeout",
		zap.String("call_id", callID.String()),
	)

	s.emit(call, ActionEnded, uuid.Nil, "")
	s.markJoinedLeft(call, now)
	return true, nil
}

// transition performs the compare-and-swap status write and keeps the
// in-memory copy and transition metrics in sync
func (s *Service) transition(ctx context.Context, call *domain.Call, next domain.CallStatus, fields domain.CallStatusFields) error {
	err := s.calls.UpdateStatus(ctx, call.CallID, call.Status, next, fields)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeConflict) {
			metrics.CallTransitionConflictTotal.Inc()
		}
		return err
	}
	call.Status = next
	metrics.CallTransitionTotal.WithLabelValues(string(next)).Inc()
	return nil
}

func (s *Service) resolveParticipants(ctx context.Context, input *InitiateInput) ([]uuid.UUID, error) {
	if input.IsGroup {
		if input.ChatID == nil {
			return nil, apperrors.InvalidInputError("group call requires a chat_id")
		}
		member, err := s.convos.IsParticipant(ctx, *input.ChatID, input.InitiatorID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, apperrors.NotParticipantError()
		}

		invitees := input.CalleeIDs
		if len(invitees) == 0 {
			invitees, err = s.convos.GetParticipants(ctx, *input.ChatID)
			if err != nil {
				return nil, err
			}
		}

		ids := []uuid.UUID{input.InitiatorID}
		seen := map[uuid.UUID]bool{input.InitiatorID: true}
		for _, id := range invitees {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) < 2 {
			return nil, apperrors.InvalidInputError("call requires at least two participants")
		}
		return ids, nil
	}

	if input.CalleeID == nil {
		return nil, apperrors.InvalidInputError("two-party call requires a callee_id")
	}
	if *input.CalleeID == input.InitiatorID {
		return nil, apperrors.InvalidInputError("cannot call yourself")
	}
	if _, err := s.users.GetByID(ctx, *input.CalleeID); err != nil {
		return nil, err
	}
	return []uuid.UUID{input.InitiatorID, *input.CalleeID}, nil
}

func (s *Service) directConversation(ctx context.Context, userA, userB uuid.UUID) (*uuid.UUID, error) {
	convo, err := s.convos.FindDirectBetween(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	if convo == nil {
		convo, err = s.convos.CreateDirect(ctx, userA, userB)
		if err != nil {
			return nil, err
		}
	}
	return &convo.ConversationID, nil
}

// emit builds and dispatches notification intents. Delivery is fire and
// forget; nothing here can fail a committed transition.
func (s *Service) emit(call *domain.Call, action Action, actorID uuid.UUID, actorName string) {
	if s.emitter == nil {
		return
	}
	intents := buildIntents(call, action, actorID, actorName)
	if len(intents) > 0 {
		s.emitter.Emit(intents)
	}
}

func (s *Service) displayName(ctx context.Context, userID uuid.UUID) string {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		logger.Log.Warn("failed to resolve display name",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return "Someone"
	}
	return user.DisplayName
}

func (s *Service) markJoinedLeft(call *domain.Call, leftAt time.Time) {
	for _, p := range call.Participants {
		if p.Status == domain.ParticipantStatusJoined && p.LeftAt == nil {
			p.Status = domain.ParticipantStatusLeft
			t := leftAt
			p.LeftAt = &t
		}
	}
}

func (s *Service) observeDuration(call *domain.Call) {
	if call.AnsweredAt == nil || call.EndedAt == nil {
		return
	}
	metrics.CallDurationSeconds.
		WithLabelValues(string(call.EndReason)).
		Observe(call.EndedAt.Sub(*call.AnsweredAt).Seconds())
}

package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/constants"
	apperrors "wavelink-backend/pkg/errors"
)

// Mocks

type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) Create(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, expected, next domain.CallStatus, fields domain.CallStatusFields) error {
	args := m.Called(ctx, callID, expected, next, fields)
	return args.Error(0)
}

func (m *MockCallRepository) AddParticipant(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus, joinedAt *time.Time) error {
	args := m.Called(ctx, callID, userID, status, joinedAt)
	return args.Error(0)
}

func (m *MockCallRepository) UpdateParticipant(ctx context.Context, callID, userID uuid.UUID, fields domain.ParticipantFields) error {
	args := m.Called(ctx, callID, userID, fields)
	return args.Error(0)
}

func (m *MockCallRepository) UpdateAllJoinedParticipants(ctx context.Context, callID uuid.UUID, status domain.ParticipantStatus, leftAt time.Time) error {
	args := m.Called(ctx, callID, status, leftAt)
	return args.Error(0)
}

func (m *MockCallRepository) FindActiveCallForUser(ctx context.Context, userID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockCallRepository) GetStats(ctx context.Context, userID *uuid.UUID) (*domain.CallStats, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallStats), args.Error(1)
}

type MockConversationRepository struct {
	mock.Mock
}

func (m *MockConversationRepository) FindDirectBetween(ctx context.Context, userA, userB uuid.UUID) (*domain.Conversation, error) {
	args := m.Called(ctx, userA, userB)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepository) CreateDirect(ctx context.Context, createdBy, other uuid.UUID) (*domain.Conversation, error) {
	args := m.Called(ctx, createdBy, other)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockConversationRepository) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

// recordingEmitter captures emitted intents for assertions
type recordingEmitter struct {
	mu      sync.Mutex
	batches [][]Intent
}

func (e *recordingEmitter) Emit(intents []Intent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, intents)
}

func (e *recordingEmitter) recipients(action Action) []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []uuid.UUID
	for _, batch := range e.batches {
		for _, intent := range batch {
			if intent.Data["action"] == string(action) {
				ids = append(ids, intent.RecipientUserID)
			}
		}
	}
	return ids
}

type testEnv struct {
	calls   *MockCallRepository
	convos  *MockConversationRepository
	users   *MockUserRepository
	emitter *recordingEmitter
	svc     *Service
}

func newTestEnv(ringTimeout time.Duration) *testEnv {
	env := &testEnv{
		calls:   new(MockCallRepository),
		convos:  new(MockConversationRepository),
		users:   new(MockUserRepository),
		emitter: &recordingEmitter{},
	}
	env.svc = NewService(
		env.calls,
		env.convos,
		env.users,
		NewActiveCallIndex(),
		NewRingTimerRegistry(),
		env.emitter,
		ringTimeout,
	)
	return env
}

func testUser(id uuid.UUID, name string) *domain.User {
	return &domain.User{UserID: id, Username: name, DisplayName: name}
}

func twoPartyCall(callID, initiatorID, calleeID uuid.UUID, status domain.CallStatus) *domain.Call {
	now := time.Now()
	joinedAt := now
	return &domain.Call{
		CallID:      callID,
		InitiatorID: initiatorID,
		CalleeID:    &calleeID,
		Kind:        domain.CallKindAudio,
		Status:      status,
		StartedAt:   now,
		Participants: []*domain.CallParticipant{
			{CallID: callID, UserID: initiatorID, Status: domain.ParticipantStatusJoined, InvitedAt: now, JoinedAt: &joinedAt},
			{CallID: callID, UserID: calleeID, Status: domain.ParticipantStatusInvited, InvitedAt: now},
		},
	}
}

func groupCall(callID uuid.UUID, status domain.CallStatus, joined []uuid.UUID, invited []uuid.UUID) *domain.Call {
	now := time.Now()
	chatID := uuid.New()
	call := &domain.Call{
		CallID:      callID,
		ChatID:      &chatID,
		InitiatorID: joined[0],
		Kind:        domain.CallKindConference,
		IsGroup:     true,
		Status:      status,
		StartedAt:   now,
	}
	for _, id := range joined {
		joinedAt := now
		call.Participants = append(call.Participants, &domain.CallParticipant{
			CallID: callID, UserID: id, Status: domain.ParticipantStatusJoined, InvitedAt: now, JoinedAt: &joinedAt,
		})
	}
	for _, id := range invited {
		call.Participants = append(call.Participants, &domain.CallParticipant{
			CallID: callID, UserID: id, Status: domain.ParticipantStatusInvited, InvitedAt: now,
		})
	}
	return call
}

func TestInitiateTwoPartyCall(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	convoID := uuid.New()

	env.users.On("GetByID", ctx, alice).Return(testUser(alice, "Alice"), nil)
	env.users.On("GetByID", ctx, bob).Return(testUser(bob, "Bob"), nil)
	env.convos.On("FindDirectBetween", ctx, alice, bob).Return(&domain.Conversation{ConversationID: convoID}, nil)
	env.calls.On("Create", ctx, mock.AnythingOfType("*domain.Call")).Return(nil)

	call, err := env.svc.Initiate(ctx, &InitiateInput{
		InitiatorID: alice,
		CalleeID:    &bob,
		Kind:        domain.CallKindAudio,
	})

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiating, call.Status)
	assert.Equal(t, convoID, *call.ChatID)
	assert.Len(t, call.Participants, 2)
	assert.Equal(t, domain.ParticipantStatusJoined, call.Participant(alice).Status)
	assert.Equal(t, domain.ParticipantStatusInvited, call.Participant(bob).Status)

	// Both users are reserved and the ring timer is armed
	for _, id := range []uuid.UUID{alice, bob} {
		reserved, ok := env.svc.index.Lookup(id)
		assert.True(t, ok)
		assert.Equal(t, call.CallID, reserved)
	}
	assert.True(t, env.svc.timers.Armed(call.CallID))

	// Incoming intent goes to the callee only
	assert.Equal(t, []uuid.UUID{bob}, env.emitter.recipients(ActionIncoming))

	env.calls.AssertExpectations(t)
}

func TestInitiateCreatesDirectConversationWhenMissing(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	convoID := uuid.New()

	env.users.On("GetByID", ctx, mock.Anything).Return(testUser(alice, "Alice"), nil)
	env.convos.On("FindDirectBetween", ctx, alice, bob).Return(nil, nil)
	env.convos.On("CreateDirect", ctx, alice, bob).Return(&domain.Conversation{ConversationID: convoID}, nil)
	env.calls.On("Create", ctx, mock.AnythingOfType("*domain.Call")).Return(nil)

	call, err := env.svc.Initiate(ctx, &InitiateInput{
		InitiatorID: alice,
		CalleeID:    &bob,
		Kind:        domain.CallKindVideo,
	})

	assert.NoError(t, err)
	assert.Equal(t, convoID, *call.ChatID)
	env.convos.AssertExpectations(t)
}

func TestInitiateRejectsBusyCallee(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	otherCall := uuid.New()

	// Bob is already on a call
	assert.NoError(t, env.svc.index.Reserve(otherCall, bob))

	env.users.On("GetByID", ctx, mock.Anything).Return(testUser(alice, "Alice"), nil)

	_, err := env.svc.Initiate(ctx, &InitiateInput{
		InitiatorID: alice,
		CalleeID:    &bob,
		Kind:        domain.CallKindAudio,
	})

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlreadyInCall))
	env.calls.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)

	// Reservation is all or nothing: the initiator must not be left reserved
	_, ok := env.svc.index.Lookup(alice)
	assert.False(t, ok)
}

func TestConcurrentInitiatesSharingCalleeAdmitOne(t *testing.T) {
	env := newTestEnv(time.Minute)

	callee := uuid.New()
	env.users.On("GetByID", mock.Anything, mock.Anything).Return(testUser(uuid.New(), "User"), nil)
	env.convos.On("FindDirectBetween", mock.Anything, mock.Anything, mock.Anything).
		Return(&domain.Conversation{ConversationID: uuid.New()}, nil)
	env.calls.On("Create", mock.Anything, mock.Anything).Return(nil)

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			initiator := uuid.New()
			_, err := env.svc.Initiate(context.Background(), &InitiateInput{
				InitiatorID: initiator,
				CalleeID:    &callee,
				Kind:        domain.CallKindAudio,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if apperrors.IsCode(err, apperrors.ErrCodeAlreadyInCall) {
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, rejected)
}

func TestInitiateValidation(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	env.users.On("GetByID", ctx, alice).Return(testUser(alice, "Alice"), nil)

	_, err := env.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Kind: domain.CallKindAudio})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = env.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, CalleeID: &alice, Kind: domain.CallKindAudio})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = env.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, IsGroup: true, Kind: domain.CallKindConference})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestMarkRinging(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	call := twoPartyCall(uuid.New(), alice, bob, domain.CallStatusInitiating)

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.calls.On("UpdateStatus", ctx, call.CallID, domain.CallStatusInitiating, domain.CallStatusRinging, domain.CallStatusFields{}).Return(nil)

	updated, err := env.svc.MarkRinging(ctx, call.CallID, bob)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, updated.Status)

	// Already ringing is a no-op, not an error
	again, err := env.svc.MarkRinging(ctx, call.CallID, bob)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, again.Status)
	env.calls.AssertNumberOfCalls(t, "UpdateStatus", 1)
}

func TestAccept(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	call := twoPartyCall(uuid.New(), alice, bob, domain.CallStatusRinging)

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.calls.On("UpdateStatus", ctx, call.CallID, domain.CallStatusRinging, domain.CallStatusActive, mock.AnythingOfType("domain.CallStatusFields")).Return(nil)
	env.calls.On("UpdateParticipant", ctx, call.CallID, bob, mock.AnythingOfType("domain.ParticipantFields")).Return(nil)
	env.users.On("GetByID", ctx, bob).Return(testUser(bob, "Bob"), nil)

	updated, err := env.svc.Accept(ctx, call.CallID, bob)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, updated.Status)
	assert.NotNil(t, updated.AnsweredAt)
	assert.Equal(t, domain.ParticipantStatusJoined, updated.Participant(bob).Status)
	assert.False(t, env.svc.timers.Armed(call.CallID))
	assert.Equal(t, []uuid.UUID{alice}, env.emitter.recipients(ActionAccepted))
}

func TestAcceptRequiresParticipant(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	call := twoPartyCall(uuid.New(), uuid.New(), uuid.New(), domain.CallStatusRinging)
	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	_, err := env.svc.Accept(ctx, call.CallID, uuid.New())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotParticipant))
	env.calls.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAcceptTerminalCallIsInvalidState(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	call := twoPartyCall(uuid.New(), alice, bob, domain.CallStatusMissed)
	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	_, err := env.svc.Accept(ctx, call.CallID, bob)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	env.calls.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDeclineTwoParty(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	call := twoPartyCall(uuid.New(), alice, bob, domain.CallStatusRinging)
	assert.NoError(t, env.svc.index.Reserve(call.CallID, alice, bob))

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.calls.On("UpdateStatus", ctx, call.CallID, domain.CallStatusRinging, domain.CallStatusDeclined, mock.MatchedBy(func(f domain.CallStatusFields) bool {
		return f.EndReason == domain.EndReasonDeclined && f.EndedAt != nil
	})).Return(nil)
	env.calls.On("UpdateParticipant", ctx, call.CallID, bob, mock.AnythingOfType("domain.ParticipantFields")).Return(nil)
	env.calls.On("UpdateAllJoinedParticipants", ctx, call.CallID, domain.ParticipantStatusLeft, mock.AnythingOfType("time.Time")).Return(nil)
	env.users.On("GetByID", ctx, bob).Return(testUser(bob, "Bob"), nil)

	updated, err := env.svc.Decline(ctx, call.CallID, bob)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, updated.Status)
	assert.Equal(t, domain.EndReasonDeclined, updated.EndReason)
	assert.NotNil(t, updated.EndedAt)
	assert.Equal(t, 0, env.svc.index.Size())
	assert.Equal(t, []uuid.UUID{alice}, env.emitter.recipients(ActionDeclined))
}

func TestDeclineIdempotentOnTerminalCall(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	call := twoPartyCall(uuid.New(), alice, bob, domain.CallStatusDeclined)
	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	_, err := env.svc.Decline(ctx, call.CallID, bob)

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	env.calls.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	env.calls.AssertNotCalled(t, "UpdateParticipant", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, env.emitter.recipients(ActionDeclined))
}

func TestDeclineGroupInvitationOnly(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	call := groupCall(uuid.New(), domain.CallStatusActive, []uuid.UUID{a, b}, []uuid.UUID{c})
	assert.NoError(t, env.svc.index.Reserve(call.CallID, a, b, c))

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.calls.On("UpdateParticipant", ctx, call.CallID, c, mock.AnythingOfType("domain.ParticipantFields")).Return(nil)
	env.users.On("GetByID", ctx, c).Return(testUser(c, "Cara"), nil)

	updated, err := env.svc.Decline(ctx, call.CallID, c)

	assert.NoError(t, err)
	// Group call itself is untouched; only the invitation is withdrawn
	assert.Equal(t, domain.CallStatusActive, updated.Status)
	assert.Equal(t, domain.ParticipantStatusDeclined, updated.Participant(c).Status)
	_, reserved := env.svc.index.Lookup(c)
	assert.False(t, reserved)
	assert.Equal(t, 2, env.svc.index.Size())
	env.calls.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJoinRejectsTwoPartyCall(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	call := twoPartyCall(uuid.New(), uuid.New(), uuid.New(), domain.CallStatusActive)
	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	_, err := env.svc.Join(ctx, call.CallID, uuid.New())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotConference))
}

func TestJoinRequiresActiveCall(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	call := groupCall(uuid.New(), domain.CallStatusRinging, []uuid.UUID{a}, []uuid.UUID{b})
	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	_, err := env.svc.Join(ctx, call.CallID, b)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

func TestJoinAddsLateParticipant(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	late := uuid.New()
	call := groupCall(uuid.New(), domain.CallStatusActive, []uuid.UUID{a, b}, nil)

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.calls.On("AddParticipant", ctx, call.CallID, late, domain.ParticipantStatusJoined, mock.AnythingOfType("*time.Time")).Return(nil)
	env.users.On("GetByID", ctx, late).Return(testUser(late, "Dana"), nil)

	updated, err := env.svc.Join(ctx, call.CallID, late)

	assert.NoError(t, err)
	assert.Len(t, updated.Participants, 3)
	assert.Equal(t, domain.ParticipantStatusJoined, updated.Participant(late).Status)
	reserved, ok := env.svc.index.Lookup(late)
	assert.True(t, ok)
	assert.Equal(t, call.CallID, reserved)
}

func TestJoinRejectsBusyUser(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	busy := uuid.New()
	assert.NoError(t, env.svc.index.Reserve(uuid.New(), busy))

	call := groupCall(uuid.New(), domain.CallStatusActive, []uuid.UUID{a, b}, nil)
	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	_, err := env.svc.Join(ctx, call.CallID, busy)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlreadyInCall))
	env.calls.AssertNotCalled(t, "AddParticipant", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLeaveKeepsCallRunning(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	call := groupCall(uuid.New(), domain.CallStatusActive, []uuid.UUID{a, b, c}, nil)
	assert.NoError(t, env.svc.index.Reserve(call.CallID, a, b, c))

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.calls.On("UpdateParticipant", ctx, call.CallID, b, mock.AnythingOfType("domain.ParticipantFields")).Return(nil)
	env.users.On("GetByID", ctx, b).Return(testUser(b, "Ben"), nil)

	updated, err := env.svc.Leave(ctx, call.CallID, b)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, updated.Status)
	assert.Equal(t, 2, updated.JoinedCount())
	env.calls.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, env.emitter.recipients(ActionEnded))
}

func TestGroupCallDrainsToEnd(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	call := groupCall(uuid.New(), domain.CallStatusActive, []uuid.UUID{a, b, c}, nil)
	answeredAt := time.Now().Add(-time.Minute)
	call.AnsweredAt = &answeredAt
	assert.NoError(t, env.svc.index.Reserve(call.CallID, a, b, c))

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.calls.On("UpdateParticipant", ctx, call.CallID, mock.Anything, mock.AnythingOfType("domain.ParticipantFields")).Return(nil)
	env.calls.On("UpdateStatus", ctx, call.CallID, domain.CallStatusActive, domain.CallStatusEnded, mock.MatchedBy(func(f domain.CallStatusFields) bool {
		return f.EndReason == domain.EndReasonNoParticipants
	})).Return(nil)
	env.calls.On("UpdateAllJoinedParticipants", ctx, call.CallID, domain.ParticipantStatusLeft, mock.AnythingOfType("time.Time")).Return(nil)
	env.users.On("GetByID", ctx, mock.Anything).Return(testUser(b, "Ben"), nil)

	_, err := env.svc.Leave(ctx, call.CallID, b)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, call.Status)

	updated, err := env.svc.Leave(ctx, call.CallID, c)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, updated.Status)
	assert.Equal(t, domain.EndReasonNoParticipants, updated.EndReason)
	assert.NotNil(t, updated.EndedAt)
	assert.Equal(t, 0, env.svc.index.Size())
	assert.NotEmpty(t, env.emitter.recipients(ActionEnded))
}

func TestGroupRejoinRestoresJoinedState(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	call := groupCall(uuid.New(), domain.CallStatusActive, []uuid.UUID{a, b, c}, nil)
	assert.NoError(t, env.svc.index.Reserve(call.CallID, a, b, c))

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.users.On("GetByID", ctx, mock.Anything).Return(testUser(a, "Ann"), nil)
	// The rejoin write must set a fresh joined_at and null out left_at
	env.calls.On("UpdateParticipant", ctx, call.CallID, c, mock.MatchedBy(func(f domain.ParticipantFields) bool {
		return f.Status == domain.ParticipantStatusJoined && f.ClearLeftAt && f.JoinedAt != nil
	})).Return(nil).Once()
	env.calls.On("UpdateParticipant", ctx, call.CallID, mock.Anything, mock.AnythingOfType("domain.ParticipantFields")).Return(nil)

	_, err := env.svc.Leave(ctx, call.CallID, c)
	assert.NoError(t, err)
	assert.Equal(t, 2, call.JoinedCount())

	rejoined, err := env.svc.Join(ctx, call.CallID, c)
	assert.NoError(t, err)
	assert.Equal(t, 3, rejoined.JoinedCount())

	p := rejoined.Participant(c)
	assert.Equal(t, domain.ParticipantStatusJoined, p.Status)
	assert.Nil(t, p.LeftAt)
	assert.NotNil(t, p.JoinedAt)

	// With the rejoined participant counted again, one more departure must
	// not drain the call to ended
	still, err := env.svc.Leave(ctx, call.CallID, b)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, still.Status)
	assert.Equal(t, 2, still.JoinedCount())
	env.calls.AssertExpectations(t)
}

func TestEndCall(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	call := twoPartyCall(uuid.New(), alice, bob, domain.CallStatusActive)
	answeredAt := time.Now().Add(-30 * time.Second)
	call.AnsweredAt = &answeredAt
	joinedAt := answeredAt
	call.Participant(bob).Status = domain.ParticipantStatusJoined
	call.Participant(bob).JoinedAt = &joinedAt
	assert.NoError(t, env.svc.index.Reserve(call.CallID, alice, bob))

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.calls.On("UpdateStatus", ctx, call.CallID, domain.CallStatusActive, domain.CallStatusEnded, mock.MatchedBy(func(f domain.CallStatusFields) bool {
		return f.EndReason == domain.EndReasonEndedByUser && f.EndedAt != nil
	})).Return(nil)
	env.calls.On("UpdateAllJoinedParticipants", ctx, call.CallID, domain.ParticipantStatusLeft, mock.AnythingOfType("time.Time")).Return(nil)
	env.users.On("GetByID", ctx, bob).Return(testUser(bob, "Bob"), nil)

	updated, err := env.svc.End(ctx, call.CallID, bob)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, updated.Status)
	assert.Equal(t, domain.EndReasonEndedByUser, updated.EndReason)
	for _, p := range updated.Participants {
		assert.Equal(t, domain.ParticipantStatusLeft, p.Status)
		assert.NotNil(t, p.LeftAt)
	}
	assert.Equal(t, 0, env.svc.index.Size())
	assert.Equal(t, []uuid.UUID{alice}, env.emitter.recipients(ActionEnded))
}

func TestRingTimeoutMarksCallMissed(t *testing.T) {
	env := newTestEnv(time.Minute)

	alice := uuid.New()
	bob := uuid.New()
	call := twoPartyCall(uuid.New(), alice, bob, domain.CallStatusRinging)
	assert.NoError(t, env.svc.index.Reserve(call.CallID, alice, bob))

	env.calls.On("GetByID", mock.Anything, call.CallID).Return(call, nil)
	env.calls.On("UpdateStatus", mock.Anything, call.CallID, domain.CallStatusRinging, domain.CallStatusMissed, mock.MatchedBy(func(f domain.CallStatusFields) bool {
		return f.EndReason == domain.EndReasonTimeout && f.EndedAt != nil
	})).Return(nil)
	env.calls.On("UpdateAllJoinedParticipants", mock.Anything, call.CallID, domain.ParticipantStatusLeft, mock.AnythingOfType("time.Time")).Return(nil)

	env.svc.handleRingTimeout(call.CallID)

	assert.Equal(t, domain.CallStatusMissed, call.Status)
	assert.Equal(t, domain.EndReasonTimeout, call.EndReason)
	assert.Equal(t, 0, env.svc.index.Size())
	// Both parties are told the call is over
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, env.emitter.recipients(ActionEnded))
	env.calls.AssertExpectations(t)
}

func TestRingTimeoutIsNoOpOnAnsweredCall(t *testing.T) {
	env := newTestEnv(time.Minute)

	call := twoPartyCall(uuid.New(), uuid.New(), uuid.New(), domain.CallStatusActive)
	env.calls.On("GetByID", mock.Anything, call.CallID).Return(call, nil)

	env.svc.handleRingTimeout(call.CallID)

	env.calls.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, env.emitter.recipients(ActionEnded))
}

func TestRingTimeoutYieldsOnConflict(t *testing.T) {
	env := newTestEnv(time.Minute)

	call := twoPartyCall(uuid.New(), uuid.New(), uuid.New(), domain.CallStatusRinging)
	env.calls.On("GetByID", mock.Anything, call.CallID).Return(call, nil)
	env.calls.On("UpdateStatus", mock.Anything, call.CallID, domain.CallStatusRinging, domain.CallStatusMissed, mock.Anything).
		Return(apperrors.ConflictError("call status changed concurrently"))

	env.svc.handleRingTimeout(call.CallID)

	// The concurrent writer won; the timer must not touch participants
	env.calls.AssertNotCalled(t, "UpdateAllJoinedParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	env.calls.AssertNumberOfCalls(t, "UpdateStatus", 1)
}

func TestRingTimeoutRetriesTransientFailures(t *testing.T) {
	env := newTestEnv(time.Minute)

	alice := uuid.New()
	bob := uuid.New()
	call := twoPartyCall(uuid.New(), alice, bob, domain.CallStatusRinging)

	env.calls.On("GetByID", mock.Anything, call.CallID).Return(nil, apperrors.DatabaseError(assert.AnError)).Once()
	env.calls.On("GetByID", mock.Anything, call.CallID).Return(call, nil)
	env.calls.On("UpdateStatus", mock.Anything, call.CallID, domain.CallStatusRinging, domain.CallStatusMissed, mock.Anything).Return(nil)
	env.calls.On("UpdateAllJoinedParticipants", mock.Anything, call.CallID, domain.ParticipantStatusLeft, mock.AnythingOfType("time.Time")).Return(nil)

	env.svc.handleRingTimeout(call.CallID)

	assert.Equal(t, domain.CallStatusMissed, call.Status)
}

func TestRingTimeoutRetryDoesNotHoldCallLock(t *testing.T) {
	env := newTestEnv(time.Minute)

	alice := uuid.New()
	bob := uuid.New()
	call := twoPartyCall(uuid.New(), alice, bob, domain.CallStatusInitiating)

	firstAttempt := make(chan struct{})
	env.calls.On("GetByID", mock.Anything, call.CallID).Run(func(mock.Arguments) {
		close(firstAttempt)
	}).Return(nil, apperrors.DatabaseError(assert.AnError)).Once()
	env.calls.On("GetByID", mock.Anything, call.CallID).Return(call, nil)
	env.calls.On("UpdateStatus", mock.Anything, call.CallID, domain.CallStatusInitiating, domain.CallStatusActive, mock.Anything).Return(nil)
	env.calls.On("UpdateParticipant", mock.Anything, call.CallID, bob, mock.Anything).Return(nil)
	env.users.On("GetByID", mock.Anything, bob).Return(testUser(bob, "Bob"), nil)

	timerDone := make(chan struct{})
	go func() {
		env.svc.handleRingTimeout(call.CallID)
		close(timerDone)
	}()
	<-firstAttempt

	// While the handler sleeps before its retry, an accept on the same call
	// must get the lock instead of waiting out the full retry delay
	acceptDone := make(chan error, 1)
	go func() {
		_, err := env.svc.Accept(context.Background(), call.CallID, bob)
		acceptDone <- err
	}()

	select {
	case err := <-acceptDone:
		assert.NoError(t, err)
	case <-time.After(constants.RingTimeoutRetryDelay):
		t.Fatal("accept blocked behind the retrying ring-timeout handler")
	}

	<-timerDone
	assert.Equal(t, domain.CallStatusActive, call.Status)
}

func TestUnansweredCallTimesOutEndToEnd(t *testing.T) {
	env := newTestEnv(60 * time.Millisecond)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()

	env.users.On("GetByID", mock.Anything, mock.Anything).Return(testUser(alice, "Alice"), nil)
	env.convos.On("FindDirectBetween", mock.Anything, alice, bob).Return(&domain.Conversation{ConversationID: uuid.New()}, nil)

	var created *domain.Call
	env.calls.On("Create", mock.Anything, mock.AnythingOfType("*domain.Call")).Run(func(args mock.Arguments) {
		created = args.Get(1).(*domain.Call)
	}).Return(nil)

	call, err := env.svc.Initiate(ctx, &InitiateInput{
		InitiatorID: alice,
		CalleeID:    &bob,
		Kind:        domain.CallKindAudio,
	})
	assert.NoError(t, err)
	assert.NotNil(t, created)

	env.calls.On("GetByID", mock.Anything, call.CallID).Return(created, nil)
	env.calls.On("UpdateStatus", mock.Anything, call.CallID, mock.Anything, domain.CallStatusMissed, mock.Anything).Return(nil)
	env.calls.On("UpdateAllJoinedParticipants", mock.Anything, call.CallID, domain.ParticipantStatusLeft, mock.AnythingOfType("time.Time")).Return(nil)

	assert.Eventually(t, func() bool {
		return env.svc.index.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.CallStatusMissed, created.Status)
	assert.Equal(t, domain.EndReasonTimeout, created.EndReason)
	assert.False(t, env.svc.timers.Armed(call.CallID))
}

func TestUpdateParticipantState(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	call := groupCall(uuid.New(), domain.CallStatusActive, []uuid.UUID{a, b}, nil)

	muted := true
	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)
	env.calls.On("UpdateParticipant", ctx, call.CallID, a, mock.MatchedBy(func(f domain.ParticipantFields) bool {
		return f.IsMuted != nil && *f.IsMuted && f.Status == "" && f.LeftAt == nil
	})).Return(nil)
	env.users.On("GetByID", ctx, a).Return(testUser(a, "Ann"), nil)

	updated, err := env.svc.UpdateParticipantState(ctx, call.CallID, a, &UpdateFlagsInput{IsMuted: &muted})

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, updated.Status)
	assert.True(t, updated.Participant(a).IsMuted)
	assert.Equal(t, []uuid.UUID{b}, env.emitter.recipients(ActionStatusUpdated))
}

func TestUpdateParticipantStateRequiresActiveCall(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	call := groupCall(uuid.New(), domain.CallStatusRinging, []uuid.UUID{a}, []uuid.UUID{b})
	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	muted := true
	_, err := env.svc.UpdateParticipantState(ctx, call.CallID, a, &UpdateFlagsInput{IsMuted: &muted})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

func TestGetUserCallHistoryClampsLimit(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()
	userID := uuid.New()

	env.calls.On("GetUserCalls", ctx, userID, 20, 0).Return([]*domain.Call{}, nil).Once()
	env.calls.On("GetUserCalls", ctx, userID, 100, 0).Return([]*domain.Call{}, nil).Once()

	_, err := env.svc.GetUserCallHistory(ctx, userID, 0, 0)
	assert.NoError(t, err)
	_, err = env.svc.GetUserCallHistory(ctx, userID, 500, -5)
	assert.NoError(t, err)

	env.calls.AssertExpectations(t)
}

func TestTwoPartyCallLifecycle(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()

	env.users.On("GetByID", ctx, mock.Anything).Return(testUser(alice, "Alice"), nil)
	env.convos.On("FindDirectBetween", ctx, alice, bob).Return(&domain.Conversation{ConversationID: uuid.New()}, nil)

	var created *domain.Call
	env.calls.On("Create", ctx, mock.AnythingOfType("*domain.Call")).Run(func(args mock.Arguments) {
		created = args.Get(1).(*domain.Call)
	}).Return(nil)

	call, err := env.svc.Initiate(ctx, &InitiateInput{
		InitiatorID: alice,
		CalleeID:    &bob,
		Kind:        domain.CallKindAudio,
	})
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiating, call.Status)

	env.calls.On("GetByID", ctx, call.CallID).Return(created, nil)
	env.calls.On("UpdateStatus", ctx, call.CallID, domain.CallStatusInitiating, domain.CallStatusActive, mock.Anything).Return(nil)
	env.calls.On("UpdateParticipant", ctx, call.CallID, bob, mock.Anything).Return(nil)

	accepted, err := env.svc.Accept(ctx, call.CallID, bob)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, accepted.Status)
	assert.NotNil(t, accepted.AnsweredAt)
	assert.False(t, env.svc.timers.Armed(call.CallID))

	env.calls.On("UpdateStatus", ctx, call.CallID, domain.CallStatusActive, domain.CallStatusEnded, mock.MatchedBy(func(f domain.CallStatusFields) bool {
		return f.EndReason == domain.EndReasonEndedByUser
	})).Return(nil)
	env.calls.On("UpdateAllJoinedParticipants", ctx, call.CallID, domain.ParticipantStatusLeft, mock.AnythingOfType("time.Time")).Return(nil)

	ended, err := env.svc.End(ctx, call.CallID, alice)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, domain.EndReasonEndedByUser, ended.EndReason)
	for _, p := range ended.Participants {
		assert.Equal(t, domain.ParticipantStatusLeft, p.Status)
	}
	assert.Equal(t, 0, env.svc.index.Size())
}

func TestGroupCallLifecycle(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	chatID := uuid.New()

	env.users.On("GetByID", ctx, mock.Anything).Return(testUser(a, "Ann"), nil)
	env.convos.On("IsParticipant", ctx, chatID, a).Return(true, nil)

	var created *domain.Call
	env.calls.On("Create", ctx, mock.AnythingOfType("*domain.Call")).Run(func(args mock.Arguments) {
		created = args.Get(1).(*domain.Call)
	}).Return(nil)

	call, err := env.svc.Initiate(ctx, &InitiateInput{
		InitiatorID: a,
		ChatID:      &chatID,
		CalleeIDs:   []uuid.UUID{b, c},
		Kind:        domain.CallKindConference,
		IsGroup:     true,
	})
	assert.NoError(t, err)
	assert.Len(t, call.Participants, 3)

	env.calls.On("GetByID", ctx, call.CallID).Return(created, nil)
	env.calls.On("UpdateStatus", ctx, call.CallID, domain.CallStatusInitiating, domain.CallStatusActive, mock.Anything).Return(nil)
	env.calls.On("UpdateParticipant", ctx, call.CallID, mock.Anything, mock.Anything).Return(nil)

	_, err = env.svc.Accept(ctx, call.CallID, b)
	assert.NoError(t, err)

	joined, err := env.svc.Join(ctx, call.CallID, c)
	assert.NoError(t, err)
	assert.Equal(t, 3, joined.JoinedCount())

	_, err = env.svc.Leave(ctx, call.CallID, b)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, created.Status)

	env.calls.On("UpdateStatus", ctx, call.CallID, domain.CallStatusActive, domain.CallStatusEnded, mock.MatchedBy(func(f domain.CallStatusFields) bool {
		return f.EndReason == domain.EndReasonNoParticipants
	})).Return(nil)
	env.calls.On("UpdateAllJoinedParticipants", ctx, call.CallID, domain.ParticipantStatusLeft, mock.AnythingOfType("time.Time")).Return(nil)

	ended, err := env.svc.Leave(ctx, call.CallID, c)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, domain.EndReasonNoParticipants, ended.EndReason)
	assert.Equal(t, 0, env.svc.index.Size())
}

func TestFindActiveCallForUserPrefersIndex(t *testing.T) {
	env := newTestEnv(time.Minute)
	ctx := context.Background()

	userID := uuid.New()
	call := twoPartyCall(uuid.New(), userID, uuid.New(), domain.CallStatusActive)
	assert.NoError(t, env.svc.index.Reserve(call.CallID, userID))

	env.calls.On("GetByID", ctx, call.CallID).Return(call, nil)

	found, err := env.svc.FindActiveCallForUser(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, call.CallID, found.CallID)
	env.calls.AssertNotCalled(t, "FindActiveCallForUser", mock.Anything, mock.Anything)
}

package call

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/metrics"
)

// Action identifies the call event a notification intent describes
type Action string

const (
	ActionIncoming      Action = "incoming"
	ActionAccepted      Action = "accepted"
	ActionDeclined      Action = "declined"
	ActionEnded         Action = "ended"
	ActionJoined        Action = "joined"
	ActionLeft          Action = "left"
	ActionStatusUpdated Action = "status_updated"
)

// Intent is a structured "notify this user of this event" value, decoupled
// from actual delivery
type Intent struct {
	RecipientUserID uuid.UUID
	Title           string
	Message         string
	Data            map[string]string
}

// IntentEmitter delivers intents out-of-band. Implementations must never
// propagate delivery failures back to the caller.
type IntentEmitter interface {
	Emit(intents []Intent)
}

type template struct {
	title   string
	message string
}

// Fixed action templates; {user} is replaced with the actor's display name.
// Exact copy is a presentation concern, not part of the state machine.
var intentTemplates = map[Action]template{
	ActionIncoming:      {"Incoming call", "{user} is calling"},
	ActionAccepted:      {"Call accepted", "{user} accepted the call"},
	ActionDeclined:      {"Call declined", "{user} declined the call"},
	ActionEnded:         {"Call ended", "The call has ended"},
	ActionJoined:        {"Participant joined", "{user} joined the call"},
	ActionLeft:          {"Participant left", "{user} left the call"},
	ActionStatusUpdated: {"Call updated", "{user} updated their status"},
}

// buildIntents maps (call, action, actor) to one intent per participant other
// than the actor. Participants who already declined or left are skipped.
func buildIntents(c *domain.Call, action Action, actorID uuid.UUID, actorName string) []Intent {
	tmpl, ok := intentTemplates[action]
	if !ok {
		return nil
	}

	message := strings.ReplaceAll(tmpl.message, "{user}", actorName)

	data := map[string]string{
		"call_id":      c.CallID.String(),
		"action":       string(action),
		"from_user_id": actorID.String(),
		"kind":         string(c.Kind),
		"is_group":     strconv.FormatBool(c.IsGroup),
	}
	if c.ChatID != nil {
		data["chat_id"] = c.ChatID.String()
	}

	var intents []Intent
	for _, p := range c.Participants {
		if p.UserID == actorID {
			continue
		}
		if p.Status == domain.ParticipantStatusDeclined || p.Status == domain.ParticipantStatusLeft {
			continue
		}
		// Each intent gets its own copy; deliveries must not alias payloads
		payload := make(map[string]string, len(data))
		for k, v := range data {
			payload[k] = v
		}
		intents = append(intents, Intent{
			RecipientUserID: p.UserID,
			Title:           tmpl.title,
			Message:         message,
			Data:            payload,
		})
	}

	if len(intents) > 0 {
		metrics.CallIntentEmittedTotal.WithLabelValues(string(action)).Add(float64(len(intents)))
	}

	return intents
}

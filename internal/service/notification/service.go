package notification

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wavelink-backend/internal/service/call"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
	"wavelink-backend/pkg/push"
)

const dispatchTimeout = 10 * time.Second

// Dispatcher delivers call notification intents over push. Delivery is best
// effort: every failure is logged and swallowed so a committed call transition
// can never be rolled back by a delivery problem.
type Dispatcher struct {
	push *push.Service
}

// NewDispatcher creates a new notification dispatcher
func NewDispatcher(pushService *push.Service) *Dispatcher {
	return &Dispatcher{push: pushService}
}

// Emit dispatches the intents asynchronously and returns immediately
func (d *Dispatcher) Emit(intents []call.Intent) {
	if d.push == nil || len(intents) == 0 {
		return
	}
	go d.dispatch(intents)
}

func (d *Dispatcher) dispatch(intents []call.Intent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("panic while dispatching call notifications", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	for _, intent := range intents {
		notification := &push.Notification{
			Title:    intent.Title,
			Body:     intent.Message,
			Data:     intent.Data,
			Priority: "high",
			Category: "call",
		}
		if intent.Data["action"] == string(call.ActionIncoming) {
			notification.Sound = "ringtone"
		}

		if err := d.push.SendToUser(ctx, notification, intent.RecipientUserID); err != nil {
			metrics.CallIntentDispatchTotal.WithLabelValues("failed").Inc()
			logger.Log.Warn("failed to deliver call notification",
				zap.String("recipient_id", intent.RecipientUserID.String()),
				zap.String("action", intent.Data["action"]),
				zap.Error(err),
			)
			continue
		}
		metrics.CallIntentDispatchTotal.WithLabelValues("delivered").Inc()
	}
}

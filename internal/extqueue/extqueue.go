// Package extqueue is the Session Authority's external execution queue
// sender: handing a dispatched execution message to the configured event
// bus (NATS when configured, in-process otherwise) on the subject consumers
// watch to pick up work.
package extqueue

import (
	"context"
	"fmt"

	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/events/bus"
)

// Sender publishes dispatched execution messages to consumers.
type Sender struct {
	eventBus bus.EventBus
	subject  string
}

// New wraps eventBus, publishing to cfg.NATS.Subject.
func New(eventBus bus.EventBus, cfg config.NATSConfig) *Sender {
	return &Sender{eventBus: eventBus, subject: cfg.Subject}
}

// DispatchMessage is the payload handed to a queue consumer: enough to
// acquire a lease (C3) and invoke the sandbox orchestrator (C5).
type DispatchMessage struct {
	SessionID   string `json:"sessionId"`
	ExecutionID string `json:"executionId"`
	MessageJSON string `json:"messageJson"`
}

// Send publishes msg to the execution dispatch subject.
func (s *Sender) Send(ctx context.Context, msg DispatchMessage) error {
	ev := bus.NewEvent("execution.dispatch", "session-authority", map[string]interface{}{
		"sessionId":   msg.SessionID,
		"executionId": msg.ExecutionID,
		"messageJson": msg.MessageJSON,
	})
	if err := s.eventBus.Publish(ctx, s.subject, ev); err != nil {
		return fmt.Errorf("publish dispatch message: %w", err)
	}
	return nil
}

// Subscribe registers handler as a queue-grouped consumer of dispatch
// messages, load-balanced across every subscriber in the same queue group.
func (s *Sender) Subscribe(queueGroup string, handler func(ctx context.Context, msg DispatchMessage) error) (bus.Subscription, error) {
	return s.eventBus.QueueSubscribe(s.subject, queueGroup, func(ctx context.Context, ev *bus.Event) error {
		sessionID, _ := ev.Data["sessionId"].(string)
		executionID, _ := ev.Data["executionId"].(string)
		messageJSON, _ := ev.Data["messageJson"].(string)
		return handler(ctx, DispatchMessage{SessionID: sessionID, ExecutionID: executionID, MessageJSON: messageJSON})
	})
}

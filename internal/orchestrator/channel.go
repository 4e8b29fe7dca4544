package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

// DefaultContentType is used for artifacts stored without one.
const DefaultContentType = "application/octet-stream"

// Send queues payload from sender to recipient. A models.Broadcast recipient
// fans out to every agent that is not offline right now, except the sender;
// agents that register later do not see it. It returns the stored messages,
// one per actual recipient.
func (c *Coordinator) Send(ctx context.Context, sender, recipient string, payload models.Payload) ([]models.Message, error) {
	if err := requireID("recipient", recipient); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	now := c.now()
	recipients := []string{recipient}
	if recipient == models.Broadcast {
		live, err := c.store.ListLiveAgentIDs(ctx, c.registry.OfflineCutoff(now))
		if err != nil {
			return nil, err
		}
		recipients = recipients[:0]
		for _, id := range live {
			if id != sender {
				recipients = append(recipients, id)
			}
		}
	}

	msgs := make([]models.Message, 0, len(recipients))
	for _, to := range recipients {
		msgs = append(msgs, models.Message{
			ID:        c.opts.newID(),
			Sender:    sender,
			Recipient: to,
			Payload:   payload,
			CreatedAt: now,
		})
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if err := c.store.InsertMessages(ctx, msgs); err != nil {
		return nil, err
	}

	c.metrics.recordMessages(len(msgs))
	c.emit(OrchestratorEvent{
		Type:    EventMessageSent,
		AgentID: sender,
		Message: fmt.Sprintf("to %s (%d recipients)", recipient, len(msgs)),
	})
	return msgs, nil
}

// Receive returns agentID's undelivered messages in send order and marks
// them delivered. Each message is returned by exactly one Receive.
func (c *Coordinator) Receive(ctx context.Context, agentID string) ([]models.Message, error) {
	if err := requireID("agent", agentID); err != nil {
		return nil, err
	}
	return c.store.DrainMessages(ctx, agentID, c.now())
}

// PutArtifact attaches immutable content to taskID and returns the new artifact ID.
func (c *Coordinator) PutArtifact(ctx context.Context, taskID string, content []byte, contentType string) (string, error) {
	defer c.metrics.observe("put_artifact", time.Now())
	if contentType == "" {
		contentType = DefaultContentType
	}
	a := &models.Artifact{
		ID:          c.opts.newID(),
		TaskID:      taskID,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   c.now(),
	}
	if err := c.store.InsertArtifact(ctx, a); err != nil {
		return "", err
	}
	c.emit(OrchestratorEvent{Type: EventArtifactStored, TaskID: taskID, Message: a.ID})
	return a.ID, nil
}

// GetArtifacts returns taskID's artifacts in the order they were stored.
func (c *Coordinator) GetArtifacts(ctx context.Context, taskID string) ([]models.Artifact, error) {
	if _, err := c.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return c.store.ListArtifacts(ctx, taskID)
}

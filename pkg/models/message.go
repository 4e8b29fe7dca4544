package models

import "time"

// Broadcast is the recipient value that fans a message out to every live agent.
const Broadcast = "*"

// Message is a fire-and-forget note addressed to an agent.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Payload   Payload   `json:"payload"`
	Delivered bool      `json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
}

// IsBroadcast reports whether the message targets all agents.
func (m *Message) IsBroadcast() bool {
	return m.Recipient == Broadcast
}

// Artifact is an immutable output produced by a task.
type Artifact struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Content     []byte    `json:"content"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

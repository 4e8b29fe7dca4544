package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

// InsertMessages stores msgs in one transaction, in the given order.
func (db *DB) InsertMessages(ctx context.Context, msgs []models.Message) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			payload, err := json.Marshal(m.Payload)
			if err != nil {
				return fmt.Errorf("encode message payload: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, sender, recipient, payload, delivered, created_at)
				VALUES (?, ?, ?, ?, 0, ?)
			`, m.ID, m.Sender, m.Recipient, string(payload), formatTime(m.CreatedAt)); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		return nil
	})
}

// DrainMessages returns recipient's undelivered messages in send order and
// marks them delivered. Each message is claimed by a conditional update, so
// two concurrent drains never both return the same message.
func (db *DB) DrainMessages(ctx context.Context, recipient string, now time.Time) ([]models.Message, error) {
	pending, err := db.listMessages(ctx, `WHERE recipient = ? AND delivered = 0`, recipient)
	if err != nil {
		return nil, err
	}

	var out []models.Message
	for _, m := range pending {
		res, err := db.exec(ctx, `
			UPDATE messages SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0
		`, formatTime(now), m.ID)
		if err != nil {
			return out, fmt.Errorf("mark message %s delivered: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			m.Delivered = true
			out = append(out, m)
		}
	}
	return out, nil
}

// PendingMessageCount returns how many messages await delivery to recipient.
func (db *DB) PendingMessageCount(ctx context.Context, recipient string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE recipient = ? AND delivered = 0`, recipient).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (db *DB) listMessages(ctx context.Context, where string, args ...any) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender, recipient, payload, delivered, created_at FROM messages
	`+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var payload, createdAt string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &payload, &m.Delivered, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", m.ID, err)
		}
		m.CreatedAt = mustParseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

const agentSelect = `
	SELECT a.id, a.capabilities, a.last_heartbeat, a.registered_at,
		COALESCE((SELECT t.id FROM tasks t
			WHERE t.assigned_agent = a.id AND t.state IN ('claimed', 'in_progress')
			ORDER BY t.updated_at DESC LIMIT 1), '')
	FROM agents a`

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var caps, lastHeartbeat, registeredAt string
	if err := row.Scan(&a.ID, &caps, &lastHeartbeat, &registeredAt, &a.CurrentTask); err != nil {
		return nil, err
	}
	if caps != "" && caps != "[]" {
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of %s: %w", a.ID, err)
		}
	}
	a.LastHeartbeat = mustParseTime(lastHeartbeat)
	a.RegisteredAt = mustParseTime(registeredAt)
	return &a, nil
}

// UpsertHeartbeat records a heartbeat, registering the agent on first sight.
// A nil caps keeps the capabilities from the previous heartbeat.
func (db *DB) UpsertHeartbeat(ctx context.Context, id string, caps []string, now time.Time) (*models.Agent, error) {
	ts := formatTime(now)
	var err error
	if caps == nil {
		_, err = db.exec(ctx, `
			INSERT INTO agents (id, capabilities, last_heartbeat, registered_at) VALUES (?, '[]', ?, ?)
			ON CONFLICT(id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat
		`, id, ts, ts)
	} else {
		_, err = db.exec(ctx, `
			INSERT INTO agents (id, capabilities, last_heartbeat, registered_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_heartbeat = excluded.last_heartbeat,
				capabilities = excluded.capabilities
		`, id, encodeStrings(caps), ts, ts)
	}
	if err != nil {
		return nil, fmt.Errorf("record heartbeat for %s: %w", id, err)
	}
	return db.GetAgent(ctx, id)
}

// GetAgent returns a registered agent, or an error matching models.ErrAgentNotFound.
// Status is left empty; liveness is derived by the caller against its own clock.
func (db *DB) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := scanAgent(db.conn.QueryRowContext(ctx, agentSelect+` WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every registered agent ordered by ID.
func (db *DB) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := db.conn.QueryContext(ctx, agentSelect+` ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ListLiveAgentIDs returns agents whose last heartbeat is after cutoff.
func (db *DB) ListLiveAgentIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM agents WHERE last_heartbeat > ? ORDER BY id`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list live agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteAgent removes an agent from the registry. Its tasks and locks stay
// in place; with no registry entry the agent reads as offline, so the next
// sweep recovers them. Returns false when the agent was unknown.
func (db *DB) DeleteAgent(ctx context.Context, id string) (bool, error) {
	res, err := db.exec(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	return n > 0, nil
}

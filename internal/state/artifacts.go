package state

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/coord/pkg/models"
)

// InsertArtifact stores an immutable artifact. The task existence check and
// the insert are one statement; an unknown task yields models.ErrTaskNotFound.
func (db *DB) InsertArtifact(ctx context.Context, a *models.Artifact) error {
	content := a.Content
	if content == nil {
		content = []byte{}
	}
	res, err := db.exec(ctx, `
		INSERT INTO artifacts (id, task_id, content, content_type, created_at)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM tasks WHERE id = ?)
	`, a.ID, a.TaskID, content, a.ContentType, formatTime(a.CreatedAt), a.TaskID)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, a.TaskID)
	}
	return nil
}

// ListArtifacts returns a task's artifacts in the order they were stored.
func (db *DB) ListArtifacts(ctx context.Context, taskID string) ([]models.Artifact, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, task_id, content, content_type, created_at FROM artifacts
		WHERE task_id = ? ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Content, &a.ContentType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = mustParseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

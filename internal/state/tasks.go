package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/coord/internal/graph"
	"github.com/ShayCichocki/coord/pkg/models"
)

const taskColumns = `id, title, description, priority, capabilities, state, assigned_agent, result, error, created_at, updated_at`

// runnablePredicate is true for a task row t whose every dependency exists and is completed.
const runnablePredicate = `NOT EXISTS (
	SELECT 1 FROM task_deps d LEFT JOIN tasks p ON p.id = d.depends_on
	WHERE d.task_id = t.id AND (p.id IS NULL OR p.state != 'completed'))`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var caps, state, createdAt, updatedAt string
	var result sql.NullString
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &caps, &state,
		&t.AssignedAgent, &result, &t.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.State = models.TaskState(state)
	if caps != "" && caps != "[]" {
		if err := json.Unmarshal([]byte(caps), &t.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of %s: %w", t.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		var p models.Payload
		if err := json.Unmarshal([]byte(result.String), &p); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", t.ID, err)
		}
		t.Result = &p
	}
	t.CreatedAt = mustParseTime(createdAt)
	t.UpdatedAt = mustParseTime(updatedAt)
	return &t, nil
}

func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

// getTask loads a task and its ordered dependencies, or returns models.ErrTaskNotFound.
func getTask(ctx context.Context, q queryer, id string) (*models.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("get task deps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan task dep: %w", err)
		}
		t.DependsOn = append(t.DependsOn, dep)
	}
	return t, rows.Err()
}

// loadEdges returns the whole dependency relation keyed by task ID. Every
// stored task has an entry, even without dependencies.
func loadEdges(ctx context.Context, q queryer) (map[string][]string, error) {
	edges := make(map[string][]string)

	rows, err := q.QueryContext(ctx, `SELECT id FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("load task ids: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		edges[id] = nil
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `SELECT task_id, depends_on FROM task_deps ORDER BY task_id, position`)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges[id] = append(edges[id], dep)
	}
	return edges, rows.Err()
}

// scanTaskRows drains rows into tasks and attaches dependencies from edges.
func scanTaskRows(rows *sql.Rows, edges map[string][]string) ([]models.Task, error) {
	defer rows.Close()
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.DependsOn = edges[t.ID]
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// SubmitTask validates t against the stored graph and inserts or redefines it.
// Only queued tasks may be redefined; a redefinition keeps the original
// creation time and replaces the dependency list. A rejected submission leaves
// the store untouched.
func (db *DB) SubmitTask(ctx context.Context, t *models.Task, now time.Time) (*models.Task, error) {
	var stored *models.Task
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		// Writing first takes SQLite's write lock, so no other submission can
		// change the graph between our read of it and our insert.
		if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'graph_version'`); err != nil {
			return fmt.Errorf("bump graph version: %w", err)
		}

		existing, err := getTask(ctx, tx, t.ID)
		if err != nil && !errors.Is(err, models.ErrTaskNotFound) {
			return err
		}
		if existing != nil && existing.State != models.TaskQueued {
			return &models.TransitionError{
				TaskID: t.ID,
				From:   existing.State,
				To:     models.TaskQueued,
				Reason: "only queued tasks can be redefined",
			}
		}

		edges, err := loadEdges(ctx, tx)
		if err != nil {
			return err
		}
		if err := graph.Validate(edges, t.ID, t.DependsOn); err != nil {
			return err
		}

		out := *t
		out.DependsOn = dedupeIDs(t.DependsOn)
		out.State = models.TaskQueued
		out.AssignedAgent = ""
		out.Result = nil
		out.Error = ""
		out.CreatedAt = now
		out.UpdatedAt = now
		if existing != nil {
			out.CreatedAt = existing.CreatedAt
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET title = ?, description = ?, priority = ?, capabilities = ?, updated_at = ?
				WHERE id = ?
			`, out.Title, out.Description, out.Priority, encodeStrings(out.Capabilities), formatTime(now), out.ID)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (id, title, description, priority, capabilities, state, assigned_agent, error, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 'queued', '', '', ?, ?)
			`, out.ID, out.Title, out.Description, out.Priority, encodeStrings(out.Capabilities), formatTime(now), formatTime(now))
		}
		if err != nil {
			return fmt.Errorf("write task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id = ?`, out.ID); err != nil {
			return fmt.Errorf("clear task deps: %w", err)
		}
		for i, dep := range out.DependsOn {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_deps (task_id, depends_on, position) VALUES (?, ?, ?)`,
				out.ID, dep, i); err != nil {
				return fmt.Errorf("write task dep: %w", err)
			}
		}

		stored = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetTask returns a task by ID, or an error matching models.ErrTaskNotFound.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, db.conn, id)
}

// ListTasks returns tasks matching filter in submission order.
func (db *DB) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.Agent != "" {
		query += ` AND assigned_agent = ?`
		args = append(args, filter.Agent)
	}
	query += ` ORDER BY seq`

	edges, err := loadEdges(ctx, db.conn)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTaskRows(rows, edges)
}

// LoadEdges returns the stored dependency relation keyed by task ID.
func (db *DB) LoadEdges(ctx context.Context) (map[string][]string, error) {
	return loadEdges(ctx, db.conn)
}

// RunnableTasks returns queued tasks whose dependencies are all completed,
// in claim order: priority descending, then oldest first.
func (db *DB) RunnableTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.state = 'queued' AND `+runnablePredicate+`
		ORDER BY t.priority DESC, t.created_at ASC, t.seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runnable tasks: %w", err)
	}
	return scanTaskRows(rows, nil)
}

// CountTasksByState returns how many tasks sit in each state.
func (db *DB) CountTasksByState(ctx context.Context) (map[models.TaskState]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskState]int, len(models.TaskStates))
	for _, s := range models.TaskStates {
		counts[s] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.TaskState(state)] = n
	}
	return counts, rows.Err()
}

// ClaimNext atomically assigns the best runnable task to agentID.
//
// A nil filter claims regardless of capabilities; otherwise the task's
// required capabilities must be a subset of filter. An agent holding a
// claimed or in-progress task gets models.ErrAgentBusy. When nothing
// qualifies the error is models.ErrNoRunnableTask.
func (db *DB) ClaimNext(ctx context.Context, agentID string, filter []string, now time.Time) (*models.Task, error) {
	busy, err := db.agentHoldsTask(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, fmt.Errorf("%w: %s", models.ErrAgentBusy, agentID)
	}

	candidates, err := db.RunnableTasks(ctx)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		c := &candidates[i]
		if filter != nil && !c.SatisfiedBy(filter) {
			continue
		}

		ok, err := db.casClaim(ctx, c, agentID, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return db.GetTask(ctx, c.ID)
		}

		// Lost c to another claimer, or the agent claimed elsewhere meanwhile.
		busy, err := db.agentHoldsTask(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, fmt.Errorf("%w: %s", models.ErrAgentBusy, agentID)
		}
	}

	return nil, models.ErrNoRunnableTask
}

// casClaim moves c from queued to claimed only if it is unchanged since it
// was read, still runnable, and the agent holds nothing else.
func (db *DB) casClaim(ctx context.Context, c *models.Task, agentID string, now time.Time) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE tasks SET state = 'claimed', assigned_agent = ?, updated_at = ?
		WHERE id = ? AND state = 'queued' AND updated_at = ?
		  AND NOT EXISTS (
			SELECT 1 FROM task_deps d LEFT JOIN tasks p ON p.id = d.depends_on
			WHERE d.task_id = tasks.id AND (p.id IS NULL OR p.state != 'completed'))
		  AND NOT EXISTS (
			SELECT 1 FROM tasks held
			WHERE held.assigned_agent = ? AND held.state IN ('claimed', 'in_progress'))
	`, agentID, formatTime(now), c.ID, formatTime(c.UpdatedAt), agentID)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", c.ID, err)
	}
	return n == 1, nil
}

func (db *DB) agentHoldsTask(ctx context.Context, agentID string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE assigned_agent = ? AND state IN ('claimed', 'in_progress')
	`, agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check agent tasks: %w", err)
	}
	return n > 0, nil
}

// transition describes one conditional lifecycle change.
type transition struct {
	id     string
	from   []models.TaskState
	to     models.TaskState
	agent  string // when set, the task must be assigned to this agent
	clear  bool   // clear assigned_agent
	result *models.Payload
	errMsg string
}

// apply runs the conditional update. Zero rows affected is reported as
// models.ErrTaskNotFound or a *models.TransitionError describing the
// state actually observed.
func (db *DB) apply(ctx context.Context, tr transition, now time.Time) (*models.Task, error) {
	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{string(tr.to), formatTime(now)}
	if tr.clear {
		sets = append(sets, "assigned_agent = ''")
	}
	if tr.result != nil {
		b, err := json.Marshal(tr.result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(b))
	}
	if tr.errMsg != "" {
		sets = append(sets, "error = ?")
		args = append(args, tr.errMsg)
	}

	placeholders := make([]string, len(tr.from))
	args = append(args, tr.id)
	for i, s := range tr.from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	where := fmt.Sprintf("id = ? AND state IN (%s)", strings.Join(placeholders, ", "))
	if tr.agent != "" {
		where += " AND assigned_agent = ?"
		args = append(args, tr.agent)
	}

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE %s", strings.Join(sets, ", "), where)

	// The update and the read share one write transaction, so a rejected
	// transition reports the state that actually blocked it.
	var task *models.Task
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		current, err := getTask(ctx, tx, tr.id)
		if err != nil {
			return err
		}
		if n == 1 {
			task = current
			return nil
		}

		te := &models.TransitionError{TaskID: tr.id, From: current.State, To: tr.to}
		if tr.agent != "" && current.AssignedAgent != tr.agent && current.State.Active() {
			te.Reason = fmt.Sprintf("assigned to %s, not %s", current.AssignedAgent, tr.agent)
		}
		return te
	})
	if err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) || errors.Is(err, models.ErrTaskNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("move task %s to %s: %w", tr.id, tr.to, err)
	}
	return task, nil
}

// StartTask moves a claimed task to in_progress. Only the assignee may start it.
func (db *DB) StartTask(ctx context.Context, id, agentID string, now time.Time) (*models.Task, error) {
	return db.apply(ctx, transition{
		id:    id,
		from:  []models.TaskState{models.TaskClaimed},
		to:    models.TaskInProgress,
		agent: agentID,
	}, now)
}

// CompleteTask moves an in-progress task to completed and records result.
func (db *DB) CompleteTask(ctx context.Context, id string, result models.Payload, now time.Time) (*models.Task, error) {
	return db.apply(ctx, transition{
		id:     id,
		from:   []models.TaskState{models.TaskInProgress},
		to:     models.TaskCompleted,
		result: &result,
	}, now)
}

// FailTask moves an in-progress task to failed and records reason.
func (db *DB) FailTask(ctx context.Context, id, reason string, now time.Time) (*models.Task, error) {
	if reason == "" {
		reason = "failed"
	}
	p := models.ErrorPayload(reason)
	return db.apply(ctx, transition{
		id:     id,
		from:   []models.TaskState{models.TaskInProgress},
		to:     models.TaskFailed,
		result: &p,
		errMsg: reason,
	}, now)
}

// CancelTask cancels a queued or claimed task. Dependents are not touched;
// they stay queued and show up in ListStuckTasks.
func (db *DB) CancelTask(ctx context.Context, id string, now time.Time) (*models.Task, error) {
	return db.apply(ctx, transition{
		id:   id,
		from: []models.TaskState{models.TaskQueued, models.TaskClaimed},
		to:   models.TaskCancelled,
	}, now)
}

// RequeueTask returns a claimed or in-progress task to the queue and clears
// its assignee. Requeueing a queued task is a no-op and reports changed=false.
func (db *DB) RequeueTask(ctx context.Context, id string, now time.Time) (task *models.Task, changed bool, err error) {
	task, err = db.apply(ctx, transition{
		id:    id,
		from:  []models.TaskState{models.TaskClaimed, models.TaskInProgress},
		to:    models.TaskQueued,
		clear: true,
	}, now)
	var te *models.TransitionError
	if errors.As(err, &te) && te.From == models.TaskQueued {
		task, err = db.GetTask(ctx, id)
		return task, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// RequeueOfflineTasks requeues every claimed or in-progress task whose
// assignee is unregistered or last heartbeated at or before cutoff. Each task
// is moved by its own conditional update, so concurrent sweeps never requeue
// the same claim twice and a fresh heartbeat landing first wins.
func (db *DB) RequeueOfflineTasks(ctx context.Context, cutoff, now time.Time) ([]models.Task, error) {
	c := formatTime(cutoff)
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, assigned_agent FROM tasks t
		WHERE t.state IN ('claimed', 'in_progress') AND `+offlineHolder("t.assigned_agent")+`
		ORDER BY t.seq
	`, c)
	if err != nil {
		return nil, fmt.Errorf("find orphaned tasks: %w", err)
	}
	type orphan struct{ id, agent string }
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.agent); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan orphaned task: %w", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var requeued []models.Task
	for _, o := range orphans {
		res, err := db.exec(ctx, `
			UPDATE tasks SET state = 'queued', assigned_agent = '', updated_at = ?
			WHERE id = ? AND assigned_agent = ? AND state IN ('claimed', 'in_progress')
			  AND `+offlineHolder("tasks.assigned_agent"),
			formatTime(now), o.id, o.agent, c)
		if err != nil {
			return requeued, fmt.Errorf("requeue task %s: %w", o.id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		t, err := db.GetTask(ctx, o.id)
		if err != nil {
			return requeued, err
		}
		// Report who lost it even though the row no longer names them.
		t.AssignedAgent = o.agent
		requeued = append(requeued, *t)
	}
	return requeued, nil
}

// ListStuckTasks returns queued tasks that can never become runnable because
// a direct dependency is missing, failed or cancelled.
func (db *DB) ListStuckTasks(ctx context.Context) ([]models.StuckTask, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on, COALESCE(p.state, '')
		FROM task_deps d
		JOIN tasks t ON t.id = d.task_id
		LEFT JOIN tasks p ON p.id = d.depends_on
		WHERE t.state = 'queued' AND (p.id IS NULL OR p.state IN ('failed', 'cancelled'))
		ORDER BY t.seq, d.position
	`)
	if err != nil {
		return nil, fmt.Errorf("list stuck tasks: %w", err)
	}

	var order []string
	blocked := make(map[string][]models.Blocker)
	for rows.Next() {
		var id, dep, state string
		if err := rows.Scan(&id, &dep, &state); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stuck task: %w", err)
		}
		if _, ok := blocked[id]; !ok {
			order = append(order, id)
		}
		b := models.Blocker{ID: dep, State: models.TaskState(state)}
		if state == "" {
			b.Missing = true
		}
		blocked[id] = append(blocked[id], b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stuck := make([]models.StuckTask, 0, len(order))
	for _, id := range order {
		t, err := db.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		stuck = append(stuck, models.StuckTask{Task: *t, BlockedBy: blocked[id]})
	}
	return stuck, nil
}

func dedupeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

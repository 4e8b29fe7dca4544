// Package state provides SQLite-based state management for coord.
package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

// TaskStore handles task and dependency persistence.
type TaskStore interface {
	SubmitTask(ctx context.Context, t *models.Task, now time.Time) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error)
	LoadEdges(ctx context.Context) (map[string][]string, error)
	GraphVersion(ctx context.Context) (int64, error)
	RunnableTasks(ctx context.Context) ([]models.Task, error)
	CountTasksByState(ctx context.Context) (map[models.TaskState]int, error)
	ClaimNext(ctx context.Context, agentID string, filter []string, now time.Time) (*models.Task, error)
	StartTask(ctx context.Context, id, agentID string, now time.Time) (*models.Task, error)
	CompleteTask(ctx context.Context, id string, result models.Payload, now time.Time) (*models.Task, error)
	FailTask(ctx context.Context, id, reason string, now time.Time) (*models.Task, error)
	CancelTask(ctx context.Context, id string, now time.Time) (*models.Task, error)
	RequeueTask(ctx context.Context, id string, now time.Time) (*models.Task, bool, error)
	ListStuckTasks(ctx context.Context) ([]models.StuckTask, error)
}

// AgentStore handles the heartbeat registry.
type AgentStore interface {
	UpsertHeartbeat(ctx context.Context, id string, caps []string, now time.Time) (*models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	ListLiveAgentIDs(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteAgent(ctx context.Context, id string) (bool, error)
}

// LockStore handles resource lock rows. Writes are conditional on the row
// the caller observed; a false result means someone else got there first.
type LockStore interface {
	GetLock(ctx context.Context, key string) (*models.Lock, error)
	InsertLock(ctx context.Context, l *models.Lock) (bool, error)
	ReplaceLock(ctx context.Context, l, prev *models.Lock) (bool, error)
	ReclaimLock(ctx context.Context, l, prev *models.Lock, cutoff time.Time) (bool, error)
	DeleteLock(ctx context.Context, key, holder string) (bool, error)
	RenewLock(ctx context.Context, key, holder string, ttl time.Duration, now time.Time) (*models.Lock, error)
	ListLocks(ctx context.Context, holder string) ([]models.Lock, error)
}

// MessageStore handles the agent message channel.
type MessageStore interface {
	InsertMessages(ctx context.Context, msgs []models.Message) error
	DrainMessages(ctx context.Context, recipient string, now time.Time) ([]models.Message, error)
	PendingMessageCount(ctx context.Context, recipient string) (int, error)
}

// ArtifactStore handles immutable task outputs.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, a *models.Artifact) error
	ListArtifacts(ctx context.Context, taskID string) ([]models.Artifact, error)
}

// Recoverer reclaims work and locks from offline agents.
type Recoverer interface {
	RecoverOffline(ctx context.Context, cutoff, now time.Time) (*RecoveryReport, error)
	CheckRecovery(ctx context.Context, cutoff time.Time) (*RecoveryInfo, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore defines the interface for state persistence.
// This interface allows the coordinator to work with any state backend
// without depending on the concrete SQLite implementation.
// It composes focused sub-interfaces for better modularity.
type StateStore interface {
	io.Closer
	Migrator
	TaskStore
	AgentStore
	LockStore
	MessageStore
	ArtifactStore
	Recoverer
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore    = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ TaskStore     = (*DB)(nil)
	_ AgentStore    = (*DB)(nil)
	_ LockStore     = (*DB)(nil)
	_ MessageStore  = (*DB)(nil)
	_ ArtifactStore = (*DB)(nil)
	_ Recoverer     = (*DB)(nil)
)

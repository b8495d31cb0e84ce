package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/circlesabound/fctrl/server/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination and filtering options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

// AgentRepository persists the set of Agents the AgentRegistry knows about.
// Unlike the teacher's pull-registration Agent model, records here are keyed
// by network address rather than a registration token -- there is no
// handshake to persist state for, only the address an AgentLinkSupervisor
// dials.
type AgentRepository interface {
	Create(ctx context.Context, agent *db.AgentRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.AgentRecord, error)
	GetByAddress(ctx context.Context, address string) (*db.AgentRecord, error)
	Update(ctx context.Context, agent *db.AgentRecord) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.AgentRecord, int64, error)
}

// -----------------------------------------------------------------------------
// OperationRepository
// -----------------------------------------------------------------------------

// OperationRepository is the durable ledger of dispatched agent operations,
// grounded on the teacher's JobRepository but retargeted from "one backup
// execution" to "one OperationRouter-dispatched agent RPC".
type OperationRepository interface {
	Create(ctx context.Context, op *db.OperationRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.OperationRecord, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, endedAt *time.Time, errMsg string) error
	List(ctx context.Context, opts ListOptions) ([]db.OperationRecord, int64, error)
	ListByAgent(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.OperationRecord, int64, error)
}

// -----------------------------------------------------------------------------
// MetricRepository
// -----------------------------------------------------------------------------

// MetricRepository is the durable metric point store RpcHandler writes to
// and the REST API reads from. Grounded on the teacher's JobLog bulk-insert
// pattern (BulkCreateLogs), retargeted from execution log lines to the
// RPC-sourced (name, value, timestamp) triples the specification's metrics
// model describes.
type MetricRepository interface {
	BulkCreate(ctx context.Context, points []db.MetricPoint) error
	ListByAgentAndName(ctx context.Context, agentID uuid.UUID, name string, since time.Time) ([]db.MetricPoint, error)
	DeleteOlderThan(ctx context.Context, t time.Time) error
}

// -----------------------------------------------------------------------------
// NotificationRepository
// -----------------------------------------------------------------------------

type NotificationRepository interface {
	Create(ctx context.Context, notification *db.Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkAsRead(ctx context.Context, id uuid.UUID) error
	MarkAllAsRead(ctx context.Context, userID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Notification, int64, error)
	DeleteReadOlderThan(ctx context.Context, t time.Time) error
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}

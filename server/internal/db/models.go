package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User is a locally-authenticated operator of the Management Server. The
// OIDC/OAuth identity subsystem named in the specification's Non-goals is
// explicitly out of scope, so unlike the teacher's User model this carries
// no OIDCProvider/OIDCSub fields.
type User struct {
	base
	Email       string          `gorm:"uniqueIndex;not null"`
	Password    EncryptedString `gorm:"type:text;not null"`
	DisplayName string          `gorm:"not null"`
	Role        string          `gorm:"not null;default:'user'"` // "admin" or "user"
	IsActive    bool            `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored -- only its SHA-256 hash. Tokens are rotated
// on every use.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// AgentRecord is the durable record of one Agent this Management Server
// knows about: its network address and the live/last-known connectivity
// state of its AgentLinkSupervisor. Unlike the teacher's Agent model (which
// tracks a pull-pattern gRPC registration), this agent dials in as a
// WebSocket server and is addressed directly by host:port -- there is no
// registration handshake to persist a token for.
type AgentRecord struct {
	softDelete
	Name       string `gorm:"not null"`
	Address    string `gorm:"not null;uniqueIndex"` // host:port of the Agent's WebSocket listener
	Status     string `gorm:"not null;default:'Connecting'"` // mirrors agentlink.Status
	LastSeenAt *time.Time
	Labels     string `gorm:"type:text;default:'{}'"` // JSON key-value pairs for filtering
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// OperationRecord is the durable ledger entry for one dispatched agent
// operation, so a caller can poll an operation's outcome after its
// streaming endpoint has been consumed (or missed). Grounded on the
// teacher's Job model's pending/running/succeeded/failed status lifecycle,
// retargeted from "one backup execution" to "one agent RPC's lifecycle".
type OperationRecord struct {
	base
	AgentID     uuid.UUID `gorm:"type:text;not null;index"`
	Kind        string    `gorm:"not null"` // the request Kind, e.g. "VersionInstall"
	Status      string    `gorm:"not null;default:'Ack'"` // Ack, Ongoing, Completed, Failed
	RequestedBy uuid.UUID `gorm:"type:text;not null;index"` // User.ID
	StartedAt   time.Time `gorm:"not null"`
	EndedAt     *time.Time
	Error       string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// MetricPoint is one named sample from an agent's "stream" RCON command
// batch, persisted by RpcHandler after decoding the rpc-tagged broker topic.
// Grounded on the teacher's JobLog bulk-insert-per-batch pattern.
type MetricPoint struct {
	base
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Name      string    `gorm:"not null;index"`
	Value     float64   `gorm:"not null"`
	Timestamp time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Notification stores in-app notifications delivered to users via
// WebSocket. Repurposed from the teacher's backup-job alerts to agent-down
// and operation-failed system-health alerts (§4.13's maintenance sweep).
type Notification struct {
	base
	UserID  uuid.UUID `gorm:"type:text;not null;index"`
	Type    string    `gorm:"not null"` // "agent_offline", "operation_failed", etc.
	Title   string    `gorm:"not null"`
	Body    string    `gorm:"type:text;not null"`
	ReadAt  *time.Time
	Payload string `gorm:"type:text;default:'{}'"`
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry. Sensitive values are
// encrypted at the application layer via EncryptedString before persisting.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}

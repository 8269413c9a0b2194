package model

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned by stores when the addressed record does
// not exist.
var ErrRecordNotFound = errors.New("record not found")

// -------------------- FAILURE / BLOCK / EVENT REASONS --------------------

// FailureReason records why an authentication attempt failed.
type FailureReason string

const (
	FailureInvalidCredentials FailureReason = "INVALID_CREDENTIALS"
	FailureInvalidOTP         FailureReason = "INVALID_OTP"
	FailureExpiredOTP         FailureReason = "EXPIRED_OTP"
	FailureUserNotFound       FailureReason = "USER_NOT_FOUND"
	FailureSchoolNotFound     FailureReason = "SCHOOL_NOT_FOUND"
)

// BlockReason records why an identifier was blocked.
type BlockReason string

const (
	BlockExcessiveLoginFailures BlockReason = "EXCESSIVE_LOGIN_FAILURES"
	BlockExcessiveOTPRequests   BlockReason = "EXCESSIVE_OTP_REQUESTS"
	BlockSuspiciousActivity     BlockReason = "SUSPICIOUS_ACTIVITY_PATTERN"
	BlockAdminManual            BlockReason = "ADMIN_MANUAL"
)

// RateLimitEventType tags entries in the rate-limit log.
type RateLimitEventType string

const (
	EventOTPRequest   RateLimitEventType = "OTP_REQUEST"
	EventLoginFailure RateLimitEventType = "LOGIN_FAILURE"
	EventBlockCreated RateLimitEventType = "BLOCK_CREATED"
	EventBlockLifted  RateLimitEventType = "BLOCK_LIFTED"
	EventRateLimited  RateLimitEventType = "RATE_LIMITED"
	EventCleanupRun   RateLimitEventType = "CLEANUP_RUN"
)

// -------------------- OTP RECORD --------------------

// OTPRecord is a persisted one-time password. Only the hash of the code is
// stored; at most one unused, unexpired record per identifier is relied on.
type OTPRecord struct {
	RecordID   string    `json:"record_id" db:"record_id"` // UUID
	Identifier string    `json:"identifier" db:"identifier"`
	CodeHash   string    `json:"-" db:"code_hash"`
	CodeSalt   string    `json:"-" db:"code_salt"`
	PepperVer  int       `json:"-" db:"pepper_version"`
	Attempts   int       `json:"attempts" db:"attempts"`
	IsUsed     bool      `json:"is_used" db:"is_used"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the record is past its expiry at now.
func (r *OTPRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// -------------------- LOGIN FAILURE RECORD --------------------

// LoginFailureRecord is an append-only failed-authentication event.
type LoginFailureRecord struct {
	RecordID   string        `json:"record_id" db:"record_id"` // UUID
	Identifier string        `json:"identifier" db:"identifier"`
	Reason     FailureReason `json:"reason" db:"reason"`
	IPAddress  string        `json:"ip_address" db:"ip_address"`
	UserAgent  string        `json:"user_agent" db:"user_agent"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// -------------------- BLOCKED IDENTIFIER RECORD --------------------

// BlockedIdentifierRecord is a time-boxed denial of authentication for an
// identifier. At most one active record per identifier; repeat violations
// escalate Attempts and extend the expiry instead of duplicating.
type BlockedIdentifierRecord struct {
	RecordID   string      `json:"record_id" db:"record_id"` // UUID
	Identifier string      `json:"identifier" db:"identifier"`
	Reason     BlockReason `json:"reason" db:"reason"`
	Attempts   int         `json:"attempts" db:"attempts"`
	IsActive   bool        `json:"is_active" db:"is_active"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at" db:"expires_at"`
}

// IsExpired reports whether the block has lapsed at now. Read paths must
// treat an expired block as inactive even when cleanup has not yet flipped
// the stored flag.
func (b *BlockedIdentifierRecord) IsExpired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// -------------------- RATE LIMIT LOG RECORD --------------------

// RateLimitLogRecord is an append-only rate-limiting decision, kept for
// suspicious-activity scoring and admin visibility.
type RateLimitLogRecord struct {
	RecordID   string             `json:"record_id" db:"record_id"` // UUID
	Identifier string             `json:"identifier" db:"identifier"`
	EventType  RateLimitEventType `json:"event_type" db:"event_type"`
	IPAddress  string             `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt  time.Time          `json:"created_at" db:"created_at"`
}

// -------------------- USER (external directory shape) --------------------

// User is the slice of the CRUD application's user record this service
// needs to verify a credential and issue a token.
type User struct {
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id"`
	Identifier   string `json:"identifier"`
	PasswordHash string `json:"-"` // serialized hashing.HashResult
	IsActive     bool   `json:"is_active"`
}

// -------------------- STORE INTERFACES --------------------

// OTPStore persists OTP records. IncrementAttempts and MarkUsed must be
// atomic at the storage layer: concurrent callers for the same record never
// lose an update and at most one MarkUsed succeeds.
type OTPStore interface {
	Create(ctx context.Context, rec *OTPRecord) error
	// GetLatest returns the newest unused record for the identifier, or nil.
	// Expiry is the caller's judgment against its own clock, so a stale but
	// unexpired record is never resurrected and an expired one is reported
	// as expired rather than absent.
	GetLatest(ctx context.Context, identifier string) (*OTPRecord, error)
	IncrementAttempts(ctx context.Context, identifier, recordID string) (int, error)
	MarkUsed(ctx context.Context, identifier, recordID string) (bool, error)
	InvalidateActive(ctx context.Context, identifier string) error
	CountCreatedSince(ctx context.Context, identifier string, since time.Time) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// LoginFailureStore persists timestamped failure events. Append must be
// durable before any subsequent CountSince for the same identifier reads.
type LoginFailureStore interface {
	Append(ctx context.Context, rec *LoginFailureRecord) error
	CountSince(ctx context.Context, identifier string, since time.Time) (int, error)
	LastFailure(ctx context.Context, identifier string) (*LoginFailureRecord, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// BlockStore persists blocked-identifier records.
type BlockStore interface {
	// FindActive returns the active, unexpired block for the identifier, or
	// nil when none exists. Expiry is evaluated against now at read time.
	FindActive(ctx context.Context, identifier string, now time.Time) (*BlockedIdentifierRecord, error)
	// Upsert creates a block or escalates the existing one (attempts+1,
	// extended expiry). Returns the record as stored.
	Upsert(ctx context.Context, identifier string, reason BlockReason, now time.Time, duration time.Duration) (*BlockedIdentifierRecord, error)
	// Deactivate lifts all active blocks for the identifier. Reports whether
	// any record changed.
	Deactivate(ctx context.Context, identifier string) (bool, error)
	List(ctx context.Context, now time.Time, limit, offset int) ([]*BlockedIdentifierRecord, int, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)
}

// RateLimitLogStore persists rate-limiting decisions.
type RateLimitLogStore interface {
	Append(ctx context.Context, rec *RateLimitLogRecord) error
	CountSince(ctx context.Context, identifier string, since time.Time) (int, error)
	CountEventSince(ctx context.Context, identifier string, eventType RateLimitEventType, since time.Time) (int, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// IssuanceCounter tracks OTP issuance per identifier inside a rolling
// window with an atomic increment (Redis in production).
type IssuanceCounter interface {
	Increment(ctx context.Context, identifier string, window time.Duration) (int, error)
	Current(ctx context.Context, identifier string) (int, error)
	Reset(ctx context.Context, identifier string) error
}

// UserDirectory resolves identifiers to users. The implementation lives in
// the CRUD application; this service only consumes it.
type UserDirectory interface {
	ResolveUser(ctx context.Context, identifier, tenantID string) (*User, error)
}

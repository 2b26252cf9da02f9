// Package db persists the coordination core's entities via bun, with a
// dual-dialect setup: sqlite for dev/test, postgres for production.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

func ctx() context.Context { return context.Background() }

// Role distinguishes a client user from a host user.
type Role string

const (
	RoleClient Role = "CLIENT"
	RoleHost   Role = "HOST"
)

// PCStatus is the lifecycle status of a host PC.
type PCStatus string

const (
	PCStatusOnline  PCStatus = "ONLINE"
	PCStatusOffline PCStatus = "OFFLINE"
	PCStatusBusy    PCStatus = "BUSY"
)

// SessionStatus is the lifecycle status of a booked session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "PENDING"
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusEnded     SessionStatus = "ENDED"
	SessionStatusFailed    SessionStatus = "FAILED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// FailureReason explains why a session ended, if at all.
type FailureReason string

const (
	FailureNone     FailureReason = "NONE"
	FailureHost     FailureReason = "HOST"
	FailureClient   FailureReason = "CLIENT"
	FailurePlatform FailureReason = "PLATFORM"
)

// QueueEntryStatus is the lifecycle status of a queue entry.
type QueueEntryStatus string

const (
	QueueStatusWaiting   QueueEntryStatus = "WAITING"
	QueueStatusPromoted  QueueEntryStatus = "PROMOTED"
	QueueStatusActive    QueueEntryStatus = "ACTIVE"
	QueueStatusCancelled QueueEntryStatus = "CANCELLED"
	QueueStatusExpired   QueueEntryStatus = "EXPIRED"
)

// ReservationStatus is the lifecycle status of a scheduled reservation.
type ReservationStatus string

const (
	ReservationStatusScheduled ReservationStatus = "SCHEDULED"
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
)

// ReliabilityEventType is an append-only host reliability event kind.
type ReliabilityEventType string

const (
	ReliabilityEventHostDown      ReliabilityEventType = "HOST_DOWN"
	ReliabilityEventSessionFailed ReliabilityEventType = "SESSION_FAILED"
	ReliabilityEventSessionOK     ReliabilityEventType = "SESSION_OK"
)

// User is a platform account, either a client or a host.
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID           string    `json:"id" bun:"id,pk"`
	Role         Role      `json:"role" bun:"role,notnull"`
	AuthProvider string    `json:"authProvider,omitempty" bun:"auth_provider"`
	CreatedAt    time.Time `json:"createdAt" bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Wallet holds a user's prepaid balance. 1:1 with User, self-healing on
// credit if the row was externally deleted (see EnsureWallet).
type Wallet struct {
	bun.BaseModel `bun:"table:wallets"`

	UserID  string  `json:"userId" bun:"user_id,pk"`
	Balance float64 `json:"balance" bun:"balance,notnull,default:0"`
}

// HostProfile is created the first time a user claims the host role.
type HostProfile struct {
	bun.BaseModel `bun:"table:host_profiles"`

	ID                string    `json:"id" bun:"id,pk"`
	UserID            string    `json:"userId" bun:"user_id,notnull,unique"`
	LastSeenAt        time.Time `json:"lastSeenAt" bun:"last_seen_at,nullzero"`
	SessionsTotal     int       `json:"sessionsTotal" bun:"sessions_total,notnull,default:0"`
	SessionsCompleted int       `json:"sessionsCompleted" bun:"sessions_completed,notnull,default:0"`
	SessionsDropped   int       `json:"sessionsDropped" bun:"sessions_dropped,notnull,default:0"`
	LastDropAt        time.Time `json:"lastDropAt,omitempty" bun:"last_drop_at,nullzero"`
	ReliabilityScore  int       `json:"reliabilityScore" bun:"reliability_score,notnull,default:100"`
}

// PC is a piece of hardware offered by a host.
type PC struct {
	bun.BaseModel `bun:"table:pcs"`

	ID             string      `json:"id" bun:"id,pk"`
	HostID         string      `json:"hostId" bun:"host_id,notnull"`
	CPU            string      `json:"cpu,omitempty" bun:"cpu"`
	GPU            string      `json:"gpu,omitempty" bun:"gpu"`
	RAMGb          int         `json:"ramGb,omitempty" bun:"ram_gb"`
	StorageGb      int         `json:"storageGb,omitempty" bun:"storage_gb"`
	UplinkMbps     int         `json:"uplinkMbps,omitempty" bun:"uplink_mbps"`
	PricePerHour   float64     `json:"pricePerHour" bun:"price_per_hour,notnull"`
	Status         PCStatus    `json:"status" bun:"status,notnull,default:'OFFLINE'"`
	ConnectionHost string      `json:"connectionHost,omitempty" bun:"connection_host"`
	ConnectionPort int         `json:"connectionPort" bun:"connection_port,notnull,default:47990"`
	ConnectAddress string      `json:"connectAddress,omitempty" bun:"connect_address"`
	Categories     StringSlice `json:"categories,omitempty" bun:"categories,type:text"`
	SoftwareTags   StringSlice `json:"softwareTags,omitempty" bun:"software_tags,type:text"`
	CreatedAt      time.Time   `json:"createdAt" bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Session is a booked, time-bounded usage of one PC by one client.
type Session struct {
	bun.BaseModel `bun:"table:sessions"`

	ID               string        `json:"id" bun:"id,pk"`
	PCID             string        `json:"pcId" bun:"pc_id,notnull"`
	ClientUserID     string        `json:"clientUserId" bun:"client_user_id,notnull"`
	Status           SessionStatus `json:"status" bun:"status,notnull"`
	MinutesPurchased int           `json:"minutesPurchased" bun:"minutes_purchased,notnull"`
	MinutesUsed      int           `json:"minutesUsed" bun:"minutes_used,notnull,default:0"`
	PricePerHour     float64       `json:"pricePerHour" bun:"price_per_hour,notnull"`
	StartAt          time.Time     `json:"startAt,omitempty" bun:"start_at,nullzero"`
	EndAt            time.Time     `json:"endAt,omitempty" bun:"end_at,nullzero"`
	FailureReason    FailureReason `json:"failureReason" bun:"failure_reason,notnull,default:'NONE'"`
	ClientIP         string        `json:"clientIp,omitempty" bun:"client_ip"`
	CreatedAt        time.Time     `json:"createdAt" bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// LiveMinutesUsed computes the minutes used as of now for an ACTIVE
// session, without persisting it - used by the session read path.
func (s *Session) LiveMinutesUsed(now time.Time) int {
	if s.Status != SessionStatusActive || s.StartAt.IsZero() {
		return s.MinutesUsed
	}
	elapsedSeconds := now.Sub(s.StartAt).Seconds()
	// Ceiling over whole elapsed seconds: a sub-second remainder past a
	// minute boundary does not start a new minute.
	minutes := int((elapsedSeconds + 59) / 60)
	return settlementClampMinutesUsed(minutes, s.MinutesPurchased)
}

func settlementClampMinutesUsed(used, purchased int) int {
	if used < 0 {
		return 0
	}
	if used > purchased {
		return purchased
	}
	return used
}

// QueueEntry is a user's intent to acquire a PC that is currently
// unavailable, waiting in FIFO order.
type QueueEntry struct {
	bun.BaseModel `bun:"table:queue_entries"`

	ID               int64            `json:"id" bun:"id,pk,autoincrement"`
	PCID             string           `json:"pcId" bun:"pc_id,notnull"`
	UserID           string           `json:"userId" bun:"user_id,notnull"`
	Status           QueueEntryStatus `json:"status" bun:"status,notnull"`
	MinutesPurchased int              `json:"minutesPurchased" bun:"minutes_purchased,notnull"`
	CreatedAt        time.Time        `json:"createdAt" bun:"created_at,nullzero,notnull,default:current_timestamp"`
	PromotedAt       time.Time        `json:"promotedAt,omitempty" bun:"promoted_at,nullzero"`
	SessionID        string           `json:"sessionId,omitempty" bun:"session_id"`
}

// Reservation is a scheduled future booking of a PC.
type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID      string            `json:"id" bun:"id,pk"`
	PCID    string            `json:"pcId" bun:"pc_id,notnull"`
	UserID  string            `json:"userId" bun:"user_id,notnull"`
	StartAt time.Time         `json:"startAt" bun:"start_at,notnull"`
	EndAt   time.Time         `json:"endAt" bun:"end_at,notnull"`
	Status  ReservationStatus `json:"status" bun:"status,notnull"`
}

// StreamConnectToken is a short-lived, single-use token binding a client
// to a PC session for the relay handshake.
type StreamConnectToken struct {
	bun.BaseModel `bun:"table:stream_connect_tokens"`

	Token      string    `json:"token" bun:"token,pk"`
	PCID       string    `json:"pcId" bun:"pc_id,notnull"`
	UserID     string    `json:"userId" bun:"user_id,notnull"`
	SessionID  string    `json:"sessionId" bun:"session_id,notnull"`
	ExpiresAt  time.Time `json:"expiresAt" bun:"expires_at,notnull"`
	ConsumedAt time.Time `json:"consumedAt,omitempty" bun:"consumed_at,nullzero"`
}

// ReliabilityEvent is an append-only host reliability event.
type ReliabilityEvent struct {
	bun.BaseModel `bun:"table:reliability_events"`

	ID        int64                `json:"id" bun:"id,pk,autoincrement"`
	HostID    string               `json:"hostId" bun:"host_id,notnull"`
	Type      ReliabilityEventType `json:"type" bun:"type,notnull"`
	CreatedAt time.Time            `json:"createdAt" bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// HostOnlineMinute records one observed minute of heartbeat presence.
type HostOnlineMinute struct {
	bun.BaseModel `bun:"table:host_online_minutes"`

	HostID string    `json:"hostId" bun:"host_id,pk"`
	Minute time.Time `json:"minute" bun:"minute,pk"`
}

// AuditLog records every mutating session/queue/PC/token operation.
type AuditLog struct {
	bun.BaseModel `bun:"table:audit_log"`

	ID        int64     `json:"id" bun:"id,pk,autoincrement"`
	Timestamp time.Time `json:"timestamp" bun:"timestamp,nullzero,notnull,default:current_timestamp"`
	Actor     string    `json:"actor" bun:"actor"`
	Action    string    `json:"action" bun:"action"`
	Details   string    `json:"details" bun:"details"`
}

// DB wraps a bun connection for either sqlite or postgres.
type DB struct {
	bun    *bun.DB
	dbType string
}

// Bun exposes the underlying *bun.DB for cases outside this package's
// CRUD surface (e.g. ad-hoc reporting queries in cmd/relaydeskctl).
func (d *DB) Bun() *bun.DB { return d.bun }

func (d *DB) DBType() string { return d.dbType }

// OpenDB opens a database connection for the given type and DSN and runs
// any pending migrations.
func OpenDB(dbType, dsn string) (*DB, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	migrateDSN := dsn
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
		migrateDSN = dsn
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		conn.SetMaxIdleConns(1)
	}

	if err := runMigrations(dbType, migrateDSN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &DB{bun: bunDB, dbType: dbType}, nil
}

func (d *DB) Close() error { return d.bun.Close() }

func (d *DB) Ping() error { return d.bun.PingContext(ctx()) }

// RunInTx runs fn inside a serializable-or-stronger transaction, the
// isolation level the session service's invariants depend on. Transient
// serialization failures (postgres deadlocks, sqlite busy) are retried
// up to three times with a jittered backoff; fn must therefore re-read
// any state it depends on, which every caller in this repo does.
func (d *DB) RunInTx(c context.Context, fn func(c context.Context, tx bun.Tx) error) error {
	// sqlite transactions are serializable already; postgres defaults to
	// READ COMMITTED, so ask for SERIALIZABLE explicitly there.
	var opts *sql.TxOptions
	if d.dbType == "postgres" {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	var err error
	for attempt := 0; attempt <= 3; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(10+rand.IntN(40)) * time.Millisecond << attempt
			select {
			case <-time.After(backoff):
			case <-c.Done():
				return c.Err()
			}
		}
		err = d.bun.RunInTx(c, opts, fn)
		if err == nil || !isTransientTxError(err) {
			return err
		}
	}
	return err
}

// isTransientTxError reports whether err is a retryable serialization
// failure rather than a logical error.
func isTransientTxError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "could not serialize access")
}

// IsUniqueViolation reports whether err is a unique-constraint violation,
// the signal the session service translates into apperr.SessionExists
// for the (pcId) WHERE status IN (PENDING,ACTIVE) partial index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// --- Users & wallets ---

func (d *DB) CreateUser(ctxC context.Context, tx bun.IDB, u *User) error {
	_, err := execDB(d, tx).NewInsert().Model(u).Exec(ctxC)
	return err
}

// EnsureUser idempotently records a caller the authentication gateway
// has already verified, since this system never issues its own
// identities: the ingress layer calls this on first sight of a sub
// claim so the FK-backed wallet/host-profile rows have somewhere to
// point. A concurrent first-sight insert is ignored, not an error.
func (d *DB) EnsureUser(ctxC context.Context, tx bun.IDB, id string, role Role) error {
	_, err := execDB(d, tx).NewInsert().Model(&User{ID: id, Role: role}).Ignore().Exec(ctxC)
	return err
}

func (d *DB) GetUser(ctxC context.Context, tx bun.IDB, id string) (*User, error) {
	var u User
	err := execDB(d, tx).NewSelect().Model(&u).Where("id = ?", id).Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &u, err
}

// EnsureWallet returns the user's wallet, creating one with a zero
// balance if the row was deleted externally (fixture resets, account
// purges): settlement must always have a wallet to credit.
func (d *DB) EnsureWallet(ctxC context.Context, tx bun.IDB, userID string) (*Wallet, error) {
	var w Wallet
	err := execDB(d, tx).NewSelect().Model(&w).Where("user_id = ?", userID).Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		w = Wallet{UserID: userID, Balance: 0}
		if _, err := execDB(d, tx).NewInsert().Model(&w).Ignore().Exec(ctxC); err != nil {
			return nil, err
		}
		// Re-read in case of a concurrent insert under Ignore().
		if err := execDB(d, tx).NewSelect().Model(&w).Where("user_id = ?", userID).Scan(ctxC); err != nil {
			return nil, err
		}
		return &w, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// DebitWallet subtracts amount from the user's wallet if sufficient
// funds are available, returning false when the balance would go
// negative (the caller raises apperr.InsufficientFunds).
func (d *DB) DebitWallet(ctxC context.Context, tx bun.IDB, userID string, amount float64) (bool, error) {
	if _, err := d.EnsureWallet(ctxC, tx, userID); err != nil {
		return false, err
	}
	res, err := execDB(d, tx).NewUpdate().Model((*Wallet)(nil)).
		Set("balance = balance - ?", amount).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Exec(ctxC)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// CreditWallet adds amount to the user's wallet, self-healing the row
// if it was externally deleted.
func (d *DB) CreditWallet(ctxC context.Context, tx bun.IDB, userID string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	if _, err := d.EnsureWallet(ctxC, tx, userID); err != nil {
		return err
	}
	_, err := execDB(d, tx).NewUpdate().Model((*Wallet)(nil)).
		Set("balance = balance + ?", amount).
		Where("user_id = ?", userID).
		Exec(ctxC)
	return err
}

// --- Host profiles ---

func (d *DB) GetHostProfileByUserID(ctxC context.Context, tx bun.IDB, userID string) (*HostProfile, error) {
	var h HostProfile
	err := execDB(d, tx).NewSelect().Model(&h).Where("user_id = ?", userID).Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &h, err
}

func (d *DB) GetHostProfile(ctxC context.Context, tx bun.IDB, id string) (*HostProfile, error) {
	var h HostProfile
	err := execDB(d, tx).NewSelect().Model(&h).Where("id = ?", id).Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &h, err
}

func (d *DB) CreateHostProfile(ctxC context.Context, tx bun.IDB, h *HostProfile) error {
	_, err := execDB(d, tx).NewInsert().Model(h).Exec(ctxC)
	return err
}

// EnsureHostProfile returns the host profile for userID, creating one
// with default counters the first time a user claims the host role. A
// profile is never destroyed while a PC references it.
func (d *DB) EnsureHostProfile(ctxC context.Context, tx bun.IDB, userID string) (*HostProfile, error) {
	h, err := d.GetHostProfileByUserID(ctxC, tx, userID)
	if err != nil || h != nil {
		return h, err
	}
	h = &HostProfile{ID: uuid.NewString(), UserID: userID, ReliabilityScore: 100}
	if _, err := execDB(d, tx).NewInsert().Model(h).Ignore().Exec(ctxC); err != nil {
		return nil, err
	}
	return d.GetHostProfileByUserID(ctxC, tx, userID)
}

func (d *DB) UpdateHostLastSeen(ctxC context.Context, tx bun.IDB, hostID string, at time.Time) error {
	_, err := execDB(d, tx).NewUpdate().Model((*HostProfile)(nil)).
		Set("last_seen_at = ?", at).
		Where("id = ?", hostID).
		Exec(ctxC)
	return err
}

func (d *DB) IncrementHostSessionsTotal(ctxC context.Context, tx bun.IDB, hostID string) error {
	_, err := execDB(d, tx).NewUpdate().Model((*HostProfile)(nil)).
		Set("sessions_total = sessions_total + 1").
		Where("id = ?", hostID).
		Exec(ctxC)
	return err
}

func (d *DB) RecordSessionOutcome(ctxC context.Context, tx bun.IDB, hostID string, completed bool, now time.Time) error {
	q := execDB(d, tx).NewUpdate().Model((*HostProfile)(nil)).Where("id = ?", hostID)
	if completed {
		q = q.Set("sessions_completed = sessions_completed + 1")
	} else {
		q = q.Set("sessions_dropped = sessions_dropped + 1").Set("last_drop_at = ?", now)
	}
	_, err := q.Exec(ctxC)
	return err
}

func (d *DB) UpdateHostReliabilityScore(ctxC context.Context, tx bun.IDB, hostID string, score int) error {
	_, err := execDB(d, tx).NewUpdate().Model((*HostProfile)(nil)).
		Set("reliability_score = ?", score).
		Where("id = ?", hostID).
		Exec(ctxC)
	return err
}

func (d *DB) InsertReliabilityEvent(ctxC context.Context, tx bun.IDB, hostID string, eventType ReliabilityEventType) error {
	ev := &ReliabilityEvent{HostID: hostID, Type: eventType}
	_, err := execDB(d, tx).NewInsert().Model(ev).Exec(ctxC)
	return err
}

func (d *DB) UpsertHostOnlineMinute(ctxC context.Context, tx bun.IDB, hostID string, minute time.Time) error {
	m := &HostOnlineMinute{HostID: hostID, Minute: minute}
	_, err := execDB(d, tx).NewInsert().Model(m).Ignore().Exec(ctxC)
	return err
}

// ListHostsWithStaleHeartbeat returns host profiles whose lastSeenAt is
// older than cutoff and that own at least one non-OFFLINE PC.
func (d *DB) ListHostsWithStaleHeartbeat(ctxC context.Context, tx bun.IDB, cutoff time.Time) ([]HostProfile, error) {
	var hosts []HostProfile
	err := execDB(d, tx).NewSelect().Model(&hosts).
		Where("last_seen_at < ?", cutoff).
		Where("EXISTS (SELECT 1 FROM pcs WHERE pcs.host_id = ?TableAlias.id AND pcs.status != ?)", PCStatusOffline).
		Scan(ctxC)
	return hosts, err
}

// --- PCs ---

func (d *DB) CreatePC(ctxC context.Context, tx bun.IDB, p *PC) error {
	_, err := execDB(d, tx).NewInsert().Model(p).Exec(ctxC)
	return err
}

func (d *DB) GetPC(ctxC context.Context, tx bun.IDB, id string) (*PC, error) {
	var p PC
	err := execDB(d, tx).NewSelect().Model(&p).Where("id = ?", id).Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &p, err
}

type ListPCsFilter struct {
	Status     PCStatus
	Categories []string
}

func (d *DB) ListPCs(ctxC context.Context, tx bun.IDB, filter ListPCsFilter) ([]PC, error) {
	var pcs []PC
	q := execDB(d, tx).NewSelect().Model(&pcs)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	for _, cat := range filter.Categories {
		q = q.Where("categories LIKE ?", "%\""+cat+"\"%")
	}
	err := q.OrderExpr("created_at DESC").Scan(ctxC)
	return pcs, err
}

func (d *DB) UpdatePCStatus(ctxC context.Context, tx bun.IDB, pcID string, status PCStatus) error {
	_, err := execDB(d, tx).NewUpdate().Model((*PC)(nil)).
		Set("status = ?", status).
		Where("id = ?", pcID).
		Exec(ctxC)
	return err
}

func (d *DB) BulkUpdatePCStatusByHost(ctxC context.Context, tx bun.IDB, hostID string, status PCStatus) error {
	_, err := execDB(d, tx).NewUpdate().Model((*PC)(nil)).
		Set("status = ?", status).
		Where("host_id = ?", hostID).
		Exec(ctxC)
	return err
}

func (d *DB) BulkUpdateNonOfflinePCStatusByHost(ctxC context.Context, tx bun.IDB, hostID string, status PCStatus) error {
	_, err := execDB(d, tx).NewUpdate().Model((*PC)(nil)).
		Set("status = ?", status).
		Where("host_id = ? AND status != ?", hostID, PCStatusOffline).
		Exec(ctxC)
	return err
}

func (d *DB) ListPCsByHost(ctxC context.Context, tx bun.IDB, hostID string) ([]PC, error) {
	var pcs []PC
	err := execDB(d, tx).NewSelect().Model(&pcs).Where("host_id = ?", hostID).Scan(ctxC)
	return pcs, err
}

func (d *DB) ListNonOfflinePCsByHost(ctxC context.Context, tx bun.IDB, hostID string) ([]PC, error) {
	var pcs []PC
	err := execDB(d, tx).NewSelect().Model(&pcs).Where("host_id = ? AND status != ?", hostID, PCStatusOffline).Scan(ctxC)
	return pcs, err
}

// --- Sessions ---

func (d *DB) CreateSession(ctxC context.Context, tx bun.IDB, s *Session) error {
	_, err := execDB(d, tx).NewInsert().Model(s).Exec(ctxC)
	return err
}

func (d *DB) GetSession(ctxC context.Context, tx bun.IDB, id string) (*Session, error) {
	var s Session
	err := execDB(d, tx).NewSelect().Model(&s).Where("id = ?", id).Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &s, err
}

// GetNonTerminalSessionForPC returns the PENDING or ACTIVE session on a
// PC, if any. Used by createSession/join preconditions.
func (d *DB) GetNonTerminalSessionForPC(ctxC context.Context, tx bun.IDB, pcID string) (*Session, error) {
	var s Session
	err := execDB(d, tx).NewSelect().Model(&s).
		Where("pc_id = ? AND status IN (?, ?)", pcID, SessionStatusPending, SessionStatusActive).
		Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &s, err
}

func (d *DB) GetNonTerminalSessionForUser(ctxC context.Context, tx bun.IDB, userID string) (*Session, error) {
	var s Session
	err := execDB(d, tx).NewSelect().Model(&s).
		Where("client_user_id = ? AND status IN (?, ?)", userID, SessionStatusPending, SessionStatusActive).
		Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &s, err
}

func (d *DB) StartSession(ctxC context.Context, tx bun.IDB, id string, startAt, endAt time.Time) error {
	_, err := execDB(d, tx).NewUpdate().Model((*Session)(nil)).
		Set("status = ?", SessionStatusActive).
		Set("start_at = ?", startAt).
		Set("end_at = ?", endAt).
		Where("id = ? AND status = ?", id, SessionStatusPending).
		Exec(ctxC)
	return err
}

func (d *DB) EndSession(ctxC context.Context, tx bun.IDB, id string, status SessionStatus, reason FailureReason, minutesUsed int, endAt time.Time) error {
	_, err := execDB(d, tx).NewUpdate().Model((*Session)(nil)).
		Set("status = ?", status).
		Set("failure_reason = ?", reason).
		Set("minutes_used = ?", minutesUsed).
		Set("end_at = ?", endAt).
		Where("id = ?", id).
		Exec(ctxC)
	return err
}

func (d *DB) SetSessionClientIPIfAbsent(ctxC context.Context, tx bun.IDB, id, ip string) error {
	_, err := execDB(d, tx).NewUpdate().Model((*Session)(nil)).
		Set("client_ip = ?", ip).
		Where("id = ? AND (client_ip IS NULL OR client_ip = '')", id).
		Exec(ctxC)
	return err
}

func (d *DB) ListActiveSessionsEndingBy(ctxC context.Context, tx bun.IDB, cutoff time.Time) ([]Session, error) {
	var sessions []Session
	err := execDB(d, tx).NewSelect().Model(&sessions).
		Where("status = ? AND end_at <= ?", SessionStatusActive, cutoff).
		Scan(ctxC)
	return sessions, err
}

// CountActiveSessions returns the global count of PENDING+ACTIVE sessions,
// for the operator load/diagnostics surface.
func (d *DB) CountActiveSessions(ctxC context.Context, tx bun.IDB) (int, error) {
	return execDB(d, tx).NewSelect().Model((*Session)(nil)).
		Where("status IN (?, ?)", SessionStatusPending, SessionStatusActive).
		Count(ctxC)
}

func (d *DB) ListActiveSessionsForPCs(ctxC context.Context, tx bun.IDB, pcIDs []string) ([]Session, error) {
	if len(pcIDs) == 0 {
		return nil, nil
	}
	var sessions []Session
	err := execDB(d, tx).NewSelect().Model(&sessions).
		Where("status = ? AND pc_id IN (?)", SessionStatusActive, bun.In(pcIDs)).
		Scan(ctxC)
	return sessions, err
}

// --- Queue entries ---

func (d *DB) CreateQueueEntry(ctxC context.Context, tx bun.IDB, q *QueueEntry) error {
	_, err := execDB(d, tx).NewInsert().Model(q).Exec(ctxC)
	return err
}

func (d *DB) GetNonTerminalQueueEntry(ctxC context.Context, tx bun.IDB, pcID, userID string) (*QueueEntry, error) {
	var q QueueEntry
	err := execDB(d, tx).NewSelect().Model(&q).
		Where("pc_id = ? AND user_id = ? AND status IN (?, ?, ?)", pcID, userID, QueueStatusWaiting, QueueStatusPromoted, QueueStatusActive).
		Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &q, err
}

func (d *DB) UpdateQueueEntryStatus(ctxC context.Context, tx bun.IDB, id int64, status QueueEntryStatus) error {
	_, err := execDB(d, tx).NewUpdate().Model((*QueueEntry)(nil)).
		Set("status = ?", status).
		Where("id = ?", id).
		Exec(ctxC)
	return err
}

func (d *DB) PromoteQueueEntry(ctxC context.Context, tx bun.IDB, id int64, promotedAt time.Time, sessionID string) error {
	_, err := execDB(d, tx).NewUpdate().Model((*QueueEntry)(nil)).
		Set("status = ?", QueueStatusPromoted).
		Set("promoted_at = ?", promotedAt).
		Set("session_id = ?", sessionID).
		Where("id = ?", id).
		Exec(ctxC)
	return err
}

func (d *DB) ActivateQueueEntry(ctxC context.Context, tx bun.IDB, id int64, sessionID string) error {
	_, err := execDB(d, tx).NewUpdate().Model((*QueueEntry)(nil)).
		Set("status = ?", QueueStatusActive).
		Set("session_id = ?", sessionID).
		Where("id = ?", id).
		Exec(ctxC)
	return err
}

func (d *DB) GetOldestWaiting(ctxC context.Context, tx bun.IDB, pcID string) (*QueueEntry, error) {
	var q QueueEntry
	err := execDB(d, tx).NewSelect().Model(&q).
		Where("pc_id = ? AND status = ?", pcID, QueueStatusWaiting).
		OrderExpr("created_at ASC, id ASC").
		Limit(1).
		Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &q, err
}

// CountWaitingBefore returns the 1-based FIFO position of entry, i.e.
// the number of WAITING entries on pcId with createdAt <= entry's,
// ties broken by primary key.
func (d *DB) CountWaitingBefore(ctxC context.Context, tx bun.IDB, entry *QueueEntry) (int, error) {
	count, err := execDB(d, tx).NewSelect().Model((*QueueEntry)(nil)).
		Where("pc_id = ? AND status = ?", entry.PCID, QueueStatusWaiting).
		Where("(created_at < ?) OR (created_at = ? AND id <= ?)", entry.CreatedAt, entry.CreatedAt, entry.ID).
		Count(ctxC)
	return count, err
}

func (d *DB) CountWaiting(ctxC context.Context, tx bun.IDB, pcID string) (int, error) {
	return execDB(d, tx).NewSelect().Model((*QueueEntry)(nil)).
		Where("pc_id = ? AND status = ?", pcID, QueueStatusWaiting).
		Count(ctxC)
}

// CountAllWaiting returns the global count of WAITING queue entries
// across every PC, for the operator load/diagnostics surface.
func (d *DB) CountAllWaiting(ctxC context.Context, tx bun.IDB) (int, error) {
	return execDB(d, tx).NewSelect().Model((*QueueEntry)(nil)).
		Where("status = ?", QueueStatusWaiting).
		Count(ctxC)
}

func (d *DB) ListPromotedOlderThan(ctxC context.Context, tx bun.IDB, cutoff time.Time) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := execDB(d, tx).NewSelect().Model(&entries).
		Where("status = ? AND promoted_at < ?", QueueStatusPromoted, cutoff).
		Scan(ctxC)
	return entries, err
}

func (d *DB) ListActiveQueueEntriesForUser(ctxC context.Context, tx bun.IDB, userID string) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := execDB(d, tx).NewSelect().Model(&entries).
		Where("user_id = ? AND status IN (?, ?, ?)", userID, QueueStatusWaiting, QueueStatusPromoted, QueueStatusActive).
		Scan(ctxC)
	return entries, err
}

// --- Reservations ---

func (d *DB) CreateReservation(ctxC context.Context, tx bun.IDB, r *Reservation) error {
	_, err := execDB(d, tx).NewInsert().Model(r).Exec(ctxC)
	return err
}

// HasOverlappingReservation reports whether any non-cancelled
// reservation for pcId overlaps [startAt, endAt).
func (d *DB) HasOverlappingReservation(ctxC context.Context, tx bun.IDB, pcID string, startAt, endAt time.Time) (bool, error) {
	count, err := execDB(d, tx).NewSelect().Model((*Reservation)(nil)).
		Where("pc_id = ? AND status != ?", pcID, ReservationStatusCancelled).
		Where("start_at < ? AND end_at > ?", endAt, startAt).
		Count(ctxC)
	return count > 0, err
}

// --- Stream connect tokens ---

func (d *DB) CreateStreamToken(ctxC context.Context, tx bun.IDB, t *StreamConnectToken) error {
	_, err := execDB(d, tx).NewInsert().Model(t).Exec(ctxC)
	return err
}

func (d *DB) GetStreamToken(ctxC context.Context, tx bun.IDB, token string) (*StreamConnectToken, error) {
	var t StreamConnectToken
	err := execDB(d, tx).NewSelect().Model(&t).Where("token = ?", token).Scan(ctxC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &t, err
}

// ConsumeStreamToken atomically marks the token consumed, returning
// false if it was already consumed by a concurrent caller.
func (d *DB) ConsumeStreamToken(ctxC context.Context, tx bun.IDB, token string, consumedAt time.Time) (bool, error) {
	res, err := execDB(d, tx).NewUpdate().Model((*StreamConnectToken)(nil)).
		Set("consumed_at = ?", consumedAt).
		Where("token = ? AND consumed_at IS NULL", token).
		Exec(ctxC)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// --- Audit log ---

func (d *DB) LogAudit(ctxC context.Context, tx bun.IDB, actor, action, details string) error {
	a := &AuditLog{Actor: actor, Action: action, Details: details}
	_, err := execDB(d, tx).NewInsert().Model(a).Exec(ctxC)
	return err
}

// execDB picks the transaction executor when one is supplied, falling
// back to the top-level connection otherwise - the same
// accept-either-a-*DB-or-a-Tx idiom bun's own examples use.
func execDB(d *DB, tx bun.IDB) bun.IDB {
	if tx != nil {
		return tx
	}
	return d.bun
}

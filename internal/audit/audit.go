// Package audit is the append-only, metadata-only event log required for
// HIPAA traceability. Entries never contain plaintext phone numbers, patient
// names, or message bodies; callers pass the phone hash and structured codes.
package audit

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MessageType classifies an audited event.
type MessageType string

const (
	TypeOutboundConsentRequest MessageType = "OUTBOUND_CONSENT_REQUEST"
	TypeInboundReply           MessageType = "INBOUND_REPLY"
	TypeOutboundLocation       MessageType = "OUTBOUND_LOCATION"
	TypeOutboundTime           MessageType = "OUTBOUND_TIME"
	TypeOutboundConfirmation   MessageType = "OUTBOUND_CONFIRMATION"
	TypeOutboundError          MessageType = "OUTBOUND_ERROR"
	TypeOutboundHelp           MessageType = "OUTBOUND_HELP"
	TypeConsentGranted         MessageType = "CONSENT_GRANTED"
	TypeConsentRevoked         MessageType = "CONSENT_REVOKED"
	TypeSecurity               MessageType = "SECURITY"
	TypeInternalError          MessageType = "INTERNAL_ERROR"
	TypeAdminAction            MessageType = "ADMIN_ACTION"
)

// Direction is the message flow direction.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Entry is one immutable audit record.
type Entry struct {
	ID                uuid.UUID
	PhoneHash         string
	MessageType       MessageType
	Direction         Direction
	ConsentStatus     string
	SessionID         uuid.UUID
	FromNumber        string
	Provider          string
	ProviderMessageID string
	Success           bool
	ErrorCode         string
	Note              string
	// SourceIP is set only on SECURITY entries for rejected requests; it is
	// the one piece of request data those entries carry.
	SourceIP  string
	CreatedAt time.Time
}

// PgxPool is the subset of pgxpool.Pool the recorder needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Recorder writes and queries audit entries.
type Recorder struct {
	pool PgxPool
}

func NewRecorder(pool PgxPool) *Recorder {
	if pool == nil {
		return nil
	}
	return &Recorder{pool: pool}
}

// phoneLike catches runs of 10+ digits so free-text notes cannot smuggle a
// phone number into the log.
var phoneLike = regexp.MustCompile(`\+?\d[\d\s().-]{8,}\d`)

func scrubNote(note string) string {
	return phoneLike.ReplaceAllString(note, "[redacted]")
}

// Record appends one entry. Timestamps are assigned at write time.
func (r *Recorder) Record(ctx context.Context, e Entry) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	query := `
		INSERT INTO audit_events (
			id, phone_hash, message_type, direction, consent_status,
			session_id, from_number, provider, provider_message_id,
			success, error_code, note, source_ip, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now())
	`
	_, err := r.pool.Exec(ctx, query,
		e.ID,
		e.PhoneHash,
		string(e.MessageType),
		string(e.Direction),
		nonEmpty(e.ConsentStatus, "unknown"),
		nullUUID(e.SessionID),
		nullString(e.FromNumber),
		nullString(e.Provider),
		nullString(e.ProviderMessageID),
		e.Success,
		nullString(e.ErrorCode),
		nullString(scrubNote(e.Note)),
		nullString(e.SourceIP),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("audit: record event: %w", err)
	}
	return e.ID, nil
}

// UpdateDeliveryStatus patches success/error on the entry matching a provider
// message id. Delivery receipts arrive minutes after the send.
func (r *Recorder) UpdateDeliveryStatus(ctx context.Context, providerMessageID string, success bool, errorCode string) error {
	if providerMessageID == "" {
		return nil
	}
	query := `
		UPDATE audit_events
		SET success = $2, error_code = COALESCE(NULLIF($3, ''), error_code)
		WHERE provider_message_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, providerMessageID, success, errorCode); err != nil {
		return fmt.Errorf("audit: update delivery status: %w", err)
	}
	return nil
}

// Filter narrows audit queries.
type Filter struct {
	PhoneHash   string
	SessionID   uuid.UUID
	MessageType MessageType
	Direction   Direction
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

// Query lists entries matching the filter, newest first.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Entry, error) {
	query := `
		SELECT id, phone_hash, message_type, direction, consent_status,
			session_id, from_number, provider, provider_message_id,
			success, error_code, note, source_ip, created_at
		FROM audit_events
		WHERE 1=1
	`
	var args []any
	idx := 1
	add := func(clause string, v any) {
		query += fmt.Sprintf(" AND "+clause, idx)
		args = append(args, v)
		idx++
	}
	if f.PhoneHash != "" {
		add("phone_hash = $%d", f.PhoneHash)
	}
	if f.SessionID != uuid.Nil {
		add("session_id = $%d", f.SessionID)
	}
	if f.MessageType != "" {
		add("message_type = $%d", string(f.MessageType))
	}
	if f.Direction != "" {
		add("direction = $%d", string(f.Direction))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var sessionID *uuid.UUID
		var fromNumber, provider, providerMsgID, errorCode, note, sourceIP *string
		if err := rows.Scan(
			&e.ID, &e.PhoneHash, &e.MessageType, &e.Direction, &e.ConsentStatus,
			&sessionID, &fromNumber, &provider, &providerMsgID,
			&e.Success, &errorCode, &note, &sourceIP, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		if sessionID != nil {
			e.SessionID = *sessionID
		}
		e.FromNumber = deref(fromNumber)
		e.Provider = deref(provider)
		e.ProviderMessageID = deref(providerMsgID)
		e.ErrorCode = deref(errorCode)
		e.Note = deref(note)
		e.SourceIP = deref(sourceIP)
		out = append(out, e)
	}
	return out, rows.Err()
}

// VolumeByDirection counts sends per direction over a range, for the admin
// read API.
func (r *Recorder) VolumeByDirection(ctx context.Context, since, until time.Time) (map[Direction]int64, error) {
	query := `
		SELECT direction, count(*)
		FROM audit_events
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY direction
	`
	rows, err := r.pool.Query(ctx, query, since, until)
	if err != nil {
		return nil, fmt.Errorf("audit: volume by direction: %w", err)
	}
	defer rows.Close()
	out := map[Direction]int64{}
	for rows.Next() {
		var d Direction
		var n int64
		if err := rows.Scan(&d, &n); err != nil {
			return nil, fmt.Errorf("audit: scan volume: %w", err)
		}
		out[d] = n
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes entries past the retention window. Only the
// retention sweeper calls this.
func (r *Recorder) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

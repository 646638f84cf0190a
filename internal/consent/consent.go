// Package consent tracks per-patient SMS consent, keyed by phone hash.
// Consent rows outlive conversations and are never deleted.
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Method records how consent was obtained or withdrawn.
type Method string

const (
	MethodSMSReplyYes Method = "SMS_REPLY_YES"
	MethodRevokedStop Method = "REVOKED_STOP"
)

// Record is the consent state for one phone hash.
type Record struct {
	PhoneHash        string
	ConsentGiven     bool
	ConsentTimestamp time.Time
	ConsentMethod    Method
	RevokedAt        *time.Time
	UpdatedAt        time.Time
}

// Given reports whether outbound messaging is currently permitted.
func (r Record) Given() bool {
	return r.ConsentGiven && r.RevokedAt == nil
}

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists consent records.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// ErrNotFound is returned when no consent row exists for a phone hash.
var ErrNotFound = errors.New("consent: not found")

// Get returns the consent record for a phone hash.
func (s *Store) Get(ctx context.Context, phoneHash string) (Record, error) {
	var rec Record
	var method *string
	query := `
		SELECT phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, updated_at
		FROM consents
		WHERE phone_hash = $1
	`
	var ts *time.Time
	err := s.pool.QueryRow(ctx, query, phoneHash).Scan(
		&rec.PhoneHash, &rec.ConsentGiven, &ts, &method, &rec.RevokedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("consent: get: %w", err)
	}
	if ts != nil {
		rec.ConsentTimestamp = *ts
	}
	if method != nil {
		rec.ConsentMethod = Method(*method)
	}
	return rec, nil
}

// Grant records an affirmative consent reply, clearing any prior revocation.
func (s *Store) Grant(ctx context.Context, phoneHash string) error {
	query := `
		INSERT INTO consents (phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, updated_at)
		VALUES ($1, TRUE, now(), $2, NULL, now())
		ON CONFLICT (phone_hash) DO UPDATE
		SET consent_given = TRUE,
			consent_timestamp = now(),
			consent_method = EXCLUDED.consent_method,
			revoked_at = NULL,
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, phoneHash, string(MethodSMSReplyYes)); err != nil {
		return fmt.Errorf("consent: grant: %w", err)
	}
	return nil
}

// Revoke records an opt-out. All outbound sends except the opt-out ack are
// refused afterwards.
func (s *Store) Revoke(ctx context.Context, phoneHash string) error {
	query := `
		INSERT INTO consents (phone_hash, consent_given, consent_method, revoked_at, updated_at)
		VALUES ($1, FALSE, $2, now(), now())
		ON CONFLICT (phone_hash) DO UPDATE
		SET consent_given = FALSE,
			consent_method = EXCLUDED.consent_method,
			revoked_at = now(),
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, phoneHash, string(MethodRevokedStop)); err != nil {
		return fmt.Errorf("consent: revoke: %w", err)
	}
	return nil
}

// StatusLabel maps a record to the audit consent_status value.
func StatusLabel(rec Record, err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "none"
	case err != nil:
		return "unknown"
	case rec.RevokedAt != nil:
		return "revoked"
	case rec.ConsentGiven:
		return "given"
	default:
		return "declined"
	}
}

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound means no conversation matched the lookup.
	ErrNotFound = errors.New("conversation: not found")
	// ErrConflict means a compare-and-set transition matched zero rows: the
	// conversation moved concurrently or the expected state was wrong.
	ErrConflict = errors.New("conversation: state conflict")
)

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists conversations.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	return &Store{pool: pool}
}

const terminalStates = `('CONFIRMED','CANCELLED','EXPIRED')`

const convColumns = `
	id, phone_hash, phone_encrypted, organization_id, state, order_data,
	slot_request_sent_at, slot_retry_count, slot_request_failed_at,
	booking_requested_at, booking_retry_count,
	created_at, updated_at, expires_at, completed_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var rawData []byte
	err := row.Scan(
		&c.ID, &c.PhoneHash, &c.PhoneEncrypted, &c.OrganizationID, &c.State, &rawData,
		&c.SlotRequestSentAt, &c.SlotRetryCount, &c.SlotRequestFailedAt,
		&c.BookingRequestedAt, &c.BookingRetryCount,
		&c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt, &c.CompletedAt,
	)
	if err != nil {
		return Conversation{}, err
	}
	if len(rawData) > 0 {
		if err := json.Unmarshal(rawData, &c.OrderData); err != nil {
			return Conversation{}, fmt.Errorf("decode order_data: %w", err)
		}
	}
	return c, nil
}

// CreateOrAppendParams describes an incoming order for a patient.
type CreateOrAppendParams struct {
	PhoneHash      string
	PhoneEncrypted string
	OrganizationID string
	Order          Order
	InitialState   State
	TTL            time.Duration
}

// CreateOrAppend atomically either creates a new conversation for the phone
// hash or appends the order to the live one. The row lock on the existing
// conversation serializes concurrent webhook deliveries for the same patient.
// Returns the resulting conversation and whether it was newly created.
// Duplicate order ids are absorbed without change.
//
// Two first-ever orders for the same phone can race: neither SELECT finds a
// row to lock, and the loser's INSERT trips the active-conversation unique
// index. The loser retries once and lands on the append path.
func (s *Store) CreateOrAppend(ctx context.Context, p CreateOrAppendParams) (Conversation, bool, error) {
	c, created, err := s.createOrAppendOnce(ctx, p)
	if isUniqueViolation(err) {
		return s.createOrAppendOnce(ctx, p)
	}
	return c, created, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	// 23505 is unique_violation.
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) createOrAppendOnce(ctx context.Context, p CreateOrAppendParams) (Conversation, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("conversation: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+convColumns+`
		FROM conversations
		WHERE phone_hash = $1 AND state NOT IN `+terminalStates+`
		FOR UPDATE
	`, p.PhoneHash)
	existing, err := scanConversation(row)
	switch {
	case err == nil:
		if existing.OrderData.HasOrder(p.Order.OrderID) {
			return existing, false, tx.Commit(ctx)
		}
		existing.OrderData.PendingOrders = append(existing.OrderData.PendingOrders, p.Order)
		raw, err := json.Marshal(existing.OrderData)
		if err != nil {
			return Conversation{}, false, fmt.Errorf("conversation: encode order_data: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE conversations SET order_data = $2, updated_at = now() WHERE id = $1
		`, existing.ID, raw); err != nil {
			return Conversation{}, false, fmt.Errorf("conversation: append order: %w", err)
		}
		return existing, false, tx.Commit(ctx)
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return Conversation{}, false, fmt.Errorf("conversation: lookup active: %w", err)
	}

	c := Conversation{
		ID:             uuid.New(),
		PhoneHash:      p.PhoneHash,
		PhoneEncrypted: p.PhoneEncrypted,
		OrganizationID: p.OrganizationID,
		State:          p.InitialState,
		OrderData:      OrderData{ActiveOrder: p.Order},
	}
	raw, err := json.Marshal(c.OrderData)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("conversation: encode order_data: %w", err)
	}
	row = tx.QueryRow(ctx, `
		INSERT INTO conversations (
			id, phone_hash, phone_encrypted, organization_id, state, order_data, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, now() + $7)
		RETURNING `+convColumns+`
	`, c.ID, c.PhoneHash, c.PhoneEncrypted, c.OrganizationID, string(c.State), raw, p.TTL)
	created, err := scanConversation(row)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("conversation: insert: %w", err)
	}
	return created, true, tx.Commit(ctx)
}

// GetByID fetches one conversation.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+convColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: get by id: %w", err)
	}
	return c, nil
}

// ActiveByPhoneHash fetches the single live conversation for a phone hash.
func (s *Store) ActiveByPhoneHash(ctx context.Context, phoneHash string) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+convColumns+`
		FROM conversations
		WHERE phone_hash = $1 AND state NOT IN `+terminalStates+`
	`, phoneHash)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: get by phone hash: %w", err)
	}
	return c, nil
}

// ActiveByMRN finds the live conversation whose active order belongs to the
// MRN. Fallback lookup for IE callbacks that lost the correlation id.
func (s *Store) ActiveByMRN(ctx context.Context, mrn string) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+convColumns+`
		FROM conversations
		WHERE order_data #>> '{activeOrder,patient,mrn}' = $1
		  AND state NOT IN `+terminalStates+`
		ORDER BY created_at DESC
		LIMIT 1
	`, mrn)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: get by mrn: %w", err)
	}
	return c, nil
}

// TransitionParams describes one compare-and-set update. From is the state
// the row must currently be in; the update matches zero rows otherwise and
// Transition returns ErrConflict. Optional fields piggyback on the same
// UPDATE so state and bookkeeping move together.
type TransitionParams struct {
	ID   uuid.UUID
	From State
	To   State

	OrderData            *OrderData
	SetSlotRequestSentAt bool
	ClearSlotRequest     bool
	IncrementSlotRetry   bool
	MarkSlotFailed       bool
	SetBookingRequested  bool
	ClearBookingRequest  bool
	IncrementBookingTry  bool
	SetCompleted         bool
}

// Transition applies a compare-and-set state change. From == To is allowed
// for bookkeeping updates that must still be guarded by the current state.
func (s *Store) Transition(ctx context.Context, p TransitionParams) (Conversation, error) {
	sets := "state = $3, updated_at = now()"
	args := []any{p.ID, string(p.From), string(p.To)}
	if p.OrderData != nil {
		raw, err := json.Marshal(p.OrderData)
		if err != nil {
			return Conversation{}, fmt.Errorf("conversation: encode order_data: %w", err)
		}
		args = append(args, raw)
		sets += fmt.Sprintf(", order_data = $%d", len(args))
	}
	if p.SetSlotRequestSentAt {
		sets += ", slot_request_sent_at = now()"
	}
	if p.ClearSlotRequest {
		sets += ", slot_request_sent_at = NULL"
	}
	if p.IncrementSlotRetry {
		sets += ", slot_retry_count = slot_retry_count + 1"
	}
	if p.MarkSlotFailed {
		sets += ", slot_request_failed_at = now()"
	}
	if p.SetBookingRequested {
		sets += ", booking_requested_at = now()"
	}
	if p.ClearBookingRequest {
		sets += ", booking_requested_at = NULL"
	}
	if p.IncrementBookingTry {
		sets += ", booking_retry_count = booking_retry_count + 1"
	}
	if p.SetCompleted {
		sets += ", completed_at = now()"
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE conversations SET `+sets+`
		WHERE id = $1 AND state = $2
		RETURNING `+convColumns+`
	`, args...)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConflict
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: transition: %w", err)
	}
	return c, nil
}

// ForceState is the admin escape hatch: it skips the compare-and-set guard.
func (s *Store) ForceState(ctx context.Context, id uuid.UUID, to State) (Conversation, error) {
	completed := ""
	if to.Terminal() {
		completed = ", completed_at = now()"
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations SET state = $2, updated_at = now()`+completed+`
		WHERE id = $1
		RETURNING `+convColumns+`
	`, id, string(to))
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: force state: %w", err)
	}
	return c, nil
}

// ExpireOverdue flips every live conversation past its expires_at to EXPIRED
// and returns the affected ids so in-memory per-conversation state can be
// released. No SMS is sent for expiry.
func (s *Store) ExpireOverdue(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE conversations
		SET state = 'EXPIRED', updated_at = now(), completed_at = now()
		WHERE state NOT IN `+terminalStates+` AND expires_at < now()
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("conversation: expire overdue: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("conversation: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// stuckPredicate matches conversations whose pending IE request has outlived
// its SLA: a slot request with no schedule response, or a booking with no
// appointment notification. slotArg and bookingArg are the placeholder
// positions for the two SLA durations.
func stuckPredicate(slotArg, bookingArg int) string {
	return fmt.Sprintf(`state = 'CHOOSING_TIME'
	  AND (
		(slot_request_sent_at IS NOT NULL AND slot_request_sent_at < now() - $%d)
		OR (booking_requested_at IS NOT NULL AND booking_requested_at < now() - $%d)
	  )`, slotArg, bookingArg)
}

// ListStuck returns conversations matching the stuck predicate, oldest first.
func (s *Store) ListStuck(ctx context.Context, slotSLA, bookingSLA time.Duration) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+convColumns+`
		FROM conversations
		WHERE `+stuckPredicate(1, 2)+`
		ORDER BY updated_at ASC
	`, slotSLA, bookingSLA)
	if err != nil {
		return nil, fmt.Errorf("conversation: list stuck: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan stuck: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListFilter narrows admin listings.
type ListFilter struct {
	State State
	Since time.Time
	Until time.Time
	// AwaitingIE keeps only sessions whose outstanding slot or booking
	// request has outlived its SLA, the same predicate the stuck monitor
	// sweeps on.
	AwaitingIE bool
	SlotSLA    time.Duration
	BookingSLA time.Duration
	Limit      int
	Offset     int
}

// List returns conversations for the admin read API, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Conversation, error) {
	query := `SELECT ` + convColumns + ` FROM conversations`
	var args []any
	var conds []string
	if f.State != "" {
		args = append(args, string(f.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if f.AwaitingIE {
		args = append(args, f.SlotSLA)
		slotArg := len(args)
		args = append(args, f.BookingSLA)
		conds = append(conds, "("+stuckPredicate(slotArg, len(args))+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan list: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountByState aggregates conversation counts for the admin dashboard.
func (s *Store) CountByState(ctx context.Context) (map[State]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM conversations GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("conversation: count by state: %w", err)
	}
	defer rows.Close()
	out := map[State]int64{}
	for rows.Next() {
		var st State
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("conversation: scan count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// AvgTimeInState reports mean seconds from creation to last update per state.
func (s *Store) AvgTimeInState(ctx context.Context) (map[State]time.Duration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state,
			avg(extract(epoch FROM (COALESCE(completed_at, updated_at) - created_at)))
		FROM conversations
		GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("conversation: avg time in state: %w", err)
	}
	defer rows.Close()
	out := map[State]time.Duration{}
	for rows.Next() {
		var st State
		var secs *float64
		if err := rows.Scan(&st, &secs); err != nil {
			return nil, fmt.Errorf("conversation: scan avg: %w", err)
		}
		if secs != nil {
			out[st] = time.Duration(*secs * float64(time.Second))
		}
	}
	return out, rows.Err()
}

// WithAdvisoryLock runs fn inside a transaction holding a per-conversation
// advisory lock, so only one monitor instance acts on a stuck row. Returns
// false without running fn when another holder has the lock.
func (s *Store) WithAdvisoryLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("conversation: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var got bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, id.String(),
	).Scan(&got); err != nil {
		return false, fmt.Errorf("conversation: advisory lock: %w", err)
	}
	if !got {
		return false, tx.Commit(ctx)
	}
	if err := fn(ctx); err != nil {
		return true, err
	}
	return true, tx.Commit(ctx)
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/taralok/consult/internal/repository"
)

const uniqueViolationCode = "23505"

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

const identityColumns = `id, display_name, profile_picture, role, availability, is_online, balance::text, created_at, updated_at`

func scanIdentity(row pgx.Row) (*repository.Identity, error) {
	var ident repository.Identity
	var balance string
	err := row.Scan(&ident.ID, &ident.DisplayName, &ident.ProfilePicture, &ident.Role,
		&ident.Availability, &ident.IsOnline, &balance, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ident.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, err
	}
	return &ident, nil
}

func (r *PostgresRepository) GetIdentity(ctx context.Context, id string) (*repository.Identity, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	ident, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return ident, nil
}

func (r *PostgresRepository) SetOnline(ctx context.Context, id string, online bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE identities SET is_online = $2, updated_at = NOW() WHERE id = $1`, id, online)
	return err
}

func (r *PostgresRepository) SetAvailability(ctx context.Context, id string, availability repository.Availability) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE identities SET availability = $2, updated_at = NOW() WHERE id = $1`, id, availability)
	return err
}

func (r *PostgresRepository) GetProviderRate(ctx context.Context, providerID string, sessionType repository.SessionType) (decimal.Decimal, error) {
	var rate string
	err := r.pool.QueryRow(ctx,
		`SELECT rate_per_minute::text FROM provider_rates WHERE provider_id = $1 AND session_type = $2`,
		providerID, sessionType).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, repository.ErrNoRate
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(rate)
}

const requestColumns = `id, requester_id, provider_id, session_type, status, COALESCE(room_id, ''), created_at, started_at, ended_at`

func scanRequest(row pgx.Row) (*repository.SessionRequest, error) {
	var req repository.SessionRequest
	err := row.Scan(&req.ID, &req.RequesterID, &req.ProviderID, &req.SessionType,
		&req.Status, &req.RoomID, &req.CreatedAt, &req.StartedAt, &req.EndedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *PostgresRepository) CreateRequest(ctx context.Context, input repository.CreateRequestInput) (*repository.SessionRequest, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO session_requests (id, requester_id, provider_id, session_type, status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 RETURNING `+requestColumns,
		input.ID, input.RequesterID, input.ProviderID, input.SessionType)
	req, err := scanRequest(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, repository.ErrDuplicatePending
		}
		return nil, err
	}
	return req, nil
}

func (r *PostgresRepository) GetRequest(ctx context.Context, id string) (*repository.SessionRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM session_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

func (r *PostgresRepository) GetRequestByRoom(ctx context.Context, roomID string) (*repository.SessionRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM session_requests
		 WHERE room_id = $1 ORDER BY created_at DESC LIMIT 1`, roomID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

func (r *PostgresRepository) TransitionRequest(ctx context.Context, input repository.TransitionRequestInput) (*repository.SessionRequest, bool, error) {
	var roomID *string
	if input.RoomID != "" {
		roomID = &input.RoomID
	}
	row := r.pool.QueryRow(ctx,
		`UPDATE session_requests
		 SET status = $3,
		     room_id = COALESCE($4, room_id),
		     started_at = COALESCE($5, started_at),
		     ended_at = COALESCE($6, ended_at)
		 WHERE id = $1 AND status = $2
		 RETURNING `+requestColumns,
		input.RequestID, input.From, input.To, roomID, input.StartedAt, input.EndedAt)
	req, err := scanRequest(row)
	if err == nil {
		return req, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, false, repository.ErrConflict
		}
		return nil, false, err
	}

	// Lost the CAS; report the state the winner left behind.
	current, err := r.GetRequest(ctx, input.RequestID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *PostgresRepository) HasActiveSession(ctx context.Context, providerID string) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM session_requests WHERE provider_id = $1 AND status = 'accepted')`,
		providerID).Scan(&active)
	return active, err
}

func (r *PostgresRepository) ListActiveRequests(ctx context.Context, identityID string, role repository.Role, limit int) ([]repository.SessionRequest, error) {
	column := "requester_id"
	if role == repository.RoleAstrologer {
		column = "provider_id"
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM session_requests
		 WHERE `+column+` = $1 AND status = 'accepted' AND room_id IS NOT NULL
		 ORDER BY created_at DESC LIMIT $2`,
		identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.SessionRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *req)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) ExpirePendingBefore(ctx context.Context, cutoff time.Time) ([]repository.SessionRequest, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE session_requests SET status = 'expired'
		 WHERE status = 'pending' AND created_at < $1
		 RETURNING `+requestColumns,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.SessionRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *req)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) GetBalance(ctx context.Context, identityID string) (decimal.Decimal, error) {
	var balance string
	err := r.pool.QueryRow(ctx,
		`SELECT balance::text FROM identities WHERE id = $1`, identityID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, repository.ErrNotFound
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(balance)
}

func (r *PostgresRepository) Debit(ctx context.Context, input repository.DebitInput) (*repository.DebitResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var balanceStr string
	err = tx.QueryRow(ctx,
		`SELECT balance::text FROM identities WHERE id = $1 FOR UPDATE`,
		input.IdentityID).Scan(&balanceStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, err
	}

	charged := input.Amount
	if charged.GreaterThan(balance) {
		charged = balance
	}
	remaining := balance.Sub(charged)

	_, err = tx.Exec(ctx,
		`UPDATE identities SET balance = $2::numeric, updated_at = NOW() WHERE id = $1`,
		input.IdentityID, remaining.String())
	if err != nil {
		return nil, err
	}
	if charged.IsPositive() {
		_, err = tx.Exec(ctx,
			`INSERT INTO wallet_entries (identity_id, amount, reason, room_id)
			 VALUES ($1, $2::numeric, $3, $4)`,
			input.IdentityID, charged.Neg().String(), input.Reason, input.RoomID)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &repository.DebitResult{Charged: charged, Remaining: remaining}, nil
}

func (r *PostgresRepository) ListWalletEntries(ctx context.Context, identityID string, limit int) ([]repository.WalletEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, identity_id, amount::text, reason, room_id, created_at
		 FROM wallet_entries WHERE identity_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.WalletEntry
	for rows.Next() {
		var entry repository.WalletEntry
		var amount string
		if err := rows.Scan(&entry.ID, &entry.IdentityID, &amount, &entry.Reason, &entry.RoomID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, err
		}
		list = append(list, entry)
	}
	return list, rows.Err()
}

const messageColumns = `id, room_id, sender_id, sender_role, receiver_id, receiver_role, body, sent_at`

func scanMessage(row pgx.Row) (*repository.Message, error) {
	var msg repository.Message
	err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderRole,
		&msg.ReceiverID, &msg.ReceiverRole, &msg.Body, &msg.SentAt)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *PostgresRepository) InsertMessage(ctx context.Context, input repository.InsertMessageInput) (*repository.Message, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO messages (room_id, sender_id, sender_role, receiver_id, receiver_role, body, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+messageColumns,
		input.RoomID, input.SenderID, input.SenderRole, input.ReceiverID, input.ReceiverRole, input.Body, input.SentAt)
	return scanMessage(row)
}

func (r *PostgresRepository) ListMessagesByRoom(ctx context.Context, roomID string) ([]repository.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = $1 ORDER BY sent_at ASC`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *PostgresRepository) ListMessagesBetween(ctx context.Context, identityA, identityB string) ([]repository.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		 ORDER BY sent_at ASC`,
		identityA, identityB)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *PostgresRepository) ListCounterparts(ctx context.Context, identityID string) ([]repository.Identity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT `+identityColumns+` FROM identities
		 WHERE id IN (
			SELECT receiver_id FROM messages WHERE sender_id = $1
			UNION
			SELECT sender_id FROM messages WHERE receiver_id = $1
		 )`,
		identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *ident)
	}
	return list, rows.Err()
}

func collectMessages(rows pgx.Rows) ([]repository.Message, error) {
	var list []repository.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *msg)
	}
	return list, rows.Err()
}

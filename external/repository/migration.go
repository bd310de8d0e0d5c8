package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE identity_role AS ENUM ('user', 'astrologer'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN CREATE TYPE identity_availability AS ENUM ('available', 'busy', 'offline'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN CREATE TYPE session_type AS ENUM ('text', 'audio', 'video'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN CREATE TYPE request_status AS ENUM ('pending', 'accepted', 'rejected', 'cancelled', 'requester_cancelled', 'expired', 'ended'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS identities (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		display_name TEXT NOT NULL,
		profile_picture TEXT NOT NULL DEFAULT '',
		role identity_role NOT NULL,
		availability identity_availability NOT NULL DEFAULT 'offline',
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		balance NUMERIC(14, 6) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS provider_rates (
		provider_id UUID NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		session_type session_type NOT NULL,
		rate_per_minute NUMERIC(14, 6) NOT NULL CHECK (rate_per_minute > 0),
		PRIMARY KEY (provider_id, session_type)
	)`,
	`CREATE TABLE IF NOT EXISTS session_requests (
		id UUID PRIMARY KEY,
		requester_id UUID NOT NULL REFERENCES identities(id),
		provider_id UUID NOT NULL REFERENCES identities(id),
		session_type session_type NOT NULL,
		status request_status NOT NULL DEFAULT 'pending',
		room_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_pending_per_pair ON session_requests (requester_id, provider_id) WHERE status = 'pending'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_active_per_provider ON session_requests (provider_id) WHERE status = 'accepted'`,
	`CREATE INDEX IF NOT EXISTS idx_requests_pending_created ON session_requests (created_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS wallet_entries (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		identity_id UUID NOT NULL REFERENCES identities(id),
		amount NUMERIC(14, 6) NOT NULL,
		reason TEXT NOT NULL,
		room_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_entries_identity ON wallet_entries (identity_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		room_id TEXT NOT NULL,
		sender_id UUID NOT NULL REFERENCES identities(id),
		sender_role identity_role NOT NULL,
		receiver_id UUID NOT NULL REFERENCES identities(id),
		receiver_role identity_role NOT NULL,
		body TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_id, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, sent_at)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

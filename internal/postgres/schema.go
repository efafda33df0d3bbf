package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate applies the schema. Statements are idempotent so repeated
// startups are safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS subnets (
		id          bigserial PRIMARY KEY,
		cidr        cidr NOT NULL UNIQUE,
		netmask     text NOT NULL,
		gateway     inet,
		description text NOT NULL DEFAULT '',
		vlan_id     integer NOT NULL DEFAULT 0,
		location    text NOT NULL DEFAULT '',
		created_by  text NOT NULL DEFAULT '',
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS addresses (
		id           bigserial PRIMARY KEY,
		subnet_id    bigint NOT NULL REFERENCES subnets(id) ON DELETE CASCADE,
		ip           inet NOT NULL,
		status       text NOT NULL DEFAULT 'AVAILABLE',
		prior_status text NOT NULL DEFAULT '',
		mac          text NOT NULL DEFAULT '',
		hostname     text NOT NULL DEFAULT '',
		device_type  text NOT NULL DEFAULT '',
		location     text NOT NULL DEFAULT '',
		assigned_to  text NOT NULL DEFAULT '',
		description  text NOT NULL DEFAULT '',
		os_type      text NOT NULL DEFAULT '',
		allocated_at timestamptz,
		allocated_by text NOT NULL DEFAULT '',
		created_at   timestamptz NOT NULL DEFAULT now(),
		updated_at   timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT unique_ip UNIQUE (ip),
		CONSTRAINT unique_subnet_ip UNIQUE (subnet_id, ip)
	)`,

	// The inet type orders numerically, so a btree on ip serves both
	// the auto-pick scan and address-sorted pagination.
	`CREATE INDEX IF NOT EXISTS idx_addresses_ip ON addresses (ip)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_subnet_status ON addresses (subnet_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_status ON addresses (status)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_mac ON addresses (mac) WHERE mac <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_hostname ON addresses (hostname text_pattern_ops)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_allocated_at ON addresses (allocated_at)`,

	`CREATE TABLE IF NOT EXISTS reservations (
		id          bigserial PRIMARY KEY,
		subnet_id   bigint NOT NULL REFERENCES subnets(id) ON DELETE CASCADE,
		ip          inet NOT NULL,
		actor       text NOT NULL,
		assigned_to text NOT NULL DEFAULT '',
		reason      text NOT NULL DEFAULT '',
		start_at    timestamptz NOT NULL,
		end_at      timestamptz,
		active      boolean NOT NULL DEFAULT true,
		priority    text NOT NULL DEFAULT 'medium',
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now()
	)`,

	// At most one active reservation per address.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_active_ip ON reservations (ip) WHERE active`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations (end_at) WHERE active`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id          uuid PRIMARY KEY,
		ts          timestamptz NOT NULL,
		actor       text NOT NULL,
		action      text NOT NULL,
		entity_kind text NOT NULL,
		entity_id   text NOT NULL,
		before      jsonb,
		after       jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events (ts)`,
}

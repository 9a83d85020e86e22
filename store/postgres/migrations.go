package postgres

import (
	"context"

	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // register pg executor
	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the credits store.
var Migrations = migrate.NewGroup("credits")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_credit_accounts",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_accounts (
    tenant_id         TEXT PRIMARY KEY,
    balance           BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    lifetime_earned   BIGINT NOT NULL DEFAULT 0,
    lifetime_spent    BIGINT NOT NULL DEFAULT 0,
    initial_balance   BIGINT NOT NULL DEFAULT 0,
    free_tier         BOOLEAN NOT NULL DEFAULT TRUE,
    next_grant_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_grant_amount BIGINT NOT NULL DEFAULT 0,
    last_grant_cycle  TEXT NOT NULL DEFAULT '',
    warned_25         BOOLEAN NOT NULL DEFAULT FALSE,
    warned_10         BOOLEAN NOT NULL DEFAULT FALSE,
    warned_5          BOOLEAN NOT NULL DEFAULT FALSE,
    warned_0          BOOLEAN NOT NULL DEFAULT FALSE,
    last_seq          BIGINT NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (balance = lifetime_earned - lifetime_spent)
);

CREATE INDEX IF NOT EXISTS idx_credit_accounts_due ON credit_accounts (next_grant_at) WHERE free_tier;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_accounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_transactions",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_transactions (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL REFERENCES credit_accounts (tenant_id),
    seq           BIGINT NOT NULL,
    amount        BIGINT NOT NULL CHECK (amount <> 0),
    balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
    kind          TEXT NOT NULL,
    action_key    TEXT NOT NULL DEFAULT '',
    ref_id        TEXT NOT NULL DEFAULT '',
    ref_type      TEXT NOT NULL DEFAULT '',
    description   TEXT NOT NULL DEFAULT '',
    metadata      JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (tenant_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_credit_txns_tenant_created ON credit_transactions (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credit_txns_tenant_kind ON credit_transactions (tenant_id, kind);
CREATE INDEX IF NOT EXISTS idx_credit_txns_ref ON credit_transactions (ref_type, ref_id) WHERE ref_id <> '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_transactions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_transactions_append_only",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE OR REPLACE FUNCTION credit_transactions_immutable() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'credit_transactions is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_credit_transactions_immutable ON credit_transactions;
CREATE TRIGGER trg_credit_transactions_immutable
    BEFORE UPDATE OR DELETE ON credit_transactions
    FOR EACH ROW EXECUTE FUNCTION credit_transactions_immutable();
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TRIGGER IF EXISTS trg_credit_transactions_immutable ON credit_transactions;
DROP FUNCTION IF EXISTS credit_transactions_immutable();
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_grants",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_grants (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    amount      BIGINT NOT NULL CHECK (amount > 0),
    type        TEXT NOT NULL,
    code        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    one_time    BOOLEAN NOT NULL DEFAULT TRUE,
    expires_at  TIMESTAMPTZ,
    redeemed_at TIMESTAMPTZ,
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_credit_grants_tenant ON credit_grants (tenant_id);
CREATE INDEX IF NOT EXISTS idx_credit_grants_code ON credit_grants (code) WHERE code <> '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_grants`)
				return err
			},
		},
	)
}

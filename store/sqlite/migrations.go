package sqlite

import (
	"context"

	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // register sqlite executor
	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the credits store (SQLite).
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
    balance           INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    lifetime_earned   INTEGER NOT NULL DEFAULT 0,
    lifetime_spent    INTEGER NOT NULL DEFAULT 0,
    initial_balance   INTEGER NOT NULL DEFAULT 0,
    free_tier         INTEGER NOT NULL DEFAULT 1,
    next_grant_at     INTEGER NOT NULL DEFAULT 0,
    last_grant_amount INTEGER NOT NULL DEFAULT 0,
    last_grant_cycle  TEXT NOT NULL DEFAULT '',
    warned_25         INTEGER NOT NULL DEFAULT 0,
    warned_10         INTEGER NOT NULL DEFAULT 0,
    warned_5          INTEGER NOT NULL DEFAULT 0,
    warned_0          INTEGER NOT NULL DEFAULT 0,
    last_seq          INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL DEFAULT 0,
    CHECK (balance = lifetime_earned - lifetime_spent)
);

CREATE INDEX IF NOT EXISTS idx_credit_accounts_due ON credit_accounts (free_tier, next_grant_at);
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
    seq           INTEGER NOT NULL,
    amount        INTEGER NOT NULL CHECK (amount <> 0),
    balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
    kind          TEXT NOT NULL,
    action_key    TEXT NOT NULL DEFAULT '',
    ref_id        TEXT NOT NULL DEFAULT '',
    ref_type      TEXT NOT NULL DEFAULT '',
    description   TEXT NOT NULL DEFAULT '',
    metadata      TEXT NOT NULL DEFAULT '{}',
    created_at    INTEGER NOT NULL DEFAULT 0,
    UNIQUE (tenant_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_credit_txns_tenant_created ON credit_transactions (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_credit_txns_tenant_kind ON credit_transactions (tenant_id, kind);

CREATE TRIGGER IF NOT EXISTS trg_credit_transactions_no_update
BEFORE UPDATE ON credit_transactions
BEGIN
    SELECT RAISE(ABORT, 'credit_transactions is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_credit_transactions_no_delete
BEFORE DELETE ON credit_transactions
BEGIN
    SELECT RAISE(ABORT, 'credit_transactions is append-only');
END;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_transactions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_grants",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_grants (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    amount      INTEGER NOT NULL CHECK (amount > 0),
    type        TEXT NOT NULL,
    code        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    one_time    INTEGER NOT NULL DEFAULT 1,
    expires_at  INTEGER,
    redeemed_at INTEGER,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_credit_grants_tenant ON credit_grants (tenant_id);
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

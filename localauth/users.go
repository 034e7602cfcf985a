package localauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/noteboard/dbopen"
)

// Schema creates the accounts table. Rows are scoped by project so one
// database can serve several backend configs.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    project_id    TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    email         TEXT NOT NULL COLLATE NOCASE,
    display_name  TEXT NOT NULL DEFAULT '',
    provider      TEXT NOT NULL,
    password_hash TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    last_login    INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (project_id, user_id),
    UNIQUE (project_id, email)
);`

type account struct {
	ID           string
	Email        string
	DisplayName  string
	Provider     string
	PasswordHash string
}

var errNoAccount = errors.New("localauth: no such account")

const accountCols = `user_id, email, display_name, provider, password_hash`

func scanAccount(row *sql.Row) (*account, error) {
	var a account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Provider, &a.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoAccount
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (b *Backend) accountByEmail(ctx context.Context, email string) (*account, error) {
	return scanAccount(b.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE project_id = ? AND email = ?`, b.project, email))
}

func (b *Backend) accountByID(ctx context.Context, id string) (*account, error) {
	return scanAccount(b.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE project_id = ? AND user_id = ?`, b.project, id))
}

// createAccount inserts a, failing with errAccountExists when the email is taken.
func (b *Backend) createAccount(ctx context.Context, a account) error {
	return dbopen.RunTx(ctx, b.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM accounts WHERE project_id = ? AND email = ?`, b.project, a.Email).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return errAccountExists
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (project_id, user_id, email, display_name, provider, password_hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.project, a.ID, a.Email, a.DisplayName, a.Provider, a.PasswordHash, b.now().UnixMilli())
		return err
	})
}

var errAccountExists = errors.New("localauth: account exists")

func (b *Backend) touchLogin(ctx context.Context, id string) {
	if _, err := b.db.ExecContext(ctx,
		`UPDATE accounts SET last_login = ? WHERE project_id = ? AND user_id = ?`,
		b.now().UnixMilli(), b.project, id); err != nil {
		b.logger.Warn("localauth: touch login", "user", id, "error", err)
	}
}

// linkGoogle returns the account for a Google profile, creating it on
// first sign-in. An existing password account with the same email is
// reused and keeps its id.
func (b *Backend) linkGoogle(ctx context.Context, email, name string) (*account, error) {
	a, err := b.accountByEmail(ctx, email)
	if err == nil {
		if a.DisplayName == "" && name != "" {
			if _, err := b.db.ExecContext(ctx,
				`UPDATE accounts SET display_name = ? WHERE project_id = ? AND user_id = ?`,
				name, b.project, a.ID); err != nil {
				return nil, fmt.Errorf("localauth: update profile: %w", err)
			}
			a.DisplayName = name
		}
		return a, nil
	}
	if !errors.Is(err, errNoAccount) {
		return nil, err
	}
	na := account{ID: b.ids(), Email: email, DisplayName: name, Provider: "google"}
	if err := b.createAccount(ctx, na); err != nil {
		if errors.Is(err, errAccountExists) {
			return b.accountByEmail(ctx, email)
		}
		return nil, err
	}
	return &na, nil
}

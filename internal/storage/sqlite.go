package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "gatebot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and every statement
	// here is a single-row write or a short read.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const userColumns = `user_id, username, first_name, last_name, is_member, last_checked,
	verification_token, token_created_at, verified_until, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		u                            User
		username, first, last, token sql.NullString
		lastChecked, tokenAt, until  sql.NullInt64
		createdAt, updatedAt         int64
		isMember                     int
	)
	err := row.Scan(&u.UserID, &username, &first, &last, &isMember, &lastChecked,
		&token, &tokenAt, &until, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Username, u.FirstName, u.LastName = username.String, first.String, last.String
	u.IsMember = isMember != 0
	u.LastChecked = fromMillis(lastChecked)
	u.Token = token.String
	u.TokenCreatedAt = fromMillis(tokenAt)
	u.VerifiedUntil = fromMillis(until)
	u.CreatedAt = time.UnixMilli(createdAt)
	u.UpdatedAt = time.UnixMilli(updatedAt)
	return u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, userID int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// EnsureUser returns the stored user, creating it from p when absent.
// Profile fields of an existing user are refreshed when they changed.
func (s *sqliteStore) EnsureUser(ctx context.Context, p Profile) (User, error) {
	u, err := s.GetUser(ctx, p.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		now := s.now().UnixMilli()
		err = withRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO users(user_id, username, first_name, last_name, created_at, updated_at)
				 VALUES(?,?,?,?,?,?)
				 ON CONFLICT(user_id) DO NOTHING`,
				p.UserID, nullStr(p.Username), nullStr(p.FirstName), nullStr(p.LastName), now, now)
			return err
		})
		if err != nil {
			return User{}, fmt.Errorf("create user %d: %w", p.UserID, err)
		}
		s.log.Debug("user created", logx.UserID(p.UserID))
		return s.GetUser(ctx, p.UserID)
	case err != nil:
		return User{}, err
	}

	if p.Username == u.Username && p.FirstName == u.FirstName && p.LastName == u.LastName {
		return u, nil
	}
	err = withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET username = ?, first_name = ?, last_name = ?, updated_at = ? WHERE user_id = ?`,
			nullStr(p.Username), nullStr(p.FirstName), nullStr(p.LastName), s.now().UnixMilli(), p.UserID)
		return err
	})
	if err != nil {
		return User{}, fmt.Errorf("update profile %d: %w", p.UserID, err)
	}
	u.Profile = p
	return u, nil
}

// SaveMembership records the aggregate membership and when it was checked.
// The write is unconditional; the last writer wins.
func (s *sqliteStore) SaveMembership(ctx context.Context, userID int64, isMember bool, at time.Time) error {
	now := s.now().UnixMilli()
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users(user_id, is_member, last_checked, created_at, updated_at)
			 VALUES(?,?,?,?,?)
			 ON CONFLICT(user_id) DO UPDATE SET
			   is_member = excluded.is_member,
			   last_checked = excluded.last_checked,
			   updated_at = excluded.updated_at`,
			userID, boolInt(isMember), at.UnixMilli(), now, now)
		return err
	})
}

// SaveToken stores token as the user's only live token, replacing any other.
func (s *sqliteStore) SaveToken(ctx context.Context, userID int64, token string, at time.Time) error {
	now := s.now().UnixMilli()
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users(user_id, verification_token, token_created_at, created_at, updated_at)
			 VALUES(?,?,?,?,?)
			 ON CONFLICT(user_id) DO UPDATE SET
			   verification_token = excluded.verification_token,
			   token_created_at = excluded.token_created_at,
			   updated_at = excluded.updated_at`,
			userID, token, at.UnixMilli(), now, now)
		return err
	})
}

// CompleteVerification consumes token and extends verified_until to until.
// It reports false when the stored token no longer equals token (already
// redeemed or replaced). verified_until never moves backwards.
func (s *sqliteStore) CompleteVerification(ctx context.Context, userID int64, token string, until, now time.Time) (bool, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE users SET
			   verification_token = NULL,
			   token_created_at = NULL,
			   verified_until = MAX(COALESCE(verified_until, 0), ?),
			   updated_at = ?
			 WHERE user_id = ? AND verification_token = ?`,
			until.UnixMilli(), now.UnixMilli(), userID, token)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListUserIDs returns every user id in ascending order.
func (s *sqliteStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// ListStale pages users whose membership was last checked before the cutoff
// (or never), by ascending id after afterID.
func (s *sqliteStore) ListStale(ctx context.Context, before time.Time, afterID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM users
		 WHERE user_id > ? AND (last_checked IS NULL OR last_checked < ?)
		 ORDER BY user_id LIMIT ?`,
		afterID, before.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (s *sqliteStore) CountStats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(is_member), 0),
		        COALESCE(SUM(CASE WHEN verified_until > ? THEN 1 ELSE 0 END), 0)
		 FROM users`, now.UnixMilli()).Scan(&st.Users, &st.Members, &st.Verified)
	return st, err
}

func (s *sqliteStore) PutContent(ctx context.Context, c Content) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO content(code, title, source_chat_id, source_message_id, created_by, created_at)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(code) DO UPDATE SET
			   title = excluded.title,
			   source_chat_id = excluded.source_chat_id,
			   source_message_id = excluded.source_message_id,
			   created_by = excluded.created_by`,
			c.Code, c.Title, c.SourceChatID, c.SourceMessageID, c.CreatedBy, c.CreatedAt.UnixMilli())
		return err
	})
}

func (s *sqliteStore) GetContent(ctx context.Context, code string) (Content, error) {
	var (
		c  Content
		at int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT code, title, source_chat_id, source_message_id, created_by, created_at FROM content WHERE code = ?`,
		code).Scan(&c.Code, &c.Title, &c.SourceChatID, &c.SourceMessageID, &c.CreatedBy, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Content{}, ErrNotFound
	}
	if err != nil {
		return Content{}, err
	}
	c.CreatedAt = time.UnixMilli(at)
	return c, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audit(at, actor_id, action, target, ok, fail, err, took_ms) VALUES(?,?,?,?,?,?,?,?)`,
			e.At.UnixMilli(), e.ActorID, e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS)
		return err
	})
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

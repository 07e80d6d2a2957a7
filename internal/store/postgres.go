package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUsernameTaken is returned by CreateUser when the username exists.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrNotOwner is returned by guarded mutations when the row exists but
	// belongs to another user.
	ErrNotOwner = errors.New("row owned by another user")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	user := User{Username: username, PasswordHash: passwordHash}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		RETURNING user_id, is_admin, created_at
	`, username, passwordHash).Scan(&user.ID, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, password_hash, is_admin, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by name: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, password_hash, is_admin, created_at
		FROM users
		WHERE user_id = $1
	`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CountUserThreads(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forum_threads WHERE user_id=$1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count user threads: %w", err)
	}
	return count, nil
}

// ── Refresh sessions (fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.user_id, u.username, u.is_admin
		FROM refresh_sessions rs
		JOIN users u ON u.user_id = rs.user_id
		WHERE rs.token_hash=$1 AND rs.revoked_at IS NULL AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Username, &user.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ── Components ──

func (s *PostgresStore) ListComponents(ctx context.Context, category string) ([]Component, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, brief, description, icon_class, image_url, download_link, upload_date
		FROM components
		WHERE $1 = '' OR category = $1
		ORDER BY upload_date DESC, id DESC
	`, category)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	defer rows.Close()

	components := make([]Component, 0)
	for rows.Next() {
		var c Component
		if err := rows.Scan(&c.ID, &c.Name, &c.Category, &c.Brief, &c.Description, &c.IconClass, &c.ImageURL, &c.DownloadLink, &c.UploadDate); err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		components = append(components, c)
	}
	return components, rows.Err()
}

func (s *PostgresStore) GetComponent(ctx context.Context, id int64) (Component, error) {
	var c Component
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, brief, description, icon_class, image_url, download_link, upload_date
		FROM components
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Category, &c.Brief, &c.Description, &c.IconClass, &c.ImageURL, &c.DownloadLink, &c.UploadDate)
	if errors.Is(err, sql.ErrNoRows) {
		return Component{}, err
	}
	if err != nil {
		return Component{}, fmt.Errorf("get component: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) InsertComponent(ctx context.Context, c Component) (Component, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO components (name, category, brief, description, icon_class, image_url, download_link)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, upload_date
	`, c.Name, c.Category, c.Brief, c.Description, c.IconClass, c.ImageURL, c.DownloadLink).Scan(&c.ID, &c.UploadDate)
	if err != nil {
		return Component{}, fmt.Errorf("insert component: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListComponentComments(ctx context.Context, componentID int64) ([]ComponentComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cc.comment_id, cc.component_id, cc.user_id, u.username, cc.rating, cc.comment_text, cc.post_date
		FROM component_comments cc
		JOIN users u ON u.user_id = cc.user_id
		WHERE cc.component_id = $1
		ORDER BY cc.post_date DESC, cc.comment_id DESC
	`, componentID)
	if err != nil {
		return nil, fmt.Errorf("list component comments: %w", err)
	}
	defer rows.Close()

	comments := make([]ComponentComment, 0)
	for rows.Next() {
		var c ComponentComment
		if err := rows.Scan(&c.ID, &c.ComponentID, &c.UserID, &c.Author, &c.Rating, &c.Text, &c.PostedAt); err != nil {
			return nil, fmt.Errorf("scan component comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) InsertComponentComment(ctx context.Context, c ComponentComment) (ComponentComment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO component_comments (component_id, user_id, rating, comment_text)
		VALUES ($1, $2, $3, $4)
		RETURNING comment_id, post_date
	`, c.ComponentID, c.UserID, c.Rating, c.Text).Scan(&c.ID, &c.PostedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ComponentComment{}, sql.ErrNoRows
		}
		return ComponentComment{}, fmt.Errorf("insert component comment: %w", err)
	}
	return c, nil
}

// ── Bookmarks ──

func (s *PostgresStore) IsBookmarked(ctx context.Context, userID, componentID int64) (bool, error) {
	var bookmarked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM bookmarks WHERE user_id=$1 AND component_id=$2)
	`, userID, componentID).Scan(&bookmarked)
	if err != nil {
		return false, fmt.Errorf("check bookmark: %w", err)
	}
	return bookmarked, nil
}

// ToggleBookmark flips the bookmark for (userID, componentID) and returns the
// state read back from the store. A concurrent duplicate insert is absorbed by
// the primary key via ON CONFLICT DO NOTHING.
func (s *PostgresStore) ToggleBookmark(ctx context.Context, userID, componentID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin toggle bookmark: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM bookmarks WHERE user_id=$1 AND component_id=$2
	`, userID, componentID)
	if err != nil {
		return false, fmt.Errorf("delete bookmark: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete bookmark rows: %w", err)
	}
	if affected == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bookmarks (user_id, component_id)
			VALUES ($1, $2)
			ON CONFLICT (user_id, component_id) DO NOTHING
		`, userID, componentID); err != nil {
			if isForeignKeyViolation(err) {
				return false, sql.ErrNoRows
			}
			return false, fmt.Errorf("insert bookmark: %w", err)
		}
	}

	var bookmarked bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM bookmarks WHERE user_id=$1 AND component_id=$2)
	`, userID, componentID).Scan(&bookmarked); err != nil {
		return false, fmt.Errorf("read bookmark state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit toggle bookmark: %w", err)
	}
	return bookmarked, nil
}

func (s *PostgresStore) ListBookmarkedComponents(ctx context.Context, userID int64) ([]Component, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.category, c.brief, c.description, c.icon_class, c.image_url, c.download_link, c.upload_date
		FROM bookmarks b
		JOIN components c ON c.id = b.component_id
		WHERE b.user_id = $1
		ORDER BY b.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarked components: %w", err)
	}
	defer rows.Close()

	components := make([]Component, 0)
	for rows.Next() {
		var c Component
		if err := rows.Scan(&c.ID, &c.Name, &c.Category, &c.Brief, &c.Description, &c.IconClass, &c.ImageURL, &c.DownloadLink, &c.UploadDate); err != nil {
			return nil, fmt.Errorf("scan bookmarked component: %w", err)
		}
		components = append(components, c)
	}
	return components, rows.Err()
}

// ── Forum threads ──

func (s *PostgresStore) ListThreads(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.thread_id, t.user_id, u.username, t.title, t.content, t.created_at,
			(SELECT COUNT(*) FROM thread_comments tc WHERE tc.thread_id = t.thread_id) AS reply_count
		FROM forum_threads t
		JOIN users u ON u.user_id = t.user_id
		ORDER BY t.created_at DESC, t.thread_id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]Thread, 0)
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.UserID, &t.Author, &t.Title, &t.Content, &t.CreatedAt, &t.ReplyCount); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID int64) (Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT t.thread_id, t.user_id, u.username, t.title, t.content, t.created_at
		FROM forum_threads t
		JOIN users u ON u.user_id = t.user_id
		WHERE t.thread_id = $1
	`, threadID).Scan(&t.ID, &t.UserID, &t.Author, &t.Title, &t.Content, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, err
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, userID int64, title, content string) (Thread, error) {
	t := Thread{UserID: userID, Title: title, Content: content}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO forum_threads (user_id, title, content)
		VALUES ($1, $2, $3)
		RETURNING thread_id, created_at
	`, userID, title, content).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

// UpdateThread rewrites the thread title and content. The user_id guard keeps
// the update from racing an ownership change after authorization.
func (s *PostgresStore) UpdateThread(ctx context.Context, threadID, userID int64, title, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE forum_threads SET title=$3, content=$4
		WHERE thread_id=$1 AND user_id=$2
	`, threadID, userID, title, content)
	if err != nil {
		return false, fmt.Errorf("update thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update thread rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteThreadCascade removes a thread and its replies in one transaction.
// It returns sql.ErrNoRows when the thread does not exist and ErrNotOwner when
// it belongs to another user; in both cases nothing is deleted. The returned
// count is the number of replies removed alongside the thread.
func (s *PostgresStore) DeleteThreadCascade(ctx context.Context, threadID, userID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID int64
	err = tx.QueryRowContext(ctx, `
		SELECT user_id FROM forum_threads WHERE thread_id=$1 FOR UPDATE
	`, threadID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, sql.ErrNoRows
	}
	if err != nil {
		return 0, fmt.Errorf("lock thread: %w", err)
	}
	if ownerID != userID {
		return 0, ErrNotOwner
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM thread_comments WHERE thread_id=$1`, threadID)
	if err != nil {
		return 0, fmt.Errorf("delete thread replies: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete thread replies rows: %w", err)
	}

	result, err = tx.ExecContext(ctx, `
		DELETE FROM forum_threads WHERE thread_id=$1 AND user_id=$2
	`, threadID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete thread rows: %w", err)
	}
	if affected == 0 {
		return 0, sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete thread: %w", err)
	}
	return removed, nil
}

// ── Thread replies ──

func (s *PostgresStore) ListThreadComments(ctx context.Context, threadID int64) ([]ThreadComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tc.comment_id, tc.thread_id, tc.user_id, u.username, tc.body, tc.created_at, tc.updated_at
		FROM thread_comments tc
		JOIN users u ON u.user_id = tc.user_id
		WHERE tc.thread_id = $1
		ORDER BY tc.created_at ASC, tc.comment_id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread comments: %w", err)
	}
	defer rows.Close()

	comments := make([]ThreadComment, 0)
	for rows.Next() {
		var c ThreadComment
		if err := rows.Scan(&c.ID, &c.ThreadID, &c.UserID, &c.Author, &c.Body, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) GetThreadComment(ctx context.Context, commentID int64) (ThreadComment, error) {
	var c ThreadComment
	err := s.db.QueryRowContext(ctx, `
		SELECT tc.comment_id, tc.thread_id, tc.user_id, u.username, tc.body, tc.created_at, tc.updated_at
		FROM thread_comments tc
		JOIN users u ON u.user_id = tc.user_id
		WHERE tc.comment_id = $1
	`, commentID).Scan(&c.ID, &c.ThreadID, &c.UserID, &c.Author, &c.Body, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadComment{}, err
	}
	if err != nil {
		return ThreadComment{}, fmt.Errorf("get thread comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) InsertThreadComment(ctx context.Context, threadID, userID int64, body string) (ThreadComment, error) {
	c := ThreadComment{ThreadID: threadID, UserID: userID, Body: body}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO thread_comments (thread_id, user_id, body)
		VALUES ($1, $2, $3)
		RETURNING comment_id, created_at, updated_at
	`, threadID, userID, body).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ThreadComment{}, sql.ErrNoRows
		}
		return ThreadComment{}, fmt.Errorf("insert thread comment: %w", err)
	}
	return c, nil
}

// UpdateThreadComment rewrites the reply body and restamps updated_at. The
// user_id guard merges "missing" and "not owned" into a zero-row result.
func (s *PostgresStore) UpdateThreadComment(ctx context.Context, commentID, userID int64, body string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE thread_comments SET body=$3, updated_at=NOW()
		WHERE comment_id=$1 AND user_id=$2
	`, commentID, userID, body)
	if err != nil {
		return false, fmt.Errorf("update thread comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update thread comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteThreadComment(ctx context.Context, commentID, userID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM thread_comments WHERE comment_id=$1 AND user_id=$2
	`, commentID, userID)
	if err != nil {
		return false, fmt.Errorf("delete thread comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete thread comment rows: %w", err)
	}
	return affected > 0, nil
}

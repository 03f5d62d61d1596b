package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"taskboard/internal/domain"
)

// Repo is the SQLite-backed record store. Timestamps are stored as unix
// microseconds.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateTitle = errors.New("duplicate title")
	// ErrStale reports a compare-and-swap miss on updated_at.
	ErrStale = errors.New("stale write")
)

const taskColumns = `id,title,COALESCE(description,''),assigned_user,status,priority,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                domain.Task
		assignee         sql.NullString
		created, updated int64
		status, priority string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &assignee, &status, &priority, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignee.Valid {
		id := assignee.String
		t.AssignedUserID = &id
	}
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority)
	t.CreatedAt = fromMicros(created)
	t.UpdatedAt = fromMicros(updated)
	return t, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func titleErr(err error) error {
	// tasks.title is the only unique column besides the key.
	if isUniqueViolation(err) {
		return ErrDuplicateTitle
	}
	return err
}

// InsertTask stores a new task. UpdatedAt is set equal to CreatedAt.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	t.CreatedAt = fromMicros(micros(t.CreatedAt))
	t.UpdatedAt = t.CreatedAt
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,title,description,assigned_user,status,priority,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), nullableStrPtr(t.AssignedUserID), string(t.Status), string(t.Priority), micros(t.CreatedAt), micros(t.UpdatedAt))
	if err != nil {
		return domain.Task{}, titleErr(err)
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListTasks returns every task, oldest first.
func (r Repo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTask writes the mutable fields of next. With expected set the write
// only lands when the stored updated_at still equals it; a miss returns
// ErrStale, or ErrNotFound when the row is gone.
func (r Repo) UpdateTask(ctx context.Context, next domain.Task, expected *time.Time) (domain.Task, error) {
	query := `UPDATE tasks SET title=?,description=?,assigned_user=?,status=?,priority=?,updated_at=MAX(?,updated_at+1) WHERE id=?`
	args := []any{next.Title, nullable(next.Description), nullableStrPtr(next.AssignedUserID), string(next.Status), string(next.Priority), micros(r.now()), next.ID}
	if expected != nil {
		query += ` AND updated_at=?`
		args = append(args, micros(*expected))
	}
	query += ` RETURNING ` + taskColumns
	t, err := scanTask(r.DB.QueryRowContext(ctx, query, args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Task{}, titleErr(err)
	}
	if expected == nil {
		return domain.Task{}, ErrNotFound
	}
	if _, gerr := r.GetTask(ctx, next.ID); gerr != nil {
		return domain.Task{}, gerr
	}
	return domain.Task{}, ErrStale
}

// AssignTask sets the assignee without a version check.
func (r Repo) AssignTask(ctx context.Context, id, userID string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `UPDATE tasks SET assigned_user=?,updated_at=MAX(?,updated_at+1) WHERE id=? RETURNING `+taskColumns,
		nullable(userID), micros(r.now()), id))
}

// DeleteTask removes the task and returns the row as it was.
func (r Repo) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `DELETE FROM tasks WHERE id=? RETURNING `+taskColumns, id))
}

// ActiveLoads counts tasks not yet Done per assignee.
func (r Repo) ActiveLoads(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT assigned_user, COUNT(*) FROM tasks WHERE status!='Done' AND assigned_user IS NOT NULL GROUP BY assigned_user`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var user string
		var count int
		if err := rows.Scan(&user, &count); err != nil {
			return nil, err
		}
		res[user] = count
	}
	return res, rows.Err()
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = r.now()
	}
	u.CreatedAt = fromMicros(micros(u.CreatedAt))
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,email,name,created_at) VALUES (?,?,?,?)`, u.ID, u.Email, u.Name, micros(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, fmt.Errorf("user %s: %w", u.Email, err)
		}
		return domain.User{}, err
	}
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var created int64
	err := r.DB.QueryRowContext(ctx, `SELECT id,email,name,created_at FROM users WHERE id=?`, id).Scan(&u.ID, &u.Email, &u.Name, &created)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.CreatedAt = fromMicros(created)
	return u, nil
}

// ListUsers returns the directory ordered by id.
func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,email,name,created_at FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var created int64
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = fromMicros(created)
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) InsertAction(ctx context.Context, a domain.ActionLog) error {
	snap, err := json.Marshal(a.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO action_logs(id,user_id,kind,task_id,snapshot_json,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.UserID, string(a.Kind), nullableStrPtr(a.TaskID), string(snap), micros(a.CreatedAt))
	return err
}

// RecentActions returns up to limit entries, newest first.
func (r Repo) RecentActions(ctx context.Context, limit int) ([]domain.ActionLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,kind,task_id,snapshot_json,created_at FROM action_logs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionLog
	for rows.Next() {
		var (
			a       domain.ActionLog
			kind    string
			taskID  sql.NullString
			snap    string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &kind, &taskID, &snap, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(snap), &a.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", a.ID, err)
		}
		if taskID.Valid {
			id := taskID.String
			a.TaskID = &id
		}
		a.Kind = domain.ActionKind(kind)
		a.CreatedAt = fromMicros(created)
		res = append(res, a)
	}
	return res, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStrPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// Package sqlstore keeps the queue in a SQL database, either PostgreSQL
// through pgx or a local SQLite file through modernc.org/sqlite.
package sqlstore

import (
	"cequeue/internal/domain"
	"cequeue/internal/ports"
	"cequeue/pkg/backoff"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const (
	busyRetries   = 5
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

const taskColumns = "seq, uuid, task_type, component_key, payload_ref, status, submitted_at, started_at, heartbeat_at, lease_owner"

const activityColumns = "uuid, task_type, component_key, payload_ref, status, submitted_at, started_at, executed_at, execution_time_ms, error_message"

var _ ports.QueueStore = (*Store)(nil)

type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects to the database of the given dialect. For sqlite, url is a
// file path; WAL and a busy timeout are enabled on it.
func Open(ctx context.Context, dialect, url string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", url)
	case DialectSQLite:
		db, err = sql.Open("sqlite", sqliteDSN(url))
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrStoreUnavailable, dialect, err)
	}
	if dialect == DialectSQLite {
		// a single writer connection serialises claims
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s connection failed: %v", domain.ErrStoreUnavailable, dialect, err)
	}
	log.Ctx(ctx).Info().Str("dialect", dialect).Msg("connected to sql store")
	return New(db, dialect), nil
}

// New wraps an already opened database.
func New(db *sql.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect}
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) retry(ctx context.Context, fn func() error) error {
	if s.dialect != DialectSQLite {
		return fn()
	}
	return backoff.Retry(ctx, busyRetries, busyBaseDelay, busyMaxDelay, isBusy, fn)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Ctx(ctx).Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) Insert(ctx context.Context, t domain.Task) (domain.Task, error) {
	query := s.rebind(`INSERT INTO ce_queue (uuid, task_type, component_key, payload_ref, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING seq`)

	var seq int64
	err := s.retry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			t.UUID, t.Type, nullString(t.ComponentKey), t.PayloadRef,
			string(domain.StatusPending), t.SubmittedAt.UnixMilli(),
		).Scan(&seq)
	})
	if err != nil {
		return domain.Task{}, mapError("insert task", err)
	}

	t.Seq = seq
	t.Status = domain.StatusPending
	t.StartedAt = nil
	t.HeartbeatAt = nil
	t.LeaseOwner = ""
	return t, nil
}

func (s *Store) ClaimOldestPending(ctx context.Context, startedAt time.Time, leaseOwner string) (*domain.Task, error) {
	lock := ""
	if s.dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	query := s.rebind(`UPDATE ce_queue SET status = ?, started_at = ?, heartbeat_at = NULL, lease_owner = ?
		WHERE seq = (
			SELECT seq FROM ce_queue WHERE status = ?
			ORDER BY submitted_at, seq LIMIT 1` + lock + `
		)
		RETURNING ` + taskColumns)

	var t domain.Task
	err := s.retry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query,
			string(domain.StatusInProgress), startedAt.UnixMilli(), leaseOwner, string(domain.StatusPending))
		var err error
		t, err = scanTask(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("claim task", err)
	}
	return &t, nil
}

func (s *Store) Heartbeat(ctx context.Context, uuid, leaseOwner string, at time.Time) (bool, error) {
	query := s.rebind(`UPDATE ce_queue SET heartbeat_at = ?
		WHERE uuid = ? AND lease_owner = ? AND status = ?`)

	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, at.UnixMilli(), uuid, leaseOwner, string(domain.StatusInProgress))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, mapError("heartbeat task", err)
	}
	return n == 1, nil
}

func (s *Store) DeleteAndArchive(ctx context.Context, uuid string, c domain.Completion) (domain.Activity, error) {
	del := s.rebind(`DELETE FROM ce_queue WHERE uuid = ? RETURNING ` + taskColumns)
	args := []any{uuid}
	if c.LeaseOwner != "" {
		del = s.rebind(`DELETE FROM ce_queue WHERE uuid = ? AND lease_owner = ? RETURNING ` + taskColumns)
		args = append(args, c.LeaseOwner)
	}
	exists := s.rebind(`SELECT COUNT(*) FROM ce_queue WHERE uuid = ?`)
	ins := s.rebind(`INSERT INTO ce_activity (` + activityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	var a domain.Activity
	err := s.retry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			t, err := scanTask(tx.QueryRowContext(ctx, del, args...))
			if errors.Is(err, sql.ErrNoRows) {
				var n int
				if err := tx.QueryRowContext(ctx, exists, uuid).Scan(&n); err != nil {
					return err
				}
				if n > 0 {
					return fmt.Errorf("%w: %s", domain.ErrLeaseLost, uuid)
				}
				return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, uuid)
			}
			if err != nil {
				return err
			}

			a = domain.NewActivity(t, c)
			_, err = tx.ExecContext(ctx, ins,
				a.UUID, a.Type, a.ComponentKey, a.PayloadRef, string(a.Status),
				a.SubmittedAt.UnixMilli(), nullMillis(a.StartedAt), a.ExecutedAt.UnixMilli(),
				a.ExecutionTimeMs, a.ErrorMessage,
			)
			return err
		})
	})
	if err != nil {
		return domain.Activity{}, mapError("archive task", err)
	}
	return a, nil
}

func (s *Store) ResetInProgress(ctx context.Context, staleBefore time.Time) (int64, error) {
	query := s.rebind(`UPDATE ce_queue SET status = ?, started_at = NULL, heartbeat_at = NULL, lease_owner = NULL
		WHERE status = ? AND COALESCE(heartbeat_at, started_at) < ?`)

	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query,
			string(domain.StatusPending), string(domain.StatusInProgress), staleBefore.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, mapError("reset in-progress tasks", err)
	}
	return n, nil
}

func (s *Store) ListQueue(ctx context.Context) ([]domain.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM ce_queue
		ORDER BY CASE WHEN status = ? THEN 0 ELSE 1 END, submitted_at, seq`)

	rows, err := s.db.QueryContext(ctx, query, string(domain.StatusInProgress))
	if err != nil {
		return nil, mapError("list queue", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapError("list queue", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list queue", err)
	}
	return out, nil
}

func (s *Store) ListActivity(ctx context.Context, q domain.ActivityQuery) ([]domain.Activity, error) {
	var (
		where []string
		args  []any
	)
	if q.ComponentKey != "" {
		where = append(where, "component_key = ?")
		args = append(args, q.ComponentKey)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}

	query := `SELECT ` + activityColumns + ` FROM ce_activity`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, mapError("list activity", err)
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, mapError("list activity", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list activity", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) Counts(ctx context.Context) (domain.QueueCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ce_queue GROUP BY status`)
	if err != nil {
		return domain.QueueCounts{}, mapError("count queue", err)
	}
	defer rows.Close()

	var c domain.QueueCounts
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueCounts{}, mapError("count queue", err)
		}
		switch domain.TaskStatus(status) {
		case domain.StatusPending:
			c.Pending = n
		case domain.StatusInProgress:
			c.InProgress = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.QueueCounts{}, mapError("count queue", err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t         domain.Task
		component sql.NullString
		status    string
		submitted int64
		started   sql.NullInt64
		beat      sql.NullInt64
		lease     sql.NullString
	)
	if err := row.Scan(&t.Seq, &t.UUID, &t.Type, &component, &t.PayloadRef, &status, &submitted, &started, &beat, &lease); err != nil {
		return domain.Task{}, err
	}
	t.ComponentKey = component.String
	t.LeaseOwner = lease.String
	t.HeartbeatAt = millisPtr(beat)
	t.Status = domain.TaskStatus(status)
	t.SubmittedAt = time.UnixMilli(submitted)
	t.StartedAt = millisPtr(started)
	return t, nil
}

func scanActivity(row scanner) (domain.Activity, error) {
	var (
		a         domain.Activity
		status    string
		submitted int64
		started   sql.NullInt64
		executed  int64
	)
	if err := row.Scan(&a.UUID, &a.Type, &a.ComponentKey, &a.PayloadRef, &status,
		&submitted, &started, &executed, &a.ExecutionTimeMs, &a.ErrorMessage); err != nil {
		return domain.Activity{}, err
	}
	a.Status = domain.ActivityStatus(status)
	a.SubmittedAt = time.UnixMilli(submitted)
	a.StartedAt = millisPtr(started)
	a.ExecutedAt = time.UnixMilli(executed)
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

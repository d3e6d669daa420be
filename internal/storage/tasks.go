package storage

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"eden/internal/task"

	"github.com/google/uuid"
)

const taskColumns = `id, sequence_number, created_at, updated_at, attempts, payload, deadline, last_retry, periodic, priority, status, last_error`

const priorityLevelSQL = `CASE priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                          task.Task
		created, updated, deadline int64
		lastRetry                  sql.NullInt64
		lastErr                    sql.NullString
		payload, priority, status  string
		periodic                   bool
	)
	if err := r.Scan(&t.ID, &t.Sequence, &created, &updated, &t.Attempts, &payload,
		&deadline, &lastRetry, &periodic, &priority, &status, &lastErr); err != nil {
		return task.Task{}, err
	}
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.Deadline = fromNanos(deadline)
	if lastRetry.Valid {
		t.LastRetry = fromNanos(lastRetry.Int64)
	}
	t.Payload = task.LoadPayload([]byte(payload))
	t.Periodic = periodic
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.LastError = lastErr.String
	return t, nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// claimOrder is priority level descending, then deadline, then creation order.
func claimOrder(a, b task.Task) int {
	if c := cmp.Compare(b.Priority.Level(), a.Priority.Level()); c != 0 {
		return c
	}
	if c := a.Deadline.Compare(b.Deadline); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Sequence, b.Sequence)
}

// Enqueue validates and persists a new queued task. Invalid payloads are
// rejected with task.ErrInvalidPayload before anything is written.
func (s *Store) Enqueue(ctx context.Context, n task.NewTask) (task.Task, error) {
	now := s.now()
	if err := n.Validate(now); err != nil {
		return task.Task{}, err
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	t, err := insertTask(ctx, s.db, n, now)
	if err != nil {
		return task.Task{}, task.StoreError("enqueue", err)
	}
	return t, nil
}

func insertTask(ctx context.Context, q queryRower, n task.NewTask, now time.Time) (task.Task, error) {
	t := task.Task{
		ID:        uuid.NewString(),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
		Payload:   n.Payload,
		Deadline:  n.Deadline.UTC(),
		Periodic:  n.Periodic,
		Priority:  n.Priority,
		Status:    task.StatusQueued,
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO tasks(id, created_at, updated_at, attempts, payload, deadline, periodic, priority, status)
		 VALUES(?, ?, ?, 0, ?, ?, ?, ?, 'queued')
		 RETURNING sequence_number`,
		t.ID, toNanos(now), toNanos(now), string(n.Payload.Bytes()), toNanos(n.Deadline), n.Periodic, string(n.Priority),
	).Scan(&t.Sequence)
	if err != nil {
		return task.Task{}, err
	}
	// Round-trip through the stored representation.
	t.CreatedAt = fromNanos(toNanos(now))
	t.UpdatedAt = t.CreatedAt
	t.Deadline = fromNanos(toNanos(n.Deadline))
	return t, nil
}

// ClaimBatch moves up to limit eligible tasks owned by p from queued to
// running and returns them in dispatch order.
//
// The claim is a single UPDATE whose outer predicate re-checks
// status = 'queued', so a row can be claimed by at most one caller.
func (s *Store) ClaimBatch(ctx context.Context, p task.Partition, limit int) ([]task.Task, error) {
	if p.Total() == 0 {
		return nil, fmt.Errorf("claim: %w: zero partition", task.ErrInvalidPartition)
	}
	if limit <= 0 {
		return nil, nil
	}
	now := toNanos(s.now())
	args := []any{now, now}

	var filter strings.Builder
	if !p.All() {
		owned := p.Owned()
		filter.WriteString(" AND ((sequence_number % ?) + 1) IN (")
		args = append(args, p.Total())
		for i, id := range owned {
			if i > 0 {
				filter.WriteString(", ")
			}
			filter.WriteString("?")
			args = append(args, id)
		}
		filter.WriteString(")")
	}
	args = append(args, limit)

	q := `UPDATE tasks SET status = 'running', updated_at = ?
WHERE status = 'queued' AND id IN (
	SELECT id FROM tasks
	WHERE status = 'queued' AND deadline <= ?` + filter.String() + `
	ORDER BY ` + priorityLevelSQL + ` DESC, deadline ASC, created_at ASC, sequence_number ASC
	LIMIT ?
)
RETURNING ` + taskColumns

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, task.StoreError("claim", err)
	}
	defer func() { _ = rows.Close() }()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, task.StoreError("claim", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, task.StoreError("claim", err)
	}
	// RETURNING does not preserve the subquery order.
	slices.SortStableFunc(out, claimOrder)
	return out, nil
}

// Complete marks a claimed task successful. When successor is non-nil it is
// inserted in the same transaction, so a periodic task yields exactly one
// successor per completion.
func (s *Store) Complete(ctx context.Context, t task.Task, successor *task.NewTask) (*task.Task, error) {
	now := s.now()
	if successor != nil {
		if err := successor.Validate(now); err != nil {
			return nil, err
		}
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, task.StoreError("complete", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'success', updated_at = ?, last_error = NULL
		 WHERE id = ? AND status = 'running' AND updated_at = ?`,
		toNanos(now), t.ID, toNanos(t.UpdatedAt),
	)
	if err != nil {
		return nil, task.StoreError("complete", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, task.StoreError("complete", err)
	} else if n == 0 {
		return nil, s.claimError(ctx, tx, t.ID)
	}

	var next *task.Task
	if successor != nil {
		nt, err := insertTask(ctx, tx, *successor, now)
		if err != nil {
			return nil, task.StoreError("complete", err)
		}
		next = &nt
	}
	if err := tx.Commit(); err != nil {
		return nil, task.StoreError("complete", err)
	}
	return next, nil
}

// Fail records a handler failure for a claimed task. The retry policy decides
// between requeueing (attempts+1, last_retry=now, deadline=now+delay) and the
// terminal "failed" status once attempts reaches the retry ceiling.
func (s *Store) Fail(ctx context.Context, t task.Task, cause error) (task.Task, error) {
	now := s.now()
	d := s.policy.Decide(t.Attempts, cause)
	msg := ""
	if cause != nil {
		msg = truncate(cause.Error(), 2048)
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var row *sql.Row
	if d.Terminal {
		row = s.db.QueryRowContext(ctx,
			`UPDATE tasks SET status = 'failed', attempts = ?, updated_at = ?, last_error = ?
			 WHERE id = ? AND status = 'running' AND updated_at = ? AND attempts = ?
			 RETURNING `+taskColumns,
			d.Attempts, toNanos(now), msg, t.ID, toNanos(t.UpdatedAt), t.Attempts,
		)
	} else {
		row = s.db.QueryRowContext(ctx,
			`UPDATE tasks SET status = 'queued', attempts = ?, updated_at = ?, last_retry = ?, deadline = ?, last_error = ?
			 WHERE id = ? AND status = 'running' AND updated_at = ? AND attempts = ?
			 RETURNING `+taskColumns,
			d.Attempts, toNanos(now), toNanos(now), toNanos(now.Add(d.Delay)), msg, t.ID, toNanos(t.UpdatedAt), t.Attempts,
		)
	}
	out, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, s.claimError(ctx, s.db, t.ID)
	}
	if err != nil {
		return task.Task{}, task.StoreError("fail", err)
	}
	return out, nil
}

// ListStalled returns running tasks whose heartbeat is older than threshold.
func (s *Store) ListStalled(ctx context.Context, threshold time.Duration) ([]task.Task, error) {
	cutoff := toNanos(s.now().Add(-threshold))
	return s.query(ctx, "list stalled",
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'running' AND updated_at < ?
		 ORDER BY updated_at ASC, sequence_number ASC`,
		cutoff,
	)
}

// Requeue returns a running task to queued without touching attempts. It is
// a no-op (false) unless the task is still running under the same claim.
func (s *Store) Requeue(ctx context.Context, t task.Task) (bool, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'queued', updated_at = ?
		 WHERE id = ? AND status = 'running' AND updated_at = ?`,
		toNanos(s.now()), t.ID, toNanos(t.UpdatedAt),
	)
	if err != nil {
		return false, task.StoreError("requeue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, task.StoreError("requeue", err)
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if err != nil {
		return task.Task{}, task.StoreError("get", err)
	}
	return t, nil
}

// List pages through tasks by sequence number.
func (s *Store) List(ctx context.Context, f ListFilter) ([]task.Task, error) {
	where := []string{"sequence_number > ?"}
	args := []any{f.AfterSequence}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "json_extract(payload, '$.type') = ?")
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	return s.query(ctx, "list",
		`SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(where, " AND ")+
			` ORDER BY sequence_number ASC LIMIT ?`,
		args...,
	)
}

// Counts returns the number of tasks per status. Every status is present.
func (s *Store) Counts(ctx context.Context) (map[task.Status]int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, task.StoreError("counts", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[task.Status]int64, len(task.Statuses))
	for _, st := range task.Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, task.StoreError("counts", err)
		}
		out[task.Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, task.StoreError("counts", err)
	}
	return out, nil
}

// Delete removes one task. It reports whether a row existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, "delete", `DELETE FROM tasks WHERE id = ?`, id)
	return n == 1, err
}

func (s *Store) DeleteWithStatus(ctx context.Context, st task.Status) (int64, error) {
	return s.exec(ctx, "delete with status", `DELETE FROM tasks WHERE status = ?`, string(st))
}

// DeleteWithKind removes every task of the given payload type that is not
// currently running.
func (s *Store) DeleteWithKind(ctx context.Context, kind string) (int64, error) {
	return s.exec(ctx, "delete with kind",
		`DELETE FROM tasks WHERE json_extract(payload, '$.type') = ? AND status <> 'running'`, kind)
}

// Clear removes every task.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	return s.exec(ctx, "clear", `DELETE FROM tasks`)
}

func (s *Store) exec(ctx context.Context, op, q string, args ...any) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, task.StoreError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, task.StoreError(op, err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]task.Task, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, task.StoreError(op, err)
	}
	defer func() { _ = rows.Close() }()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, task.StoreError(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, task.StoreError(op, err)
	}
	return out, nil
}

// claimError explains why a conditional outcome update matched no row.
func (s *Store) claimError(ctx context.Context, q queryRower, id string) error {
	var st string
	err := q.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&st)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	case err != nil:
		return task.StoreError("lookup", err)
	default:
		return fmt.Errorf("%w: %s is %s", task.ErrLostClaim, id, st)
	}
}

// truncate cuts s to at most maxN bytes without splitting a rune.
func truncate(s string, maxN int) string {
	if len(s) <= maxN {
		return s
	}
	for maxN > 0 && !utf8.RuneStart(s[maxN]) {
		maxN--
	}
	return s[:maxN]
}

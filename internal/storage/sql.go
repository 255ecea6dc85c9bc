package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	logx "pacer/pkg/logx"
)

// sqlStore implements Store on database/sql for any dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log.With(logx.String("driver", d.name)), pruneEvery: 500}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

// ---- cooldowns ----

const cooldownCols = `entity_id, minor_until, major_until, locale, attribute, updated_at`

func (s *sqlStore) GetCooldown(ctx context.Context, entityID string) (CooldownRecord, bool, error) {
	row := s.queryRow(ctx, `SELECT `+cooldownCols+` FROM cooldowns WHERE entity_id = ?`, entityID)
	r, err := s.scanCooldown(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CooldownRecord{}, false, nil
	}
	if err != nil {
		return CooldownRecord{}, false, err
	}
	return r, true, nil
}

func (s *sqlStore) PutCooldown(ctx context.Context, entityID string, u CooldownUpdate) error {
	col, err := cooldownColumn(u.Kind)
	if err != nil {
		return err
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	locale, attr := "", ""
	if u.Locale != nil {
		locale = *u.Locale
	}
	if u.Attribute != nil {
		attr = *u.Attribute
	}
	at := formatTS(u.At)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ins := s.d.insertIfAbsent("cooldowns", "entity_id", "entity_id", "locale", "attribute", "updated_at")
	if _, err := tx.ExecContext(ctx, s.d.rebind(ins), entityID, locale, attr, at, entityID); err != nil {
		return fmt.Errorf("insert cooldown: %w", err)
	}

	set := []string{col + " = ?", "updated_at = ?"}
	args := []any{formatTS(u.Until), at}
	if u.Locale != nil {
		set = append(set, "locale = ?")
		args = append(args, locale)
	}
	if u.Attribute != nil {
		set = append(set, "attribute = ?")
		args = append(args, attr)
	}
	args = append(args, entityID)
	q := `UPDATE cooldowns SET ` + strings.Join(set, ", ") + ` WHERE entity_id = ?`
	if _, err := tx.ExecContext(ctx, s.d.rebind(q), args...); err != nil {
		return fmt.Errorf("update cooldown: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStore) DeleteCooldown(ctx context.Context, entityID string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM cooldowns WHERE entity_id = ?`, entityID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) RenameCooldown(ctx context.Context, oldID, newID string) (bool, error) {
	if oldID == newID {
		_, ok, err := s.GetCooldown(ctx, oldID)
		return ok, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(1) FROM cooldowns WHERE entity_id = ?`), oldID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}
	// The new id takes over the whole record; a stale row under it is replaced.
	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM cooldowns WHERE entity_id = ?`), newID); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE cooldowns SET entity_id = ? WHERE entity_id = ?`), newID, oldID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqlStore) ListCooldowns(ctx context.Context, locale string, limit int) ([]CooldownRecord, error) {
	q := `SELECT ` + cooldownCols + ` FROM cooldowns`
	var args []any
	if locale != "" {
		q += ` WHERE LOWER(locale) = LOWER(?)`
		args = append(args, locale)
	}
	q += ` ORDER BY entity_id`
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CooldownRecord
	for rows.Next() {
		r, err := s.scanCooldown(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) scanCooldown(sc scanner) (CooldownRecord, error) {
	var (
		r                 CooldownRecord
		minor, major      sql.NullString
		updated, attr, lc sql.NullString
	)
	if err := sc.Scan(&r.EntityID, &minor, &major, &lc, &attr, &updated); err != nil {
		return CooldownRecord{}, err
	}
	r.MinorUntil = s.parseTS(r.EntityID, "minor_until", minor)
	r.MajorUntil = s.parseTS(r.EntityID, "major_until", major)
	r.Locale = lc.String
	r.Attribute = attr.String
	if t := s.parseTS(r.EntityID, "updated_at", updated); t != nil {
		r.UpdatedAt = *t
	}
	return r, nil
}

// parseTS treats a malformed timestamp as absent.
func (s *sqlStore) parseTS(entity, col string, v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v.String))
	if err != nil {
		s.log.Warn("unparseable cooldown timestamp",
			logx.String("entity", entity), logx.String("column", col), logx.String("value", v.String))
		return nil
	}
	return &t
}

func cooldownColumn(k Kind) (string, error) {
	switch k {
	case KindMinor:
		return "minor_until", nil
	case KindMajor:
		return "major_until", nil
	default:
		return "", ErrInvalidKind
	}
}

func formatTS(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// ---- leases ----

func (s *sqlStore) ensureLease(ctx context.Context, task string, interval int64, now time.Time) error {
	q := s.d.insertIfAbsent("leases", "task",
		"task", "interval_seconds", "holder", "lease_until", "next_eligible", "last_attempt", "last_run")
	_, err := s.exec(ctx, q, task, interval, "", int64(0), now.UnixMilli(), int64(0), int64(0), task)
	return err
}

func (s *sqlStore) ClaimLease(ctx context.Context, req ClaimRequest) (bool, error) {
	if err := s.ensureLease(ctx, req.Task, req.IntervalSeconds, req.Now); err != nil {
		return false, fmt.Errorf("ensure lease: %w", err)
	}
	now := req.Now.UnixMilli()
	res, err := s.exec(ctx,
		`UPDATE leases SET holder = ?, lease_until = ?, last_attempt = ?
		 WHERE task = ? AND next_eligible <= ? AND (holder = '' OR holder IS NULL OR lease_until <= ?)`,
		req.Holder, req.LeaseUntil.UnixMilli(), now, req.Task, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) FinishLease(ctx context.Context, req FinishRequest) (bool, error) {
	if err := s.ensureLease(ctx, req.Task, 0, req.Now); err != nil {
		return false, fmt.Errorf("ensure lease: %w", err)
	}
	now := req.Now.UnixMilli()
	next := req.NextEligible.UnixMilli()
	completed := 0
	if req.Completed {
		completed = 1
	}
	res, err := s.exec(ctx,
		`UPDATE leases SET holder = '', lease_until = 0,
		   next_eligible = CASE WHEN next_eligible > ? THEN next_eligible ELSE ? END,
		   last_run = CASE WHEN ? = 1 THEN ? ELSE last_run END
		 WHERE task = ? AND (holder = ? OR holder = '' OR holder IS NULL OR lease_until <= ?)`,
		next, next, completed, now, req.Task, req.Holder, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) GetLease(ctx context.Context, task string) (LeaseRecord, bool, error) {
	var (
		r                                     LeaseRecord
		leaseUntil, next, lastAttempt, lastRun int64
		holder                                sql.NullString
	)
	err := s.queryRow(ctx,
		`SELECT task, interval_seconds, holder, lease_until, next_eligible, last_attempt, last_run
		 FROM leases WHERE task = ?`, task,
	).Scan(&r.Task, &r.IntervalSeconds, &holder, &leaseUntil, &next, &lastAttempt, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return LeaseRecord{}, false, nil
	}
	if err != nil {
		return LeaseRecord{}, false, err
	}
	r.Holder = holder.String
	r.LeaseUntil = fromMillis(leaseUntil)
	r.NextEligible = fromMillis(next)
	r.LastAttempt = fromMillis(lastAttempt)
	r.LastRun = fromMillis(lastRun)
	return r, true, nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ---- audit / dedup ----

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit(at, job_id, source, actor, action, params, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		formatTS(e.At), e.JobID, e.Source, e.Actor, e.Action, nullStr(e.Params), ok, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	_, err := s.exec(ctx, s.d.upsertDedup, key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key = strings.TrimSpace(key); key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.queryRow(ctx, `SELECT until_ms FROM dedup WHERE dkey = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.exec(ctx, `DELETE FROM dedup WHERE until_ms < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

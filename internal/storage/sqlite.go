package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	logx "trackbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertItem(ctx context.Context, item TrackedItem) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	addedAt := item.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items(item_id, tenant, title, channel_ref, alert_channel_ref, added_by, added_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(item_id, tenant) DO NOTHING`,
		item.ItemID, item.Tenant, item.Title, item.ChannelRef, item.AlertChannel,
		nullStr(item.AddedBy), addedAt.Unix(),
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE items SET title=?, channel_ref=?, alert_channel_ref=? WHERE item_id=? AND tenant=?`,
		item.Title, item.ChannelRef, item.AlertChannel, item.ItemID, item.Tenant,
	)
	return false, err
}

func (s *sqliteStore) RemoveItem(ctx context.Context, itemID, tenant string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM interval_samples WHERE item_id=? AND tenant=?`,
		`DELETE FROM intervals WHERE item_id=? AND tenant=?`,
		`DELETE FROM milestones WHERE item_id=? AND tenant=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, itemID, tenant); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE item_id=? AND tenant=?`, itemID, tenant)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetItem(ctx context.Context, itemID, tenant string) (TrackedItem, error) {
	if s == nil || s.db == nil {
		return TrackedItem{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, tenant, title, channel_ref, alert_channel_ref, added_by, added_at, last_count, last_checked_at
		 FROM items WHERE item_id=? AND tenant=?`, itemID, tenant)
	return scanItem(row)
}

func (s *sqliteStore) ListItems(ctx context.Context, tenant string) ([]TrackedItem, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, tenant, title, channel_ref, alert_channel_ref, added_by, added_at, last_count, last_checked_at
		 FROM items WHERE tenant=? ORDER BY added_at, item_id`, tenant)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *sqliteStore) ListAllItems(ctx context.Context) ([]TrackedItem, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, tenant, title, channel_ref, alert_channel_ref, added_by, added_at, last_count, last_checked_at
		 FROM items ORDER BY tenant, added_at, item_id`)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *sqliteStore) ListTenants(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant FROM items ORDER BY tenant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordObservation(ctx context.Context, itemID, tenant string, count int64, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET last_count=?, last_checked_at=? WHERE item_id=? AND tenant=?`,
		count, at.Unix(), itemID, tenant,
	)
	return err
}

// AdvanceMilestone is a three-step conditional write. Exactly one of the
// statements can affect a row, so only one concurrent caller observes
// Primed or Claimed for a given step value.
func (s *sqliteStore) AdvanceMilestone(ctx context.Context, itemID, tenant string, step int64) (AdvanceOutcome, error) {
	if s == nil || s.db == nil {
		return AdvanceNoop, ErrDisabled
	}
	now := time.Now().Unix()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones(item_id, tenant, last_crossed, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(item_id, tenant) DO NOTHING`,
		itemID, tenant, step, now,
	)
	if err != nil {
		return AdvanceNoop, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return AdvancePrimed, nil
	}

	// A config-only row may exist with a NULL watermark; seeding it is
	// still a prime, not an alert.
	res, err = s.db.ExecContext(ctx,
		`UPDATE milestones SET last_crossed=?, updated_at=? WHERE item_id=? AND tenant=? AND last_crossed IS NULL`,
		step, now, itemID, tenant,
	)
	if err != nil {
		return AdvanceNoop, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return AdvancePrimed, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE milestones SET last_crossed=?, updated_at=? WHERE item_id=? AND tenant=? AND last_crossed < ?`,
		step, now, itemID, tenant, step,
	)
	if err != nil {
		return AdvanceNoop, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return AdvanceClaimed, nil
	}
	return AdvanceNoop, nil
}

func (s *sqliteStore) SetMilestoneConfig(ctx context.Context, itemID, tenant, channelRef, message string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones(item_id, tenant, notify_channel, notify_message, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(item_id, tenant) DO UPDATE SET
		   notify_channel=excluded.notify_channel,
		   notify_message=excluded.notify_message,
		   updated_at=excluded.updated_at`,
		itemID, tenant, nullStr(channelRef), nullStr(message), time.Now().Unix(),
	)
	return err
}

func (s *sqliteStore) ClearMilestoneConfig(ctx context.Context, itemID, tenant string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE milestones SET notify_channel=NULL, notify_message=NULL, updated_at=? WHERE item_id=? AND tenant=?`,
		time.Now().Unix(), itemID, tenant,
	)
	return err
}

func (s *sqliteStore) GetMilestone(ctx context.Context, itemID, tenant string) (Milestone, error) {
	if s == nil || s.db == nil {
		return Milestone{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, tenant, last_crossed, notify_channel, notify_message, updated_at
		 FROM milestones WHERE item_id=? AND tenant=?`, itemID, tenant)
	return scanMilestone(row)
}

func (s *sqliteStore) ListMilestones(ctx context.Context, tenant string) ([]Milestone, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, tenant, last_crossed, notify_channel, notify_message, updated_at
		 FROM milestones WHERE tenant=? ORDER BY item_id`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetInterval(ctx context.Context, itemID, tenant string, d time.Duration, nextDue time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO intervals(item_id, tenant, interval_seconds, next_due_at) VALUES(?,?,?,?)
		 ON CONFLICT(item_id, tenant) DO UPDATE SET
		   interval_seconds=excluded.interval_seconds,
		   next_due_at=excluded.next_due_at`,
		itemID, tenant, int64(d.Seconds()), nextDue.Unix(),
	)
	return err
}

func (s *sqliteStore) DisableInterval(ctx context.Context, itemID, tenant string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	// History stays so re-enabling resumes with samples intact.
	_, err := s.db.ExecContext(ctx,
		`UPDATE intervals SET interval_seconds=0, next_due_at=NULL WHERE item_id=? AND tenant=?`,
		itemID, tenant,
	)
	return err
}

func (s *sqliteStore) GetInterval(ctx context.Context, itemID, tenant string) (IntervalState, error) {
	if s == nil || s.db == nil {
		return IntervalState{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, tenant, interval_seconds, next_due_at, last_measurement, last_run_at
		 FROM intervals WHERE item_id=? AND tenant=?`, itemID, tenant)
	return scanInterval(row)
}

func (s *sqliteStore) DueIntervals(ctx context.Context, now time.Time) ([]IntervalState, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, tenant, interval_seconds, next_due_at, last_measurement, last_run_at
		 FROM intervals WHERE interval_seconds > 0 AND next_due_at IS NOT NULL AND next_due_at <= ?
		 ORDER BY next_due_at`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IntervalState
	for rows.Next() {
		st, err := scanInterval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CompleteIntervalRun(ctx context.Context, itemID, tenant string, measurement int64, ranAt, nextDue time.Time, maxSamples int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if maxSamples <= 0 {
		maxSamples = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Schedule only moves if the interval is still enabled.
	if _, err := tx.ExecContext(ctx,
		`UPDATE intervals SET last_measurement=?, last_run_at=?, next_due_at=?
		 WHERE item_id=? AND tenant=? AND interval_seconds > 0`,
		measurement, ranAt.Unix(), nextDue.Unix(), itemID, tenant,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO interval_samples(item_id, tenant, measurement, taken_at)
		 SELECT ?,?,?,? WHERE EXISTS (SELECT 1 FROM items WHERE item_id=? AND tenant=?)`,
		itemID, tenant, measurement, ranAt.Unix(), itemID, tenant,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM interval_samples WHERE item_id=? AND tenant=? AND id NOT IN (
		   SELECT id FROM interval_samples WHERE item_id=? AND tenant=? ORDER BY id DESC LIMIT ?)`,
		itemID, tenant, itemID, tenant, maxSamples,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListSamples(ctx context.Context, itemID, tenant string) ([]Sample, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT measurement, taken_at FROM interval_samples WHERE item_id=? AND tenant=? ORDER BY id`,
		itemID, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sample
	for rows.Next() {
		var m, at int64
		if err := rows.Scan(&m, &at); err != nil {
			return nil, err
		}
		out = append(out, Sample{Measurement: m, TakenAt: time.Unix(at, 0)})
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetUpcomingConfig(ctx context.Context, tenant, channelRef, ping string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upcoming_configs(tenant, channel_ref, ping_text, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(tenant) DO UPDATE SET
		   channel_ref=excluded.channel_ref,
		   ping_text=excluded.ping_text,
		   updated_at=excluded.updated_at`,
		tenant, channelRef, ping, time.Now().Unix(),
	)
	return err
}

func (s *sqliteStore) GetUpcomingConfig(ctx context.Context, tenant string) (UpcomingConfig, error) {
	if s == nil || s.db == nil {
		return UpcomingConfig{}, ErrDisabled
	}
	var c UpcomingConfig
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant, channel_ref, ping_text, updated_at FROM upcoming_configs WHERE tenant=?`,
		tenant).Scan(&c.Tenant, &c.ChannelRef, &c.PingText, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return UpcomingConfig{}, ErrNotFound
	}
	if err != nil {
		return UpcomingConfig{}, err
	}
	c.UpdatedAt = time.Unix(at, 0)
	return c, nil
}

func (s *sqliteStore) DeleteUpcomingConfig(ctx context.Context, tenant string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM upcoming_configs WHERE tenant=?`, tenant)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListUpcomingConfigs(ctx context.Context) ([]UpcomingConfig, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant, channel_ref, ping_text, updated_at FROM upcoming_configs ORDER BY tenant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UpcomingConfig
	for rows.Next() {
		var c UpcomingConfig
		var at int64
		if err := rows.Scan(&c.Tenant, &c.ChannelRef, &c.PingText, &at); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.Unix(at, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TryClaimCheckpoint(ctx context.Context, label, date string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	// Dates are canonical-timezone "YYYY-MM-DD" strings, so string order
	// is date order and a stale mark never beats a newer one.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_marks(label, fired_on) VALUES(?,?)
		 ON CONFLICT(label) DO UPDATE SET fired_on=excluded.fired_on
		 WHERE checkpoint_marks.fired_on < excluded.fired_on`,
		label, date,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, actor_username, tenant, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Actor, nullStr(e.ActorUsername), e.Tenant,
		e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (TrackedItem, error) {
	var it TrackedItem
	var addedBy sql.NullString
	var addedAt int64
	var lastCount, lastChecked sql.NullInt64
	err := r.Scan(&it.ItemID, &it.Tenant, &it.Title, &it.ChannelRef, &it.AlertChannel,
		&addedBy, &addedAt, &lastCount, &lastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedItem{}, ErrNotFound
	}
	if err != nil {
		return TrackedItem{}, err
	}
	it.AddedBy = addedBy.String
	it.AddedAt = time.Unix(addedAt, 0)
	if lastCount.Valid {
		it.LastCount = lastCount.Int64
		it.HasCount = true
	}
	if lastChecked.Valid {
		it.LastChecked = time.Unix(lastChecked.Int64, 0)
	}
	return it, nil
}

func collectItems(rows *sql.Rows) ([]TrackedItem, error) {
	defer rows.Close()
	var out []TrackedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanMilestone(r rowScanner) (Milestone, error) {
	var m Milestone
	var crossed sql.NullInt64
	var channel, msg sql.NullString
	var at int64
	err := r.Scan(&m.ItemID, &m.Tenant, &crossed, &channel, &msg, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Milestone{}, ErrNotFound
	}
	if err != nil {
		return Milestone{}, err
	}
	if crossed.Valid {
		m.LastCrossed = crossed.Int64
		m.Primed = true
	}
	m.NotifyChannel = channel.String
	m.NotifyMessage = msg.String
	m.UpdatedAt = time.Unix(at, 0)
	return m, nil
}

func scanInterval(r rowScanner) (IntervalState, error) {
	var st IntervalState
	var secs int64
	var nextDue, lastM, lastRun sql.NullInt64
	err := r.Scan(&st.ItemID, &st.Tenant, &secs, &nextDue, &lastM, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return IntervalState{}, ErrNotFound
	}
	if err != nil {
		return IntervalState{}, err
	}
	st.Interval = time.Duration(secs) * time.Second
	if nextDue.Valid {
		st.NextDue = time.Unix(nextDue.Int64, 0)
	}
	if lastM.Valid {
		st.LastMeasurement = lastM.Int64
		st.HasMeasurement = true
	}
	if lastRun.Valid {
		st.LastRun = time.Unix(lastRun.Int64, 0)
	}
	return st, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

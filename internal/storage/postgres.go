package storage

import (
	"context"
	"embed"
	"errors"
	"strings"
	"sync/atomic"
	"time"
	logx "trackbot/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations_postgres.sql
var pgMigrationsFS embed.FS

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	// A bot workload needs few connections.
	if poolCfg.MaxConns > 8 || poolCfg.MaxConns <= 0 {
		poolCfg.MaxConns = 8
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	st := &postgresStore{pool: pool, log: log, pruneEvery: 500}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := pgMigrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func isPgNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func (s *postgresStore) UpsertItem(ctx context.Context, item TrackedItem) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrDisabled
	}
	addedAt := item.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO items(item_id, tenant, title, channel_ref, alert_channel_ref, added_by, added_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (item_id, tenant) DO NOTHING`,
		item.ItemID, item.Tenant, item.Title, item.ChannelRef, item.AlertChannel,
		nullStr(item.AddedBy), addedAt.Unix(),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE items SET title=$1, channel_ref=$2, alert_channel_ref=$3 WHERE item_id=$4 AND tenant=$5`,
		item.Title, item.ChannelRef, item.AlertChannel, item.ItemID, item.Tenant,
	)
	return false, err
}

func (s *postgresStore) RemoveItem(ctx context.Context, itemID, tenant string) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range []string{
		`DELETE FROM interval_samples WHERE item_id=$1 AND tenant=$2`,
		`DELETE FROM intervals WHERE item_id=$1 AND tenant=$2`,
		`DELETE FROM milestones WHERE item_id=$1 AND tenant=$2`,
	} {
		if _, err := tx.Exec(ctx, q, itemID, tenant); err != nil {
			return err
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM items WHERE item_id=$1 AND tenant=$2`, itemID, tenant)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) GetItem(ctx context.Context, itemID, tenant string) (TrackedItem, error) {
	if s == nil || s.pool == nil {
		return TrackedItem{}, ErrDisabled
	}
	row := s.pool.QueryRow(ctx,
		`SELECT item_id, tenant, title, channel_ref, alert_channel_ref, added_by, added_at, last_count, last_checked_at
		 FROM items WHERE item_id=$1 AND tenant=$2`, itemID, tenant)
	it, err := scanItem(row)
	if isPgNoRows(err) {
		return TrackedItem{}, ErrNotFound
	}
	return it, err
}

func (s *postgresStore) ListItems(ctx context.Context, tenant string) ([]TrackedItem, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, tenant, title, channel_ref, alert_channel_ref, added_by, added_at, last_count, last_checked_at
		 FROM items WHERE tenant=$1 ORDER BY added_at, item_id`, tenant)
	if err != nil {
		return nil, err
	}
	return collectItemsPG(rows)
}

func (s *postgresStore) ListAllItems(ctx context.Context) ([]TrackedItem, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, tenant, title, channel_ref, alert_channel_ref, added_by, added_at, last_count, last_checked_at
		 FROM items ORDER BY tenant, added_at, item_id`)
	if err != nil {
		return nil, err
	}
	return collectItemsPG(rows)
}

func (s *postgresStore) ListTenants(ctx context.Context) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant FROM items ORDER BY tenant`)
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

func (s *postgresStore) RecordObservation(ctx context.Context, itemID, tenant string, count int64, at time.Time) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE items SET last_count=$1, last_checked_at=$2 WHERE item_id=$3 AND tenant=$4`,
		count, at.Unix(), itemID, tenant,
	)
	return err
}

func (s *postgresStore) AdvanceMilestone(ctx context.Context, itemID, tenant string, step int64) (AdvanceOutcome, error) {
	if s == nil || s.pool == nil {
		return AdvanceNoop, ErrDisabled
	}
	now := time.Now().Unix()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO milestones(item_id, tenant, last_crossed, updated_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT (item_id, tenant) DO NOTHING`,
		itemID, tenant, step, now,
	)
	if err != nil {
		return AdvanceNoop, err
	}
	if tag.RowsAffected() == 1 {
		return AdvancePrimed, nil
	}

	tag, err = s.pool.Exec(ctx,
		`UPDATE milestones SET last_crossed=$1, updated_at=$2 WHERE item_id=$3 AND tenant=$4 AND last_crossed IS NULL`,
		step, now, itemID, tenant,
	)
	if err != nil {
		return AdvanceNoop, err
	}
	if tag.RowsAffected() == 1 {
		return AdvancePrimed, nil
	}

	tag, err = s.pool.Exec(ctx,
		`UPDATE milestones SET last_crossed=$1, updated_at=$2 WHERE item_id=$3 AND tenant=$4 AND last_crossed < $5`,
		step, now, itemID, tenant, step,
	)
	if err != nil {
		return AdvanceNoop, err
	}
	if tag.RowsAffected() == 1 {
		return AdvanceClaimed, nil
	}
	return AdvanceNoop, nil
}

func (s *postgresStore) SetMilestoneConfig(ctx context.Context, itemID, tenant, channelRef, message string) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO milestones(item_id, tenant, notify_channel, notify_message, updated_at) VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT (item_id, tenant) DO UPDATE SET
		   notify_channel=EXCLUDED.notify_channel,
		   notify_message=EXCLUDED.notify_message,
		   updated_at=EXCLUDED.updated_at`,
		itemID, tenant, nullStr(channelRef), nullStr(message), time.Now().Unix(),
	)
	return err
}

func (s *postgresStore) ClearMilestoneConfig(ctx context.Context, itemID, tenant string) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE milestones SET notify_channel=NULL, notify_message=NULL, updated_at=$1 WHERE item_id=$2 AND tenant=$3`,
		time.Now().Unix(), itemID, tenant,
	)
	return err
}

func (s *postgresStore) GetMilestone(ctx context.Context, itemID, tenant string) (Milestone, error) {
	if s == nil || s.pool == nil {
		return Milestone{}, ErrDisabled
	}
	row := s.pool.QueryRow(ctx,
		`SELECT item_id, tenant, last_crossed, notify_channel, notify_message, updated_at
		 FROM milestones WHERE item_id=$1 AND tenant=$2`, itemID, tenant)
	m, err := scanMilestone(row)
	if isPgNoRows(err) {
		return Milestone{}, ErrNotFound
	}
	return m, err
}

func (s *postgresStore) ListMilestones(ctx context.Context, tenant string) ([]Milestone, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, tenant, last_crossed, notify_channel, notify_message, updated_at
		 FROM milestones WHERE tenant=$1 ORDER BY item_id`, tenant)
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

func (s *postgresStore) SetInterval(ctx context.Context, itemID, tenant string, d time.Duration, nextDue time.Time) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO intervals(item_id, tenant, interval_seconds, next_due_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT (item_id, tenant) DO UPDATE SET
		   interval_seconds=EXCLUDED.interval_seconds,
		   next_due_at=EXCLUDED.next_due_at`,
		itemID, tenant, int64(d.Seconds()), nextDue.Unix(),
	)
	return err
}

func (s *postgresStore) DisableInterval(ctx context.Context, itemID, tenant string) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE intervals SET interval_seconds=0, next_due_at=NULL WHERE item_id=$1 AND tenant=$2`,
		itemID, tenant,
	)
	return err
}

func (s *postgresStore) GetInterval(ctx context.Context, itemID, tenant string) (IntervalState, error) {
	if s == nil || s.pool == nil {
		return IntervalState{}, ErrDisabled
	}
	row := s.pool.QueryRow(ctx,
		`SELECT item_id, tenant, interval_seconds, next_due_at, last_measurement, last_run_at
		 FROM intervals WHERE item_id=$1 AND tenant=$2`, itemID, tenant)
	st, err := scanInterval(row)
	if isPgNoRows(err) {
		return IntervalState{}, ErrNotFound
	}
	return st, err
}

func (s *postgresStore) DueIntervals(ctx context.Context, now time.Time) ([]IntervalState, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, tenant, interval_seconds, next_due_at, last_measurement, last_run_at
		 FROM intervals WHERE interval_seconds > 0 AND next_due_at IS NOT NULL AND next_due_at <= $1
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

func (s *postgresStore) CompleteIntervalRun(ctx context.Context, itemID, tenant string, measurement int64, ranAt, nextDue time.Time, maxSamples int) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if maxSamples <= 0 {
		maxSamples = 10
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE intervals SET last_measurement=$1, last_run_at=$2, next_due_at=$3
		 WHERE item_id=$4 AND tenant=$5 AND interval_seconds > 0`,
		measurement, ranAt.Unix(), nextDue.Unix(), itemID, tenant,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO interval_samples(item_id, tenant, measurement, taken_at)
		 SELECT $1,$2,$3,$4 WHERE EXISTS (SELECT 1 FROM items WHERE item_id=$5 AND tenant=$6)`,
		itemID, tenant, measurement, ranAt.Unix(), itemID, tenant,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM interval_samples WHERE item_id=$1 AND tenant=$2 AND id NOT IN (
		   SELECT id FROM interval_samples WHERE item_id=$3 AND tenant=$4 ORDER BY id DESC LIMIT $5)`,
		itemID, tenant, itemID, tenant, maxSamples,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) ListSamples(ctx context.Context, itemID, tenant string) ([]Sample, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
		`SELECT measurement, taken_at FROM interval_samples WHERE item_id=$1 AND tenant=$2 ORDER BY id`,
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

func (s *postgresStore) SetUpcomingConfig(ctx context.Context, tenant, channelRef, ping string) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO upcoming_configs(tenant, channel_ref, ping_text, updated_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT (tenant) DO UPDATE SET
		   channel_ref=EXCLUDED.channel_ref,
		   ping_text=EXCLUDED.ping_text,
		   updated_at=EXCLUDED.updated_at`,
		tenant, channelRef, ping, time.Now().Unix(),
	)
	return err
}

func (s *postgresStore) GetUpcomingConfig(ctx context.Context, tenant string) (UpcomingConfig, error) {
	if s == nil || s.pool == nil {
		return UpcomingConfig{}, ErrDisabled
	}
	var c UpcomingConfig
	var at int64
	err := s.pool.QueryRow(ctx,
		`SELECT tenant, channel_ref, ping_text, updated_at FROM upcoming_configs WHERE tenant=$1`,
		tenant).Scan(&c.Tenant, &c.ChannelRef, &c.PingText, &at)
	if isPgNoRows(err) {
		return UpcomingConfig{}, ErrNotFound
	}
	if err != nil {
		return UpcomingConfig{}, err
	}
	c.UpdatedAt = time.Unix(at, 0)
	return c, nil
}

func (s *postgresStore) DeleteUpcomingConfig(ctx context.Context, tenant string) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM upcoming_configs WHERE tenant=$1`, tenant)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListUpcomingConfigs(ctx context.Context) ([]UpcomingConfig, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
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

func (s *postgresStore) TryClaimCheckpoint(ctx context.Context, label, date string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrDisabled
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoint_marks(label, fired_on) VALUES($1,$2)
		 ON CONFLICT (label) DO UPDATE SET fired_on=EXCLUDED.fired_on
		 WHERE checkpoint_marks.fired_on < EXCLUDED.fired_on`,
		label, date,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, actor, actor_username, tenant, action, target, ok, fail, err, took_ms, meta)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.At.Format(time.RFC3339Nano), e.Actor, nullStr(e.ActorUsername), e.Tenant,
		e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup(key, until) VALUES($1,$2)
		 ON CONFLICT (key) DO UPDATE SET until=EXCLUDED.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_, _ = s.pool.Exec(pctx, `DELETE FROM dedup WHERE until < $1`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.pool == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.pool.QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&ms)
	if isPgNoRows(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func collectItemsPG(rows pgx.Rows) ([]TrackedItem, error) {
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

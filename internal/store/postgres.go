// internal/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rootkit0/AgroSense-API/internal/model"
)

// Postgres stores every document as a JSONB column with a few indexed key
// columns alongside. Reading merges are single-statement JSONB upserts;
// the daily-aggregate fold uses an optimistic rev-based compare-and-set.
type Postgres struct {
	pool *pgxpool.Pool
}

// foldAttempts bounds the CAS retry loop on the daily aggregate.
const foldAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS device_index (
	device_id  text PRIMARY KEY,
	doc        jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sensors (
	tenant_id   text NOT NULL,
	sensor_id   text NOT NULL,
	hardware_id text NOT NULL,
	doc         jsonb NOT NULL,
	updated_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, sensor_id)
);
CREATE INDEX IF NOT EXISTS sensors_hardware_idx ON sensors (hardware_id);
CREATE TABLE IF NOT EXISTS readings (
	tenant_id  text NOT NULL,
	sensor_id  text NOT NULL,
	bucket_id  text NOT NULL,
	ts         timestamptz NOT NULL,
	doc        jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, sensor_id, bucket_id)
);
CREATE INDEX IF NOT EXISTS readings_ts_idx ON readings (ts);
CREATE TABLE IF NOT EXISTS daily_agg (
	tenant_id  text NOT NULL,
	sensor_id  text NOT NULL,
	day_id     text NOT NULL,
	day        timestamptz NOT NULL,
	doc        jsonb NOT NULL,
	rev        bigint NOT NULL DEFAULT 0,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, sensor_id, day_id)
);
CREATE TABLE IF NOT EXISTS sensor_configs (
	tenant_id text NOT NULL,
	sensor_id text NOT NULL,
	ver       integer NOT NULL,
	doc       jsonb NOT NULL,
	PRIMARY KEY (tenant_id, sensor_id, ver)
);
CREATE TABLE IF NOT EXISTS alerts (
	tenant_id  text NOT NULL,
	alert_id   text NOT NULL,
	status     text NOT NULL,
	doc        jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, alert_id)
);
CREATE TABLE IF NOT EXISTS tenant_stats (
	tenant_id  text PRIMARY KEY,
	doc        jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);
`

// NewPostgres connects, pings and ensures the schema.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (p *Postgres) GetIndexEntry(ctx context.Context, deviceID string) (*model.IndexEntry, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT doc FROM device_index WHERE device_id = $1`, deviceID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get index", err)
	}
	var e model.IndexEntry
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("decode index entry: %w", err)
	}
	return &e, nil
}

func (p *Postgres) PutIndexEntry(ctx context.Context, entry model.IndexEntry) error {
	entry.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO device_index (device_id, doc, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (device_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		entry.DeviceID, doc)
	if err != nil {
		return unavailable("put index", err)
	}
	return nil
}

func (p *Postgres) CreateSensor(ctx context.Context, tenantID string, s *model.Sensor) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	sensorDoc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	idxDoc, err := json.Marshal(model.IndexEntry{
		DeviceID:  s.HardwareID,
		TenantID:  tenantID,
		SensorID:  s.ID,
		FieldID:   s.FieldID,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return unavailable("create sensor", err)
	}
	defer tx.Rollback(ctx)

	// Claim the hardware id globally; an existing row means the id is taken.
	tag, err := tx.Exec(ctx, `
		INSERT INTO device_index (device_id, doc, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (device_id) DO NOTHING`, s.HardwareID, idxDoc)
	if err != nil {
		return unavailable("claim hardware id", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sensors (tenant_id, sensor_id, hardware_id, doc, updated_at)
		VALUES ($1, $2, $3, $4, now())`, tenantID, s.ID, s.HardwareID, sensorDoc); err != nil {
		return unavailable("create sensor", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("create sensor", err)
	}
	return nil
}

func (p *Postgres) GetSensor(ctx context.Context, tenantID, sensorID string) (*model.Sensor, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT doc FROM sensors WHERE tenant_id = $1 AND sensor_id = $2`,
		tenantID, sensorID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get sensor", err)
	}
	var s model.Sensor
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode sensor: %w", err)
	}
	return &s, nil
}

func (p *Postgres) ListSensors(ctx context.Context, tenantID string) ([]*model.Sensor, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT doc FROM sensors WHERE tenant_id = $1 ORDER BY sensor_id`, tenantID)
	if err != nil {
		return nil, unavailable("list sensors", err)
	}
	defer rows.Close()
	var out []*model.Sensor
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, unavailable("list sensors", err)
		}
		var s model.Sensor
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("decode sensor: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM sensors ORDER BY tenant_id`)
	if err != nil {
		return nil, unavailable("list tenants", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, unavailable("list tenants", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) FindSensorByDevice(ctx context.Context, deviceID string) (string, *model.Sensor, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tenant_id, doc FROM sensors WHERE hardware_id = $1 LIMIT 2`, deviceID)
	if err != nil {
		return "", nil, unavailable("find sensor", err)
	}
	defer rows.Close()
	var tenantID string
	var doc []byte
	n := 0
	for rows.Next() {
		n++
		if n > 1 {
			return "", nil, ErrConflict
		}
		if err := rows.Scan(&tenantID, &doc); err != nil {
			return "", nil, unavailable("find sensor", err)
		}
	}
	if err := rows.Err(); err != nil {
		return "", nil, unavailable("find sensor", err)
	}
	if n == 0 {
		return "", nil, ErrNotFound
	}
	var s model.Sensor
	if err := json.Unmarshal(doc, &s); err != nil {
		return "", nil, fmt.Errorf("decode sensor: %w", err)
	}
	return tenantID, &s, nil
}

func (p *Postgres) UpdateSensorStatus(ctx context.Context, tenantID, sensorID string, upd StatusUpdate) error {
	now := time.Now().UTC()
	patch := map[string]interface{}{
		"status":    upd.Status,
		"updatedAt": now,
	}
	if upd.LastReading != nil {
		patch["lastReading"] = upd.LastReading
	}
	doc, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE sensors SET doc = doc || $3::jsonb, updated_at = now()
		WHERE tenant_id = $1 AND sensor_id = $2`, tenantID, sensorID, doc)
	if err != nil {
		return unavailable("update status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MergeReading(ctx context.Context, tenantID, sensorID, bucketID string, upd ReadingUpdate) error {
	r := model.Reading{
		BucketID:  bucketID,
		TS:        upd.TS,
		Values:    upd.Values,
		Meta:      upd.Meta,
		ExpiresAt: upd.ExpiresAt,
		UpdatedAt: time.Now().UTC(),
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	// Merge the values map per key; ts, meta and expiry overwrite wholesale.
	_, err = p.pool.Exec(ctx, `
		INSERT INTO readings (tenant_id, sensor_id, bucket_id, ts, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (tenant_id, sensor_id, bucket_id) DO UPDATE SET
			ts = EXCLUDED.ts,
			doc = readings.doc || jsonb_build_object(
				'values', COALESCE(readings.doc->'values', '{}'::jsonb) || (EXCLUDED.doc->'values'),
				'ts', EXCLUDED.doc->'ts',
				'meta', EXCLUDED.doc->'meta',
				'expiresAt', EXCLUDED.doc->'expiresAt',
				'updatedAt', EXCLUDED.doc->'updatedAt'),
			updated_at = now()`,
		tenantID, sensorID, bucketID, upd.TS, doc)
	if err != nil {
		return unavailable("merge reading", err)
	}
	return nil
}

func (p *Postgres) QueryReadings(ctx context.Context, tenantID, sensorID string, from, to time.Time, limit int) ([]model.Reading, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT doc FROM readings
		WHERE tenant_id = $1 AND sensor_id = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts DESC LIMIT $5`,
		tenantID, sensorID, from, to, limit)
	if err != nil {
		return nil, unavailable("query readings", err)
	}
	defer rows.Close()
	var out []model.Reading
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, unavailable("query readings", err)
		}
		var r model.Reading
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("decode reading: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) PurgeReadings(ctx context.Context, olderThan time.Time, limit int, dryRun bool) (int, error) {
	if dryRun {
		var n int
		err := p.pool.QueryRow(ctx, `
			SELECT count(*) FROM (
				SELECT 1 FROM readings WHERE ts < $1 LIMIT $2
			) candidates`, olderThan, limit).Scan(&n)
		if err != nil {
			return 0, unavailable("purge readings", err)
		}
		return n, nil
	}
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM readings WHERE ctid IN (
			SELECT ctid FROM readings WHERE ts < $1 ORDER BY ts LIMIT $2
		)`, olderThan, limit)
	if err != nil {
		return 0, unavailable("purge readings", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) FoldDailyAggregate(ctx context.Context, tenantID, sensorID, dayID string, fold DailyFold) error {
	for attempt := 0; attempt < foldAttempts; attempt++ {
		var doc []byte
		var rev int64
		err := p.pool.QueryRow(ctx, `
			SELECT doc, rev FROM daily_agg
			WHERE tenant_id = $1 AND sensor_id = $2 AND day_id = $3`,
			tenantID, sensorID, dayID).Scan(&doc, &rev)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			agg := &model.DailyAggregate{DayID: dayID, Day: fold.Day, UpdatedAt: time.Now().UTC()}
			for bucketID, values := range fold.Buckets {
				agg.Fold(bucketID, values)
			}
			newDoc, err := json.Marshal(agg)
			if err != nil {
				return err
			}
			tag, err := p.pool.Exec(ctx, `
				INSERT INTO daily_agg (tenant_id, sensor_id, day_id, day, doc, rev, updated_at)
				VALUES ($1, $2, $3, $4, $5, 1, now())
				ON CONFLICT (tenant_id, sensor_id, day_id) DO NOTHING`,
				tenantID, sensorID, dayID, fold.Day, newDoc)
			if err != nil {
				return unavailable("fold daily aggregate", err)
			}
			if tag.RowsAffected() == 1 {
				return nil
			}
			// Lost the insert race; retry against the now-existing row.
			continue
		case err != nil:
			return unavailable("fold daily aggregate", err)
		}

		var agg model.DailyAggregate
		if err := json.Unmarshal(doc, &agg); err != nil {
			return fmt.Errorf("decode daily aggregate: %w", err)
		}
		changed := false
		for bucketID, values := range fold.Buckets {
			if agg.Fold(bucketID, values) {
				changed = true
			}
		}
		if !changed {
			return nil
		}
		agg.UpdatedAt = time.Now().UTC()
		newDoc, err := json.Marshal(&agg)
		if err != nil {
			return err
		}
		tag, err := p.pool.Exec(ctx, `
			UPDATE daily_agg SET doc = $5, rev = rev + 1, updated_at = now()
			WHERE tenant_id = $1 AND sensor_id = $2 AND day_id = $3 AND rev = $4`,
			tenantID, sensorID, dayID, rev, newDoc)
		if err != nil {
			return unavailable("fold daily aggregate", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		// rev moved under us; reload and retry.
	}
	return fmt.Errorf("%w: daily aggregate fold contention on %s/%s/%s", ErrUnavailable, tenantID, sensorID, dayID)
}

func (p *Postgres) QueryDailyAggregates(ctx context.Context, tenantID, sensorID string, from time.Time, limit int) ([]model.DailyAggregate, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT doc FROM daily_agg
		WHERE tenant_id = $1 AND sensor_id = $2 AND day >= $3
		ORDER BY day ASC LIMIT $4`,
		tenantID, sensorID, from, limit)
	if err != nil {
		return nil, unavailable("query daily aggregates", err)
	}
	defer rows.Close()
	var out []model.DailyAggregate
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, unavailable("query daily aggregates", err)
		}
		var a model.DailyAggregate
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("decode daily aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) NextConfigVersion(ctx context.Context, tenantID, sensorID, cc, canonicalJSON, uid string) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable("next config version", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `
		SELECT doc FROM sensors
		WHERE tenant_id = $1 AND sensor_id = $2 FOR UPDATE`,
		tenantID, sensorID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, unavailable("next config version", err)
	}
	var s model.Sensor
	if err := json.Unmarshal(doc, &s); err != nil {
		return 0, fmt.Errorf("decode sensor: %w", err)
	}

	now := time.Now().UTC()
	ver := s.ActiveConfig.Ver + 1
	cfgDoc, err := json.Marshal(ConfigVersion{
		Ver:          ver,
		CC:           cc,
		JSON:         canonicalJSON,
		CreatedByUID: uid,
		CreatedAt:    now,
		PublishedAt:  now,
	})
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sensor_configs (tenant_id, sensor_id, ver, doc)
		VALUES ($1, $2, $3, $4)`, tenantID, sensorID, ver, cfgDoc); err != nil {
		return 0, unavailable("store config version", err)
	}
	patch, err := json.Marshal(map[string]interface{}{
		"activeConfig": model.ActiveConfig{Ver: ver, CC: cc, UpdatedAt: now},
		"updatedAt":    now,
	})
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE sensors SET doc = doc || $3::jsonb, updated_at = now()
		WHERE tenant_id = $1 AND sensor_id = $2`, tenantID, sensorID, patch); err != nil {
		return 0, unavailable("update active config", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("next config version", err)
	}
	return ver, nil
}

func (p *Postgres) GetConfigVersion(ctx context.Context, tenantID, sensorID string, ver int) (*ConfigVersion, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `
		SELECT doc FROM sensor_configs
		WHERE tenant_id = $1 AND sensor_id = $2 AND ver = $3`,
		tenantID, sensorID, ver).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get config version", err)
	}
	var c ConfigVersion
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode config version: %w", err)
	}
	return &c, nil
}

func (p *Postgres) MarkConfigRepublished(ctx context.Context, tenantID, sensorID string, ver int, uid string) error {
	patch, err := json.Marshal(map[string]interface{}{
		"republishedAt":    time.Now().UTC(),
		"republishedByUid": uid,
	})
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE sensor_configs SET doc = doc || $4::jsonb
		WHERE tenant_id = $1 AND sensor_id = $2 AND ver = $3`,
		tenantID, sensorID, ver, patch)
	if err != nil {
		return unavailable("mark config republished", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateAlert(ctx context.Context, tenantID string, a model.Alert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO alerts (tenant_id, alert_id, status, doc, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tenantID, a.ID, a.Status, doc, a.CreatedAt); err != nil {
		return unavailable("create alert", err)
	}
	return nil
}

func (p *Postgres) ListOpenAlerts(ctx context.Context, tenantID string) ([]model.Alert, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT doc FROM alerts WHERE tenant_id = $1 AND status = $2`,
		tenantID, model.AlertOpen)
	if err != nil {
		return nil, unavailable("list alerts", err)
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, unavailable("list alerts", err)
		}
		var a model.Alert
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) PutTenantStats(ctx context.Context, tenantID string, stats model.TenantStats) error {
	stats.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO tenant_stats (tenant_id, doc, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		tenantID, doc); err != nil {
		return unavailable("put tenant stats", err)
	}
	return nil
}

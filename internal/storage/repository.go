package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrSampleNotFound is returned when an update targets a missing sample.
	ErrSampleNotFound = errors.New("storage: sample not found")
)

const (
	sampleColumns = `id,
        symbol,
        ts,
        price,
        volume_24h,
        market_cap,
        volatility,
        money_flow,
        volume_velocity,
        stale_volume,
        source,
        created_at`

	insertSampleSQL = `INSERT INTO samples (
        symbol,
        ts,
        price,
        volume_24h,
        market_cap,
        volatility,
        money_flow,
        volume_velocity,
        stale_volume,
        source
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, created_at;`

	sampleExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM samples WHERE symbol = $1 AND ts = $2
    );`

	listRecentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM samples
    WHERE symbol = $1
    ORDER BY ts DESC, id DESC
    LIMIT $2;`

	listSamplesRangeSQL = `SELECT ` + sampleColumns + `
    FROM samples
    WHERE symbol = $1
      AND ts >= $2
      AND ts <= $3
    ORDER BY ts, id;`

	listTimestampsSQL = `SELECT ts
    FROM samples
    WHERE symbol = $1
      AND ts >= $2
    ORDER BY ts;`

	updateDerivedSQL = `UPDATE samples
    SET volatility = $2,
        money_flow = $3,
        volume_velocity = $4
    WHERE id = $1;`

	clearSamplesSQL = `DELETE FROM samples WHERE symbol = $1;`

	statisticsSQL = `SELECT
        COUNT(*),
        AVG(price),
        MIN(price),
        MAX(price),
        MIN(ts),
        MAX(ts)
    FROM samples
    WHERE symbol = $1;`

	latestPriceSQL = `SELECT price
    FROM samples
    WHERE symbol = $1
    ORDER BY ts DESC, id DESC
    LIMIT 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore defines the persistence surface for the sampled series.
type SampleStore interface {
	Save(ctx context.Context, sample Sample) (Sample, error)
	Exists(ctx context.Context, ts time.Time) (bool, error)
	Recent(ctx context.Context, limit int) ([]Sample, error)
	Range(ctx context.Context, start, end time.Time) ([]Sample, error)
	Timestamps(ctx context.Context, since time.Time) ([]time.Time, error)
	UpdateDerived(ctx context.Context, id int64, derived Derived) error
	ClearAll(ctx context.Context) error
	Statistics(ctx context.Context) (Statistics, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists samples of a single symbol in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	symbol string
}

// NewStore wires a pgx pool into a Store bound to symbol.
func NewStore(pool *pgxpool.Pool, symbol string) *Store {
	return &Store{pool: pool, symbol: symbol}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock dies with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Save inserts a sample and returns it with the assigned id.
func (s *Store) Save(ctx context.Context, sample Sample) (Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return Sample{}, err
	}
	if err := sample.Validate(); err != nil {
		return Sample{}, err
	}

	sample.Symbol = s.symbol
	sample.Timestamp = sample.Timestamp.UTC()
	if sample.Source == "" {
		sample.Source = SourceLive
	}

	row := pool.QueryRow(ctx, insertSampleSQL,
		sample.Symbol,
		sample.Timestamp,
		decimal.NewFromFloat(sample.Price).String(),
		numericArg(sample.Volume24h),
		numericArg(sample.MarketCap),
		floatArg(sample.Volatility),
		floatArg(sample.MoneyFlow),
		floatArg(sample.VolumeVelocity),
		sample.StaleVolume,
		sample.Source,
	)
	if err := row.Scan(&sample.ID, &sample.CreatedAt); err != nil {
		return Sample{}, fmt.Errorf("insert sample: %w", err)
	}
	return sample, nil
}

// Exists reports whether a sample is stored at exactly ts.
func (s *Store) Exists(ctx context.Context, ts time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := pool.QueryRow(ctx, sampleExistsSQL, s.symbol, ts.UTC()).Scan(&exists); err != nil {
		return false, fmt.Errorf("check sample exists: %w", err)
	}
	return exists, nil
}

// Recent returns up to limit newest samples in chronological order.
func (s *Store) Recent(ctx context.Context, limit int) ([]Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Sample{}, nil
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, s.symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	samples, err := collectSamples(rows, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent samples: %w", err)
	}
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// Range returns samples with start <= ts <= end in ascending order.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesRangeSQL, s.symbol, start.UTC(), end.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list samples range: %w", queryErr)
	}
	samples, err := collectSamples(rows, 0)
	if err != nil {
		return nil, fmt.Errorf("list samples range: %w", err)
	}
	return samples, nil
}

// Timestamps lists stored timestamps at or after since, ascending.
func (s *Store) Timestamps(ctx context.Context, since time.Time) ([]time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTimestampsSQL, s.symbol, since.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list timestamps: %w", queryErr)
	}
	defer rows.Close()

	out := make([]time.Time, 0)
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts.UTC())
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpdateDerived rewrites the rolling metrics of a stored sample.
func (s *Store) UpdateDerived(ctx context.Context, id int64, derived Derived) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateDerivedSQL, id,
		floatArg(derived.Volatility),
		floatArg(derived.MoneyFlow),
		floatArg(derived.VolumeVelocity),
	)
	if execErr != nil {
		return fmt.Errorf("update derived metrics: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrSampleNotFound
	}
	return nil
}

// ClearAll removes every sample of the bound symbol.
func (s *Store) ClearAll(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, clearSamplesSQL, s.symbol); execErr != nil {
		return fmt.Errorf("clear samples: %w", execErr)
	}
	return nil
}

// Statistics summarises stored prices.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	pool, err := s.getPool()
	if err != nil {
		return Statistics{}, err
	}

	var (
		stats   Statistics
		meanStr sql.NullString
		minStr  sql.NullString
		maxStr  sql.NullString
		first   sql.NullTime
		last    sql.NullTime
	)
	if err := pool.QueryRow(ctx, statisticsSQL, s.symbol).Scan(
		&stats.Count,
		&meanStr,
		&minStr,
		&maxStr,
		&first,
		&last,
	); err != nil {
		return Statistics{}, fmt.Errorf("sample statistics: %w", err)
	}
	if stats.Count == 0 {
		return stats, nil
	}

	if stats.Mean, err = parseNumeric(meanStr.String); err != nil {
		return Statistics{}, fmt.Errorf("parse mean: %w", err)
	}
	if stats.Min, err = parseNumeric(minStr.String); err != nil {
		return Statistics{}, fmt.Errorf("parse min: %w", err)
	}
	if stats.Max, err = parseNumeric(maxStr.String); err != nil {
		return Statistics{}, fmt.Errorf("parse max: %w", err)
	}
	stats.First = first.Time.UTC()
	stats.Last = last.Time.UTC()

	var latestStr string
	if err := pool.QueryRow(ctx, latestPriceSQL, s.symbol).Scan(&latestStr); err != nil {
		return Statistics{}, fmt.Errorf("latest price: %w", err)
	}
	latest, err := parseNumeric(latestStr)
	if err != nil {
		return Statistics{}, fmt.Errorf("parse latest: %w", err)
	}
	stats.Latest = &latest
	return stats, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]Sample, error) {
	defer rows.Close()

	samples := make([]Sample, 0, capacity)
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanSample(rows pgx.Rows) (Sample, error) {
	var (
		sample         Sample
		priceStr       string
		volumeStr      sql.NullString
		marketCapStr   sql.NullString
		volatility     sql.NullFloat64
		moneyFlow      sql.NullFloat64
		volumeVelocity sql.NullFloat64
	)

	if err := rows.Scan(
		&sample.ID,
		&sample.Symbol,
		&sample.Timestamp,
		&priceStr,
		&volumeStr,
		&marketCapStr,
		&volatility,
		&moneyFlow,
		&volumeVelocity,
		&sample.StaleVolume,
		&sample.Source,
		&sample.CreatedAt,
	); err != nil {
		return Sample{}, err
	}

	price, err := parseNumeric(priceStr)
	if err != nil {
		return Sample{}, fmt.Errorf("parse price: %w", err)
	}
	sample.Price = price
	sample.Timestamp = sample.Timestamp.UTC()

	if sample.Volume24h, err = parseNullNumeric(volumeStr); err != nil {
		return Sample{}, fmt.Errorf("parse volume: %w", err)
	}
	if sample.MarketCap, err = parseNullNumeric(marketCapStr); err != nil {
		return Sample{}, fmt.Errorf("parse market cap: %w", err)
	}
	sample.Volatility = nullFloat(volatility)
	sample.MoneyFlow = nullFloat(moneyFlow)
	sample.VolumeVelocity = nullFloat(volumeVelocity)

	return sample, nil
}

func parseNumeric(v string) (float64, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

func parseNullNumeric(v sql.NullString) (*float64, error) {
	if !v.Valid {
		return nil, nil
	}
	f, err := parseNumeric(v.String)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func numericArg(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return decimal.NewFromFloat(*v).String()
}

func floatArg(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

var (
	_ SampleStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

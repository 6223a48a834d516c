package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bullyto/maps/internal/model"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries, in scan order.
var sessionColumns = []string{
	"session_id", "courier_id", "recipient_id", "status", "expires_at_ms",
	"recipient_lat", "recipient_lng", "recipient_ts", "anchor_lat", "anchor_lng",
	"arrival_notified", "label", "created_at_ms", "ended_at_ms",
}

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresDB wraps an already opened handle.
func NewPostgresDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema migrations.
func (p *Postgres) Migrate() error { return Migrate(p.db) }

func (p *Postgres) CreateSession(ctx context.Context, s model.TrackingSession) error {
	query, args, err := psq.Insert("tracking_sessions").
		Columns(sessionColumns...).
		Values(s.SessionID, s.CourierID, s.RecipientID, string(s.Status), s.ExpiresAtMs,
			s.RecipientLat, s.RecipientLng, s.RecipientTsMs, s.AnchorLat, s.AnchorLng,
			s.ArrivalNotified, s.Label, s.CreatedAtMs, s.EndedAtMs).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, sessionID string) (model.TrackingSession, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("tracking_sessions").
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return model.TrackingSession{}, fmt.Errorf("building select: %w", err)
	}
	s, err := scanSession(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.TrackingSession{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) UpdateSession(ctx context.Context, sessionID string, fn func(*model.TrackingSession) error) (model.TrackingSession, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TrackingSession{}, err
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := psq.Select(sessionColumns...).
		From("tracking_sessions").
		Where(sq.Eq{"session_id": sessionID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return model.TrackingSession{}, fmt.Errorf("building select: %w", err)
	}
	cur, err := scanSession(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.TrackingSession{}, ErrNotFound
	}
	if err != nil {
		return model.TrackingSession{}, err
	}
	next := cloneSession(cur)
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cur, nil
		}
		return model.TrackingSession{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tracking_sessions
        SET status=$2, expires_at_ms=$3, recipient_lat=$4, recipient_lng=$5, recipient_ts=$6,
            arrival_notified=$7, label=$8, ended_at_ms=$9
        WHERE session_id=$1`,
		sessionID, string(next.Status), next.ExpiresAtMs, next.RecipientLat, next.RecipientLng,
		next.RecipientTsMs, next.ArrivalNotified, next.Label, next.EndedAtMs)
	if err != nil {
		return model.TrackingSession{}, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.TrackingSession{}, err
	}
	next.SessionID, next.CourierID, next.RecipientID = cur.SessionID, cur.CourierID, cur.RecipientID
	next.AnchorLat, next.AnchorLng, next.CreatedAtMs = cur.AnchorLat, cur.AnchorLng, cur.CreatedAtMs
	return next, nil
}

func (p *Postgres) ListSessionsByCourier(ctx context.Context, courierID string, statuses []model.SessionStatus, limit int) ([]model.TrackingSession, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	b := psq.Select(sessionColumns...).
		From("tracking_sessions").
		Where(sq.Eq{"courier_id": courierID}).
		OrderBy("created_at_ms DESC").
		Limit(uint64(limit))
	if len(statuses) > 0 {
		st := make([]string, 0, len(statuses))
		for _, s := range statuses {
			st = append(st, string(s))
		}
		b = b.Where(sq.Eq{"status": st})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TrackingSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AppendSample inserts a sample, stamping it strictly after the courier's newest row.
// A transaction-scoped advisory lock on the courier id serializes concurrent appends.
func (p *Postgres) AppendSample(ctx context.Context, s model.CourierSample) (model.CourierSample, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CourierSample{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.CourierID); err != nil {
		return model.CourierSample{}, fmt.Errorf("lock courier samples: %w", err)
	}
	err = tx.QueryRowContext(ctx, `INSERT INTO courier_samples (courier_id, lat, lng, accuracy, speed_mps, heading_deg, server_ts)
        SELECT $1, $2, $3, $4, $5, $6,
               GREATEST($7::bigint, COALESCE((SELECT MAX(server_ts) + 1 FROM courier_samples WHERE courier_id = $1), $7::bigint))
        RETURNING server_ts`,
		s.CourierID, s.Lat, s.Lng, s.Accuracy, s.SpeedMps, s.HeadingDeg, s.ServerTimestampMs).Scan(&s.ServerTimestampMs)
	if err != nil {
		return model.CourierSample{}, fmt.Errorf("insert sample: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.CourierSample{}, err
	}
	return s, nil
}

func (p *Postgres) LatestSample(ctx context.Context, courierID string) (model.CourierSample, error) {
	var s model.CourierSample
	var acc, speed, heading sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `SELECT courier_id, lat, lng, accuracy, speed_mps, heading_deg, server_ts
        FROM courier_samples WHERE courier_id=$1 ORDER BY server_ts DESC LIMIT 1`, courierID).
		Scan(&s.CourierID, &s.Lat, &s.Lng, &acc, &speed, &heading, &s.ServerTimestampMs)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Accuracy = floatPtr(acc)
	s.SpeedMps = floatPtr(speed)
	s.HeadingDeg = floatPtr(heading)
	return s, nil
}

func (p *Postgres) LastActiveCourier(ctx context.Context) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `SELECT courier_id FROM courier_samples ORDER BY server_ts DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.TrackingSession, error) {
	var s model.TrackingSession
	var status string
	var expires, recipientTs, ended sql.NullInt64
	var rLat, rLng sql.NullFloat64
	if err := row.Scan(&s.SessionID, &s.CourierID, &s.RecipientID, &status, &expires,
		&rLat, &rLng, &recipientTs, &s.AnchorLat, &s.AnchorLng,
		&s.ArrivalNotified, &s.Label, &s.CreatedAtMs, &ended); err != nil {
		return s, err
	}
	s.Status = model.SessionStatus(status)
	s.ExpiresAtMs = intPtr(expires)
	s.RecipientTsMs = intPtr(recipientTs)
	s.EndedAtMs = intPtr(ended)
	s.RecipientLat = floatPtr(rLat)
	s.RecipientLng = floatPtr(rLng)
	return s, nil
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	x := v.Int64
	return &x
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	x := v.Float64
	return &x
}

//go:build postgres_integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bullyto/maps/internal/model"
)

func TestPostgresRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("maps"),
		postgres.WithUsername("maps"),
		postgres.WithPassword("maps"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	p, err := NewPostgres(dsn)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	require.NoError(t, p.Migrate())
	require.NoError(t, p.Migrate(), "migrations must be idempotent")

	require.NoError(t, p.CreateSession(ctx, model.TrackingSession{
		SessionID: "s1", CourierID: "c1", RecipientID: "r1", Status: model.StatusPending,
		AnchorLat: 42.7, AnchorLng: 2.9, CreatedAtMs: 1000,
	}))

	got, err := p.UpdateSession(ctx, "s1", func(s *model.TrackingSession) error {
		exp := int64(601000)
		s.Status = model.StatusActive
		s.ExpiresAtMs = &exp
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)

	// expires_iff_active check constraint
	_, err = p.UpdateSession(ctx, "s1", func(s *model.TrackingSession) error {
		s.Status = model.StatusExpired
		return nil
	})
	assert.Error(t, err)

	a, err := p.AppendSample(ctx, model.CourierSample{CourierID: "c1", Lat: 1, Lng: 1, ServerTimestampMs: 5000})
	require.NoError(t, err)
	b, err := p.AppendSample(ctx, model.CourierSample{CourierID: "c1", Lat: 1, Lng: 1, ServerTimestampMs: 4000})
	require.NoError(t, err)
	assert.Equal(t, a.ServerTimestampMs+1, b.ServerTimestampMs)

	// concurrent appends for one courier still get distinct, increasing stamps
	const n = 20
	stamps := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			smp, err := p.AppendSample(ctx, model.CourierSample{CourierID: "c1", Lat: 1, Lng: 1, ServerTimestampMs: 4000})
			if assert.NoError(t, err) {
				stamps <- smp.ServerTimestampMs
			}
		}()
	}
	wg.Wait()
	close(stamps)
	seen := map[int64]bool{}
	for ts := range stamps {
		assert.False(t, seen[ts], "duplicate server_ts %d", ts)
		assert.Greater(t, ts, b.ServerTimestampMs)
		seen[ts] = true
	}
	assert.Len(t, seen, n)

	last, err := p.LatestSample(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, b.ServerTimestampMs+n, last.ServerTimestampMs)

	id, err := p.LastActiveCourier(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	list, err := p.ListSessionsByCourier(ctx, "c1", []model.SessionStatus{model.StatusActive}, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

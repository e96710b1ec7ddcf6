//go:build integration

package app

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/eve-esi-collector/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startContainer(t *testing.T, ctx context.Context, req tc.ContainerRequest) tc.Container {
	t.Helper()

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("skipping container test: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	return c
}

func TestApp_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Second)
	defer cancel()

	redisC := startContainer(t, ctx, tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})
	redisAddr, err := redisC.Endpoint(ctx, "")
	require.NoError(t, err)

	pg := startContainer(t, ctx, tc.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "esi",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	})
	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/esi?sslmode=disable", host, port.Port())

	mock := testutil.NewMockESI()
	defer mock.Close()
	servePages(mock, 4)

	cfg, _ := testConfig(t, mock.URL())
	cfg.Redis.Addr = redisAddr
	cfg.ESI.ErrorLimitGate = true
	cfg.Database.Driver = "postgres"
	cfg.Database.DSN = dsn

	a, err := New(ctx, cfg, Options{HTTPClient: mock.Client(), Sleeper: noSleep})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Ping(ctx))

	outcomes, err := a.Run(ctx, nil, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 4, outcomes[0].Result.Pages)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "market_orders" WHERE "region_id" = 10000002`).Scan(&n))
	assert.Equal(t, 8, n)

	outcomes, err = a.Run(ctx, nil, false)
	require.NoError(t, err)
	assert.True(t, outcomes[0].Skipped, "data has not expired yet")
	assert.Equal(t, 4, mock.GetPathCount(ordersPath))

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	remain, err := rdb.Get(ctx, "esi:error_limit:errors_remaining").Int()
	require.NoError(t, err)
	assert.Equal(t, 100, remain)
}

// Package testutil starts the containers shared by integration tests:
// Postgres with pgvector for the message store and Redis for the stream bus.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    pg := testutil.MustStartPostgres()
//	    testDB = pg.MustNewDB(testutil.TestLogger())
//	    code := m.Run()
//	    pg.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/dengon/internal/storage"
	"github.com/ashita-ai/dengon/migrations"
)

// TestContainer wraps a started container with its connection string.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts Postgres with the vector extension created.
// Calls os.Exit(1) on failure, so it is only suitable for TestMain.
func MustStartPostgres() *TestContainer {
	ctx := context.Background()
	container, host := mustStart(ctx, testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "dengon",
			"POSTGRES_PASSWORD": "dengon",
			"POSTGRES_DB":       "dengon",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fatalf("container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://dengon:dengon@%s:%s/dengon?sslmode=disable", host, port.Port())

	// Create the extension before any pool exists so AfterConnect registers
	// the vector type on every pooled connection.
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fatalf("bootstrap connection: %v", err)
	}
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		fatalf("create vector extension: %v", err)
	}
	_ = conn.Close(ctx)

	return &TestContainer{Container: container, DSN: dsn}
}

// MustNewDB connects a storage.DB to the container and applies all migrations.
func (tc *TestContainer) MustNewDB(logger *slog.Logger) *storage.DB {
	ctx := context.Background()
	db, err := storage.New(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		fatalf("create DB: %v", err)
	}
	if _, err := db.RunMigrations(ctx, migrations.FS); err != nil {
		fatalf("run migrations: %v", err)
	}
	return db
}

// MustStartRedis starts Redis and returns a connected client.
func MustStartRedis() (*TestContainer, *redis.Client) {
	ctx := context.Background()
	container, host := mustStart(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	})
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fatalf("container port: %v", err)
	}

	addr := fmt.Sprintf("%s:%s", host, port.Port())
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		fatalf("ping redis: %v", err)
	}
	return &TestContainer{Container: container, DSN: "redis://" + addr}, client
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger for test output (warnings and above).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func mustStart(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, string) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fatalf("start %s: %v", req.Image, err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		fatalf("container host: %v", err)
	}
	return container, host
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "testutil: "+format+"\n", args...)
	os.Exit(1)
}

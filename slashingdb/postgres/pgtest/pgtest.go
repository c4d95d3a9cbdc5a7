// Package pgtest starts a throwaway PostgreSQL server for integration tests.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	user     = "postgres"
	password = "password"
)

var (
	once     sync.Once
	host     string
	port     string
	startErr error
)

func start() {
	ctx := context.Background()
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "slashing",
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	container, err := testcontainers.GenericContainer(ctx, req)
	if err != nil {
		startErr = fmt.Errorf("failed to start PostgreSQL: %w", err)
		return
	}

	if host, err = container.Host(ctx); err != nil {
		startErr = fmt.Errorf("failed to get PostgreSQL host: %w", err)
		return
	}
	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		startErr = fmt.Errorf("failed to get PostgreSQL port: %w", err)
		return
	}
	port = mappedPort.Port()
}

func dsn(dbName string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable", host, port, user, password, dbName)
}

// NewDatabase creates an empty database on a shared container and returns its
// connection string. The test is skipped in short mode or without Docker.
// The container lives until the test binary exits.
func NewDatabase(t testing.TB) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	once.Do(start)
	if startErr != nil {
		t.Skipf("PostgreSQL unavailable: %v", startErr)
	}

	admin, err := sql.Open("postgres", dsn("slashing"))
	require.NoError(t, err)
	defer admin.Close()

	name := "t_" + strings.ToLower(gofakeit.LetterN(12))
	_, err = admin.Exec("CREATE DATABASE " + name)
	require.NoError(t, err)

	return dsn(name)
}

// Package testutil starts shared backing services for integration tests.
// Containers are started once per test binary; tests are skipped when no
// container runtime is available.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error

	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// GetPostgresDSN returns a DSN for a PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	pgOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		postgresC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://waterflow:waterflow@%s:%s/waterflow_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "waterflow",
				"POSTGRES_PASSWORD": "waterflow",
				"POSTGRES_DB":       "waterflow_test",
			}),
		)
		if err != nil {
			pgErr = err
			return
		}

		endpoint, err := postgresC.Endpoint(ctx, "")
		if err != nil {
			_ = postgresC.Terminate(context.Background()) // best-effort cleanup
			pgErr = err
			return
		}

		pgDSN = fmt.Sprintf("postgres://waterflow:waterflow@%s/waterflow_test?sslmode=disable", endpoint)
	})

	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}
	return pgDSN
}

// GetRedisAddress returns host:port of a Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		redisC, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err
			return
		}

		endpoint, err := redisC.Endpoint(ctx, "")
		if err != nil {
			_ = redisC.Terminate(context.Background()) // best-effort cleanup
			redisErr = err
			return
		}

		redisAddr = endpoint
	})

	if redisErr != nil {
		t.Skipf("redis container unavailable: %v", redisErr)
	}
	return redisAddr
}

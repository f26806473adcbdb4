package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	pgtc "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var businessTables = []string{"conversation_turns", "onboarding_log", "appointments", "inconsistencies", "customers"}

// startPostgres starts a PostgreSQL container and returns it along with its connection string.
func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	pgContainer, err := pgtc.Run(ctx,
		"postgres:17-bookworm",
		pgtc.WithDatabase("booking_assistant"),
		pgtc.WithUsername("postgres"),
		pgtc.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		host, err := pgContainer.Host(ctx)
		if err != nil {
			return pgContainer, "", fmt.Errorf("failed to get PostgreSQL host: %w", err)
		}
		mappedPort, err := pgContainer.MappedPort(ctx, "5432")
		if err != nil {
			return pgContainer, "", fmt.Errorf("failed to get PostgreSQL port: %w", err)
		}
		dsn = fmt.Sprintf("postgres://postgres:postgres@%s:%s/booking_assistant?sslmode=disable",
			host, mappedPort.Port())
	}

	return pgContainer, dsn, nil
}

// truncatePostgresTables empties every table of the business schema.
func truncatePostgresTables(ctx context.Context, dsn, schemaName string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	qualified := make([]string, 0, len(businessTables))
	for _, table := range businessTables {
		qualified = append(qualified, pq.QuoteIdentifier(schemaName)+"."+table)
	}
	query := "TRUNCATE TABLE " + strings.Join(qualified, ", ") + " RESTART IDENTITY CASCADE"

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to truncate tables in %s: %w", schemaName, err)
	}
	return nil
}

// countRows counts the rows of a business table matching where.
func countRows(ctx context.Context, dsn, schemaName, table, where string, args ...interface{}) (int, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", pq.QuoteIdentifier(schemaName), table)
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/leomon/db/migrations"
	"github.com/coachpo/leomon/internal/domain/windowstore"
	"github.com/coachpo/leomon/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/leomon/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "leomon"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres window store tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/leomon?sslmode=disable", host, port.Port())

	// Postgres accepts connections briefly before it finishes initialising; retry the first run.
	deadline := time.Now().Add(30 * time.Second)
	for {
		err = migrations.ApplyEmbedded(ctx, dsn, dbmigrations.Files, nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestWindowStoreInsertAndListRecent(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool).Windows()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := windowstore.WindowRecord{
		ID: uuid.New(), ContextID: "ns1", ClosedAtMs: 1160, SampleCount: 100,
		LocalMin: 100, LocalMax: 199, LowRTT: 105, HighRTT: 195, FluctuationUs: 90,
		RecordedAt: base,
	}
	second := first
	second.ID = uuid.New()
	second.ClosedAtMs = 4000
	second.FluctuationUs = 4_000_000_000
	second.RecordedAt = base.Add(time.Second)
	other := first
	other.ID = uuid.New()
	other.ContextID = "ns2"
	other.RecordedAt = base.Add(2 * time.Second)

	for _, rec := range []windowstore.WindowRecord{first, second, other} {
		require.NoError(t, store.Insert(ctx, rec))
	}
	require.NoError(t, store.Insert(ctx, first), "re-inserting the same id is a no-op")

	got, err := store.ListRecent(ctx, "ns1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, second.ID, got[0].ID)
	require.Equal(t, uint32(4_000_000_000), got[0].FluctuationUs)
	require.Equal(t, first.ID, got[1].ID)
	require.Equal(t, uint32(105), got[1].LowRTT)
	require.Equal(t, uint32(195), got[1].HighRTT)
	require.True(t, got[1].RecordedAt.Equal(base))

	all, err := store.ListRecent(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, other.ID, all[0].ID)
}

package persistence_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/dispatchlog"
	domreg "github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/registration"
	pgstore "github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/persistence/postgres"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
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
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "webhook_bridge"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		pgContainer = container
		setupErr = initialiseDatabase(ctx)
	}

	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	}
	exitCode = m.Run()

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
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/webhook_bridge?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	migrationsDir := filepath.Join(root, "db", "migrations")
	sourceURL := fmt.Sprintf("file://%s", migrationsDir)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func TestDispatchLogLifecycle(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool).DispatchLog()

	jobID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{"message_id": "msg-1", "alert_type": "message_inbound"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	entry := dispatchlog.Entry{
		JobID:     jobID,
		MessageID: "msg-1",
		DeviceID:  "device-a",
		URLs:      []string{"https://hooks.example.com/a", "https://hooks.example.com/b"},
		Status:    dispatchlog.StatusPending,
		Payload:   payload,
	}

	admitted, err := store.Admit(ctx, entry)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !admitted {
		t.Fatalf("first admission must succeed")
	}

	again, err := store.Admit(ctx, entry)
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if again {
		t.Fatalf("second admission for the same job id must report admitted=false")
	}

	if err := store.MarkPublished(ctx, jobID); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	ok, err := store.MarkDelivering(ctx, jobID)
	if err != nil {
		t.Fatalf("mark delivering: %v", err)
	}
	if !ok {
		t.Fatalf("pending job must accept delivering transition")
	}

	if err := store.RecordAttempt(ctx, jobID, 1, "second target refused"); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if err := store.RecordAttempt(ctx, jobID, 2, ""); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if err := store.MarkSuccess(ctx, jobID); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	got, err := store.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dispatchlog.StatusSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
	if got.Attempts != 2 || got.Delivered != 2 {
		t.Fatalf("attempts=%d delivered=%d, want 2/2", got.Attempts, got.Delivered)
	}
	if got.LastError != "" {
		t.Fatalf("last error must clear on success, got %q", got.LastError)
	}
	if len(got.URLs) != 2 {
		t.Fatalf("urls = %v", got.URLs)
	}
	if !got.Published {
		t.Fatalf("published flag must survive the lifecycle")
	}

	// Terminal entries must refuse another delivering transition.
	ok, err = store.MarkDelivering(ctx, jobID)
	if err != nil {
		t.Fatalf("mark delivering after success: %v", err)
	}
	if ok {
		t.Fatalf("terminal job must not re-enter delivering")
	}
}

func TestDispatchLogDuplicateMarking(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool).DispatchLog()

	// A stranded entry, admitted but never handed to the queue, takes the
	// duplicate flag and stays deliverable.
	stranded := uuid.NewString()
	if _, err := store.Admit(ctx, dispatchlog.Entry{JobID: stranded, MessageID: "msg-2", DeviceID: "device-a"}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := store.MarkDuplicate(ctx, stranded); err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}
	got, err := store.Get(ctx, stranded)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dispatchlog.StatusDuplicate {
		t.Fatalf("status = %s, want duplicate", got.Status)
	}
	ok, err := store.MarkDelivering(ctx, stranded)
	if err != nil {
		t.Fatalf("mark delivering: %v", err)
	}
	if !ok {
		t.Fatalf("duplicate-flagged job must stay deliverable")
	}

	// An entry with an envelope in flight must never take the flag.
	queued := uuid.NewString()
	if _, err := store.Admit(ctx, dispatchlog.Entry{JobID: queued, MessageID: "msg-2b", DeviceID: "device-a"}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := store.MarkPublished(ctx, queued); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	if err := store.MarkDuplicate(ctx, queued); err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}
	got, err = store.Get(ctx, queued)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dispatchlog.StatusPending {
		t.Fatalf("status = %s, want pending for a published entry", got.Status)
	}
}

func TestDispatchLogFailurePath(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool).DispatchLog()

	jobID := uuid.NewString()
	if _, err := store.Admit(ctx, dispatchlog.Entry{JobID: jobID, MessageID: "msg-3", DeviceID: "device-a", URLs: []string{"https://hooks.example.com/a"}}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := store.MarkDelivering(ctx, jobID); err != nil {
		t.Fatalf("mark delivering: %v", err)
	}
	if err := store.RecordAttempt(ctx, jobID, 0, "connection refused"); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if err := store.MarkFailed(ctx, jobID, "connection refused"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, err := store.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dispatchlog.StatusFailed || got.LastError == "" {
		t.Fatalf("unexpected terminal state: %+v", got)
	}

	recent, err := store.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) == 0 {
		t.Fatalf("expected recent entries")
	}
}

func TestDispatchLogGetMissing(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	_, err := pgstore.New(testPool).DispatchLog().Get(context.Background(), uuid.NewString())
	if !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not-found code, got %v", err)
	}
}

func TestRegistrationStoreLifecycle(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool).Registration()

	deviceA := "contract-a-" + uuid.NewString()
	deviceB := "contract-b-" + uuid.NewString()
	alias := "me-" + uuid.NewString() + "@example.com"

	if _, err := store.Upsert(ctx, domreg.Device{
		DeviceID:    deviceA,
		Aliases:     []string{alias, "spare@example.com"},
		ActiveAlias: alias,
	}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := store.AddWebhook(ctx, deviceA, "https://hooks.example.com/a"); err != nil {
		t.Fatalf("add webhook: %v", err)
	}
	// Idempotent append.
	if err := store.AddWebhook(ctx, deviceA, "https://hooks.example.com/a"); err != nil {
		t.Fatalf("re-add webhook: %v", err)
	}

	// Upsert must refresh aliases without discarding registered webhooks.
	if _, err := store.Upsert(ctx, domreg.Device{
		DeviceID:    deviceA,
		Aliases:     []string{alias},
		ActiveAlias: alias,
	}); err != nil {
		t.Fatalf("re-upsert a: %v", err)
	}
	gotA, err := store.Get(ctx, deviceA)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if len(gotA.Webhooks) != 1 || gotA.Webhooks[0] != "https://hooks.example.com/a" {
		t.Fatalf("webhooks lost on upsert: %v", gotA.Webhooks)
	}
	if len(gotA.Aliases) != 1 {
		t.Fatalf("aliases not refreshed: %v", gotA.Aliases)
	}

	// Device B claims the alias; reconciliation strips it from device A.
	if _, err := store.Upsert(ctx, domreg.Device{
		DeviceID:    deviceB,
		Aliases:     []string{alias},
		ActiveAlias: alias,
	}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	if err := store.ReleaseAliases(ctx, deviceB, []string{alias}, alias); err != nil {
		t.Fatalf("release aliases: %v", err)
	}

	gotA, err = store.Get(ctx, deviceA)
	if err != nil {
		t.Fatalf("get a after release: %v", err)
	}
	for _, kept := range gotA.Aliases {
		if kept == alias {
			t.Fatalf("alias %s still claimed by %s", alias, deviceA)
		}
	}
	if gotA.ActiveAlias == alias {
		t.Fatalf("active alias not released from %s", deviceA)
	}

	// A webhook can be configured before the device ever registers; the
	// document is created on the fly and survives a later registration.
	early := "early-" + uuid.NewString()
	if err := store.AddWebhook(ctx, early, "https://hooks.example.com/x"); err != nil {
		t.Fatalf("add webhook before registration: %v", err)
	}
	gotEarly, err := store.Get(ctx, early)
	if err != nil {
		t.Fatalf("get early device: %v", err)
	}
	if len(gotEarly.Webhooks) != 1 || gotEarly.Webhooks[0] != "https://hooks.example.com/x" {
		t.Fatalf("early webhooks = %v", gotEarly.Webhooks)
	}
	if _, err := store.Upsert(ctx, domreg.Device{DeviceID: early}); err != nil {
		t.Fatalf("upsert early device: %v", err)
	}
	gotEarly, err = store.Get(ctx, early)
	if err != nil {
		t.Fatalf("get early device after upsert: %v", err)
	}
	if len(gotEarly.Webhooks) != 1 {
		t.Fatalf("registration wiped preconfigured webhooks: %v", gotEarly.Webhooks)
	}
}

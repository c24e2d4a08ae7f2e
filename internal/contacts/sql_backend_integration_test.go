package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var sqlIntegrationCounter uint64

func TestPostgresIntegrationRecordBackendRoundTrip(t *testing.T) {
	dsn := sqlIntegrationDSN(t, "CALLMANAGER_TEST_POSTGRES_DSN")
	backend, err := NewPostgresRecordBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	runSQLIntegration(t, backend.(*SQLRecordBackend), "postgres", dsn)
}

func TestMySQLIntegrationRecordBackendRoundTrip(t *testing.T) {
	dsn := sqlIntegrationDSN(t, "CALLMANAGER_TEST_MYSQL_DSN")
	backend, err := NewMySQLRecordBackend(dsn)
	if err != nil {
		t.Fatalf("new mysql backend: %v", err)
	}
	sqlBackend := backend.(*SQLRecordBackend)
	runSQLIntegration(t, sqlBackend, "mysql", sqlBackend.dsn)
}

func TestSQLBackendOpenFailureSurfacesAsStorageError(t *testing.T) {
	backend := newSQLRecordBackend(postgresDialect, "postgres://unused")
	backend.openDB = func(string, string) (*sql.DB, error) {
		return nil, errBackendDown
	}
	if _, err := NewStore(StoreOptions{Backend: backend}); !errors.Is(err, ErrStorageFailure) || !errors.Is(err, errBackendDown) {
		t.Fatalf("expected wrapped storage failure, got %v", err)
	}
	if err := backend.Put(sampleRecord("81000001", 1)); !errors.Is(err, errBackendDown) {
		t.Fatalf("expected init error to stick, got %v", err)
	}
}

func runSQLIntegration(t *testing.T, backend *SQLRecordBackend, driver, dsn string) {
	t.Helper()
	backend.tableName = sqlIntegrationTableName("contacts_it")
	t.Cleanup(func() {
		_ = backend.Close()
		sqlIntegrationDropTable(t, driver, dsn, backend.dialect.quote(backend.tableName))
	})

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected an empty table, got %d rows", len(loaded))
	}

	store, err := NewStore(StoreOptions{Backend: backend})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	engine := NewEngine(store, EngineOptions{})
	defer engine.Hub().Close()
	if _, err := engine.ImportBatch(context.Background(), "it", []ImportRow{{Phone: "81000001", Name: "Ana"}, {Phone: "81000002"}}); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if _, err := engine.Apply(context.Background(), Mutation{ID: "81000001", Actor: "it", Fields: Patch{Note: ptr("called")}}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := engine.Delete(context.Background(), "81000002", "it"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(reloaded) != 1 || reloaded[0].ID != "81000001" || reloaded[0].Version != 2 || reloaded[0].Note != "called" {
		t.Fatalf("unexpected reloaded rows: %+v", reloaded)
	}
}

func sqlIntegrationDSN(t *testing.T, key string) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(key))
	if dsn == "" {
		t.Skipf("set %s to run this integration test", key)
	}
	return dsn
}

func sqlIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&sqlIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func sqlIntegrationDropTable(t *testing.T, driver, dsn, quotedTable string) {
	t.Helper()
	db, err := sql.Open(driver, dsn)
	if err != nil {
		t.Fatalf("open %s for cleanup failed: %v", driver, err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quotedTable); err != nil {
		t.Fatalf("drop cleanup table %s failed: %v", quotedTable, err)
	}
}

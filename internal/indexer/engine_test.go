package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/caseidx/caseidx/internal/db"
	"github.com/caseidx/caseidx/internal/domain"
	"github.com/caseidx/caseidx/internal/metadata"
	"github.com/caseidx/caseidx/internal/repository"
)

var testDBSeq atomic.Int64

type testEnv struct {
	conn      *db.Connection
	snapshots repository.SnapshotRepository
	requests  repository.RequestRepository
	overrides repository.OverrideRepository
	loader    *metadata.Loader
	resolver  *metadata.Resolver
	engine    *Engine
}

func newTestEnv(t *testing.T, metadataFiles map[string]string) *testEnv {
	t.Helper()
	ctx := context.Background()

	// A named shared-cache memory database so the pool and the migration
	// driver see the same schema.
	dsn := fmt.Sprintf("file:indexer_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	conn, err := db.NewConnection(ctx, db.Config{Driver: "sqlite3", DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.RunMigrations(conn))

	fsys := fstest.MapFS{}
	for name, body := range metadataFiles {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	loader := metadata.NewLoader(fsys, zerolog.Nop())
	require.NoError(t, loader.Load())

	overrides := repository.NewOverrideRepository(conn)
	resolver := metadata.NewResolver(loader, overrides, zerolog.Nop())
	snapshots := repository.NewSnapshotRepository(conn)

	return &testEnv{
		conn:      conn,
		snapshots: snapshots,
		requests:  repository.NewRequestRepository(conn),
		overrides: overrides,
		loader:    loader,
		resolver:  resolver,
		engine:    NewEngine(conn, snapshots, resolver, NewAnnotator(loader), zerolog.Nop()),
	}
}

const orderMetadata = `{
	"class": "Order",
	"entityType": "Order",
	"mappings": [
		{"column": "order_total", "jsonPath": "$.total", "type": "decimal", "exportToPlain": true},
		{"column": "customer_id", "jsonPath": "$.customer.id", "exportToPlain": true},
		{"column": "priority", "jsonPath": "$.meta.priority", "exportDest": ["plain"]}
	]
}`

func (env *testEnv) addSnapshot(t *testing.T, caseID, entityType, payload string) domain.Snapshot {
	t.Helper()
	snap, err := env.snapshots.Insert(context.Background(), domain.Snapshot{
		CaseID:     caseID,
		EntityType: entityType,
		Payload:    payload,
	})
	require.NoError(t, err)
	return snap
}

func TestReindexEndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	env.addSnapshot(t, "CASE-1", "Order", `{"total": 1234.56, "customer": {"id": "CUST01"}, "meta": {"priority": "HIGH"}}`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	var total float64
	var customer, priority string
	err := env.conn.DB.QueryRowContext(ctx,
		"SELECT order_total, customer_id, priority FROM case_plain_order WHERE case_id = ?", "CASE-1").
		Scan(&total, &customer, &priority)
	require.NoError(t, err)
	require.Equal(t, 1234.56, total)
	require.Equal(t, "CUST01", customer)
	require.Equal(t, "HIGH", priority)
}

func TestReindexIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	env.addSnapshot(t, "CASE-1", "Order", `{"total": 10.5, "customer": {"id": "CUST01"}}`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	var count int
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM case_plain_order WHERE case_id = ?", "CASE-1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestReindexUsesLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	env.addSnapshot(t, "CASE-1", "Order", `{"total": 1.0, "customer": {"id": "OLD"}}`)
	env.addSnapshot(t, "CASE-1", "Order", `{"total": 2.0, "customer": {"id": "NEW"}}`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	var customer string
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT customer_id FROM case_plain_order WHERE case_id = ?", "CASE-1").Scan(&customer))
	require.Equal(t, "NEW", customer)
}

func TestReindexNoSnapshotIsNoop(t *testing.T) {
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})
	require.NoError(t, env.engine.Reindex(context.Background(), "GHOST"))
}

func TestReindexProcessSuffixFallback(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	env.addSnapshot(t, "CASE-1", "OrderProcess", `{"total": 7.5, "customer": {"id": "CUST01"}}`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	// Metadata for the base noun applies and the row lands in its table.
	var total float64
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT order_total FROM case_plain_order WHERE case_id = ?", "CASE-1").Scan(&total))
	require.Equal(t, 7.5, total)
}

func TestReindexLegacyFallbackWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	env.addSnapshot(t, "CASE-1", "Order", `{"total": 3.25, "customer": {"id": "CUST09"}, "meta": {"priority": "LOW"}}`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	var total float64
	var customer, priority string
	err := env.conn.DB.QueryRowContext(ctx,
		"SELECT order_total, customer_id, priority FROM case_plain_order WHERE case_id = ?", "CASE-1").
		Scan(&total, &customer, &priority)
	require.NoError(t, err)
	require.Equal(t, 3.25, total)
	require.Equal(t, "CUST09", customer)
	require.Equal(t, "LOW", priority)
}

func TestReindexMalformedPayloadStillWritesRow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	env.addSnapshot(t, "CASE-1", "Order", `{not json`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	var count int
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM case_plain_order WHERE case_id = ?", "CASE-1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestReindexMasksSensitiveValues(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"customer.json": `{
		"class": "Customer",
		"entityType": "Customer",
		"mappings": [
			{"column": "ssn", "jsonPath": "$.ssn", "exportToPlain": true, "sensitive": true},
			{"column": "email", "jsonPath": "$.email", "exportToPlain": true, "sensitive": true, "piiMask": "<redacted>"}
		]
	}`})

	env.addSnapshot(t, "CASE-1", "Customer", `{"ssn": "123456789", "email": "a@b.example"}`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	var ssn, email string
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT ssn, email FROM case_plain_customer WHERE case_id = ?", "CASE-1").Scan(&ssn, &email))
	require.Equal(t, "*****6789", ssn)
	require.Equal(t, "<redacted>", email)
}

func TestReindexCreatesDeclaredColumnIndexes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": `{
		"class": "Order",
		"entityType": "Order",
		"mappings": [{"column": "customer_id", "jsonPath": "$.customer.id", "exportToPlain": true, "index": true}]
	}`})

	env.addSnapshot(t, "CASE-1", "Order", `{"customer": {"id": "CUST01"}}`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	var count int
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_case_plain_order_customer_id'").Scan(&count))
	require.Equal(t, 1, count)
}

func TestReindexAll(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	for i := 1; i <= 3; i++ {
		env.addSnapshot(t, fmt.Sprintf("CASE-%d", i), "Order",
			fmt.Sprintf(`{"total": %d.5, "customer": {"id": "C%d"}}`, i, i))
	}
	require.NoError(t, env.engine.ReindexAll(ctx, "Order"))

	var count int
	require.NoError(t, env.conn.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM case_plain_order").Scan(&count))
	require.Equal(t, 3, count)
}

func TestReindexOverrideWinsOverCanonical(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	_, err := env.overrides.Save(ctx, domain.MetadataOverride{
		ClassName:  "Order",
		EntityType: "Order",
		Enabled:    true,
		Definition: `{"class": "Order", "mappings": [{"column": "grand_total", "jsonPath": "$.total", "type": "decimal", "exportToPlain": true}]}`,
	})
	require.NoError(t, err)

	env.addSnapshot(t, "CASE-1", "Order", `{"total": 55.25}`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	var grand float64
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT grand_total FROM case_plain_order WHERE case_id = ?", "CASE-1").Scan(&grand))
	require.Equal(t, 55.25, grand)
}

// failingSnapshots wraps a real snapshot repository and fails lookups for
// one poisoned case id.
type failingSnapshots struct {
	repository.SnapshotRepository
	poison string
}

func (f *failingSnapshots) LatestByCaseID(ctx context.Context, caseID string) (*domain.Snapshot, error) {
	if caseID == f.poison {
		return nil, errors.New("snapshot store unavailable")
	}
	return f.SnapshotRepository.LatestByCaseID(ctx, caseID)
}

func TestPollerLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	engine := NewEngine(env.conn,
		&failingSnapshots{SnapshotRepository: env.snapshots, poison: "CASE-BAD"},
		env.resolver, NewAnnotator(env.loader), zerolog.Nop())
	poller := NewPoller(env.requests, engine, 0, 10, zerolog.Nop())

	env.addSnapshot(t, "CASE-OK", "Order", `{"total": 9.75, "customer": {"id": "CUST01"}}`)
	good, err := env.requests.Enqueue(ctx, domain.IndexRequest{CaseID: "CASE-OK", EntityType: "Order", RequestedBy: "test"})
	require.NoError(t, err)
	bad, err := env.requests.Enqueue(ctx, domain.IndexRequest{CaseID: "CASE-BAD", EntityType: "Order", RequestedBy: "test"})
	require.NoError(t, err)

	poller.Tick(ctx)

	var status string
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT status FROM index_requests WHERE id = ?", good.ID).Scan(&status))
	require.Equal(t, domain.RequestDone, status)

	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT status FROM index_requests WHERE id = ?", bad.ID).Scan(&status))
	require.Equal(t, domain.RequestFailed, status)

	// The failed item did not block the successful one.
	var count int
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM case_plain_order WHERE case_id = ?", "CASE-OK").Scan(&count))
	require.Equal(t, 1, count)

	// Terminal states are final: another tick finds nothing pending.
	pending, err := env.requests.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMaskValueKeepsRuneBoundaries(t *testing.T) {
	require.Equal(t, "*****6789", maskValue("123456789", ""))
	require.Equal(t, "****", maskValue("abc", ""))
	require.Equal(t, "<redacted>", maskValue("123456789", "<redacted>"))

	// Masking counts runes, so multibyte names survive intact.
	masked, ok := maskValue("Nguyễn Văn Bình", "").(string)
	require.True(t, ok)
	require.True(t, utf8.ValidString(masked))
	require.Equal(t, "***********Bình", masked)
}

func TestReindexProcessSuffixAnnotatesBaseClass(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": `{
		"class": "Order",
		"entityType": "Order",
		"mappings": [{"column": "record_class", "jsonPath": "$['@class']", "exportToPlain": true}]
	}`})

	// The metadata lives under Order, so the fallback has to annotate the
	// payload with the base class before extraction.
	env.addSnapshot(t, "CASE-1", "OrderProcess", `{"total": 5}`)
	require.NoError(t, env.engine.Reindex(ctx, "CASE-1"))

	var class string
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT record_class FROM case_plain_order WHERE case_id = ?", "CASE-1").Scan(&class))
	require.Equal(t, "Order", class)
}

// doneFailingRequests wraps a real request repository and refuses the
// in-transaction DONE transition.
type doneFailingRequests struct {
	repository.RequestRepository
}

func (d *doneFailingRequests) MarkDoneIn(ctx context.Context, tx *sql.Tx, id int64) error {
	return errors.New("status write refused")
}

func TestPollerCommitsRowAndStatusTogether(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	poller := NewPoller(&doneFailingRequests{RequestRepository: env.requests},
		env.engine, 0, 10, zerolog.Nop())

	env.addSnapshot(t, "CASE-1", "Order", `{"total": 3.5, "customer": {"id": "C1"}}`)
	req, err := env.requests.Enqueue(ctx, domain.IndexRequest{CaseID: "CASE-1", EntityType: "Order", RequestedBy: "test"})
	require.NoError(t, err)

	poller.Tick(ctx)

	// The DONE transition failed, so the projection write rolled back with
	// it: not even the table survives.
	var count int
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'case_plain_order'").Scan(&count))
	require.Equal(t, 0, count)

	var status string
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT status FROM index_requests WHERE id = ?", req.ID).Scan(&status))
	require.Equal(t, domain.RequestFailed, status)
}

func TestPreviewDDL(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"order.json": orderMetadata})

	ddl, err := env.engine.PreviewDDL(ctx, "Order")
	require.NoError(t, err)
	require.Contains(t, ddl, "ALTER TABLE case_plain_order ADD COLUMN order_total DECIMAL(19,4)")
	require.Contains(t, ddl, "ALTER TABLE case_plain_order ADD COLUMN customer_id CLOB")
	require.Contains(t, ddl[0], "CREATE TABLE IF NOT EXISTS case_plain_order")

	// Nothing was executed.
	var count int
	require.NoError(t, env.conn.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'case_plain_order'").Scan(&count))
	require.Equal(t, 0, count)

	// The process-suffix fallback applies here too.
	fromProcess, err := env.engine.PreviewDDL(ctx, "OrderProcess")
	require.NoError(t, err)
	require.Equal(t, ddl, fromProcess)

	_, err = env.engine.PreviewDDL(ctx, "Unknown")
	require.Error(t, err)
}

package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cqlrep/pkg/applier"
	"cqlrep/pkg/cdc"
	"cqlrep/pkg/codec"
	"cqlrep/pkg/config"
	"cqlrep/pkg/cqlconn"
	"cqlrep/pkg/discovery"
	"cqlrep/pkg/ledger"
	"cqlrep/pkg/objstore"
	"cqlrep/pkg/snapshot"
	"cqlrep/pkg/stats"
	"cqlrep/pkg/target"
)

func testArgs(process config.ProcessType) *config.Args {
	return &config.Args{
		Tile: 0, TotalTiles: 1,
		Process:        process,
		SourceKeyspace: "src_ks", SourceTable: "src_tbl",
		TargetKeyspace: "tgt_ks", TargetTable: "tgt_tbl",
		WritetimeColumn: config.None, TTLColumn: config.None,
	}
}

func build(t *testing.T, args *config.Args) (*Orchestrator, *cqlconn.Recorder, *cqlconn.Recorder, *objstore.MemStore) {
	src := cqlconn.NewRecorder()
	tgt := cqlconn.NewRecorder()
	src.Tables["src_ks.src_tbl"] = true
	tgt.Tables["tgt_ks.tgt_tbl"] = true
	store := objstore.NewMemStore()

	schema := &codec.Schema{Columns: []codec.ColumnMeta{
		{Name: "id", Type: codec.Type{Kind: codec.KindText}},
	}}
	led := ledger.New(tgt, "rep", "src_ks", "src_tbl")
	emit := stats.NewEmitter(store, "src_ks", "src_tbl")
	disc := discovery.New(src, store, led, emit, args, schema)
	cdcE := cdc.New(src, store, led, args, cdc.NewPointerQueue(16))
	dlq := target.NewDLQ(store, "src_ks", "src_tbl", 0)
	writer := target.NewWriter(tgt, dlq)
	app, err := applier.New(src, tgt, writer, store, led, nil, emit, args, applier.Options{
		PKSchema: schema, FullSchema: schema, Workers: 2,
	})
	assert.Nil(t, err)
	t.Cleanup(app.Close)

	return New(args, src, tgt, store, led, disc, cdcE, app, dlq), src, tgt, store
}

func TestPreflightFailure(t *testing.T) {
	args := testArgs(config.ProcessDiscovery)
	o, src, _, _ := build(t, args)
	delete(src.Tables, "src_ks.src_tbl")
	err := o.Preflight(context.Background(), "rep")
	assert.ErrorIs(t, err, ErrPreflight)
}

func TestPreflightCreatesLedgerAndCleansUp(t *testing.T) {
	args := testArgs(config.ProcessDiscovery)
	args.CleanupRequested = true
	o, _, tgt, _ := build(t, args)

	assert.Nil(t, o.Preflight(context.Background(), "rep"))

	var ddl, wiped int
	for _, s := range tgt.Stmts() {
		if strings.HasPrefix(s, "CREATE TABLE IF NOT EXISTS rep.") {
			ddl++
		}
		if strings.HasPrefix(s, "DELETE FROM rep.") {
			wiped++
		}
	}
	assert.Equal(t, 2, ddl)
	assert.Equal(t, 2, wiped)
}

func TestCleanupOnlyInDiscovery(t *testing.T) {
	args := testArgs(config.ProcessReplication)
	args.CleanupRequested = true
	o, _, tgt, _ := build(t, args)
	assert.Nil(t, o.Preflight(context.Background(), "rep"))
	for _, s := range tgt.Stmts() {
		assert.False(t, strings.HasPrefix(s, "DELETE FROM rep."))
	}
}

func TestStopFlagExitsAndDeletes(t *testing.T) {
	ctx := context.Background()
	args := testArgs(config.ProcessDiscovery)
	o, _, _, store := build(t, args)

	flag := "src_ks/src_tbl/discovery/stopRequested"
	assert.Nil(t, store.Put(ctx, flag, nil))

	assert.Nil(t, o.Run(ctx))
	ok, _ := store.Exists(ctx, flag)
	assert.False(t, ok)
}

func TestTileLevelStopFlag(t *testing.T) {
	ctx := context.Background()
	args := testArgs(config.ProcessReplication)
	o, _, _, store := build(t, args)

	flag := "src_ks/src_tbl/replication/0/stopRequested"
	assert.Nil(t, store.Put(ctx, flag, nil))
	assert.Nil(t, o.Run(ctx))
	ok, _ := store.Exists(ctx, flag)
	assert.False(t, ok)
}

func TestStopResponsiveness(t *testing.T) {
	ctx := context.Background()
	args := testArgs(config.ProcessDiscovery)
	o, _, _, store := build(t, args)

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// let a few cycles run, then raise the flag
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, store.Put(ctx, "src_ks/src_tbl/discovery/stopRequested", nil))

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator ignored the stop flag")
	}
}

func TestReplicationCycleAppliesPendingEpochs(t *testing.T) {
	ctx := context.Background()
	args := testArgs(config.ProcessReplication)
	args.ReplayLog = true
	o, _, tgt, store := build(t, args)

	// one replayable dlq object
	assert.Nil(t, store.Put(ctx, "src_ks/src_tbl/dlq/0/insert/log-a.msg",
		[]byte("INSERT INTO tgt_ks.tgt_tbl JSON '{}'")))

	// one staged cdc epoch with its pointer
	prefix := snapshot.EventPrefix("src_ks", "src_tbl", 0, 42)
	assert.Nil(t, snapshot.WriteEvents(ctx, store, prefix, "2024-03-01", 7, []snapshot.EventRecord{
		{Op: "DELETE", Vals: []string{"gone"}, Ts: 1, Dt: "2024-03-01", Seq: 7},
	}))
	assert.Nil(t, store.Put(ctx, snapshot.PointerKey("src_ks", "src_tbl", 0, 42), nil))

	assert.Nil(t, o.cycle(ctx))

	var replayed, deleted bool
	for _, s := range tgt.Stmts() {
		if strings.HasSuffix(s, "IF NOT EXISTS") {
			replayed = true
		}
		if strings.HasPrefix(s, "DELETE FROM tgt_ks.tgt_tbl WHERE id='gone'") {
			deleted = true
		}
	}
	assert.True(t, replayed)
	assert.True(t, deleted)

	ok, _ := store.Exists(ctx, snapshot.PointerKey("src_ks", "src_tbl", 0, 42))
	assert.False(t, ok)
	ok, _ = store.Exists(ctx, "src_ks/src_tbl/dlq/0/insert/log-a.msg")
	assert.False(t, ok)
}

func TestDiscoveryCycleInvokesCDCWhenFrozen(t *testing.T) {
	ctx := context.Background()
	args := testArgs(config.ProcessDiscovery)
	o, src, tgt, store := build(t, args)

	tgt.OnQuery("rep.cdc_ledger", []cqlconn.Row{{"tile": 0, "backfill_completed": true}})
	src.OnQuery("cqlrep_cdc", []cqlconn.Row{
		{"op": "INSERT", "pk": `["k"]`, "ts": int64(1000), "dt": "1970-01-01", "seq": 0},
	})

	assert.Nil(t, o.cycle(ctx))

	// no discovery snapshot staged, cdc epoch staged instead
	keys, _ := store.List(ctx, "src_ks/src_tbl/primaryKeys/")
	assert.Empty(t, keys)
	keys, _ = store.List(ctx, "src_ks/src_tbl/cdc/primaryKeys/")
	assert.NotEmpty(t, keys)
}

package applier

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"cqlrep/pkg/codec"
	"cqlrep/pkg/config"
	"cqlrep/pkg/cqlconn"
	"cqlrep/pkg/ledger"
	"cqlrep/pkg/objstore"
	"cqlrep/pkg/snapshot"
	"cqlrep/pkg/stats"
	"cqlrep/pkg/target"
)

func pkSchema() *codec.Schema {
	return &codec.Schema{Columns: []codec.ColumnMeta{
		{Name: "id", Type: codec.Type{Kind: codec.KindText}},
		{Name: "seq", Type: codec.Type{Kind: codec.KindInt}},
	}}
}

func fullSchema() *codec.Schema {
	s := pkSchema()
	s.Columns = append(s.Columns, codec.ColumnMeta{Name: "v", Type: codec.Type{Kind: codec.KindText}})
	return s
}

type fixture struct {
	src   *cqlconn.Recorder
	tgt   *cqlconn.Recorder
	store *objstore.MemStore
	app   *Applier
	args  *config.Args
}

func newFixture(t *testing.T, opts Options) *fixture {
	src := cqlconn.NewRecorder()
	tgt := cqlconn.NewRecorder()
	store := objstore.NewMemStore()
	args := &config.Args{
		Tile: 0, TotalTiles: 1,
		Process:        config.ProcessReplication,
		SourceKeyspace: "src_ks", SourceTable: "src_tbl",
		TargetKeyspace: "tgt_ks", TargetTable: "tgt_tbl",
		WritetimeColumn: "v", TTLColumn: config.None,
	}
	led := ledger.New(tgt, "rep", "src_ks", "src_tbl")
	writer := target.NewWriter(tgt, target.NewDLQ(store, "src_ks", "src_tbl", 0))
	if opts.PKSchema == nil {
		opts.PKSchema = pkSchema()
	}
	if opts.FullSchema == nil {
		opts.FullSchema = fullSchema()
	}
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	app, err := New(src, tgt, writer, store, led, nil,
		stats.NewEmitter(store, "src_ks", "src_tbl"), args, opts)
	assert.Nil(t, err)
	t.Cleanup(app.Close)
	return &fixture{src: src, tgt: tgt, store: store, app: app, args: args}
}

// canSlot serves ledger reads for the given slot states; nil means the
// slot row does not exist.
func canSlot(f *fixture, head, tail *cqlconn.Row) {
	f.tgt.OnQueryFunc("rep.ledger", func(args []interface{}) []cqlconn.Row {
		var row *cqlconn.Row
		if args[len(args)-1] == "head" {
			row = head
		} else {
			row = tail
		}
		if row == nil {
			return nil
		}
		return []cqlconn.Row{*row}
	})
}

func stageHead(t *testing.T, f *fixture, recs []snapshot.PKRecord) string {
	loc, err := snapshot.WritePK(context.Background(), f.store,
		snapshot.PKPrefix("src_ks", "src_tbl", 0, "head"), recs)
	assert.Nil(t, err)
	return loc
}

func TestBackfillApply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	loc := stageHead(t, f, []snapshot.PKRecord{
		{Vals: []string{"a", "1"}},
		{Vals: []string{"b", "2"}},
	})
	canSlot(f, &cqlconn.Row{
		"ver": "head", "offload_status": ledger.StatusSuccess,
		"load_status": ledger.StatusNone, "location": loc,
	}, nil)
	f.src.OnQuery("SELECT JSON", []cqlconn.Row{
		{"[json]": `{"id":"a","seq":1,"v":"x"}`},
	})

	assert.Nil(t, f.app.Run(ctx))

	inserts := 0
	loaded := false
	for _, s := range f.tgt.Stmts() {
		if strings.HasPrefix(s, "INSERT INTO tgt_ks.tgt_tbl JSON '") {
			inserts++
		}
		if strings.HasPrefix(s, "UPDATE rep.ledger") {
			loaded = true
		}
	}
	assert.Equal(t, 2, inserts)
	assert.True(t, loaded)

	// replication stats emitted
	ok, _ := f.store.Exists(ctx, "src_ks/src_tbl/stats/replication/0/count.json")
	assert.True(t, ok)
}

func TestBackfillMissingRowSkips(t *testing.T) {
	f := newFixture(t, Options{})
	loc := stageHead(t, f, []snapshot.PKRecord{{Vals: []string{"gone", "1"}}})
	canSlot(f, &cqlconn.Row{
		"ver": "head", "offload_status": ledger.StatusSuccess,
		"load_status": ledger.StatusNone, "location": loc,
	}, nil)
	// no canned SELECT JSON rows: the source row vanished

	assert.Nil(t, f.app.Run(context.Background()))
	for _, s := range f.tgt.Stmts() {
		assert.False(t, strings.HasPrefix(s, "INSERT INTO tgt_ks.tgt_tbl"))
	}
}

func TestBackfillMarksCDCWhenAvailable(t *testing.T) {
	f := newFixture(t, Options{CDCAvailable: true})
	loc := stageHead(t, f, nil)
	canSlot(f, &cqlconn.Row{
		"ver": "head", "offload_status": ledger.StatusSuccess,
		"load_status": ledger.StatusNone, "location": loc,
	}, nil)

	assert.Nil(t, f.app.Run(context.Background()))
	found := false
	for _, s := range f.tgt.Stmts() {
		if strings.HasPrefix(s, "UPDATE rep.cdc_ledger") && strings.Contains(s, "backfill_completed") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDeltaApplyOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	headLoc, err := snapshot.WritePK(ctx, f.store,
		snapshot.PKPrefix("src_ks", "src_tbl", 0, "head"), []snapshot.PKRecord{
			{Vals: []string{"k1", "1"}, Ts: 10},
			{Vals: []string{"k2", "2"}, Ts: 10},
		})
	assert.Nil(t, err)
	tailLoc, err := snapshot.WritePK(ctx, f.store,
		snapshot.PKPrefix("src_ks", "src_tbl", 0, "tail"), []snapshot.PKRecord{
			{Vals: []string{"k1", "1"}, Ts: 20},
			{Vals: []string{"k3", "3"}, Ts: 5},
		})
	assert.Nil(t, err)

	canSlot(f,
		&cqlconn.Row{"ver": "head", "offload_status": ledger.StatusSuccess,
			"load_status": ledger.StatusSuccess, "location": headLoc},
		&cqlconn.Row{"ver": "tail", "offload_status": ledger.StatusSuccess,
			"load_status": ledger.StatusNone, "location": tailLoc})
	f.src.OnQuery("SELECT JSON", []cqlconn.Row{{"[json]": `{"id":"k","seq":1}`}})

	assert.Nil(t, f.app.Run(ctx))

	var writes []string
	for _, s := range f.tgt.Stmts() {
		if strings.HasPrefix(s, "INSERT INTO tgt_ks.tgt_tbl") || strings.HasPrefix(s, "DELETE FROM tgt_ks.tgt_tbl") {
			writes = append(writes, s)
		}
	}
	// insert k3 + update k1, then delete k2 last
	assert.Equal(t, 3, len(writes))
	assert.True(t, strings.HasPrefix(writes[0], "INSERT"))
	assert.True(t, strings.HasPrefix(writes[1], "INSERT"))
	assert.True(t, strings.HasPrefix(writes[2], "DELETE"))
	assert.Contains(t, writes[2], "id='k2'")
}

func TestTTLWriteBypassesDLQ(t *testing.T) {
	f := newFixture(t, Options{})
	f.args.TTLColumn = "v"
	loc := stageHead(t, f, []snapshot.PKRecord{{Vals: []string{"a", "1"}}})
	canSlot(f, &cqlconn.Row{
		"ver": "head", "offload_status": ledger.StatusSuccess,
		"load_status": ledger.StatusNone, "location": loc,
	}, nil)
	f.src.OnQuery("SELECT JSON", []cqlconn.Row{
		{"[json]": `{"id":"a","seq":1,"v":"x","ttl_col":120}`},
	})
	// the ttl write fails terminally, the row is dropped without a dlq object
	f.tgt.OnError("USING TTL", assert.AnError, -1)

	assert.Nil(t, f.app.Run(context.Background()))
	found := false
	for _, s := range f.tgt.Stmts() {
		if strings.Contains(s, "USING TTL 120") {
			found = true
			assert.NotContains(t, s, "ttl_col")
		}
	}
	assert.True(t, found)
	keys, _ := f.store.List(context.Background(), "src_ks/src_tbl/dlq/")
	assert.Empty(t, keys)
}

func TestTokenRangeFilter(t *testing.T) {
	f := newFixture(t, Options{
		TokenRanges: []config.TokenRange{{Lo: 0, Hi: 1000}},
	})
	loc := stageHead(t, f, []snapshot.PKRecord{{Vals: []string{"a", "1"}}})
	canSlot(f, &cqlconn.Row{
		"ver": "head", "offload_status": ledger.StatusSuccess,
		"load_status": ledger.StatusNone, "location": loc,
	}, nil)
	f.src.OnQuery("SELECT JSON", []cqlconn.Row{{"[json]": `{"id":"a","seq":1}`}})
	f.src.OnQuery("SELECT token(", []cqlconn.Row{{"tkn": int64(-5)}})

	assert.Nil(t, f.app.Run(context.Background()))
	for _, s := range f.tgt.Stmts() {
		assert.False(t, strings.HasPrefix(s, "INSERT INTO tgt_ks.tgt_tbl"))
	}
}

func TestApplyCDCEpoch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	prefix := snapshot.EventPrefix("src_ks", "src_tbl", 0, 1700000000)
	events := []snapshot.EventRecord{
		{Op: "UPDATE", Vals: []string{"k", "1"}, Ts: 200, Dt: "2024-03-01", Seq: 10},
		{Op: "INSERT", Vals: []string{"k", "1"}, Ts: 100, Dt: "2024-03-01", Seq: 10},
		{Op: "DELETE", Vals: []string{"z", "9"}, Ts: 300, Dt: "2024-03-01", Seq: 10},
	}
	assert.Nil(t, snapshot.WriteEvents(ctx, f.store, prefix, "2024-03-01", 10, events))
	ptr := snapshot.PointerKey("src_ks", "src_tbl", 0, 1700000000)
	assert.Nil(t, f.store.Put(ctx, ptr, nil))
	f.src.OnQuery("SELECT JSON", []cqlconn.Row{{"[json]": `{"id":"k","seq":1}`}})

	assert.Nil(t, f.app.ApplyCDCEpoch(ctx, 1700000000))

	var writes []string
	for _, s := range f.tgt.Stmts() {
		if strings.HasPrefix(s, "INSERT INTO tgt_ks") || strings.HasPrefix(s, "DELETE FROM tgt_ks") {
			writes = append(writes, s)
		}
	}
	// ts-ascending: insert(100), update(200), delete(300)
	assert.Equal(t, 3, len(writes))
	assert.True(t, strings.HasPrefix(writes[0], "INSERT"))
	assert.True(t, strings.HasPrefix(writes[1], "INSERT"))
	assert.True(t, strings.HasPrefix(writes[2], "DELETE"))

	ok, _ := f.store.Exists(ctx, ptr)
	assert.False(t, ok)

	marked := false
	for i, s := range f.tgt.Stmts() {
		if strings.Contains(s, "last_processed_snapshot") {
			assert.Equal(t, int64(1700000000), f.tgt.Calls[i].Args[0])
			marked = true
		}
	}
	assert.True(t, marked)
}

func TestCustomSerializerFetch(t *testing.T) {
	f := newFixture(t, Options{})
	f.args.Mapping.Replication.UseCustomSerializer = true
	loc := stageHead(t, f, []snapshot.PKRecord{{Vals: []string{"a", "1"}}})
	canSlot(f, &cqlconn.Row{
		"ver": "head", "offload_status": ledger.StatusSuccess,
		"load_status": ledger.StatusNone, "location": loc,
	}, nil)
	f.src.OnQuery("SELECT id,seq,v FROM", []cqlconn.Row{
		{"id": "a", "seq": 1, "v": "x"},
	})

	assert.Nil(t, f.app.Run(context.Background()))
	found := false
	for _, s := range f.tgt.Stmts() {
		if strings.HasPrefix(s, "INSERT INTO tgt_ks.tgt_tbl JSON '") {
			found = true
			assert.Contains(t, s, `"id":"a"`)
			assert.Contains(t, s, `"seq":1`)
		}
	}
	assert.True(t, found)
}

package applier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"cqlrep/pkg/codec"
	"cqlrep/pkg/config"
	"cqlrep/pkg/cqlconn"
	"cqlrep/pkg/ledger"
	"cqlrep/pkg/objstore"
	"cqlrep/pkg/snapshot"
	"cqlrep/pkg/stats"
	"cqlrep/pkg/target"
	"cqlrep/pkg/transform"
)

const defaultWorkers = 8

// Applier consumes staged snapshots and CDC epochs for one tile, fetches
// full rows from the source and applies them to the target through the
// retrying writer.
type Applier struct {
	src    cqlconn.Session
	tgt    cqlconn.Session
	writer target.Writer
	store  objstore.Store
	led    *ledger.Ledger
	trans  *transform.Transformer
	emit   *stats.Emitter
	args   *config.Args

	pkSchema   *codec.Schema
	fullSchema *codec.Schema
	blobCols   []string
	ranges     []config.TokenRange

	pool *ants.Pool

	// cdcAvailable marks that the source carries the CDC support table;
	// completing a backfill then freezes discovery for this tile.
	cdcAvailable bool
}

// Options carries the schema-derived wiring the orchestrator resolves at
// startup.
type Options struct {
	PKSchema     *codec.Schema
	FullSchema   *codec.Schema
	BlobCols     []string
	TokenRanges  []config.TokenRange
	CDCAvailable bool
	Workers      int
}

func New(src, tgt cqlconn.Session, writer target.Writer, store objstore.Store,
	led *ledger.Ledger, trans *transform.Transformer, emit *stats.Emitter,
	args *config.Args, opts Options) (*Applier, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &Applier{
		src: src, tgt: tgt, writer: writer, store: store,
		led: led, trans: trans, emit: emit, args: args,
		pkSchema: opts.PKSchema, fullSchema: opts.FullSchema,
		blobCols: opts.BlobCols, ranges: opts.TokenRanges,
		pool: pool, cdcAvailable: opts.CDCAvailable,
	}, nil
}

func (a *Applier) Close() {
	a.pool.Release()
}

// Run performs one replication cycle over the pending slots: a head-only
// slot drives backfill, a staged tail drives the delta path.
func (a *Applier) Run(ctx context.Context) error {
	tile := a.args.Tile
	head, err := a.led.ReadSlot(ctx, tile, ledger.VerHead)
	if err != nil {
		return err
	}
	tail, err := a.led.ReadSlot(ctx, tile, ledger.VerTail)
	if err != nil {
		return err
	}

	switch {
	case head.Offloaded() && !head.Loaded() && !tail.Offloaded():
		return a.applyBackfill(ctx, head)
	case head.Offloaded() && tail.Offloaded() && !tail.Loaded():
		return a.applyDelta(ctx, head, tail)
	}
	return nil
}

// applyBackfill treats the head snapshot as an insert-only batch, rows
// shuffled across the worker pool so hot partitions spread over target
// endpoints.
func (a *Applier) applyBackfill(ctx context.Context, head *ledger.Slot) error {
	tile := a.args.Tile
	recs, err := snapshot.ReadPK(ctx, a.store, head.Location)
	if err != nil {
		return err
	}
	if err := a.fanout(ctx, recs, target.OpInsert); err != nil {
		return err
	}
	a.emit.Emit(ctx, string(config.ProcessReplication), tile, int64(len(recs)))
	if err := a.led.MarkLoaded(ctx, tile, ledger.VerHead); err != nil {
		return err
	}
	logrus.Infof("tile %d backfill applied %d rows", tile, len(recs))
	if a.cdcAvailable {
		return a.led.SetBackfillCompleted(ctx, tile, time.Now().UnixMilli())
	}
	return nil
}

// fanout shuffles records across the pool and applies each as op. Per-row
// failures are logged and dropped; an unknown CQL type aborts the cycle.
func (a *Applier) fanout(ctx context.Context, recs []snapshot.PKRecord, op target.Op) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fatal error
	)
	for _, rec := range recs {
		rec := rec
		wg.Add(1)
		submit := func() {
			defer wg.Done()
			if err := a.applyRow(ctx, rec, op); err != nil {
				if errors.Is(err, codec.ErrCassandraType) {
					mu.Lock()
					if fatal == nil {
						fatal = err
					}
					mu.Unlock()
					return
				}
				logrus.Warnf("row dropped: %v", err)
			}
		}
		if err := a.pool.Submit(submit); err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()
	return fatal
}

// applyRow fetches one source row by pk and applies it to the target as
// an INSERT JSON (inserts and updates share the path).
func (a *Applier) applyRow(ctx context.Context, rec snapshot.PKRecord, op target.Op) error {
	pk := codec.PrimaryKey{Cols: a.pkSchema.Names(), Vals: rec.Vals}
	wc, err := codec.WhereClause(pk, a.pkSchema)
	if err != nil {
		return err
	}
	payload, ttl, err := a.fetchRow(ctx, wc)
	if err != nil {
		return err
	}
	if payload == nil {
		// concurrently deleted at the source
		return nil
	}
	if len(a.ranges) > 0 {
		keep, err := a.inTokenRanges(ctx, wc)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}
	if a.trans != nil && a.trans.Enabled() {
		if err := a.trans.Apply(ctx, payload, wc); err != nil {
			return err
		}
	}
	codec.NormalizeBlobJSON(payload, a.blobCols)
	doc, err := payload.Encode()
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("INSERT INTO %s.%s JSON '%s'",
		a.args.TargetKeyspace, a.args.TargetTable, escapeQuotes(doc))
	if ttl > 0 {
		// the TTL path writes straight through, no dlq diversion
		stmt += fmt.Sprintf(" USING TTL %d", ttl)
		if err := a.tgt.Exec(ctx, stmt); err != nil {
			logrus.Warnf("ttl write failed, row dropped: %v", err)
		}
		return nil
	}
	return a.writer.Write(ctx, op, stmt)
}

// fetchRow returns the row payload and its remaining TTL. A nil payload
// means the row vanished at the source.
func (a *Applier) fetchRow(ctx context.Context, wc string) (transform.Payload, int64, error) {
	if a.args.Mapping.Replication.UseCustomSerializer {
		return a.fetchRowCustom(ctx, wc)
	}
	cols := a.selectList()
	sel := "SELECT JSON " + cols
	if a.args.HasTTL() {
		sel += fmt.Sprintf(",ttl(%s) AS ttl_col", a.args.TTLColumn)
	}
	sel += fmt.Sprintf(" FROM %s.%s WHERE %s",
		a.args.SourceKeyspace, a.args.SourceTable, wc)
	rows, err := a.src.Query(ctx, sel)
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}
	raw, _ := rows[0]["[json]"].(string)
	payload, err := transform.ParsePayload(raw)
	if err != nil {
		return nil, 0, err
	}
	var ttl int64
	if v, ok := payload["ttl_col"]; ok {
		if f, ok := v.(float64); ok {
			ttl = int64(f)
		}
		delete(payload, "ttl_col")
	}
	return payload, ttl, nil
}

// fetchRowCustom renders the payload field by field from the typed row
// instead of trusting the server's JSON form.
func (a *Applier) fetchRowCustom(ctx context.Context, wc string) (transform.Payload, int64, error) {
	names := make([]string, len(a.fullSchema.Columns))
	for i, c := range a.fullSchema.Columns {
		names[i] = c.Name
	}
	sel := "SELECT " + strings.Join(names, ",")
	if a.args.HasTTL() {
		sel += fmt.Sprintf(",ttl(%s) AS ttl_col", a.args.TTLColumn)
	}
	sel += fmt.Sprintf(" FROM %s.%s WHERE %s",
		a.args.SourceKeyspace, a.args.SourceTable, wc)
	rows, err := a.src.Query(ctx, sel)
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}
	row := rows[0]
	doc, err := codec.BuildJSON(row, a.fullSchema.Columns)
	if err != nil {
		return nil, 0, err
	}
	payload, err := transform.ParsePayload(doc)
	if err != nil {
		return nil, 0, err
	}
	var ttl int64
	switch v := row["ttl_col"].(type) {
	case int:
		ttl = int64(v)
	case int64:
		ttl = v
	}
	return payload, ttl, nil
}

func (a *Applier) selectList() string {
	rep := a.args.Mapping.Replication
	if !rep.AllColumns && len(rep.Columns) > 0 {
		return strings.Join(rep.Columns, ",")
	}
	return "*"
}

// inTokenRanges fetches the row's partitioner token and keeps it iff it
// falls inside one configured half-open (lo, hi] range.
func (a *Applier) inTokenRanges(ctx context.Context, wc string) (bool, error) {
	pkCols := strings.Join(a.pkSchema.Names(), ",")
	sel := fmt.Sprintf("SELECT token(%s) AS tkn FROM %s.%s WHERE %s",
		pkCols, a.args.SourceKeyspace, a.args.SourceTable, wc)
	rows, err := a.src.Query(ctx, sel)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	var token int64
	switch v := rows[0]["tkn"].(type) {
	case int64:
		token = v
	case int:
		token = int64(v)
	}
	for _, r := range a.ranges {
		if r.Contains(token) {
			return true, nil
		}
	}
	return false, nil
}

func escapeQuotes(doc string) string {
	return strings.ReplaceAll(doc, "'", "''")
}

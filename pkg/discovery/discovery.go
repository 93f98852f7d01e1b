package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"cqlrep/pkg/codec"
	"cqlrep/pkg/config"
	"cqlrep/pkg/cqlconn"
	"cqlrep/pkg/ledger"
	"cqlrep/pkg/objstore"
	"cqlrep/pkg/snapshot"
	"cqlrep/pkg/stats"
)

// Engine produces per-tile primary-key snapshots from the source and
// drives the head/tail slot protocol. One engine serves one tile.
type Engine struct {
	src    cqlconn.Session
	store  objstore.Store
	led    *ledger.Ledger
	emit   *stats.Emitter
	args   *config.Args
	schema *codec.Schema
}

func New(src cqlconn.Session, store objstore.Store, led *ledger.Ledger,
	emit *stats.Emitter, args *config.Args, schema *codec.Schema) *Engine {
	return &Engine{src: src, store: store, led: led, emit: emit, args: args, schema: schema}
}

// RunCycle performs one discovery round. It reports cdcActive=true when
// the tile's backfill has completed and discovery must stop staging
// snapshots; the caller then drives the CDC engine instead.
func (e *Engine) RunCycle(ctx context.Context) (cdcActive bool, err error) {
	tile := e.args.Tile

	cdcState, err := e.led.GetCDC(ctx, tile)
	if err != nil {
		return false, err
	}
	if cdcState != nil && cdcState.BackfillCompleted {
		return true, nil
	}

	head, err := e.led.ReadSlot(ctx, tile, ledger.VerHead)
	if err != nil {
		return false, err
	}
	tail, err := e.led.ReadSlot(ctx, tile, ledger.VerTail)
	if err != nil {
		return false, err
	}

	switch {
	case !head.Offloaded():
		return false, e.firstRound(ctx, tile)
	case !tail.Offloaded():
		return false, e.secondRound(ctx, tile)
	case head.Loaded() && tail.Loaded():
		return false, e.swapRound(ctx, tile)
	default:
		// applier still owns the staged slots
		logrus.Debugf("tile %d slots pending load, discovery idles", tile)
		return false, nil
	}
}

func (e *Engine) firstRound(ctx context.Context, tile int) error {
	recs, err := e.scan(ctx, tile)
	if err != nil {
		return err
	}
	if t := e.args.Mapping.Keyspaces.Transformation; t.Enabled {
		f, err := parseFilter(t.FilterExpression, e.schema)
		if err != nil {
			return err
		}
		kept := recs[:0]
		for _, rec := range recs {
			if f.keep(rec, e.schema) {
				kept = append(kept, rec)
			}
		}
		recs = kept
	}
	prefix := snapshot.PKPrefix(e.args.SourceKeyspace, e.args.SourceTable, tile, string(ledger.VerHead))
	loc, err := snapshot.WritePK(ctx, e.store, prefix, recs)
	if err != nil {
		return err
	}
	e.emit.Emit(ctx, string(config.ProcessDiscovery), tile, int64(len(recs)))
	logrus.Infof("tile %d first round: %d keys staged as head", tile, len(recs))
	return e.led.MarkOffloaded(ctx, tile, ledger.VerHead, loc)
}

func (e *Engine) secondRound(ctx context.Context, tile int) error {
	recs, err := e.scan(ctx, tile)
	if err != nil {
		return err
	}
	prefix := snapshot.PKPrefix(e.args.SourceKeyspace, e.args.SourceTable, tile, string(ledger.VerTail))
	loc, err := snapshot.WritePK(ctx, e.store, prefix, recs)
	if err != nil {
		return err
	}
	logrus.Infof("tile %d second round: %d keys staged as tail", tile, len(recs))
	return e.led.MarkOffloaded(ctx, tile, ledger.VerTail, loc)
}

func (e *Engine) swapRound(ctx context.Context, tile int) error {
	headPrefix := snapshot.PKPrefix(e.args.SourceKeyspace, e.args.SourceTable, tile, string(ledger.VerHead))
	tailPrefix := snapshot.PKPrefix(e.args.SourceKeyspace, e.args.SourceTable, tile, string(ledger.VerTail))

	if err := snapshot.CopyPK(ctx, e.store, tailPrefix, headPrefix); err != nil {
		return err
	}
	recs, err := e.scan(ctx, tile)
	if err != nil {
		return err
	}
	if _, err := snapshot.WritePK(ctx, e.store, tailPrefix, recs); err != nil {
		return err
	}
	logrus.Infof("tile %d swap: tail promoted, %d keys staged as new tail", tile, len(recs))
	return e.led.SwapSlots(ctx, tile, headPrefix, tailPrefix)
}

// scan projects the pk columns (and writetime when configured) from the
// source, assigns tile groups and keeps this tile's rows.
func (e *Engine) scan(ctx context.Context, tile int) ([]snapshot.PKRecord, error) {
	stmt := e.projection()
	rows, err := e.src.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	recs := make([]snapshot.PKRecord, 0, len(rows))
	for _, row := range rows {
		vals := make([]string, len(e.schema.Columns))
		for i, col := range e.schema.Columns {
			canon, err := codec.Canonical(row[col.Name], col.Type)
			if err != nil {
				return nil, err
			}
			vals[i] = canon
		}
		var ts int64
		if e.args.HasWritetime() {
			ts = writetimeMillis(row["ts"])
			if pit := e.args.ReplicationPointInTime; pit > 0 && (ts == 0 || ts <= pit) {
				continue
			}
		}
		group := snapshot.TileFor(vals, e.args.TotalTiles)
		if group != tile {
			continue
		}
		recs = append(recs, snapshot.PKRecord{Vals: vals, Ts: ts, Group: int32(group)})
	}
	return recs, nil
}

func (e *Engine) projection() string {
	from := e.args.SourceKeyspace + "." + e.args.SourceTable
	if mv := e.args.Mapping.Replication.UseMaterializedView; mv.Enabled {
		from = e.args.SourceKeyspace + "." + mv.MVName
	}
	cols := strings.Join(e.schema.Names(), ",")
	if e.args.HasWritetime() {
		cols += fmt.Sprintf(",writetime(%s) AS ts", e.args.WritetimeColumn)
	}
	return "SELECT " + cols + " FROM " + from
}

// writetime() yields microseconds; staged ts is epoch millis.
func writetimeMillis(v interface{}) int64 {
	switch tv := v.(type) {
	case int64:
		return tv / 1000
	case int:
		return int64(tv) / 1000
	}
	return 0
}

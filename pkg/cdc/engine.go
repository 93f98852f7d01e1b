package cdc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"cqlrep/pkg/config"
	"cqlrep/pkg/cqlconn"
	"cqlrep/pkg/ledger"
	"cqlrep/pkg/objstore"
	"cqlrep/pkg/snapshot"
)

// SupportTable is the source-side change feed table, one per keyspace,
// keyed by (key, tile, dt, seq, op, pk, ts) with key = "<ks>.<tbl>".
const SupportTable = "cqlrep_cdc"

// scanCap bounds one partition scan per poll.
const scanCap = 20000

// Op names carried in the support table and staged events.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Engine polls the support table for one tile, stages fresh events as a
// partitioned dataset and drops a pointer marker per staged epoch.
type Engine struct {
	src   cqlconn.Session
	store objstore.Store
	led   *ledger.Ledger
	args  *config.Args
	queue *PointerQueue

	// now is stubbed in tests
	now func() time.Time
}

func New(src cqlconn.Session, store objstore.Store, led *ledger.Ledger,
	args *config.Args, queue *PointerQueue) *Engine {
	return &Engine{src: src, store: store, led: led, args: args, queue: queue, now: time.Now}
}

// Poll runs one CDC cycle for the tile. Returns the staged epoch, or zero
// when no fresh events were found.
func (e *Engine) Poll(ctx context.Context) (int64, error) {
	tile := e.args.Tile
	st, err := e.led.GetCDC(ctx, tile)
	if err != nil {
		return 0, err
	}
	var maxTs int64
	if st != nil {
		maxTs = st.MaxTs
	}

	events, err := e.fetch(ctx, tile, maxTs)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	epoch := e.now().Unix()
	prefix := snapshot.EventPrefix(e.args.SourceKeyspace, e.args.SourceTable, tile, epoch)

	// each (dt, seq) part replaces any object at its key; other objects
	// already under the epoch folder are left in place
	byPart := make(map[string][]snapshot.EventRecord)
	high := maxTs
	for _, ev := range events {
		part := ev.Dt + "\x00" + fmt.Sprint(ev.Seq)
		byPart[part] = append(byPart[part], ev)
		if ev.Ts > high {
			high = ev.Ts
		}
	}
	for _, part := range byPart {
		if err := snapshot.WriteEvents(ctx, e.store, prefix, part[0].Dt, part[0].Seq, part); err != nil {
			return 0, err
		}
	}

	if err := e.led.AdvanceMaxTS(ctx, tile, high); err != nil {
		return 0, err
	}
	ptr := snapshot.PointerKey(e.args.SourceKeyspace, e.args.SourceTable, tile, epoch)
	if err := e.store.Put(ctx, ptr, nil); err != nil {
		return 0, err
	}
	e.queue.Push(epoch)
	logrus.Infof("tile %d staged %d cdc events at epoch %d, max_ts %d", tile, len(events), epoch, high)
	return epoch, nil
}

// fetch scans the support table partition and applies the cursor regimes
// plus (op, pk, dt, seq) dedup.
func (e *Engine) fetch(ctx context.Context, tile int, maxTs int64) ([]snapshot.EventRecord, error) {
	stmt := fmt.Sprintf(
		"SELECT dt,seq,op,pk,ts FROM %s.%s WHERE key=? AND tile=? PER PARTITION LIMIT %d",
		e.args.SourceKeyspace, SupportTable, scanCap)
	key := e.args.SourceKeyspace + "." + e.args.SourceTable
	rows, err := e.src.Query(ctx, stmt, key, tile)
	if err != nil {
		return nil, err
	}

	var cur Cursor
	filtered := maxTs > 0
	if filtered {
		cur = NewCursor(maxTs, SeqOf(e.now().UnixMilli()))
	}

	seen := roaring64.New()
	var events []snapshot.EventRecord
	for _, row := range rows {
		ev, err := eventFromRow(row)
		if err != nil {
			return nil, err
		}
		if filtered && !cur.Accept(ev.Dt, ev.Seq, ev.Ts) {
			continue
		}
		h := dedupHash(ev)
		if seen.Contains(h) {
			continue
		}
		seen.Add(h)
		events = append(events, ev)
	}
	return events, nil
}

func eventFromRow(row cqlconn.Row) (snapshot.EventRecord, error) {
	var ev snapshot.EventRecord
	if v, ok := row["op"].(string); ok {
		ev.Op = v
	}
	if v, ok := row["dt"].(string); ok {
		ev.Dt = v
	}
	switch v := row["seq"].(type) {
	case int:
		ev.Seq = int32(v)
	case int32:
		ev.Seq = v
	case int64:
		ev.Seq = int32(v)
	}
	switch v := row["ts"].(type) {
	case int64:
		ev.Ts = v
	case int:
		ev.Ts = int64(v)
	}
	raw, _ := row["pk"].(string)
	if err := json.Unmarshal([]byte(raw), &ev.Vals); err != nil {
		return ev, fmt.Errorf("cqlrep: bad cdc pk %q: %v", raw, err)
	}
	return ev, nil
}

func dedupHash(ev snapshot.EventRecord) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(ev.Op)
	var n [4]byte
	for _, v := range ev.Vals {
		binary.BigEndian.PutUint32(n[:], uint32(len(v)))
		_, _ = h.Write(n[:])
		_, _ = h.WriteString(v)
	}
	_, _ = h.WriteString("\x00" + ev.Dt)
	binary.BigEndian.PutUint32(n[:], uint32(ev.Seq))
	_, _ = h.Write(n[:])
	return h.Sum64()
}

// Pending lists the staged epochs still holding a pointer marker,
// preferring the in-process queue and falling back to the object store.
func (e *Engine) Pending(ctx context.Context) ([]int64, error) {
	var epochs []int64
	for {
		epoch, ok := e.queue.Pop()
		if !ok {
			break
		}
		epochs = append(epochs, epoch)
	}
	if len(epochs) > 0 {
		return epochs, nil
	}
	return ListPointers(ctx, e.store, e.args.SourceKeyspace, e.args.SourceTable, e.args.Tile)
}

// ListPointers scans the pointer markers of a tile.
func ListPointers(ctx context.Context, store objstore.Store, ks, tbl string, tile int) ([]int64, error) {
	keys, err := store.List(ctx, snapshot.PointerPrefix(ks, tbl, tile))
	if err != nil {
		return nil, err
	}
	epochs := make([]int64, 0, len(keys))
	for _, key := range keys {
		var epoch int64
		if _, err := fmt.Sscanf(key[len(snapshot.PointerPrefix(ks, tbl, tile)):], "%d", &epoch); err == nil {
			epochs = append(epochs, epoch)
		}
	}
	return epochs, nil
}

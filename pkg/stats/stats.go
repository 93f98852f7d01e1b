package stats

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"cqlrep/pkg/objstore"
)

// Count is the per-tile cycle counter written to the staging area.
type Count struct {
	Tile  int   `json:"tile"`
	Count int64 `json:"count"`
	Ts    int64 `json:"ts"`
}

// Emitter writes count.json documents under
// <ks>/<tbl>/stats/<process>/<tile>/. A failed write is logged and
// swallowed; statistics never fail a cycle.
type Emitter struct {
	store objstore.Store
	ks    string
	tbl   string
}

func NewEmitter(store objstore.Store, ks, tbl string) *Emitter {
	return &Emitter{store: store, ks: ks, tbl: tbl}
}

func (e *Emitter) Emit(ctx context.Context, process string, tile int, count int64) {
	doc := Count{Tile: tile, Count: count, Ts: time.Now().UnixMilli()}
	body, err := json.Marshal(doc)
	if err != nil {
		logrus.Warnf("stats marshal failed: %v", err)
		return
	}
	key := objstore.Join(e.ks, e.tbl, "stats", process, strconv.Itoa(tile), "count.json")
	if err := e.store.Put(ctx, key, body); err != nil {
		logrus.Warnf("stats write to %s failed: %v", key, err)
	}
}

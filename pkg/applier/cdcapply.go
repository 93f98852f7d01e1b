package applier

import (
	"context"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"cqlrep/pkg/cdc"
	"cqlrep/pkg/snapshot"
	"cqlrep/pkg/target"
)

type eventItem struct {
	ev  snapshot.EventRecord
	ord int
}

func (e eventItem) Less(than btree.Item) bool {
	other := than.(eventItem)
	if e.ev.Ts != other.ev.Ts {
		return e.ev.Ts < other.ev.Ts
	}
	return e.ord < other.ord
}

// ApplyCDCEpoch replays one staged CDC snapshot: events sorted ascending
// by ts, inserts and updates re-fetched from the source, deletes issued
// directly. The pointer marker goes away only after a clean apply.
func (a *Applier) ApplyCDCEpoch(ctx context.Context, epoch int64) error {
	tile := a.args.Tile
	prefix := snapshot.EventPrefix(a.args.SourceKeyspace, a.args.SourceTable, tile, epoch)
	events, err := snapshot.ReadEvents(ctx, a.store, prefix)
	if err != nil {
		return err
	}

	tree := btree.New(8)
	for i, ev := range events {
		tree.ReplaceOrInsert(eventItem{ev: ev, ord: i})
	}

	applied := 0
	var fatal error
	tree.Ascend(func(item btree.Item) bool {
		ev := item.(eventItem).ev
		rec := snapshot.PKRecord{Vals: ev.Vals, Ts: ev.Ts}
		var err error
		switch ev.Op {
		case cdc.OpInsert:
			err = a.applyRow(ctx, rec, target.OpInsert)
		case cdc.OpUpdate:
			err = a.applyRow(ctx, rec, target.OpUpdate)
		case cdc.OpDelete:
			err = a.deleteRow(ctx, rec)
		default:
			logrus.Warnf("tile %d epoch %d: unknown cdc op %q skipped", tile, epoch, ev.Op)
		}
		if err != nil {
			fatal = err
			return false
		}
		applied++
		return true
	})
	if fatal != nil {
		return fatal
	}

	ptr := snapshot.PointerKey(a.args.SourceKeyspace, a.args.SourceTable, tile, epoch)
	if err := a.store.Delete(ctx, ptr); err != nil {
		return err
	}
	if err := a.led.MarkSnapshotProcessed(ctx, tile, epoch); err != nil {
		return err
	}
	logrus.Infof("tile %d cdc epoch %d applied %d events", tile, epoch, applied)
	return nil
}

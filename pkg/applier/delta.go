package applier

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"cqlrep/pkg/codec"
	"cqlrep/pkg/config"
	"cqlrep/pkg/ledger"
	"cqlrep/pkg/snapshot"
	"cqlrep/pkg/target"
)

// applyDelta diffs the staged slots and applies the operation set:
// inserts, then updates, deletes last so a delete-then-reinsert of one pk
// inside a cycle cannot leave the target empty.
func (a *Applier) applyDelta(ctx context.Context, head, tail *ledger.Slot) error {
	tile := a.args.Tile
	headRecs, err := snapshot.ReadPK(ctx, a.store, head.Location)
	if err != nil {
		return err
	}
	tailRecs, err := snapshot.ReadPK(ctx, a.store, tail.Location)
	if err != nil {
		return err
	}

	delta := snapshot.Diff(headRecs, tailRecs, a.args.HasWritetime())
	if err := a.fanout(ctx, delta.Inserts, target.OpInsert); err != nil {
		return err
	}
	if err := a.fanout(ctx, delta.Updates, target.OpUpdate); err != nil {
		return err
	}
	for _, rec := range delta.Deletes {
		if err := a.deleteRow(ctx, rec); err != nil {
			return err
		}
	}

	inserted, updated, deleted := len(delta.Inserts), len(delta.Updates), len(delta.Deletes)
	if inserted == 0 || updated == 0 || deleted == 0 {
		a.emit.Emit(ctx, string(config.ProcessReplication), tile,
			int64(inserted+updated+deleted))
	}
	if err := a.led.MarkLoaded(ctx, tile, ledger.VerHead); err != nil {
		return err
	}
	if err := a.led.MarkLoaded(ctx, tile, ledger.VerTail); err != nil {
		return err
	}
	logrus.Infof("tile %d delta applied: %d inserts, %d updates, %d deletes",
		tile, inserted, updated, deleted)
	return nil
}

func (a *Applier) deleteRow(ctx context.Context, rec snapshot.PKRecord) error {
	pk := codec.PrimaryKey{Cols: a.pkSchema.Names(), Vals: rec.Vals}
	wc, err := codec.WhereClause(pk, a.pkSchema)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s.%s WHERE %s",
		a.args.TargetKeyspace, a.args.TargetTable, wc)
	return a.writer.Write(ctx, target.OpDelete, stmt)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"cqlrep/pkg/applier"
	"cqlrep/pkg/cdc"
	"cqlrep/pkg/config"
	"cqlrep/pkg/cqlconn"
	"cqlrep/pkg/discovery"
	"cqlrep/pkg/ledger"
	"cqlrep/pkg/objstore"
	"cqlrep/pkg/target"
)

var ErrPreflight = errors.New("cqlrep: preflight failed")

// safeModeWait is the inter-cycle sleep in safe mode; outside safe mode
// cycles run back to back.
const safeModeWait = 20 * time.Second

// Orchestrator drives the per-tile loop for one process type until a stop
// flag shows up in the staging area.
type Orchestrator struct {
	args  *config.Args
	src   cqlconn.Session
	tgt   cqlconn.Session
	store objstore.Store
	led   *ledger.Ledger
	disc  *discovery.Engine
	cdcE  *cdc.Engine
	app   *applier.Applier
	dlq   *target.DLQ

	wait time.Duration
}

func New(args *config.Args, src, tgt cqlconn.Session, store objstore.Store,
	led *ledger.Ledger, disc *discovery.Engine, cdcE *cdc.Engine,
	app *applier.Applier, dlq *target.DLQ) *Orchestrator {
	wait := time.Duration(0)
	if args.SafeMode {
		wait = safeModeWait
	}
	return &Orchestrator{
		args: args, src: src, tgt: tgt, store: store,
		led: led, disc: disc, cdcE: cdcE, app: app, dlq: dlq,
		wait: wait,
	}
}

// Preflight verifies both sessions can see their table, installs the
// ledger schema and honors a cleanup request.
func (o *Orchestrator) Preflight(ctx context.Context, ledgerKs string) error {
	if err := cqlconn.Preflight(ctx, o.src, o.args.SourceKeyspace, o.args.SourceTable); err != nil {
		return fmt.Errorf("%w: source %s.%s: %v", ErrPreflight,
			o.args.SourceKeyspace, o.args.SourceTable, err)
	}
	if err := cqlconn.Preflight(ctx, o.tgt, o.args.TargetKeyspace, o.args.TargetTable); err != nil {
		return fmt.Errorf("%w: target %s.%s: %v", ErrPreflight,
			o.args.TargetKeyspace, o.args.TargetTable, err)
	}
	if err := o.led.EnsureSchema(ctx, ledgerKs); err != nil {
		return fmt.Errorf("%w: ledger schema: %v", ErrPreflight, err)
	}
	if o.args.CleanupRequested && o.args.Process == config.ProcessDiscovery {
		if err := o.led.InitializeIfRequested(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run loops the tile until the stop flag is observed. Per-cycle errors are
// logged; the next cycle retries from ledger state.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		stop, err := o.stopRequested(ctx)
		if err != nil {
			return err
		}
		if stop {
			logrus.Infof("tile %d %s: stop requested, exiting", o.args.Tile, o.args.Process)
			return nil
		}

		if err := o.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logrus.Errorf("tile %d cycle failed, retrying next loop: %v", o.args.Tile, err)
		}

		if o.wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.wait):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context) error {
	switch o.args.Process {
	case config.ProcessDiscovery:
		cdcActive, err := o.disc.RunCycle(ctx)
		if err != nil {
			return err
		}
		if cdcActive {
			_, err = o.cdcE.Poll(ctx)
			return err
		}
		return nil
	case config.ProcessReplication:
		if o.args.ReplayLog {
			if err := o.dlq.Replay(ctx, o.tgt,
				target.OpInsert, target.OpUpdate, target.OpDelete); err != nil {
				return err
			}
		}
		if err := o.app.Run(ctx); err != nil {
			return err
		}
		epochs, err := o.cdcE.Pending(ctx)
		if err != nil {
			return err
		}
		for _, epoch := range epochs {
			if err := o.app.ApplyCDCEpoch(ctx, epoch); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("cqlrep: unknown process %q", o.args.Process)
}

// stopRequested checks the table-level and tile-level flags; an observed
// flag is deleted so the next start does not trip over it.
func (o *Orchestrator) stopRequested(ctx context.Context) (bool, error) {
	keys := []string{
		objstore.Join(o.args.SourceKeyspace, o.args.SourceTable,
			string(o.args.Process), "stopRequested"),
		objstore.Join(o.args.SourceKeyspace, o.args.SourceTable,
			string(o.args.Process), strconv.Itoa(o.args.Tile), "stopRequested"),
	}
	for _, key := range keys {
		ok, err := o.store.Exists(ctx, key)
		if err != nil {
			return false, err
		}
		if ok {
			if err := o.store.Delete(ctx, key); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

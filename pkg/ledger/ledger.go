package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scylladb/gocqlx/v2/qb"
	"github.com/scylladb/gocqlx/v2/table"
	"github.com/sirupsen/logrus"

	"cqlrep/pkg/cqlconn"
)

var (
	ErrSlotOrder = errors.New("cqlrep: slot not offloaded yet")
)

// Ver is a durable snapshot slot position.
type Ver string

const (
	VerHead Ver = "head"
	VerTail Ver = "tail"
)

const (
	StatusNone    = ""
	StatusSuccess = "SUCCESS"
)

// Slot is one (tile, ver) ledger row.
type Slot struct {
	Tile          int
	Ver           Ver
	LoadStatus    string
	OffloadStatus string
	Location      string
}

func (s *Slot) Offloaded() bool { return s != nil && s.OffloadStatus == StatusSuccess }
func (s *Slot) Loaded() bool    { return s != nil && s.LoadStatus == StatusSuccess }

// CDCState is one cdc_ledger row.
type CDCState struct {
	Tile                  int
	BackfillCompleted     bool
	BackfillTs            int64
	MaxTs                 int64
	LastProcessedSnapshot int64
}

// Ledger owns the per-tile durable state. One orchestrator process writes
// a given (tile, ver) at a time; no cross-tile coordination happens here.
type Ledger struct {
	sess cqlconn.Session
	tbl  *table.Table
	cdc  *table.Table
	ks   string
	name string
}

// New binds the ledger tables in ledgerKs for the replicated table
// (ks, name).
func New(sess cqlconn.Session, ledgerKs, ks, name string) *Ledger {
	return &Ledger{
		sess: sess,
		tbl:  ledgerTable(ledgerKs),
		cdc:  cdcLedgerTable(ledgerKs),
		ks:   ks,
		name: name,
	}
}

func (l *Ledger) cdcKey() string { return l.ks + "." + l.name }

// EnsureSchema creates the ledger tables if missing.
func (l *Ledger) EnsureSchema(ctx context.Context, ledgerKs string) error {
	for _, stmt := range DDL(ledgerKs) {
		if err := l.sess.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InitializeIfRequested wipes all state for the replicated table. Invoked
// only by the discovery process when cleanup is requested.
func (l *Ledger) InitializeIfRequested(ctx context.Context) error {
	stmt, _ := qb.Delete(l.tbl.Name()).Where(qb.Eq("ks"), qb.Eq("tbl")).ToCql()
	if err := l.sess.Exec(ctx, stmt, l.ks, l.name); err != nil {
		return err
	}
	stmt, _ = qb.Delete(l.cdc.Name()).Where(qb.Eq("key")).ToCql()
	if err := l.sess.Exec(ctx, stmt, l.cdcKey()); err != nil {
		return err
	}
	logrus.Infof("ledger wiped for %s", l.cdcKey())
	return nil
}

// ReadSlot returns the (tile, ver) slot, or nil when the row does not
// exist.
func (l *Ledger) ReadSlot(ctx context.Context, tile int, ver Ver) (*Slot, error) {
	stmt, _ := l.tbl.Get()
	rows, err := l.sess.Query(ctx, stmt, l.ks, l.name, tile, string(ver))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return slotFromRow(rows[0]), nil
}

func slotFromRow(row cqlconn.Row) *Slot {
	s := &Slot{}
	if v, ok := row["tile"].(int); ok {
		s.Tile = v
	}
	if v, ok := row["ver"].(string); ok {
		s.Ver = Ver(v)
	}
	if v, ok := row["load_status"].(string); ok {
		s.LoadStatus = v
	}
	if v, ok := row["offload_status"].(string); ok {
		s.OffloadStatus = v
	}
	if v, ok := row["location"].(string); ok {
		s.Location = v
	}
	return s
}

// MarkOffloaded upserts a slot to offload SUCCESS. Idempotent.
func (l *Ledger) MarkOffloaded(ctx context.Context, tile int, ver Ver, location string) error {
	stmt, _ := l.tbl.Insert()
	return l.sess.Exec(ctx, stmt,
		l.ks, l.name, tile, string(ver),
		StatusNone, time.Time{}, StatusSuccess, time.Now().UTC(), location)
}

// MarkLoaded advances a slot to load SUCCESS. A slot is never advanced to
// loaded before it is offloaded.
func (l *Ledger) MarkLoaded(ctx context.Context, tile int, ver Ver) error {
	slot, err := l.ReadSlot(ctx, tile, ver)
	if err != nil {
		return err
	}
	if !slot.Offloaded() {
		return fmt.Errorf("%w: tile %d ver %s", ErrSlotOrder, tile, ver)
	}
	stmt, _ := qb.Update(l.tbl.Name()).
		Set("load_status", "dt_load").
		Where(qb.Eq("ks"), qb.Eq("tbl"), qb.Eq("tile"), qb.Eq("ver")).
		ToCql()
	return l.sess.Exec(ctx, stmt,
		StatusSuccess, time.Now().UTC(), l.ks, l.name, tile, string(ver))
}

// SwapSlots atomically promotes head<-tail and re-arms the tail with a
// fresh snapshot location. Both slots come out offloaded and unloaded.
func (l *Ledger) SwapSlots(ctx context.Context, tile int, headLocation, tailLocation string) error {
	insert, _ := l.tbl.Insert()
	now := time.Now().UTC()
	batch := "BEGIN BATCH " +
		insert + "; " +
		insert + "; " +
		"APPLY BATCH"
	return l.sess.Exec(ctx, batch,
		l.ks, l.name, tile, string(VerHead),
		StatusNone, time.Time{}, StatusSuccess, now, headLocation,
		l.ks, l.name, tile, string(VerTail),
		StatusNone, time.Time{}, StatusSuccess, now, tailLocation)
}

// GetCDC returns the CDC cursor state for a tile, or nil when absent.
func (l *Ledger) GetCDC(ctx context.Context, tile int) (*CDCState, error) {
	stmt, _ := l.cdc.Get()
	rows, err := l.sess.Query(ctx, stmt, l.cdcKey(), tile)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	st := &CDCState{Tile: tile}
	if v, ok := row["backfill_completed"].(bool); ok {
		st.BackfillCompleted = v
	}
	if v, ok := row["backfill_ts"].(int64); ok {
		st.BackfillTs = v
	}
	if v, ok := row["max_ts"].(int64); ok {
		st.MaxTs = v
	}
	if v, ok := row["last_processed_snapshot"].(int64); ok {
		st.LastProcessedSnapshot = v
	}
	return st, nil
}

// SetBackfillCompleted freezes discovery for the tile and hands the feed
// to CDC.
func (l *Ledger) SetBackfillCompleted(ctx context.Context, tile int, ts int64) error {
	stmt, _ := qb.Update(l.cdc.Name()).
		Set("backfill_completed", "backfill_ts").
		Where(qb.Eq("key"), qb.Eq("tile")).
		ToCql()
	return l.sess.Exec(ctx, stmt, true, ts, l.cdcKey(), tile)
}

// AdvanceMaxTS moves the staged high-water mark forward. Regressions are
// dropped to keep the cursor monotonic.
func (l *Ledger) AdvanceMaxTS(ctx context.Context, tile int, ts int64) error {
	cur, err := l.GetCDC(ctx, tile)
	if err != nil {
		return err
	}
	if cur != nil && cur.MaxTs >= ts {
		logrus.Warnf("cdc cursor regression ignored: tile %d has %d, got %d", tile, cur.MaxTs, ts)
		return nil
	}
	stmt, _ := qb.Update(l.cdc.Name()).
		Set("max_ts").
		Where(qb.Eq("key"), qb.Eq("tile")).
		ToCql()
	return l.sess.Exec(ctx, stmt, ts, l.cdcKey(), tile)
}

// MarkSnapshotProcessed records the epoch of the last applied CDC
// snapshot.
func (l *Ledger) MarkSnapshotProcessed(ctx context.Context, tile int, epoch int64) error {
	stmt, _ := qb.Update(l.cdc.Name()).
		Set("last_processed_snapshot").
		Where(qb.Eq("key"), qb.Eq("tile")).
		ToCql()
	return l.sess.Exec(ctx, stmt, epoch, l.cdcKey(), tile)
}

// AllBackfillsCompleted reports whether every tile finished its backfill.
func (l *Ledger) AllBackfillsCompleted(ctx context.Context, totalTiles int) (bool, error) {
	stmt, _ := qb.Select(l.cdc.Name()).
		Columns("tile", "backfill_completed").
		Where(qb.Eq("key")).
		ToCql()
	rows, err := l.sess.Query(ctx, stmt, l.cdcKey())
	if err != nil {
		return false, err
	}
	done := 0
	for _, row := range rows {
		if v, ok := row["backfill_completed"].(bool); ok && v {
			done++
		}
	}
	return done >= totalTiles, nil
}

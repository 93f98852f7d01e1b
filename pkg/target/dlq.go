package target

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cqlrep/pkg/cqlconn"
	"cqlrep/pkg/objstore"
)

const dlqStampLayout = "2006-01-02T15:04:05.000000000"

// DLQ persists statements that survived the retry budget so a later replay
// can reprocess them idempotently.
type DLQ struct {
	store objstore.Store
	ks    string
	tbl   string
	tile  int
}

func NewDLQ(store objstore.Store, ks, tbl string, tile int) *DLQ {
	return &DLQ{store: store, ks: ks, tbl: tbl, tile: tile}
}

func (d *DLQ) prefix(op Op) string {
	return objstore.Join(d.ks, d.tbl, "dlq", strconv.Itoa(d.tile), string(op))
}

// Divert writes the raw CQL text under the (tile, op) folder.
func (d *DLQ) Divert(ctx context.Context, op Op, stmt string) error {
	key := objstore.Join(d.prefix(op), "log-"+time.Now().Format(dlqStampLayout)+".msg")
	if err := d.store.Put(ctx, key, []byte(stmt)); err != nil {
		logrus.Errorf("dlq divert failed for %s: %v", key, err)
		return err
	}
	logrus.Infof("diverted %s statement to %s", op, key)
	return nil
}

// Replay executes every stored statement with IF NOT EXISTS appended and
// deletes objects that applied cleanly. Objects whose replay fails stay
// put for the next loop.
func (d *DLQ) Replay(ctx context.Context, sess cqlconn.Session, ops ...Op) error {
	for _, op := range ops {
		keys, err := d.store.List(ctx, d.prefix(op)+"/")
		if err != nil {
			return err
		}
		for _, key := range keys {
			body, err := d.store.Get(ctx, key)
			if err != nil {
				return err
			}
			stmt := strings.TrimSpace(string(body)) + " IF NOT EXISTS"
			if err := sess.Exec(ctx, stmt); err != nil {
				logrus.Warnf("dlq replay of %s failed, keeping: %v", key, err)
				continue
			}
			if err := d.store.Delete(ctx, key); err != nil {
				return err
			}
			logrus.Infof("replayed and removed %s", key)
		}
	}
	return nil
}


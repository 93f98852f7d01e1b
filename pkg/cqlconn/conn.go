package cqlconn

import (
	"context"
	"errors"

	"github.com/gocql/gocql"
)

var ErrTableMissing = errors.New("cqlrep: keyspace or table missing")

// Row is a single result row keyed by column name.
type Row map[string]interface{}

// Session is the minimal surface the replicator needs from a CQL
// connection. Connection pool configuration and session factories belong
// to the caller.
type Session interface {
	Exec(ctx context.Context, stmt string, args ...interface{}) error
	Query(ctx context.Context, stmt string, args ...interface{}) ([]Row, error)
	TableExists(ctx context.Context, ks, tbl string) (bool, error)
	Close()
}

type nativeSession struct {
	sess *gocql.Session
}

// Wrap adapts an owned gocql session.
func Wrap(sess *gocql.Session) Session {
	return &nativeSession{sess: sess}
}

func (n *nativeSession) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	return n.sess.Query(stmt, args...).WithContext(ctx).Exec()
}

func (n *nativeSession) Query(ctx context.Context, stmt string, args ...interface{}) ([]Row, error) {
	iter := n.sess.Query(stmt, args...).WithContext(ctx).Iter()
	var rows []Row
	for {
		row := make(Row)
		if !iter.MapScan(row) {
			break
		}
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (n *nativeSession) TableExists(ctx context.Context, ks, tbl string) (bool, error) {
	meta, err := n.sess.KeyspaceMetadata(ks)
	if err != nil {
		return false, err
	}
	_, ok := meta.Tables[tbl]
	return ok, nil
}

func (n *nativeSession) Close() {
	n.sess.Close()
}

// Preflight verifies the replicated table is reachable on a session.
func Preflight(ctx context.Context, sess Session, ks, tbl string) error {
	ok, err := sess.TableExists(ctx, ks, tbl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTableMissing
	}
	return nil
}

package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/parquet-go/parquet-go"

	"cqlrep/pkg/objstore"
)

// tileSeed salts the pk hash so tile assignment is stable across runs.
const tileSeed = 42

// PKRecord is one staged primary key. Vals carries the canonical string
// forms in schema column order; Ts is the projected writetime in epoch
// millis, zero when the writetime column is not configured.
type PKRecord struct {
	Vals  []string `parquet:"vals,list"`
	Ts    int64    `parquet:"ts"`
	Group int32    `parquet:"grp"`
}

// EventRecord is one staged CDC change event.
type EventRecord struct {
	Op   string   `parquet:"op,dict"`
	Vals []string `parquet:"vals,list"`
	Ts   int64    `parquet:"ts"`
	Dt   string   `parquet:"dt,dict"`
	Seq  int32    `parquet:"seq"`
}

const partName = "part-00000.parquet"

// PKPrefix is the staging prefix for a (tile, ver) snapshot.
func PKPrefix(ks, tbl string, tile int, ver string) string {
	return objstore.Join(ks, tbl, "primaryKeys", fmt.Sprintf("tile_%d.%s", tile, ver))
}

// EventPrefix is the staging prefix of a CDC snapshot epoch.
func EventPrefix(ks, tbl string, tile int, epoch int64) string {
	return objstore.Join(ks, tbl, "cdc", "primaryKeys", strconv.Itoa(tile), strconv.FormatInt(epoch, 10))
}

// PointerKey is the zero-byte marker for a staged CDC epoch.
func PointerKey(ks, tbl string, tile int, epoch int64) string {
	return objstore.Join(ks, tbl, "cdc", "pointers", strconv.Itoa(tile), strconv.FormatInt(epoch, 10))
}

// PointerPrefix lists all pending markers of a tile.
func PointerPrefix(ks, tbl string, tile int) string {
	return objstore.Join(ks, tbl, "cdc", "pointers", strconv.Itoa(tile)) + "/"
}

// WritePK overwrites the snapshot at prefix with recs and returns the
// prefix as the ledger location.
func WritePK(ctx context.Context, store objstore.Store, prefix string, recs []PKRecord) (string, error) {
	if err := clear(ctx, store, prefix); err != nil {
		return "", err
	}
	buf := new(bytes.Buffer)
	if err := parquet.Write[PKRecord](buf, recs); err != nil {
		return "", err
	}
	if err := store.Put(ctx, objstore.Join(prefix, partName), buf.Bytes()); err != nil {
		return "", err
	}
	return prefix, nil
}

// ReadPK loads every part under prefix.
func ReadPK(ctx context.Context, store objstore.Store, prefix string) ([]PKRecord, error) {
	keys, err := store.List(ctx, prefix+"/")
	if err != nil {
		return nil, err
	}
	var recs []PKRecord
	for _, key := range keys {
		if !strings.HasSuffix(key, ".parquet") {
			continue
		}
		body, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		part, err := parquet.Read[PKRecord](bytes.NewReader(body), int64(len(body)))
		if err != nil {
			return nil, err
		}
		recs = append(recs, part...)
	}
	return recs, nil
}

// CopyPK replaces the snapshot at dst with the one at src.
func CopyPK(ctx context.Context, store objstore.Store, src, dst string) error {
	recs, err := ReadPK(ctx, store, src)
	if err != nil {
		return err
	}
	_, err = WritePK(ctx, store, dst, recs)
	return err
}

// WriteEvents stages one (dt, seq) partition of a CDC epoch.
func WriteEvents(ctx context.Context, store objstore.Store, prefix, dt string, seq int32, recs []EventRecord) error {
	buf := new(bytes.Buffer)
	if err := parquet.Write[EventRecord](buf, recs); err != nil {
		return err
	}
	key := objstore.Join(prefix, "dt="+dt, "seq="+strconv.Itoa(int(seq)), partName)
	return store.Put(ctx, key, buf.Bytes())
}

// ReadEvents loads every partition of a CDC epoch.
func ReadEvents(ctx context.Context, store objstore.Store, prefix string) ([]EventRecord, error) {
	keys, err := store.List(ctx, prefix+"/")
	if err != nil {
		return nil, err
	}
	var recs []EventRecord
	for _, key := range keys {
		if !strings.HasSuffix(key, ".parquet") {
			continue
		}
		body, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		part, err := parquet.Read[EventRecord](bytes.NewReader(body), int64(len(body)))
		if err != nil {
			return nil, err
		}
		recs = append(recs, part...)
	}
	return recs, nil
}

func clear(ctx context.Context, store objstore.Store, prefix string) error {
	keys, err := store.List(ctx, prefix+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// HashPK hashes the pk value tuple with the tile seed. Values are
// length-delimited so adjacent fragments cannot alias.
func HashPK(vals []string) uint64 {
	h := xxhash.New()
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], tileSeed)
	_, _ = h.Write(seed[:])
	var n [4]byte
	for _, v := range vals {
		binary.BigEndian.PutUint32(n[:], uint32(len(v)))
		_, _ = h.Write(n[:])
		_, _ = h.WriteString(v)
	}
	return h.Sum64()
}

// TileFor assigns a pk to its tile: abs(hash) mod totalTiles.
func TileFor(vals []string, totalTiles int) int {
	v := int64(HashPK(vals))
	if v < 0 {
		v = -v
	}
	if v < 0 { // MinInt64 negates to itself
		v = 0
	}
	return int(v % int64(totalTiles))
}

package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"cqlrep/pkg/objstore"
)

func TestPKRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore()

	recs := []PKRecord{
		{Vals: []string{"a", "1"}, Ts: 10, Group: 0},
		{Vals: []string{"b", "2"}, Ts: 20, Group: 1},
	}
	prefix := PKPrefix("ks", "tbl", 0, "head")
	loc, err := WritePK(ctx, store, prefix, recs)
	assert.Nil(t, err)
	assert.Equal(t, "ks/tbl/primaryKeys/tile_0.head", loc)

	back, err := ReadPK(ctx, store, prefix)
	assert.Nil(t, err)
	assert.Equal(t, recs, back)
}

func TestWritePKOverwrites(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore()
	prefix := PKPrefix("ks", "tbl", 1, "tail")

	_, err := WritePK(ctx, store, prefix, []PKRecord{{Vals: []string{"old"}}})
	assert.Nil(t, err)
	_, err = WritePK(ctx, store, prefix, []PKRecord{{Vals: []string{"new"}}})
	assert.Nil(t, err)

	back, err := ReadPK(ctx, store, prefix)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(back))
	assert.Equal(t, []string{"new"}, back[0].Vals)
}

func TestCopyPK(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore()
	src := PKPrefix("ks", "tbl", 0, "tail")
	dst := PKPrefix("ks", "tbl", 0, "head")

	_, err := WritePK(ctx, store, src, []PKRecord{{Vals: []string{"k"}, Ts: 5}})
	assert.Nil(t, err)
	assert.Nil(t, CopyPK(ctx, store, src, dst))

	back, err := ReadPK(ctx, store, dst)
	assert.Nil(t, err)
	assert.Equal(t, int64(5), back[0].Ts)
}

func TestEventsRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore()
	prefix := EventPrefix("ks", "tbl", 3, 1700000000)

	recs := []EventRecord{
		{Op: "INSERT", Vals: []string{"k"}, Ts: 100, Dt: "2024-03-01", Seq: 12},
	}
	assert.Nil(t, WriteEvents(ctx, store, prefix, "2024-03-01", 12, recs))

	keys, _ := store.List(ctx, prefix+"/")
	assert.Equal(t, []string{
		"ks/tbl/cdc/primaryKeys/3/1700000000/dt=2024-03-01/seq=12/part-00000.parquet",
	}, keys)

	back, err := ReadEvents(ctx, store, prefix)
	assert.Nil(t, err)
	assert.Equal(t, recs, back)
}

func TestTileForStable(t *testing.T) {
	vals := []string{"user-42", "7"}
	tile := TileFor(vals, 8)
	for i := 0; i < 100; i++ {
		assert.Equal(t, tile, TileFor(vals, 8))
	}
	assert.GreaterOrEqual(t, tile, 0)
	assert.Less(t, tile, 8)

	// length delimiting keeps adjacent fragments apart
	assert.NotEqual(t, HashPK([]string{"ab", "c"}), HashPK([]string{"a", "bc"}))
}

func TestTileSpread(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 64; i++ {
		seen[TileFor([]string{string(rune('a' + i))}, 4)] = true
	}
	assert.Equal(t, 4, len(seen))
}

func TestDiff(t *testing.T) {
	head := []PKRecord{
		{Vals: []string{"k1"}, Ts: 10},
		{Vals: []string{"k2"}, Ts: 10},
	}
	tail := []PKRecord{
		{Vals: []string{"k1"}, Ts: 20},
		{Vals: []string{"k3"}, Ts: 5},
	}
	delta := Diff(head, tail, true)
	assert.Equal(t, 1, len(delta.Inserts))
	assert.Equal(t, []string{"k3"}, delta.Inserts[0].Vals)
	assert.Equal(t, 1, len(delta.Updates))
	assert.Equal(t, []string{"k1"}, delta.Updates[0].Vals)
	assert.Equal(t, 1, len(delta.Deletes))
	assert.Equal(t, []string{"k2"}, delta.Deletes[0].Vals)
}

func TestDiffWithoutWritetime(t *testing.T) {
	head := []PKRecord{{Vals: []string{"k1"}, Ts: 10}}
	tail := []PKRecord{{Vals: []string{"k1"}, Ts: 99}}
	delta := Diff(head, tail, false)
	assert.True(t, delta.Empty())
}

func TestDiffEmptyHead(t *testing.T) {
	tail := []PKRecord{{Vals: []string{"k1"}}}
	delta := Diff(nil, tail, true)
	assert.Equal(t, 1, len(delta.Inserts))
	assert.Equal(t, 0, len(delta.Deletes))
}

package cqlconn

import (
	"fmt"
	"sort"

	"github.com/gocql/gocql"

	"cqlrep/pkg/codec"
)

// TableSchemas resolves the replicated table's schemas from driver
// metadata: the ordered primary-key schema (partition key then clustering
// columns), the full column schema and the blob column names.
func TableSchemas(sess *gocql.Session, ks, tbl string) (pk, full *codec.Schema, blobCols []string, err error) {
	meta, err := sess.KeyspaceMetadata(ks)
	if err != nil {
		return nil, nil, nil, err
	}
	tm, ok := meta.Tables[tbl]
	if !ok {
		return nil, nil, nil, ErrTableMissing
	}

	pk = &codec.Schema{}
	seen := make(map[string]bool)
	for _, col := range append(append([]*gocql.ColumnMetadata{}, tm.PartitionKey...), tm.ClusteringColumns...) {
		ct, err := typeOf(col.Type)
		if err != nil {
			return nil, nil, nil, err
		}
		pk.Columns = append(pk.Columns, codec.ColumnMeta{Name: col.Name, Type: ct})
		seen[col.Name] = true
	}

	full = &codec.Schema{Columns: append([]codec.ColumnMeta{}, pk.Columns...)}
	rest := make([]string, 0, len(tm.Columns))
	for name := range tm.Columns {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		ct, err := typeOf(tm.Columns[name].Type)
		if err != nil {
			return nil, nil, nil, err
		}
		full.Columns = append(full.Columns, codec.ColumnMeta{Name: name, Type: ct})
	}
	for _, col := range full.Columns {
		if col.Type.Kind == codec.KindBlob {
			blobCols = append(blobCols, col.Name)
		}
	}
	return pk, full, blobCols, nil
}

func typeOf(info gocql.TypeInfo) (codec.Type, error) {
	if info.Type() == gocql.TypeList {
		ct, ok := info.(gocql.CollectionType)
		if !ok {
			return codec.Type{}, fmt.Errorf("%w: opaque list type", codec.ErrCassandraType)
		}
		elem, err := typeOf(ct.Elem)
		if err != nil {
			return codec.Type{}, err
		}
		return codec.Type{Kind: codec.KindList, Elem: elem.Kind}, nil
	}
	name, ok := typeNames[info.Type()]
	if !ok {
		return codec.Type{}, fmt.Errorf("%w: %v", codec.ErrCassandraType, info.Type())
	}
	return codec.ParseType(name)
}

var typeNames = map[gocql.Type]string{
	gocql.TypeAscii:     "ascii",
	gocql.TypeText:      "text",
	gocql.TypeVarchar:   "varchar",
	gocql.TypeInet:      "inet",
	gocql.TypeTime:      "time",
	gocql.TypeUUID:      "uuid",
	gocql.TypeTimeUUID:  "timeuuid",
	gocql.TypeDate:      "date",
	gocql.TypeTimestamp: "timestamp",
	gocql.TypeTinyInt:   "tinyint",
	gocql.TypeSmallInt:  "smallint",
	gocql.TypeInt:       "int",
	gocql.TypeBigInt:    "bigint",
	gocql.TypeVarint:    "varint",
	gocql.TypeFloat:     "float",
	gocql.TypeDouble:    "double",
	gocql.TypeDecimal:   "decimal",
	gocql.TypeBoolean:   "boolean",
	gocql.TypeBlob:      "blob",
}

package codec

import (
	"errors"
	"fmt"
	"strings"
)

var ErrCassandraType = errors.New("cqlrep: unsupported cassandra type")

type Kind int

const (
	KindInvalid Kind = iota
	KindAscii
	KindText
	KindVarchar
	KindInet
	KindTime
	KindUUID
	KindTimeUUID
	KindDate
	KindTimestamp
	KindTinyint
	KindSmallint
	KindInt
	KindBigint
	KindVarint
	KindFloat
	KindDouble
	KindDecimal
	KindBoolean
	KindBlob
	KindList
)

var kindNames = map[string]Kind{
	"ascii":     KindAscii,
	"text":      KindText,
	"varchar":   KindVarchar,
	"inet":      KindInet,
	"time":      KindTime,
	"uuid":      KindUUID,
	"timeuuid":  KindTimeUUID,
	"date":      KindDate,
	"timestamp": KindTimestamp,
	"tinyint":   KindTinyint,
	"smallint":  KindSmallint,
	"int":       KindInt,
	"bigint":    KindBigint,
	"varint":    KindVarint,
	"float":     KindFloat,
	"double":    KindDouble,
	"decimal":   KindDecimal,
	"boolean":   KindBoolean,
	"blob":      KindBlob,
}

// Type is the tag for a supported CQL column type. Elem is set only for
// KindList.
type Type struct {
	Kind Kind
	Elem Kind
}

func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if strings.HasPrefix(s, "list<") && strings.HasSuffix(s, ">") {
		elem := strings.TrimSpace(s[len("list<") : len(s)-1])
		ek, ok := kindNames[elem]
		if !ok {
			return Type{}, fmt.Errorf("%w: list<%s>", ErrCassandraType, elem)
		}
		return Type{Kind: KindList, Elem: ek}, nil
	}
	k, ok := kindNames[s]
	if !ok {
		return Type{}, fmt.Errorf("%w: %s", ErrCassandraType, s)
	}
	return Type{Kind: k}, nil
}

func (t Type) String() string {
	if t.Kind == KindList {
		return "list<" + kindName(t.Elem) + ">"
	}
	return kindName(t.Kind)
}

func kindName(k Kind) string {
	for name, kk := range kindNames {
		if kk == k {
			return name
		}
	}
	return "invalid"
}

// ColumnMeta pairs a column name with its type tag.
type ColumnMeta struct {
	Name string
	Type Type
}

// Schema is an ordered column set of the replicated table: either its
// primary-key columns or its full column list.
type Schema struct {
	Columns []ColumnMeta
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func (s *Schema) Lookup(name string) (ColumnMeta, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnMeta{}, false
}

// PrimaryKey is an ordered mapping of pk column name to the canonical
// string form of its value. Iteration order always follows Cols.
type PrimaryKey struct {
	Cols []string
	Vals []string
}

func (pk PrimaryKey) Get(col string) (string, bool) {
	for i, c := range pk.Cols {
		if c == col {
			return pk.Vals[i], true
		}
	}
	return "", false
}

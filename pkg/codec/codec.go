package codec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const tsLayout = "2006-01-02T15:04:05.000-0700"

// Render turns a source row value into CQL literal text usable in a WHERE
// clause. v is either a native driver value or the canonical string form
// read back from a staged snapshot.
func Render(v interface{}, t Type) (string, error) {
	switch t.Kind {
	case KindAscii, KindText, KindVarchar, KindInet, KindTime, KindUUID, KindTimeUUID:
		return quote(asString(v)), nil
	case KindDate:
		if tv, ok := v.(time.Time); ok {
			return quote(tv.Format("2006-01-02")), nil
		}
		return quote(asString(v)), nil
	case KindTimestamp:
		ms, err := TimestampMillis(v)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(ms, 10), nil
	case KindTinyint, KindSmallint, KindInt, KindBigint, KindVarint,
		KindFloat, KindDouble, KindDecimal:
		return renderNumber(v), nil
	case KindBoolean:
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b), nil
		}
		return asString(v), nil
	case KindBlob:
		return renderBlob(v), nil
	case KindList:
		return renderList(v, t.Elem)
	}
	return "", fmt.Errorf("%w: kind %d", ErrCassandraType, t.Kind)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func asString(v interface{}) string {
	switch tv := v.(type) {
	case string:
		return tv
	case []byte:
		return string(tv)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

func renderNumber(v interface{}) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(tv), 'g', -1, 32)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

func renderBlob(v interface{}) string {
	switch tv := v.(type) {
	case []byte:
		return "0x" + hex.EncodeToString(tv)
	case string:
		if strings.HasPrefix(tv, "0x") {
			return strings.ToLower(tv)
		}
		return "0x" + hex.EncodeToString([]byte(tv))
	default:
		return "0x"
	}
}

func renderList(v interface{}, elem Kind) (string, error) {
	var items []interface{}
	switch tv := v.(type) {
	case []interface{}:
		items = tv
	case []string:
		items = make([]interface{}, len(tv))
		for i, s := range tv {
			items[i] = s
		}
	default:
		return "", fmt.Errorf("%w: list value %T", ErrCassandraType, v)
	}
	parts := make([]string, len(items))
	for i, it := range items {
		s, err := Render(it, Type{Kind: elem})
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

// TimestampMillis resolves a timestamp value to epoch milliseconds. A string
// of decimal digits is taken as epoch milliseconds (the staged canonical
// form); other string forms follow yyyy-MM-dd'T'HH:mm:ss.SSSZ with a
// trailing Z meaning +0000; fractions shorter than three digits are
// right-padded with zeros.
func TimestampMillis(v interface{}) (int64, error) {
	switch tv := v.(type) {
	case time.Time:
		return tv.UnixMilli(), nil
	case int64:
		return tv, nil
	case int:
		return int64(tv), nil
	case string:
		if ms, err := strconv.ParseInt(tv, 10, 64); err == nil {
			return ms, nil
		}
		tt, err := time.Parse(tsLayout, normalizeTimestamp(tv))
		if err != nil {
			return 0, fmt.Errorf("%w: timestamp %q", ErrCassandraType, tv)
		}
		return tt.UnixMilli(), nil
	}
	return 0, fmt.Errorf("%w: timestamp value %T", ErrCassandraType, v)
}

func normalizeTimestamp(s string) string {
	if strings.HasSuffix(s, "Z") {
		s = s[:len(s)-1] + "+0000"
	}
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return s
	}
	end := dot + 1
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	frac := s[dot+1 : end]
	for len(frac) < 3 {
		frac += "0"
	}
	return s[:dot+1] + frac + s[end:]
}

// Canonical renders the unquoted staging form of a value: what Render
// would emit, without the surrounding quotes and the doubling of inner
// single quotes for the quoted family. This is
// the form staged snapshots carry; Render over a canonical string gives
// back the CQL literal.
func Canonical(v interface{}, t Type) (string, error) {
	switch t.Kind {
	case KindAscii, KindText, KindVarchar, KindInet, KindTime, KindUUID, KindTimeUUID:
		return asString(v), nil
	case KindDate:
		if tv, ok := v.(time.Time); ok {
			return tv.Format("2006-01-02"), nil
		}
		return asString(v), nil
	default:
		return Render(v, t)
	}
}

// WhereClause renders `col=lit AND ...` for a primary key in schema column
// order.
func WhereClause(pk PrimaryKey, schema *Schema) (string, error) {
	parts := make([]string, 0, len(pk.Cols))
	for i, col := range pk.Cols {
		meta, ok := schema.Lookup(col)
		if !ok {
			return "", fmt.Errorf("%w: column %s", ErrCassandraType, col)
		}
		lit, err := Render(pk.Vals[i], meta.Type)
		if err != nil {
			return "", err
		}
		parts = append(parts, col+"="+lit)
	}
	return strings.Join(parts, " AND "), nil
}

// OffloadKey derives the large-object key fragment from a WHERE clause by
// joining the value fragments with ':'.
func OffloadKey(whereClause string) string {
	conds := strings.Split(whereClause, " AND ")
	vals := make([]string, 0, len(conds))
	for _, c := range conds {
		if i := strings.IndexByte(c, '='); i >= 0 {
			vals = append(vals, strings.Trim(c[i+1:], "'"))
		}
	}
	return strings.Join(vals, ":")
}

// NormalizeBlobJSON rewrites empty-string blob columns in a JSON payload to
// the canonical empty blob "0x".
func NormalizeBlobJSON(payload map[string]interface{}, blobCols []string) {
	for _, col := range blobCols {
		if v, ok := payload[col]; ok {
			if s, ok := v.(string); ok && s == "" {
				payload[col] = "0x"
			}
		}
	}
}

// JSONField renders a single column value as a JSON fragment, dispatched on
// the type tag. Used by the custom serializer apply path when the server's
// SELECT JSON representation is lossy for the configured types.
func JSONField(v interface{}, t Type) (string, error) {
	if v == nil {
		return "null", nil
	}
	switch t.Kind {
	case KindAscii, KindText, KindVarchar, KindInet, KindTime, KindUUID, KindTimeUUID, KindDate:
		b, err := json.Marshal(asString(v))
		if err != nil {
			return "", err
		}
		return string(b), nil
	case KindTimestamp:
		ms, err := TimestampMillis(v)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(ms, 10), nil
	case KindTinyint, KindSmallint, KindInt, KindBigint, KindVarint,
		KindFloat, KindDouble, KindDecimal:
		return renderNumber(v), nil
	case KindBoolean:
		return asString(v), nil
	case KindBlob:
		b, err := json.Marshal(renderBlob(v))
		if err != nil {
			return "", err
		}
		return string(b), nil
	case KindList:
		lit, err := renderList(v, t.Elem)
		if err != nil {
			return "", err
		}
		return lit, nil
	}
	return "", fmt.Errorf("%w: kind %d", ErrCassandraType, t.Kind)
}

// BuildJSON assembles a compact JSON payload from a native row using
// JSONField per column.
func BuildJSON(row map[string]interface{}, cols []ColumnMeta) (string, error) {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for _, c := range cols {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		frag, err := JSONField(v, c.Type)
		if err != nil {
			return "", err
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		name, _ := json.Marshal(c.Name)
		b.Write(name)
		b.WriteByte(':')
		b.WriteString(frag)
	}
	b.WriteByte('}')
	return b.String(), nil
}

package transform

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"cqlrep/pkg/codec"
	"cqlrep/pkg/config"
	"cqlrep/pkg/objstore"
)

var ErrLargeObject = errors.New("cqlrep: large object offload failed")

// Payload is the JSON document fetched for one source row.
type Payload map[string]interface{}

func ParsePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Transformer rewrites a row payload before it is applied to the target:
// large-object offload first, then column-set compression.
type Transformer struct {
	comp   config.CompressionConfig
	lob    config.LargeObjectsConfig
	blobs  objstore.Store
	pkCols []string
}

func New(comp config.CompressionConfig, lob config.LargeObjectsConfig, blobs objstore.Store, pkCols []string) *Transformer {
	return &Transformer{comp: comp, lob: lob, blobs: blobs, pkCols: pkCols}
}

func (t *Transformer) Enabled() bool {
	return t.comp.Enabled || t.lob.Enabled
}

// Apply mutates p in place. whereClause is the row's WHERE text, used to
// derive key-addressed offload locations.
func (t *Transformer) Apply(ctx context.Context, p Payload, whereClause string) error {
	if t.lob.Enabled {
		if err := t.offload(ctx, p, whereClause); err != nil {
			return err
		}
	}
	if t.comp.Enabled {
		if err := t.compress(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transformer) compress(p Payload) error {
	cols := t.comp.CompressNonPrimaryColumns
	if t.comp.CompressAllNonPrimaryColumns {
		cols = cols[:0]
		for name := range p {
			if !t.isPK(name) && name != t.comp.TargetNameColumn {
				cols = append(cols, name)
			}
		}
	}
	subtree := make(map[string]interface{})
	for _, name := range cols {
		if v, ok := p[name]; ok {
			subtree[name] = v
			delete(p, name)
		}
	}
	if len(subtree) == 0 {
		return fmt.Errorf("%w: nothing to compress", ErrCompression)
	}
	raw, err := json.Marshal(subtree)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompression, err)
	}
	frame, err := Compress(raw)
	if err != nil {
		return err
	}
	p[t.comp.TargetNameColumn] = "0x" + hex.EncodeToString(frame)
	return nil
}

func (t *Transformer) offload(ctx context.Context, p Payload, whereClause string) error {
	v, ok := p[t.lob.Column]
	if !ok {
		return nil
	}
	var scalar []byte
	switch tv := v.(type) {
	case string:
		scalar = []byte(tv)
	case []byte:
		scalar = tv
	default:
		raw, err := json.Marshal(tv)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLargeObject, err)
		}
		scalar = raw
	}
	frame, err := Compress(scalar)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLargeObject, err)
	}

	var key string
	if t.lob.EnableRefByTimeUUID {
		ref, err := uuid.NewUUID()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLargeObject, err)
		}
		key = objstore.Join(t.lob.Prefix, ref.String())
		p[t.lob.Xref] = ref.String()
	} else {
		key = objstore.Join(t.lob.Prefix, "key="+codec.OffloadKey(whereClause), "payload")
	}
	if err := t.blobs.Put(ctx, key, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrLargeObject, err)
	}
	delete(p, t.lob.Column)
	return nil
}

func (t *Transformer) isPK(name string) bool {
	for _, c := range t.pkCols {
		if c == name {
			return true
		}
	}
	return false
}

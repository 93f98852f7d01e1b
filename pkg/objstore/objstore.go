package objstore

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("cqlrep: object not found")

// Store is the staging surface shared by discovery, CDC, the DLQ and the
// stop-flag protocol. Keys are slash-separated paths relative to the
// landing-zone root.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ParseURL splits an s3://bucket/prefix landing zone into bucket and
// prefix.
func ParseURL(url string) (bucket, prefix string, err error) {
	const scheme = "s3://"
	if !strings.HasPrefix(url, scheme) {
		return "", "", errors.New("cqlrep: landing zone must be an s3:// url")
	}
	rest := strings.TrimPrefix(url, scheme)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], strings.Trim(rest[i+1:], "/"), nil
	}
	return rest, "", nil
}

// Join builds a store key from path segments, skipping empties.
func Join(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

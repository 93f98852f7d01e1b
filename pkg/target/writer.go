package target

import (
	"context"
	"errors"
	"time"

	"github.com/gocql/gocql"
	"github.com/sirupsen/logrus"

	"cqlrep/pkg/cqlconn"
)

var ErrRetryExhausted = errors.New("cqlrep: target write retries exhausted")

// Op is the statement class, used to bucket DLQ objects.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

const (
	maxAttempts    = 64
	initialBackoff = 25 * time.Millisecond
	backoffFactor  = 1.1
)

// Writer executes one CQL statement against the target with bounded
// retries, diverting to the DLQ on exhaustion or a non-retryable driver
// error. Write never surfaces a driver error to its caller; the applier
// continues with the next row.
type Writer interface {
	Write(ctx context.Context, op Op, stmt string) error
}

type retryWriter struct {
	sess    cqlconn.Session
	dlq     *DLQ
	initial time.Duration
}

func NewWriter(sess cqlconn.Session, dlq *DLQ) Writer {
	return &retryWriter{sess: sess, dlq: dlq, initial: initialBackoff}
}

func (w *retryWriter) Write(ctx context.Context, op Op, stmt string) error {
	backoff := w.initial
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = w.sess.Exec(ctx, stmt)
		if last == nil {
			return nil
		}
		if !Retryable(last) {
			logrus.Warnf("non-retryable target error, diverting to dlq: %v", last)
			return w.dlq.Divert(ctx, op, stmt)
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
	}
	logrus.Warnf("target write exhausted %d attempts, diverting to dlq: %v", maxAttempts, last)
	return w.dlq.Divert(ctx, op, stmt)
}

// Retryable reports whether a driver error is worth another attempt:
// write failures and timeouts, server errors, unavailable, no node
// available, all nodes failed, and generic request errors.
func Retryable(err error) bool {
	var (
		wf *gocql.RequestErrWriteFailure
		wt *gocql.RequestErrWriteTimeout
		ua *gocql.RequestErrUnavailable
	)
	switch {
	case errors.As(err, &wf), errors.As(err, &wt), errors.As(err, &ua):
		return true
	case errors.Is(err, gocql.ErrNoConnections),
		errors.Is(err, gocql.ErrConnectionClosed),
		errors.Is(err, gocql.ErrTimeoutNoResponse),
		errors.Is(err, gocql.ErrNoStreams):
		return true
	}
	var re gocql.RequestError
	return errors.As(err, &re)
}

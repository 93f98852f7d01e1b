package cqlconn

import (
	"context"
	"strings"
	"sync"
)

// Call is one recorded statement execution.
type Call struct {
	Stmt string
	Args []interface{}
}

// Recorder is the mock session used by the test suites. Statements are
// recorded; results and errors are served from registered handlers matched
// by statement substring.
type Recorder struct {
	sync.Mutex
	Calls  []Call
	Tables map[string]bool

	results map[string][]Row
	fns     map[string]func(args []interface{}) []Row
	errs    map[string]error
	// ErrCount limits how many times a registered error fires; <0 means
	// always.
	ErrCount map[string]int
}

func NewRecorder() *Recorder {
	return &Recorder{
		Tables:   make(map[string]bool),
		results:  make(map[string][]Row),
		fns:      make(map[string]func(args []interface{}) []Row),
		errs:     make(map[string]error),
		ErrCount: make(map[string]int),
	}
}

// OnQuery serves rows for statements containing match.
func (r *Recorder) OnQuery(match string, rows []Row) {
	r.Lock()
	defer r.Unlock()
	r.results[match] = rows
}

// OnQueryFunc serves rows computed from the bound args for statements
// containing match. Takes precedence over OnQuery.
func (r *Recorder) OnQueryFunc(match string, fn func(args []interface{}) []Row) {
	r.Lock()
	defer r.Unlock()
	r.fns[match] = fn
}

// OnError fails statements containing match, count times (-1 forever).
func (r *Recorder) OnError(match string, err error, count int) {
	r.Lock()
	defer r.Unlock()
	r.errs[match] = err
	r.ErrCount[match] = count
}

func (r *Recorder) lookupErr(stmt string) error {
	for prefix, err := range r.errs {
		if strings.Contains(stmt, prefix) {
			n := r.ErrCount[prefix]
			if n == 0 {
				continue
			}
			if n > 0 {
				r.ErrCount[prefix] = n - 1
			}
			return err
		}
	}
	return nil
}

func (r *Recorder) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	r.Lock()
	defer r.Unlock()
	r.Calls = append(r.Calls, Call{Stmt: stmt, Args: args})
	return r.lookupErr(stmt)
}

func (r *Recorder) Query(ctx context.Context, stmt string, args ...interface{}) ([]Row, error) {
	r.Lock()
	defer r.Unlock()
	r.Calls = append(r.Calls, Call{Stmt: stmt, Args: args})
	if err := r.lookupErr(stmt); err != nil {
		return nil, err
	}
	for match, fn := range r.fns {
		if strings.Contains(stmt, match) {
			return fn(args), nil
		}
	}
	for match, rows := range r.results {
		if strings.Contains(stmt, match) {
			return rows, nil
		}
	}
	return nil, nil
}

func (r *Recorder) TableExists(ctx context.Context, ks, tbl string) (bool, error) {
	r.Lock()
	defer r.Unlock()
	return r.Tables[ks+"."+tbl], nil
}

func (r *Recorder) Close() {}

// Stmts returns the recorded statement texts, for assertions.
func (r *Recorder) Stmts() []string {
	r.Lock()
	defer r.Unlock()
	out := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		out[i] = c.Stmt
	}
	return out
}

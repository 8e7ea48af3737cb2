package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/models"
)

// Fake is an in-memory Store for tests. Rows are held as generic maps so
// any row struct round-trips through JSON the same way the wire does.
type Fake struct {
	mu      sync.Mutex
	tables  map[string][]map[string]interface{}
	session *models.Session

	// FailWith, when set, makes every operation fail with that error.
	FailWith error

	// FailOnce, when set, fails only the next operation. Used to test
	// transient-failure recovery paths.
	FailOnce error

	// Operation counters, for asserting network behavior.
	Selects int
	Inserts int // rows, not calls
	Upserts int // rows actually written (conflicts excluded)
	Updates int
}

// NewFake creates an empty fake remote store.
func NewFake() *Fake {
	return &Fake{
		tables: make(map[string][]map[string]interface{}),
	}
}

// Ready always reports true; the fake needs no endpoint.
func (f *Fake) Ready() bool { return true }

// SetSession installs or clears the current session.
func (f *Fake) SetSession(s *models.Session) {
	f.mu.Lock()
	f.session = s
	f.mu.Unlock()
}

// From starts a query against the named table.
func (f *Fake) From(table string) Query {
	return &fakeQuery{store: f, table: table}
}

// Rows returns a copy of all rows in a table.
func (f *Fake) Rows(table string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]map[string]interface{}, len(f.tables[table]))
	copy(rows, f.tables[table])
	return rows
}

// Seed replaces a table's contents with the given rows.
func (f *Fake) Seed(table string, rows interface{}) error {
	raw, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	var generic []map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	f.mu.Lock()
	f.tables[table] = generic
	f.mu.Unlock()
	return nil
}

// takeFailure returns the error the next operation should fail with, if
// any. Caller holds f.mu.
func (f *Fake) takeFailure() error {
	if f.FailOnce != nil {
		err := f.FailOnce
		f.FailOnce = nil
		return err
	}
	return f.FailWith
}

type fakeQuery struct {
	store   *Fake
	table   string
	filters []filter
}

func (q *fakeQuery) Select(columns ...string) Query { return q }

func (q *fakeQuery) Eq(column string, value interface{}) Query {
	q.filters = append(q.filters, filter{column: column, value: value})
	return q
}

// canon renders a value for comparison so int/float64 JSON decoding
// differences do not matter; float64 uses non-exponent formatting so large
// numbers still match their integer counterparts.
func canon(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

// matches compares filter values through canon so int/float64 JSON
// decoding differences do not matter.
func (q *fakeQuery) matches(row map[string]interface{}) bool {
	for _, f := range q.filters {
		if canon(row[f.column]) != canon(f.value) {
			return false
		}
	}
	return true
}

func (q *fakeQuery) Get(ctx context.Context, dest interface{}) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if err := q.store.takeFailure(); err != nil {
		return err
	}
	q.store.Selects++

	matched := []map[string]interface{}{}
	for _, row := range q.store.tables[q.table] {
		if q.matches(row) {
			matched = append(matched, row)
		}
	}
	raw, err := json.Marshal(matched)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (q *fakeQuery) Insert(ctx context.Context, rows interface{}) error {
	generic, err := toGenericRows(rows)
	if err != nil {
		return err
	}

	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if err := q.store.takeFailure(); err != nil {
		return err
	}

	q.store.tables[q.table] = append(q.store.tables[q.table], generic...)
	q.store.Inserts += len(generic)
	return nil
}

func (q *fakeQuery) Upsert(ctx context.Context, rows interface{}, onConflict string) error {
	generic, err := toGenericRows(rows)
	if err != nil {
		return err
	}
	conflictCols := strings.Split(onConflict, ",")

	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if err := q.store.takeFailure(); err != nil {
		return err
	}

	for _, row := range generic {
		if q.conflictExists(row, conflictCols) {
			continue // insert-or-no-op, never overwrite
		}
		q.store.tables[q.table] = append(q.store.tables[q.table], row)
		q.store.Upserts++
	}
	return nil
}

func (q *fakeQuery) conflictExists(row map[string]interface{}, cols []string) bool {
	for _, existing := range q.store.tables[q.table] {
		same := true
		for _, col := range cols {
			col = strings.TrimSpace(col)
			if col == "" {
				continue
			}
			if canon(existing[col]) != canon(row[col]) {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

func (q *fakeQuery) Update(ctx context.Context, patch map[string]interface{}) error {
	// Round-trip the patch through JSON so patched fields hold the same
	// types as rows written via Insert/Upsert.
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	patch = generic

	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if err := q.store.takeFailure(); err != nil {
		return err
	}

	updated := false
	for _, row := range q.store.tables[q.table] {
		if q.matches(row) {
			for k, v := range patch {
				row[k] = v
			}
			updated = true
			q.store.Updates++
		}
	}
	if !updated {
		return apperrors.New(apperrors.ErrNotFound, "no rows matched update")
	}
	return nil
}

func (q *fakeQuery) Delete(ctx context.Context) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if err := q.store.takeFailure(); err != nil {
		return err
	}

	kept := q.store.tables[q.table][:0]
	for _, row := range q.store.tables[q.table] {
		if !q.matches(row) {
			kept = append(kept, row)
		}
	}
	q.store.tables[q.table] = kept
	return nil
}

func toGenericRows(rows interface{}) ([]map[string]interface{}, error) {
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	// Accept both a single object and an array.
	var generic []map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		var one map[string]interface{}
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			return nil, err
		}
		generic = []map[string]interface{}{one}
	}
	return generic, nil
}

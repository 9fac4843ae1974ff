package datastore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/dbsmedya/goforget/internal/sqlutil"
	"github.com/dbsmedya/goforget/internal/types"
)

// MemoryStore is an in-process Store with system-versioned rows. Deleted and
// updated rows keep their old versions, so CountAsOf behaves like a
// FOR SYSTEM_TIME AS OF read. It backs the engine tests and local dry runs.
type MemoryStore struct {
	name     string
	category string
	clock    clock.Clock

	mu     sync.RWMutex
	tables map[string]*memTable
	faults map[string]error
}

type memTable struct {
	columns []string
	rows    []*memRow
}

type memRow struct {
	values map[string]interface{}
	from   time.Time
	to     time.Time // zero while current
}

func (r *memRow) liveAt(at time.Time) bool {
	return !r.from.After(at) && (r.to.IsZero() || r.to.After(at))
}

// NewMemoryStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryStore(name, category string, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryStore{
		name:     name,
		category: category,
		clock:    clk,
		tables:   make(map[string]*memTable),
		faults:   make(map[string]error),
	}
}

func (m *MemoryStore) Name() string             { return m.name }
func (m *MemoryStore) Category() string         { return m.category }
func (m *MemoryStore) Dialect() sqlutil.Dialect { return sqlutil.MySQL }

// CreateContainer defines a container and its columns.
func (m *MemoryStore) CreateContainer(container string, columns ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[container] = &memTable{columns: append([]string(nil), columns...)}
}

// Insert adds a row stamped with the current time. Unknown columns are rejected.
func (m *MemoryStore) Insert(container string, values map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[container]
	if !ok {
		return fmt.Errorf("container %q does not exist in %s", container, m.name)
	}
	for col := range values {
		if !t.hasColumn(col) {
			return fmt.Errorf("unknown column %s.%s", container, col)
		}
	}
	row := make(map[string]interface{}, len(values))
	for k, v := range values {
		row[k] = v
	}
	t.rows = append(t.rows, &memRow{values: row, from: m.clock.Now()})
	return nil
}

// SetFault makes every operation on container fail with err. A nil err clears it.
func (m *MemoryStore) SetFault(container string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, container)
		return
	}
	m.faults[container] = err
}

func (t *memTable) hasColumn(col string) bool {
	for _, c := range t.columns {
		if c == col {
			return true
		}
	}
	return false
}

// lookup returns the table or the injected fault. Callers hold mu.
func (m *MemoryStore) lookup(container string) (*memTable, error) {
	if err, ok := m.faults[container]; ok {
		return nil, err
	}
	t, ok := m.tables[container]
	if !ok {
		return nil, fmt.Errorf("container %q does not exist in %s", container, m.name)
	}
	return t, nil
}

func (t *memTable) matches(row *memRow, match Match) (bool, error) {
	if len(match.Columns) == 0 {
		return false, fmt.Errorf("no match columns")
	}
	for _, col := range match.Columns {
		if !t.hasColumn(col) {
			return false, fmt.Errorf("unknown column %s", col)
		}
		if v, ok := row.values[col]; ok && v != nil && types.ToString(v) == match.Value {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Columns(_ context.Context) ([]types.Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []types.Column
	for _, name := range names {
		for _, col := range m.tables[name].columns {
			out = append(out, types.Column{
				Location: types.Location{Store: m.name, Container: name, Column: col},
				DataType: "varchar",
			})
		}
	}
	return out, nil
}

func (m *MemoryStore) Sample(_ context.Context, container, column string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.lookup(container)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	seen := map[string]bool{}
	var out []string
	for _, row := range t.rows {
		if !row.liveAt(now) || row.values[column] == nil {
			continue
		}
		s := types.ToString(row.values[column])
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context, container string, match Match) (int64, error) {
	return m.CountAsOf(ctx, container, match, m.clock.Now())
}

func (m *MemoryStore) CountAsOf(_ context.Context, container string, match Match, at time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.lookup(container)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, row := range t.rows {
		if !row.liveAt(at) {
			continue
		}
		ok, err := t.matches(row, match)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Select(_ context.Context, container string, columns []string, match Match, limit int) ([]map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.lookup(container)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		columns = t.columns
	}
	now := m.clock.Now()
	var out []map[string]interface{}
	for _, row := range t.rows {
		if !row.liveAt(now) {
			continue
		}
		ok, err := t.matches(row, match)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec := make(map[string]interface{}, len(columns))
		for _, c := range columns {
			rec[c] = row.values[c]
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, container string, set []Assignment, match Match) (int64, error) {
	if len(set) == 0 {
		return 0, fmt.Errorf("no columns to update")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(container)
	if err != nil {
		return 0, err
	}
	for _, a := range set {
		if !t.hasColumn(a.Column) {
			return 0, fmt.Errorf("unknown column %s.%s", container, a.Column)
		}
	}

	now := m.clock.Now()
	var n int64
	var versions []*memRow
	for _, row := range t.rows {
		if !row.liveAt(now) {
			continue
		}
		ok, err := t.matches(row, match)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		next := make(map[string]interface{}, len(row.values))
		for k, v := range row.values {
			next[k] = v
		}
		for _, a := range set {
			next[a.Column] = a.Value
		}
		row.to = now
		versions = append(versions, &memRow{values: next, from: now})
		n++
	}
	t.rows = append(t.rows, versions...)
	return n, nil
}

func (m *MemoryStore) Delete(_ context.Context, container string, match Match) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(container)
	if err != nil {
		return 0, err
	}
	now := m.clock.Now()
	var n int64
	for _, row := range t.rows {
		if !row.liveAt(now) {
			continue
		}
		ok, err := t.matches(row, match)
		if err != nil {
			return 0, err
		}
		if ok {
			row.to = now
			n++
		}
	}
	return n, nil
}

// String renders a short description used in debug logs.
func (m *MemoryStore) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("memory:%s[%s]", m.name, strings.Join(names, ","))
}

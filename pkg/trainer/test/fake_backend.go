// Package test provides in-memory doubles of the trainer collaborators for
// package tests.
package test

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

var selectFrom = regexp.MustCompile(`(?i)\bFROM\s+["` + "`" + `]?([A-Za-z0-9_]+)`)

// FakeBackend is an in-memory database.Backend. Resources are names in a set,
// tables are record slices. Hooks inject failures.
type FakeBackend struct {
	kind database.BackendKind

	// CreateHook runs before a resource is recorded. A non-nil error fails
	// CreateResource; set PartialCreate to keep the resource anyway.
	CreateHook    func(res database.Resource) error
	PartialCreate bool
	// DropHook runs before a resource is removed. A non-nil error fails DropResource.
	DropHook func(name string) error
	// InsertHook runs before BulkInsert on a scoped backend.
	InsertHook func(table string, records []model.Record) error

	mu        sync.Mutex
	resources map[string]database.Resource
	creates   int
	drops     int
	children  map[string]*FakeBackend
	tables    map[string][]model.Record
	columns   map[string][]database.Column
	acquired  int
	closed    bool
}

// NewFakeBackend returns an empty backend of the given kind.
func NewFakeBackend(kind database.BackendKind) *FakeBackend {
	return &FakeBackend{
		kind:      kind,
		resources: make(map[string]database.Resource),
		children:  make(map[string]*FakeBackend),
		tables:    make(map[string][]model.Record),
		columns:   make(map[string][]database.Column),
	}
}

func (f *FakeBackend) Kind() database.BackendKind { return f.kind }

func (f *FakeBackend) Connect(ctx context.Context) error { return nil }

func (f *FakeBackend) Acquire(ctx context.Context) (*database.ConnectionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return database.NewConnectionHandle(&sql.Conn{}), nil
}

func (f *FakeBackend) Release(h *database.ConnectionHandle) {
	if h == nil || !h.MarkReleased() {
		return
	}
	f.mu.Lock()
	f.acquired--
	f.mu.Unlock()
}

// Execute answers SELECT statements with the rows of the named table ordered
// by id. Other statements only report zero affected rows.
func (f *FakeBackend) Execute(ctx context.Context, query string, params ...interface{}) (*database.RowSet, error) {
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return &database.RowSet{}, nil
	}
	m := selectFrom.FindStringSubmatch(query)
	if m == nil {
		return nil, exception.Newf(exception.ErrQuery, "fake", "cannot parse %q", query)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, ok := f.tables[m[1]]
	if !ok {
		return nil, exception.Newf(exception.ErrQuery, "fake", "no such table: %s", m[1])
	}
	rs := &database.RowSet{}
	for _, c := range f.columns[m[1]] {
		rs.Columns = append(rs.Columns, c.Name)
	}
	for _, r := range rows {
		rs.Rows = append(rs.Rows, r.Clone())
	}
	sort.SliceStable(rs.Rows, func(i, j int) bool {
		a, _ := rs.Rows[i]["id"].(int64)
		b, _ := rs.Rows[j]["id"].(int64)
		return a < b
	})
	return rs, nil
}

// BulkInsert checks record keys against the table columns and appends all
// records or none.
func (f *FakeBackend) BulkInsert(ctx context.Context, table string, records []model.Record) (int64, error) {
	if f.InsertHook != nil {
		if err := f.InsertHook(table, records); err != nil {
			return 0, exception.New(exception.ErrQuery, "fake", "bulk insert", err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cols, ok := f.columns[table]
	if !ok {
		return 0, exception.Newf(exception.ErrQuery, "fake", "no such table: %s", table)
	}
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Name] = true
	}
	for i, r := range records {
		for k := range r {
			if !known[k] {
				return 0, exception.Newf(exception.ErrQuery, "fake", "record %d: unknown column %s", i, k)
			}
		}
	}
	next := int64(len(f.tables[table]))
	for _, r := range records {
		next++
		row := r.Clone()
		row["id"] = next
		f.tables[table] = append(f.tables[table], row)
	}
	return int64(len(records)), nil
}

func (f *FakeBackend) EnsureTable(ctx context.Context, table string, columns []database.Column) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.columns[table]; !ok {
		f.columns[table] = columns
		f.tables[table] = nil
	}
	return nil
}

func (f *FakeBackend) Locate(name string) string {
	if f.kind == database.Embedded {
		return "/fake/" + name + ".db"
	}
	return name
}

func (f *FakeBackend) CreateResource(ctx context.Context, res database.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if _, exists := f.resources[res.Name]; exists {
		return exception.Newf(exception.ErrProvision, "fake", "resource %s exists", res.Name)
	}
	if f.CreateHook != nil {
		if err := f.CreateHook(res); err != nil {
			if f.PartialCreate {
				f.resources[res.Name] = res
			}
			return exception.New(exception.ErrProvision, "fake", "create resource", err)
		}
	}
	f.resources[res.Name] = res
	return nil
}

func (f *FakeBackend) DropResource(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops++
	if f.DropHook != nil {
		if err := f.DropHook(name); err != nil {
			return exception.New(exception.ErrTeardown, "fake", "drop resource", err)
		}
	}
	if _, ok := f.resources[name]; !ok {
		return exception.Newf(exception.ErrResourceNotFound, "fake", "resource %s", name)
	}
	delete(f.resources, name)
	delete(f.children, name)
	return nil
}

// Scoped returns a fresh child backend holding the tables of res.
func (f *FakeBackend) Scoped(ctx context.Context, res database.Resource) (database.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[res.Name]; !ok {
		return nil, exception.Newf(exception.ErrResourceNotFound, "fake", "resource %s", res.Name)
	}
	child := NewFakeBackend(f.kind)
	child.InsertHook = f.InsertHook
	f.children[res.Name] = child
	return child, nil
}

func (f *FakeBackend) Stats() database.PoolStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return database.PoolStats{MaxSize: 1, InUse: f.acquired}
}

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Live returns the names of the resources that currently exist.
func (f *FakeBackend) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.resources))
	for n := range f.resources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Calls returns the number of CreateResource and DropResource calls.
func (f *FakeBackend) Calls() (creates, drops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.drops
}

// Rows returns the rows of table.
func (f *FakeBackend) Rows(table string) []model.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Record(nil), f.tables[table]...)
}

// Closed reports whether Close was called.
func (f *FakeBackend) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeBackend) String() string {
	return fmt.Sprintf("FakeBackend(%s)", f.kind)
}

var _ database.Backend = (*FakeBackend)(nil)

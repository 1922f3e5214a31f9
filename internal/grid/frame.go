package grid

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// CellsUpdateFunc is the server side of cells_update. It returns one value per update, in order, or
// an error that is shown next to every updated cell.
type CellsUpdateFunc func(ctx context.Context, updates []CellUpdate) ([]any, error)

// Validator checks a single edited value and returns the value to store.
type Validator func(column string, value any) (any, error)

// Frame is the server-side data of an editable data-grid output.
type Frame struct {
	mu       sync.RWMutex
	columns  []string
	rows     [][]any
	validate Validator
}

// NewFrame creates a frame. A nil validate accepts every value as is.
func NewFrame(columns []string, rows [][]any, validate Validator) *Frame {
	if validate == nil {
		validate = func(_ string, v any) (any, error) { return v, nil }
	}
	return &Frame{
		columns:  columns,
		rows:     rows,
		validate: validate,
	}
}

// CheckRows returns an error unless every row has one value per column.
func CheckRows(columns []string, rows [][]any) error {
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
	}
	return nil
}

// Columns returns the column names.
func (f *Frame) Columns() []string {
	return slices.Clone(f.columns)
}

// Rows returns a copy of the frame rows.
func (f *Frame) Rows() [][]any {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([][]any, len(f.rows))
	for i, row := range f.rows {
		out[i] = slices.Clone(row)
	}
	return out
}

// UpdateCells is the frame's CellsUpdateFunc. Updates are applied all or nothing: the first invalid
// update fails the whole request and leaves the frame unchanged.
func (f *Frame) UpdateCells(_ context.Context, updates []CellUpdate) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values := make([]any, len(updates))
	for i, u := range updates {
		if u.RowIndex < 0 || u.RowIndex >= len(f.rows) {
			return nil, fmt.Errorf("row %d out of range", u.RowIndex)
		}
		// Rows are not required to be as wide as the header.
		if u.ColumnIndex < 0 || u.ColumnIndex >= len(f.columns) || u.ColumnIndex >= len(f.rows[u.RowIndex]) {
			return nil, fmt.Errorf("column %d out of range", u.ColumnIndex)
		}
		v, err := f.validate(f.columns[u.ColumnIndex], u.Value)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	for i, u := range updates {
		f.rows[u.RowIndex][u.ColumnIndex] = values[i]
	}
	return values, nil
}

// Registry maps output ids to their cells_update handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]CellsUpdateFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]CellsUpdateFunc)}
}

// Register sets the handler of outputID, replacing any previous one.
func (r *Registry) Register(outputID string, fn CellsUpdateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[outputID] = fn
}

// Handler returns the handler of outputID.
func (r *Registry) Handler(outputID string) (CellsUpdateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[outputID]
	return fn, ok
}

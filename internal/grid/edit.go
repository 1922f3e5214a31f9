// Package grid tracks edits made to the cells of a data-grid output and round-trips them to the
// server with the cells_update handler.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// CellState is the edit state of a single cell.
type CellState string

const (
	// CellStateEditing is set when an edit is submitted and no response arrived yet.
	CellStateEditing CellState = "Editing"
	// CellStateEditSuccess is set when the server accepted the edit.
	CellStateEditSuccess CellState = "EditSuccess"
	// CellStateEditFailure is set when the server rejected the edit.
	CellStateEditFailure CellState = "EditFailure"
)

// HandlerCellsUpdate is the output handler name of the cell edit RPC.
const HandlerCellsUpdate = "cells_update"

// CellKey identifies a cell by its row and column index.
type CellKey struct {
	Row    int
	Column int
}

// CellEdit is the edit state of one cell. Value is what the cell displays: the server's value after a
// success, and the user's attempted value otherwise.
type CellEdit struct {
	Value     string
	State     CellState
	SaveError string
}

// CellUpdate is one cell edit as sent to the server.
type CellUpdate struct {
	RowIndex    int `json:"row_index"`
	ColumnIndex int `json:"column_index"`
	Value       any `json:"value"`
	Prev        any `json:"prev"`
}

// UpdateRequest is the cells_update request.
type UpdateRequest struct {
	OutputID    string       `json:"outputId"`
	HandlerName string       `json:"handlerName"`
	Updates     []CellUpdate `json:"updates"`
}

// UpdateResponse is the cells_update response. Values are aligned with the request's updates.
type UpdateResponse struct {
	Values []any  `json:"values,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Client sends a cells_update request and returns the resulting values, one per update, in order.
type Client interface {
	UpdateCells(ctx context.Context, req UpdateRequest) ([]any, error)
}

// ErrValuesMismatch is reported when the server returns a different number of values than updates.
var ErrValuesMismatch = errors.New("response values do not match the updates")

// Table is the client-side data of a data-grid output together with its cell edit map. It is not safe
// for concurrent use.
type Table struct {
	outputID string
	data     [][]any
	edits    map[CellKey]CellEdit

	client Client
	logger *slog.Logger
}

// NewTable creates the table of output outputID holding data.
func NewTable(outputID string, data [][]any, client Client, logger *slog.Logger) *Table {
	return &Table{
		outputID: outputID,
		data:     data,
		edits:    make(map[CellKey]CellEdit),
		client:   client,
		logger:   logger.With(slog.String("module", "grid"), slog.String("outputID", outputID)),
	}
}

// Edit returns the edit state of the cell at key.
func (t *Table) Edit(key CellKey) (CellEdit, bool) {
	e, ok := t.edits[key]
	return e, ok
}

// Data returns a copy of the table data.
func (t *Table) Data() [][]any {
	out := make([][]any, len(t.data))
	for i, row := range t.data {
		out[i] = slices.Clone(row)
	}
	return out
}

// DisplayValue is what the cell at (row, column) shows: its edit value when it has been edited, the
// table data otherwise.
func (t *Table) DisplayValue(row, column int) string {
	if e, ok := t.edits[CellKey{Row: row, Column: column}]; ok {
		return e.Value
	}
	if row < 0 || row >= len(t.data) || column < 0 || column >= len(t.data[row]) {
		return ""
	}
	return stringify(t.data[row][column])
}

// UpdateCells submits updates to the server. Every cell is marked editing before the request is sent.
// On success the returned values overwrite the table data and the cells are marked successful; on
// failure the cells keep the attempted values and carry the error. Exactly one of onSuccess and
// onError is called, once, before UpdateCells returns. Either may be nil.
func (t *Table) UpdateCells(
	ctx context.Context,
	updates []CellUpdate,
	onSuccess func(values []any),
	onError func(err string),
) {
	for _, u := range updates {
		key := CellKey{Row: u.RowIndex, Column: u.ColumnIndex}
		e := t.edits[key]
		e.Value = stringify(u.Value)
		e.State = CellStateEditing
		t.edits[key] = e
	}

	values, err := t.client.UpdateCells(ctx, UpdateRequest{
		OutputID:    t.outputID,
		HandlerName: HandlerCellsUpdate,
		Updates:     updates,
	})
	if err == nil && len(values) != len(updates) {
		err = fmt.Errorf("%w: got %d values for %d updates", ErrValuesMismatch, len(values), len(updates))
	}
	if err != nil {
		t.logger.Warn("Cells update failed", slog.String("error", err.Error()))
		t.fail(updates, err.Error())
		if onError != nil {
			onError(err.Error())
		}
		return
	}

	for i, v := range values {
		u := updates[i]
		t.setData(u.RowIndex, u.ColumnIndex, v)

		key := CellKey{Row: u.RowIndex, Column: u.ColumnIndex}
		e := t.edits[key]
		e.Value = stringify(v)
		e.State = CellStateEditSuccess
		e.SaveError = ""
		t.edits[key] = e
	}
	if onSuccess != nil {
		onSuccess(values)
	}
}

func (t *Table) fail(updates []CellUpdate, msg string) {
	for _, u := range updates {
		key := CellKey{Row: u.RowIndex, Column: u.ColumnIndex}
		e := t.edits[key]
		// The attempted value stays on display so the user can fix it.
		e.Value = stringify(u.Value)
		e.State = CellStateEditFailure
		e.SaveError = msg
		t.edits[key] = e
	}
}

func (t *Table) setData(row, column int, v any) {
	if row < 0 || row >= len(t.data) || column < 0 || column >= len(t.data[row]) {
		t.logger.Warn("Cells update value out of range",
			slog.Int("row", row),
			slog.Int("column", column))
		return
	}
	t.data[row][column] = v
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

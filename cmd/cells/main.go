// Command cells submits a cell edit to a data-grid output of a running chat server and reports the
// resulting edit state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/grid"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "base URL of the chat server")
	outputID := flag.String("output", "", "id of the data-grid output")
	row := flag.Int("row", 0, "row index of the cell")
	column := flag.Int("column", 0, "column index of the cell")
	value := flag.String("value", "", "new cell value")
	prev := flag.String("prev", "", "current cell value")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *outputID == "" {
		logger.Error("Output id is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := grid.NewHTTPClient(*server, &http.Client{Timeout: *timeout})
	edit, err := editCell(ctx, client, *outputID, grid.CellUpdate{
		RowIndex:    *row,
		ColumnIndex: *column,
		Value:       *value,
		Prev:        *prev,
	}, logger)
	if err != nil {
		logger.Error("Edit rejected",
			slog.String("state", string(edit.State)),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	fmt.Println(edit.Value)
}

// editCell submits update through a table of outputID and returns the cell's edit state. The error
// carries the server's save error when the edit was rejected.
func editCell(
	ctx context.Context,
	client grid.Client,
	outputID string,
	update grid.CellUpdate,
	logger *slog.Logger,
) (grid.CellEdit, error) {
	if update.RowIndex < 0 || update.ColumnIndex < 0 {
		return grid.CellEdit{}, fmt.Errorf("cell %d,%d out of range", update.RowIndex, update.ColumnIndex)
	}

	// Only the edited cell is known locally.
	data := make([][]any, update.RowIndex+1)
	data[update.RowIndex] = make([]any, update.ColumnIndex+1)
	data[update.RowIndex][update.ColumnIndex] = update.Prev

	table := grid.NewTable(outputID, data, client, logger)
	table.UpdateCells(ctx, []grid.CellUpdate{update}, nil, nil)

	edit, ok := table.Edit(grid.CellKey{Row: update.RowIndex, Column: update.ColumnIndex})
	if !ok {
		return grid.CellEdit{}, fmt.Errorf("cell %d,%d was not edited", update.RowIndex, update.ColumnIndex)
	}
	if edit.State == grid.CellStateEditFailure {
		return edit, errors.New(edit.SaveError)
	}
	return edit, nil
}

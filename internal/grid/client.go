package grid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// HTTPClient implements Client against the cells_update endpoint of a running server.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an HTTPClient for the server at baseURL. A nil client uses
// http.DefaultClient.
func NewHTTPClient(baseURL string, client *http.Client) HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return HTTPClient{
		baseURL: baseURL,
		client:  client,
	}
}

// CellsUpdatePath returns the request path of the cells_update handler of outputID.
func CellsUpdatePath(outputID string) string {
	return "/outputs/" + url.PathEscape(outputID) + "/" + HandlerCellsUpdate
}

// UpdateCells implements Client. A response carrying an error, or a non-2xx status, is returned as an
// error whose text is the server's error message.
func (h HTTPClient) UpdateCells(ctx context.Context, req UpdateRequest) ([]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+CellsUpdatePath(req.OutputID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res UpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response with status %d: %w", resp.StatusCode, err)
	}
	if res.Error != "" {
		return nil, errors.New(res.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return res.Values, nil
}

package handlers_test

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/grid"
	"github.com/MegaGrindStone/chat-web-ui/internal/handlers"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	responses []string
	err       error
	release   chan struct{}

	mu       sync.Mutex
	received [][]models.Message
}

type mockTitleGenerator struct {
	title string
}

type mockStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.Message
	err      error
}

func newMain(t *testing.T, llm handlers.LLM, store handlers.Store, cells *grid.Registry) handlers.Main {
	t.Helper()
	return newMainWithOptions(t, llm, store, cells, handlers.Options{})
}

func newMainWithOptions(
	t *testing.T,
	llm handlers.LLM,
	store handlers.Store,
	cells *grid.Registry,
	opts handlers.Options,
) handlers.Main {
	t.Helper()

	main, err := handlers.NewMain(llm, mockTitleGenerator{title: "Greetings"}, store, nil, cells,
		opts, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := main.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return main
}

func TestNewMain(t *testing.T) {
	llm := &mockLLM{}
	store := &mockStore{}

	main, err := handlers.NewMain(llm, nil, store, nil, nil, handlers.Options{}, discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	llm := &mockLLM{}
	store := &mockStore{
		chats: []models.Chat{
			{ID: "1", Title: "Test Chat"},
		},
		messages: map[string][]models.Message{
			"1": {{
				ID:             "1",
				Role:           models.RoleUser,
				Content:        "Hello",
				ContentType:    models.ContentTypeText,
				StreamingState: models.StreamingStateEnded,
			}},
		},
	}

	main := newMain(t, llm, store, nil)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Home page without chat",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "Test Chat", // Should contain chat title
		},
		{
			name:       "Home page with chat",
			url:        "/?chat_id=1",
			wantStatus: http.StatusOK,
			wantBody:   "Hello", // Should contain message content
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleHomeStoreError(t *testing.T) {
	store := &mockStore{err: fmt.Errorf("store down")}
	main := newMain(t, &mockLLM{}, store, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	main.HandleHome(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("HandleHome() status = %v, want %v", w.Code, http.StatusInternalServerError)
	}
}

func TestHandleChats(t *testing.T) {
	llm := &mockLLM{responses: []string{"AI response"}}
	store := &mockStore{
		messages: map[string][]models.Message{},
	}

	main := newMain(t, llm, store, nil)

	tests := []struct {
		name       string
		method     string
		message    string
		chatID     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Blank message",
			method:     http.MethodPost,
			message:    "+++",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "New chat",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusOK,
			wantBody:   "Hello",
		},
		{
			name:       "Existing chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "1",
			wantStatus: http.StatusOK,
			wantBody:   "Hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := strings.NewReader(
				"message=" + tt.message + "&chat_id=" + tt.chatID,
			)
			req := httptest.NewRequest(tt.method, "/chats", form)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleChats() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}

	// The response and the title are produced in the background.
	assert.Eventually(t, func() bool {
		msgs, _ := store.Messages(context.Background(), "1")
		return len(msgs) == 2 && msgs[1].Content == "AI response"
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		chats, _ := store.Chats(context.Background())
		return len(chats) == 1 && chats[0].Title == "Greetings"
	}, time.Second, 10*time.Millisecond)
}

func TestHandleChatsWhileStreaming(t *testing.T) {
	llm := &mockLLM{responses: []string{"done"}, release: make(chan struct{})}
	store := &mockStore{
		messages: map[string][]models.Message{},
	}

	main := newMain(t, llm, store, nil)

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader("message=Hi&chat_id=1"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		main.HandleChats(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, post())
	assert.Equal(t, http.StatusConflict, post(), "input is disabled until the response ends")

	close(llm.release)

	assert.Eventually(t, func() bool {
		return post() == http.StatusOK
	}, time.Second, 10*time.Millisecond)
}

func TestHandleChatsErrorModes(t *testing.T) {
	tests := []struct {
		name     string
		mode     session.ErrorMode
		wantBody string
	}{
		{
			name:     "Sanitize",
			mode:     session.ErrorModeSanitize,
			wantBody: session.SanitizedErrorMessage,
		},
		{
			name:     "Actual",
			mode:     session.ErrorModeActual,
			wantBody: "An error occurred: stream failed: model down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLM{err: fmt.Errorf("model down")}
			store := &mockStore{messages: map[string][]models.Message{}}
			main := newMainWithOptions(t, llm, store, nil, handlers.Options{ErrorMode: tt.mode})

			req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader("message=Hi&chat_id=1"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			main.HandleChats(w, req)
			require.Equal(t, http.StatusOK, w.Code)

			assert.Eventually(t, func() bool {
				req := httptest.NewRequest(http.MethodGet, "/?chat_id=1", nil)
				w := httptest.NewRecorder()
				main.HandleHome(w, req)
				return strings.Contains(w.Body.String(), tt.wantBody)
			}, time.Second, 10*time.Millisecond)

			// The error is shown, not stored.
			msgs, err := store.Messages(context.Background(), "1")
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "Hi", msgs[0].Content)
		})
	}
}

func TestHandleChatsTrimsHistory(t *testing.T) {
	llm := &mockLLM{responses: []string{"ok"}}
	store := &mockStore{
		messages: map[string][]models.Message{
			"1": {{
				ID:             "1",
				Role:           models.RoleUser,
				Content:        strings.Repeat("long ", 20),
				ContentType:    models.ContentTypeText,
				StreamingState: models.StreamingStateEnded,
			}},
		},
	}
	main := newMainWithOptions(t, llm, store, nil, handlers.Options{
		TokenLimits: session.TokenLimits{Max: 12, Reserve: 2},
	})

	req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader("message=Hi&chat_id=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	main.HandleChats(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		msgs, _ := store.Messages(context.Background(), "1")
		return len(msgs) == 3
	}, time.Second, 10*time.Millisecond)

	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.received, 1)
	require.Len(t, llm.received[0], 1, "the old message exceeds the budget")
	assert.Equal(t, "Hi", llm.received[0][0].Content)
}

func TestHandleViewport(t *testing.T) {
	main := newMain(t, &mockLLM{}, &mockStore{messages: map[string][]models.Message{}}, nil)

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Missing chat",
			method:     http.MethodPost,
			body:       "scroll_top=0&client_height=300&scroll_height=1000",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Invalid number",
			method:     http.MethodPost,
			body:       "chat_id=1&scroll_top=top&client_height=300&scroll_height=1000",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Valid",
			method:     http.MethodPost,
			body:       "chat_id=1&scroll_top=650&client_height=300&scroll_height=1000",
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/chats/viewport", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleViewport(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleViewport() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleClearMessages(t *testing.T) {
	store := &mockStore{
		messages: map[string][]models.Message{
			"1": {{ID: "1", Role: models.RoleUser, Content: "Hello", StreamingState: models.StreamingStateEnded}},
		},
	}
	main := newMain(t, &mockLLM{}, store, nil)

	req := httptest.NewRequest(http.MethodPost, "/chats/clear", strings.NewReader("chat_id=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	main.HandleClearMessages(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	msgs, err := store.Messages(context.Background(), "1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The page rendered afterwards no longer shows the message.
	assert.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/?chat_id=1", nil)
		w := httptest.NewRecorder()
		main.HandleHome(w, req)
		return !strings.Contains(w.Body.String(), "Hello")
	}, time.Second, 10*time.Millisecond)
}

func TestHandleCellsUpdate(t *testing.T) {
	frame := grid.NewFrame([]string{"name", "age"}, [][]any{{"a", 1}, {"b", 2}},
		func(column string, value any) (any, error) {
			if column == "age" && value == "x" {
				return nil, fmt.Errorf("bad input")
			}
			return value, nil
		})
	cells := grid.NewRegistry()
	cells.Register("df", frame.UpdateCells)

	main := newMain(t, &mockLLM{}, &mockStore{}, cells)

	router := mux.NewRouter()
	router.HandleFunc("/outputs/{id}/cells_update", main.HandleCellsUpdate).Methods(http.MethodPost)
	srv := httptest.NewServer(router)
	defer srv.Close()

	client := grid.NewHTTPClient(srv.URL, srv.Client())

	values, err := client.UpdateCells(context.Background(), grid.UpdateRequest{
		OutputID:    "df",
		HandlerName: grid.HandlerCellsUpdate,
		Updates:     []grid.CellUpdate{{RowIndex: 1, ColumnIndex: 1, Value: "42", Prev: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"42"}, values)
	assert.Equal(t, "42", frame.Rows()[1][1])

	_, err = client.UpdateCells(context.Background(), grid.UpdateRequest{
		OutputID: "df",
		Updates:  []grid.CellUpdate{{RowIndex: 0, ColumnIndex: 1, Value: "x", Prev: 1}},
	})
	require.EqualError(t, err, "bad input")
	assert.Equal(t, 1, frame.Rows()[0][1])

	_, err = client.UpdateCells(context.Background(), grid.UpdateRequest{
		OutputID: "missing",
		Updates:  []grid.CellUpdate{{RowIndex: 0, ColumnIndex: 0, Value: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHandleWebSocket(t *testing.T) {
	llm := &mockLLM{responses: []string{"AI ", "response"}}
	store := &mockStore{
		messages: map[string][]models.Message{
			"1": {{
				ID:             "1",
				Role:           models.RoleUser,
				Content:        "Hello",
				ContentType:    models.ContentTypeText,
				StreamingState: models.StreamingStateEnded,
			}},
		},
	}
	main := newMain(t, llm, store, nil)

	srv := httptest.NewServer(http.HandlerFunc(main.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?chat_id=1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	read := func() models.Envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		assert.Equal(t, "1", env.ID)
		return env
	}

	// Snapshot of the current conversation.
	assert.Equal(t, models.HandlerClearMessages, read().Handler)
	env := read()
	require.Equal(t, models.HandlerAppendMessage, env.Handler)
	msg, err := env.DecodeMessage()
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)

	require.NoError(t, conn.WriteJSON(models.InputValue{
		InputID:  "1_user_input",
		Value:    "Hi",
		Priority: models.InputPriorityEvent,
	}))

	env = read()
	require.Equal(t, models.HandlerInputSent, env.Handler)
	msg, err = env.DecodeMessage()
	require.NoError(t, err)
	assert.Equal(t, "Hi", msg.Content)
	assert.Equal(t, models.RoleUser, msg.Role)

	var chunks []models.MessageChunk
	for {
		env := read()
		require.Equal(t, models.HandlerAppendMessageChunk, env.Handler)
		chunk, err := env.DecodeChunk()
		require.NoError(t, err)
		chunks = append(chunks, chunk)
		if chunk.ChunkType == models.ChunkTypeEnd {
			break
		}
	}
	require.Len(t, chunks, 4)
	assert.Equal(t, models.ChunkTypeStart, chunks[0].ChunkType)
	assert.Equal(t, "AI ", chunks[1].Content)
	assert.Equal(t, "response", chunks[2].Content)

	assert.Eventually(t, func() bool {
		msgs, _ := store.Messages(context.Background(), "1")
		return len(msgs) == 3 && msgs[1].Content == "Hi" && msgs[2].Content == "AI response"
	}, time.Second, 10*time.Millisecond)
}

func TestHandleWebSocketWithoutChat(t *testing.T) {
	main := newMain(t, &mockLLM{}, &mockStore{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	main.HandleWebSocket(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func (m *mockLLM) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	m.mu.Lock()
	m.received = append(m.received, slices.Clone(messages))
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		if m.release != nil {
			select {
			case <-m.release:
			case <-ctx.Done():
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (m mockTitleGenerator) GenerateTitle(_ context.Context, _ string) (string, error) {
	return m.title, nil
}

func (m *mockStore) Chats(_ context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.chats), nil
}

func (m *mockStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	m.chats = append(m.chats, chat)
	return chat.ID, nil
}

func (m *mockStore) UpdateChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx == -1 {
		return fmt.Errorf("chat not found")
	}
	m.chats[idx] = chat
	return m.err
}

func (m *mockStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[chatID]), nil
}

func (m *mockStore) AddMessage(_ context.Context, chatID string, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	if m.messages == nil {
		m.messages = map[string][]models.Message{}
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	return msg.ID, nil
}

func (m *mockStore) ClearMessages(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	delete(m.messages, chatID)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

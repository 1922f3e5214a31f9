package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/chat"
	"github.com/MegaGrindStone/chat-web-ui/internal/grid"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/tmaxmax/go-sse"
)

type chatTitle struct {
	ID    string
	Title string

	Active bool
}

type homePageData struct {
	Chats         []chatTitle
	CurrentChatID string
	Messages      []message

	InputEnabled bool
	InputValue   string
	Placeholder  string
}

// HandleHome renders the home page. With a "chat_id" query parameter the page shows that chat's
// conversation as its controller currently holds it, loading it from the store on first visit.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	data := homePageData{
		CurrentChatID: chatID,
		InputEnabled:  true,
		Placeholder:   m.opts.Placeholder,
	}
	for _, ch := range chats {
		data.Chats = append(data.Chats, chatTitle{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == chatID,
		})
	}

	if chatID != "" {
		if err := m.fillChatbox(r.Context(), chatID, &data); err != nil {
			m.logger.Error("Failed to load chat",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// fillChatbox copies the controller state of chatID into data.
func (m Main) fillChatbox(ctx context.Context, chatID string, data *homePageData) error {
	rt, err := m.runtime(ctx, chatID)
	if err != nil {
		return err
	}

	var msgs []models.Message
	err = rt.queue.Do(ctx, func(c *chat.Controller) {
		msgs = c.Messages()
		data.InputEnabled = c.InputEnabled()
		data.InputValue = c.InputValue()
		data.Placeholder = c.Placeholder()
	})
	if err != nil {
		return fmt.Errorf("failed to read chat state: %w", err)
	}

	data.CurrentChatID = chatID
	data.Messages = make([]message, 0, len(msgs))
	for _, msg := range msgs {
		content, err := m.renderer.Render(msg.Content, msg.ContentType)
		if err != nil {
			m.logger.Warn("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
		}
		data.Messages = append(data.Messages, newMessage(msg, content))
	}
	return nil
}

// HandleChats processes the user's submitted input through HTTP POST requests. It accepts the input
// through the "message" form field and an optional "chat_id" field; without a chat id a new chat is
// created and its title is generated in the background.
//
// The input goes through the chat controller exactly as a typed submit does: the user message and the
// loading placeholder are appended, the input is disabled, and the response streams in through the
// chat's SSE topic. The handler replies with the rendered chatbox. It returns 409 Conflict while a
// response is still being received, since the input is disabled then.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	var err error

	chatID := r.FormValue("chat_id")
	isNewChat := false
	if chatID == "" {
		chatID, err = m.newChat(r.Context())
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	}

	rt, err := m.runtime(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to load chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var submitErr error
	disabled := false
	err = rt.queue.Do(r.Context(), func(c *chat.Controller) {
		if !c.InputEnabled() {
			disabled = true
			return
		}
		submitErr = c.Submit(r.Context(), msg)
	})
	if err == nil {
		err = submitErr
	}
	if err != nil {
		m.logger.Error("Failed to submit input",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if disabled {
		http.Error(w, "A response is still being received", http.StatusConflict)
		return
	}

	if isNewChat {
		m.runtimes.wg.Add(1)
		go func() {
			defer m.runtimes.wg.Done()
			m.generateChatTitle(chatID, msg)
		}()
	}

	data := homePageData{}
	if err := m.fillChatbox(r.Context(), chatID, &data); err != nil {
		m.logger.Error("Failed to load chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleViewport records the scroll position of the chat's message list as reported by the browser.
// The controller uses it to decide whether streamed content keeps the list pinned to the bottom.
func (m Main) HandleViewport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	var vp chat.Viewport
	fields := []struct {
		name string
		dst  *int
	}{
		{"scroll_top", &vp.ScrollTop},
		{"client_height", &vp.ClientHeight},
		{"scroll_height", &vp.ScrollHeight},
	}
	for _, f := range fields {
		v, err := strconv.Atoi(r.FormValue(f.name))
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid %s", f.name), http.StatusBadRequest)
			return
		}
		*f.dst = v
	}

	rt, err := m.runtime(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to load chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rt.view.setViewport(vp)

	w.WriteHeader(http.StatusNoContent)
}

// HandleClearMessages removes every message of the chat given by the "chat_id" form field.
func (m Main) HandleClearMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	rt, err := m.runtime(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to load chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := rt.session.ClearMessages(r.Context()); err != nil {
		m.logger.Error("Failed to clear messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE serves the Server-Sent Events stream. Every client receives the chat list updates, and
// with a "chat_id" query parameter also the view fragments of that chat.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// HandleCellsUpdate applies a batch of cell edits to the data frame registered under the "id" route
// variable. It replies with the stored values in request order, or with an error message; in both
// cases the body is a JSON update response.
func (m Main) HandleCellsUpdate(w http.ResponseWriter, r *http.Request) {
	outputID := mux.Vars(r)["id"]

	var req grid.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCellsResponse(w, http.StatusBadRequest, grid.UpdateResponse{Error: "invalid request body"})
		return
	}
	if req.HandlerName != "" && req.HandlerName != grid.HandlerCellsUpdate {
		writeCellsResponse(w, http.StatusBadRequest,
			grid.UpdateResponse{Error: fmt.Sprintf("unknown handler %q", req.HandlerName)})
		return
	}
	if req.OutputID != "" && req.OutputID != outputID {
		writeCellsResponse(w, http.StatusBadRequest, grid.UpdateResponse{Error: "output id mismatch"})
		return
	}

	update, ok := m.cells.Handler(outputID)
	if !ok {
		writeCellsResponse(w, http.StatusNotFound,
			grid.UpdateResponse{Error: fmt.Sprintf("output %q not found", outputID)})
		return
	}

	values, err := update(r.Context(), req.Updates)
	if err != nil {
		m.logger.Warn("Cells update rejected",
			slog.String("outputID", outputID),
			slog.String(errLoggerKey, err.Error()))
		writeCellsResponse(w, http.StatusUnprocessableEntity, grid.UpdateResponse{Error: err.Error()})
		return
	}

	writeCellsResponse(w, http.StatusOK, grid.UpdateResponse{Values: values})
}

func writeCellsResponse(w http.ResponseWriter, status int, res grid.UpdateResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

func (m Main) newChat(ctx context.Context) (string, error) {
	newChat := models.Chat{
		ID: uuid.New().String(),
	}
	newChatID, err := m.store.AddChat(ctx, newChat)
	if err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	if err := m.publishChats(ctx, newChatID); err != nil {
		return "", err
	}
	return newChatID, nil
}

// respond stores the user's input, then streams the LLM's reply into the chat. Failures are shown in
// the chat according to the error mode.
func (m Main) respond(rt *chatRuntime, text string) {
	ctx := m.runtimes.ctx
	logger := m.logger.With(slog.String("chatID", rt.session.ID()))

	if _, err := rt.session.RecordUserInput(ctx, text); err != nil {
		if errors.Is(err, session.ErrInputSuspended) {
			logger.Debug("User input suspended")
			return
		}
		m.reportError(ctx, rt, err)
		return
	}

	messages, err := rt.session.History(ctx, m.opts.TokenLimits)
	if err != nil {
		m.reportError(ctx, rt, err)
		return
	}

	start := time.Now()
	reply, err := rt.session.AppendMessageStream(ctx, m.llm.Chat(ctx, messages))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.reportError(ctx, rt, err)
		return
	}

	logger.Debug("LLM response",
		slog.String("messageID", reply.ID),
		slog.Int("history", len(messages)),
		slog.Int("length", len(reply.Content)),
		slog.Duration("took", time.Since(start)))
}

func (m Main) reportError(ctx context.Context, rt *chatRuntime, err error) {
	if err := rt.session.ReportError(context.WithoutCancel(ctx), err); err != nil {
		m.logger.Error("Failed to report error",
			slog.String("chatID", rt.session.ID()),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) generateChatTitle(chatID string, message string) {
	if m.titleGenerator == nil {
		return
	}

	title, err := m.titleGenerator.GenerateTitle(m.runtimes.ctx, message)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	updatedChat := models.Chat{
		ID:    chatID,
		Title: title,
	}
	if err := m.store.UpdateChat(m.runtimes.ctx, updatedChat); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.publishChats(m.runtimes.ctx, chatID); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishChats(ctx context.Context, activeID string) error {
	divs, err := m.chatDivs(ctx, activeID)
	if err != nil {
		return fmt.Errorf("failed to create chat divs: %w", err)
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)

	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		return fmt.Errorf("failed to publish chats: %w", err)
	}
	return nil
}

func (m Main) chatDivs(ctx context.Context, activeID string) (string, error) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chatTitle{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

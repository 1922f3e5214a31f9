package handlers

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/chat"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

// SSE event types for the chat view. Each event carries either a rendered fragment or a small
// instruction for the page script.
var (
	chatsSSEType         = sse.Type("chats")
	appendSSEType        = sse.Type("append")
	updateSSEType        = sse.Type("update")
	removeSSEType        = sse.Type("remove")
	clearSSEType         = sse.Type("clear")
	inputDisabledSSEType = sse.Type("input_disabled")
	inputSSEType         = sse.Type("input")
	scrollSSEType        = sse.Type("scroll")
	errorSSEType         = sse.Type("error")
)

// sseView renders the controller's mutations into HTML fragments and publishes them on the chat topic.
// The viewport is the one last reported by the browser.
type sseView struct {
	srv       *sse.Server
	templates *template.Template
	topic     string

	mu       sync.Mutex
	viewport chat.Viewport

	logger *slog.Logger
}

func newSSEView(srv *sse.Server, templates *template.Template, chatID string, logger *slog.Logger) *sseView {
	return &sseView{
		srv:       srv,
		templates: templates,
		topic:     chatTopic(chatID),
		logger:    logger.With(slog.String("module", "sse_view")),
	}
}

func newMessage(msg models.Message, content template.HTML) message {
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        content,
		Timestamp:      msg.Timestamp,
		StreamingState: string(msg.StreamingState),
	}
}

func (v *sseView) publish(typ sse.EventType, data string) {
	msg := sse.Message{
		Type: typ,
	}
	msg.AppendData(data)
	if err := v.srv.Publish(&msg, v.topic); err != nil {
		v.logger.Error("Failed to publish event",
			slog.String("topic", v.topic),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (v *sseView) publishMessage(typ sse.EventType, msg models.Message, content template.HTML) {
	var sb strings.Builder
	if err := v.templates.ExecuteTemplate(&sb, "message", newMessage(msg, content)); err != nil {
		v.logger.Error("Failed to execute message template",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	v.publish(typ, sb.String())
}

func (v *sseView) AppendMessage(msg models.Message, content template.HTML) {
	v.publishMessage(appendSSEType, msg, content)
}

func (v *sseView) UpdateMessage(msg models.Message, content template.HTML) {
	v.publishMessage(updateSSEType, msg, content)
}

func (v *sseView) RemoveMessage(id string) {
	v.publish(removeSSEType, id)
}

func (v *sseView) ClearMessages() {
	v.publish(clearSSEType, "clear")
}

func (v *sseView) SetInputDisabled(disabled bool) {
	v.publish(inputDisabledSSEType, strconv.FormatBool(disabled))
}

func (v *sseView) SetUserInput(update models.UserInputUpdate) {
	bs, err := json.Marshal(update)
	if err != nil {
		v.logger.Error("Failed to marshal input update", slog.String(errLoggerKey, err.Error()))
		return
	}
	v.publish(inputSSEType, string(bs))
}

func (v *sseView) Viewport() chat.Viewport {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewport
}

// SetScrollTop moves the known viewport along so a burst of chunks keeps following the bottom even
// before the browser reports back.
func (v *sseView) SetScrollTop(top int) {
	v.mu.Lock()
	v.viewport.ScrollTop = top
	v.mu.Unlock()

	v.publish(scrollSSEType, strconv.Itoa(top))
}

func (v *sseView) setViewport(vp chat.Viewport) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.viewport = vp
}

func (v *sseView) showError(err error) {
	v.publish(errorSSEType, err.Error())
}

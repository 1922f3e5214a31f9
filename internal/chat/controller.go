// Package chat implements the client side of a streaming chat: a state machine that folds pushed
// message and chunk events into an ordered message list, keeps the input box enabled exactly while no
// response is outstanding, and mirrors every change onto a View.
package chat

import (
	"context"
	"fmt"
	"html"
	"html/template"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/google/uuid"
)

// Controller owns the message list and the input state of one chat. It is not safe for concurrent
// use; run it behind a Queue when events come from more than one goroutine.
type Controller struct {
	id string

	transport Transport
	view      View
	renderer  Renderer
	logger    *slog.Logger

	scrollThreshold int

	messages      []models.Message
	inputEnabled  bool
	streamingOpen bool
	inputValue    string
	placeholder   string
}

// Option configures a Controller.
type Option func(*Controller)

// WithView attaches a rendering surface. Without one the controller only keeps state.
func WithView(v View) Option {
	return func(c *Controller) {
		c.view = v
	}
}

// WithRenderer sets the renderer used to turn message content into markup.
func WithRenderer(r Renderer) Option {
	return func(c *Controller) {
		c.renderer = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithScrollThreshold overrides DefaultScrollThreshold.
func WithScrollThreshold(threshold int) Option {
	return func(c *Controller) {
		c.scrollThreshold = threshold
	}
}

// WithPlaceholder sets the initial placeholder of the input box.
func WithPlaceholder(placeholder string) Option {
	return func(c *Controller) {
		c.placeholder = placeholder
	}
}

// NewController creates the controller of chat id. The transport receives the user's submitted input.
func NewController(id string, transport Transport, opts ...Option) *Controller {
	c := &Controller{
		id:              id,
		transport:       transport,
		view:            NopView{},
		renderer:        escapeRenderer{},
		logger:          slog.Default(),
		scrollThreshold: DefaultScrollThreshold,
		inputEnabled:    true,
		placeholder:     "Enter a message...",
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "chat"), slog.String("chatID", id))
	return c
}

// ID returns the chat id.
func (c *Controller) ID() string { return c.id }

// InputID is the id the submitted input is reported under.
func (c *Controller) InputID() string { return c.id + "_user_input" }

// Messages returns a copy of the message list, in display order.
func (c *Controller) Messages() []models.Message { return slices.Clone(c.messages) }

// InputEnabled reports whether the user may submit input.
func (c *Controller) InputEnabled() bool { return c.inputEnabled }

// StreamingOpen reports whether a start chunk has been seen without its end chunk.
func (c *Controller) StreamingOpen() bool { return c.streamingOpen }

// InputValue returns the text last set on the input box by the server.
func (c *Controller) InputValue() string { return c.inputValue }

// Placeholder returns the placeholder of the input box.
func (c *Controller) Placeholder() string { return c.placeholder }

func (c *Controller) loadingID() string {
	return c.id + "-loading-message"
}

// Submit is the input box's submit action. It reports the input to the transport and then appends it
// to the chat as OnUserSubmit does. Blank input and input submitted while the box is disabled are
// ignored.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !c.inputEnabled {
		c.logger.Debug("Submit ignored while input is disabled")
		return nil
	}

	input := models.InputValue{
		InputID:  c.InputID(),
		Value:    text,
		Priority: models.InputPriorityEvent,
	}
	if err := c.transport.SendInput(ctx, input); err != nil {
		return fmt.Errorf("failed to send input: %w", err)
	}

	c.inputValue = ""
	c.view.SetUserInput(models.UserInputUpdate{Value: &c.inputValue})
	c.OnUserSubmit(text)
	return nil
}

// OnUserSubmit appends the user's message followed by a loading placeholder and disables the input.
// Blank text is ignored.
func (c *Controller) OnUserSubmit(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	c.appendMessage(models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleUser,
		Content:        text,
		ContentType:    models.ContentTypeText,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateEnded,
	})

	loading := models.Message{
		ID:             c.loadingID(),
		Role:           models.RoleAssistant,
		ContentType:    models.ContentTypeHTML,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateLoading,
	}
	c.messages = append(c.messages, loading)
	c.view.AppendMessage(loading, "")
	c.scrollToBottom()

	c.setInputEnabled(false)
}

// OnAppendMessage appends a complete message, replacing the loading placeholder if there is one. The
// input is re-enabled unless a stream is still open.
func (c *Controller) OnAppendMessage(msg models.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ContentType == "" {
		msg.ContentType = models.ContentTypeMarkdown
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.StreamingState = models.StreamingStateEnded

	c.appendMessage(msg)

	if !c.streamingOpen {
		c.setInputEnabled(true)
	}
}

// OnAppendChunk folds one chunk of a streamed message into the message list.
//
// A start chunk opens an empty message with the chunk's role. A mid-stream chunk replaces or extends
// the content of the last message and fails with a ProtocolError when no stream is open. An end chunk
// closes the stream and re-enables the input; its content is ignored.
func (c *Controller) OnAppendChunk(chunk models.MessageChunk) error {
	switch chunk.ChunkType {
	case models.ChunkTypeStart:
		c.startStream(chunk)
		return nil
	case models.ChunkTypeEnd:
		c.endStream()
		return nil
	case models.ChunkTypeMiddle:
	default:
		return &ProtocolError{Op: "append chunk", Reason: fmt.Sprintf("unknown chunk type %q", chunk.ChunkType)}
	}

	if !c.streamingOpen || len(c.messages) == 0 {
		return &ProtocolError{Op: "append chunk", Reason: "no open stream"}
	}

	last := &c.messages[len(c.messages)-1]
	if chunk.Operation == models.OperationReplace {
		last.Content = chunk.Content
	} else {
		last.Content += chunk.Content
	}
	c.view.UpdateMessage(*last, c.render(*last))

	// A reader who scrolled up keeps their position while the stream grows.
	if !c.view.Viewport().FollowsBottom(c.scrollThreshold) {
		return nil
	}
	c.scrollToBottom()
	return nil
}

func (c *Controller) startStream(chunk models.MessageChunk) {
	if c.streamingOpen {
		c.logger.Warn("Start chunk while a stream is open, closing the previous stream")
		c.closeStreamingMessage()
	}

	role := chunk.Role
	if role == "" {
		role = models.RoleAssistant
	}
	contentType := chunk.ContentType
	if contentType == "" {
		contentType = models.ContentTypeMarkdown
	}

	c.appendMessage(models.Message{
		ID:             uuid.New().String(),
		Role:           role,
		ContentType:    contentType,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateStreaming,
	})
	c.streamingOpen = true
}

func (c *Controller) endStream() {
	if !c.streamingOpen {
		c.logger.Debug("End chunk without an open stream")
	}
	c.closeStreamingMessage()
	c.streamingOpen = false
	c.setInputEnabled(true)
}

func (c *Controller) closeStreamingMessage() {
	if len(c.messages) == 0 {
		return
	}
	last := &c.messages[len(c.messages)-1]
	if last.StreamingState != models.StreamingStateStreaming {
		return
	}
	last.StreamingState = models.StreamingStateEnded
	c.view.UpdateMessage(*last, c.render(*last))
}

// OnClearMessages empties the message list and forgets any open stream. The input state is untouched.
func (c *Controller) OnClearMessages() {
	c.messages = nil
	c.streamingOpen = false
	c.view.ClearMessages()
}

// OnRemoveLoadingMessage removes the loading placeholder, if any, and re-enables the input. The server
// sends it when a response is cancelled or failed.
func (c *Controller) OnRemoveLoadingMessage() {
	c.removeLoadingMessage()
	c.setInputEnabled(true)
}

// OnUpdateUserInput sets the text and/or placeholder of the input box.
func (c *Controller) OnUpdateUserInput(update models.UserInputUpdate) {
	if update.Value != nil {
		c.inputValue = *update.Value
	}
	if update.Placeholder != nil {
		c.placeholder = *update.Placeholder
	}
	c.view.SetUserInput(update)
}

// Dispatch decodes env and runs the matching handler. Envelopes addressed to another chat are ignored.
func (c *Controller) Dispatch(env models.Envelope) error {
	if env.ID != "" && env.ID != c.id {
		c.logger.Debug("Ignoring event for another chat", slog.String("targetID", env.ID))
		return nil
	}

	switch env.Handler {
	case models.HandlerInputSent:
		msg, err := env.DecodeMessage()
		if err != nil {
			return err
		}
		c.OnUserSubmit(msg.Content)
	case models.HandlerAppendMessage:
		msg, err := env.DecodeMessage()
		if err != nil {
			return err
		}
		c.OnAppendMessage(msg)
	case models.HandlerAppendMessageChunk:
		chunk, err := env.DecodeChunk()
		if err != nil {
			return err
		}
		return c.OnAppendChunk(chunk)
	case models.HandlerClearMessages:
		c.OnClearMessages()
	case models.HandlerRemoveLoadingMessage:
		c.OnRemoveLoadingMessage()
	case models.HandlerUpdateUserInput:
		update, err := env.DecodeUserInputUpdate()
		if err != nil {
			return err
		}
		c.OnUpdateUserInput(update)
	default:
		return &models.MalformedEventError{Handler: env.Handler, Err: fmt.Errorf("unknown handler")}
	}
	return nil
}

func (c *Controller) appendMessage(msg models.Message) {
	c.removeLoadingMessage()
	c.messages = append(c.messages, msg)
	c.view.AppendMessage(msg, c.render(msg))
	c.scrollToBottom()
}

func (c *Controller) removeLoadingMessage() {
	if len(c.messages) == 0 {
		return
	}
	last := c.messages[len(c.messages)-1]
	if !last.IsLoading() {
		return
	}
	c.messages = c.messages[:len(c.messages)-1]
	c.view.RemoveMessage(last.ID)
}

func (c *Controller) setInputEnabled(enabled bool) {
	c.inputEnabled = enabled
	c.view.SetInputDisabled(!enabled)
}

func (c *Controller) scrollToBottom() {
	c.view.SetScrollTop(c.view.Viewport().ScrollHeight)
}

// render never fails: content that cannot be rendered is shown escaped instead.
func (c *Controller) render(msg models.Message) template.HTML {
	if msg.Content == "" {
		return ""
	}
	out, err := c.renderer.Render(msg.Content, msg.ContentType)
	if err != nil {
		c.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String("error", err.Error()))
		out, _ = escapeRenderer{}.Render(msg.Content, models.ContentTypeText)
	}
	return out
}

type escapeRenderer struct{}

func (escapeRenderer) Render(text string, _ models.ContentType) (template.HTML, error) {
	return template.HTML(html.EscapeString(text)), nil
}

// Package session is the server half of a chat. It turns whole messages and streamed responses into
// the events a chat controller consumes, keeps them in order, and persists the finished messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/google/uuid"
)

// Sender delivers an event envelope to the client side of a chat.
type Sender interface {
	Send(ctx context.Context, env models.Envelope) error
}

// SenderFunc adapts a function to a Sender.
type SenderFunc func(ctx context.Context, env models.Envelope) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, env models.Envelope) error {
	return f(ctx, env)
}

// Store persists the finished messages of a chat.
type Store interface {
	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	ClearMessages(ctx context.Context, chatID string) error
}

// Transform rewrites the content of a message before it is stored and shown. Returning false drops
// the message.
type Transform func(ctx context.Context, content string) (string, bool, error)

// ErrorMode decides what the user sees when a response fails.
type ErrorMode string

const (
	// ErrorModeSanitize shows a generic error message in the chat.
	ErrorModeSanitize ErrorMode = "sanitize"
	// ErrorModeActual shows the error text in the chat.
	ErrorModeActual ErrorMode = "actual"
	// ErrorModeUnhandled shows nothing; the loading indicator is removed and the error only logged.
	ErrorModeUnhandled ErrorMode = "unhandled"
)

// SanitizedErrorMessage is shown in place of the error text in ErrorModeSanitize.
const SanitizedErrorMessage = "An error occurred while generating the response. Check the server logs or try again later."

var (
	// ErrInputSuspended is returned by RecordUserInput when the input transform dropped the input.
	// No response should be generated for it.
	ErrInputSuspended = errors.New("user input suspended")

	// ErrTokenLimit is returned by History when even the newest message does not fit the budget.
	ErrTokenLimit = errors.New("newest message exceeds the token limit")
)

// TokenLimits bound the history handed to a model: Max tokens per request, of which Reserve are kept
// free for the response. A zero Max disables trimming.
type TokenLimits struct {
	Max     int
	Reserve int
}

// Chat is the server side of one chat. It is safe for concurrent use: a streamed response may run in
// its own goroutine while handlers append messages, which are then held back until the stream ends.
type Chat struct {
	id     string
	sender Sender
	store  Store
	logger *slog.Logger

	transformUser      Transform
	transformAssistant Transform
	errorMode          ErrorMode
	countTokens        func(string) int

	// streamMu serializes streams; mu guards the fields below and orders sends.
	streamMu  sync.Mutex
	mu        sync.Mutex
	streaming bool
	// abandoned is set when the messages are cleared while a stream is open.
	abandoned bool
	pending   []pendingMessage
}

type pendingMessage struct {
	msg   models.Message
	store bool
}

// Option configures a Chat.
type Option func(*Chat)

// WithUserInputTransform applies fn to every recorded user input.
func WithUserInputTransform(fn Transform) Option {
	return func(c *Chat) {
		c.transformUser = fn
	}
}

// WithAssistantTransform applies fn to every assistant message. Streamed responses are transformed
// as a whole after every fragment.
func WithAssistantTransform(fn Transform) Option {
	return func(c *Chat) {
		c.transformAssistant = fn
	}
}

// WithErrorMode sets what ReportError shows. The default is ErrorModeSanitize.
func WithErrorMode(mode ErrorMode) Option {
	return func(c *Chat) {
		c.errorMode = mode
	}
}

// WithTokenCounter sets how History counts the tokens of a message. The default is EstimateTokens.
func WithTokenCounter(fn func(string) int) Option {
	return func(c *Chat) {
		c.countTokens = fn
	}
}

// New creates the server side of chat id.
func New(id string, sender Sender, store Store, logger *slog.Logger, opts ...Option) *Chat {
	c := &Chat{
		id:          id,
		sender:      sender,
		store:       store,
		errorMode:   ErrorModeSanitize,
		countTokens: EstimateTokens,
		logger:      logger.With(slog.String("module", "session"), slog.String("chatID", id)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ParseErrorMode validates s. An empty s is ErrorModeSanitize.
func ParseErrorMode(s string) (ErrorMode, error) {
	switch mode := ErrorMode(s); mode {
	case "":
		return ErrorModeSanitize, nil
	case ErrorModeSanitize, ErrorModeActual, ErrorModeUnhandled:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown error mode %q", s)
	}
}

// EstimateTokens approximates the token count of s at four characters per token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// ID returns the chat id.
func (c *Chat) ID() string { return c.id }

// Messages returns the stored messages of the chat.
func (c *Chat) Messages(ctx context.Context) ([]models.Message, error) {
	msgs, err := c.store.Messages(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

// History returns the newest stored messages whose tokens fit limits.Max minus limits.Reserve, oldest
// first.
func (c *Chat) History(ctx context.Context, limits TokenLimits) ([]models.Message, error) {
	msgs, err := c.Messages(ctx)
	if err != nil {
		return nil, err
	}
	if limits.Max <= 0 || len(msgs) == 0 {
		return msgs, nil
	}

	budget := limits.Max - limits.Reserve
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		total += c.countTokens(msgs[i].Content)
		if total > budget {
			break
		}
		start = i
	}
	if start == len(msgs) {
		return nil, ErrTokenLimit
	}
	if start > 0 {
		c.logger.Debug("History trimmed", slog.Int("dropped", start), slog.Int("kept", len(msgs)-start))
	}
	return msgs[start:], nil
}

// RecordUserInput stores the user's submitted input. Nothing is sent: the client already shows it.
// When the input transform drops the input, the original text is stored, the client's loading
// indicator is removed and ErrInputSuspended is returned.
func (c *Chat) RecordUserInput(ctx context.Context, text string) (models.Message, error) {
	msg := models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleUser,
		Content:        text,
		ContentType:    models.ContentTypeText,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateEnded,
	}

	suspended := false
	if c.transformUser != nil {
		content, ok, err := c.transformUser(ctx, text)
		if err != nil {
			return models.Message{}, fmt.Errorf("failed to transform user input: %w", err)
		}
		if ok {
			msg.Content = content
		}
		suspended = !ok
	}

	id, err := c.store.AddMessage(ctx, c.id, msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to add user message: %w", err)
	}
	msg.ID = id

	if suspended {
		if err := c.RemoveLoadingMessage(ctx); err != nil {
			return msg, err
		}
		return msg, ErrInputSuspended
	}
	return msg, nil
}

// AppendMessage stores msg and sends it to the client. While a stream is open the message is held
// back and sent right after the stream ends.
func (c *Chat) AppendMessage(ctx context.Context, msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streaming {
		c.pending = append(c.pending, pendingMessage{msg: msg, store: true})
		return nil
	}
	return c.appendMessage(ctx, msg)
}

func (c *Chat) appendMessage(ctx context.Context, msg models.Message) error {
	if msg.Role == "" {
		msg.Role = models.RoleAssistant
	}
	if msg.ContentType == "" {
		msg.ContentType = models.ContentTypeMarkdown
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.StreamingState = models.StreamingStateEnded

	if msg.Role == models.RoleAssistant && c.transformAssistant != nil {
		content, ok, err := c.transformAssistant(ctx, msg.Content)
		if err != nil {
			return fmt.Errorf("failed to transform message: %w", err)
		}
		if !ok {
			return nil
		}
		msg.Content = content
	}

	if _, err := c.store.AddMessage(ctx, c.id, msg); err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}

	// System messages steer the model, they are not part of the conversation shown to the user.
	if msg.Role == models.RoleSystem {
		return nil
	}

	env, err := models.MessageEnvelope(c.id, models.HandlerAppendMessage, msg)
	if err != nil {
		return err
	}
	if err := c.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// AppendMessageStream sends the fragments of seq as one streamed assistant message and stores the
// assembled message once the stream ends. The end chunk is always sent, even when seq fails or ctx is
// cancelled. When seq yields an error the loading indicator is removed as well, and the error is
// returned after the partial message has been stored. Clearing the messages abandons the stream: seq
// is no longer consumed and nothing is stored.
func (c *Chat) AppendMessageStream(ctx context.Context, seq iter.Seq2[string, error]) (models.Message, error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	c.mu.Lock()
	c.streaming = true
	c.abandoned = false
	err := c.sendChunk(ctx, models.MessageChunk{
		Role:        models.RoleAssistant,
		ChunkType:   models.ChunkTypeStart,
		ContentType: models.ContentTypeMarkdown,
	})
	c.mu.Unlock()

	var sb strings.Builder
	// content is what the client shows: the assembled fragments, transformed when a transform is set.
	content := ""
	var streamErr error
	if err == nil {
		for fragment, err := range seq {
			if err != nil {
				streamErr = err
				break
			}
			if fragment == "" {
				continue
			}
			sb.WriteString(fragment)

			c.mu.Lock()
			if c.abandoned {
				c.mu.Unlock()
				break
			}
			sendErr := c.sendFragment(ctx, fragment, sb.String(), &content)
			c.mu.Unlock()
			if sendErr != nil {
				streamErr = sendErr
				break
			}
		}
	} else {
		streamErr = err
	}

	// The stream must be closed on the client even if the request context is gone.
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if err := c.sendChunk(ctx, models.MessageChunk{Role: models.RoleAssistant, ChunkType: models.ChunkTypeEnd}); err != nil {
		errs = append(errs, err)
	}
	c.streaming = false

	msg := models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleAssistant,
		Content:        content,
		ContentType:    models.ContentTypeMarkdown,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateEnded,
	}
	if c.abandoned {
		c.abandoned = false
		c.logger.Debug("Stream abandoned, messages were cleared")
		msg.Content = ""
	}
	if msg.Content != "" {
		id, err := c.store.AddMessage(ctx, c.id, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to add streamed message: %w", err))
		} else {
			msg.ID = id
		}
	}

	if streamErr != nil {
		c.logger.Error("Stream failed", slog.String("error", streamErr.Error()))
		errs = append(errs, fmt.Errorf("stream failed: %w", streamErr))
		if err := c.send(ctx, models.HandlerRemoveLoadingMessage, nil); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.flushPending(ctx); err != nil {
		errs = append(errs, err)
	}

	return msg, errors.Join(errs...)
}

// sendFragment sends one mid-stream chunk. Without an assistant transform the fragment is appended;
// with one, the transformed whole replaces the client's content, or nothing is sent when it is
// dropped. content tracks what the client shows.
func (c *Chat) sendFragment(ctx context.Context, fragment, whole string, content *string) error {
	if c.transformAssistant == nil {
		*content = whole
		return c.sendChunk(ctx, models.MessageChunk{
			Content:   fragment,
			Role:      models.RoleAssistant,
			Operation: models.OperationAppend,
		})
	}

	transformed, ok, err := c.transformAssistant(ctx, whole)
	if err != nil {
		return fmt.Errorf("failed to transform message: %w", err)
	}
	if !ok {
		return nil
	}
	*content = transformed
	return c.sendChunk(ctx, models.MessageChunk{
		Content:   transformed,
		Role:      models.RoleAssistant,
		Operation: models.OperationReplace,
	})
}

func (c *Chat) flushPending(ctx context.Context) error {
	pending := c.pending
	c.pending = nil

	var errs []error
	for _, p := range pending {
		send := c.sendMessage
		if p.store {
			send = c.appendMessage
		}
		if err := send(ctx, p.msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClearMessages removes every stored message and clears the client's message list.
func (c *Chat) ClearMessages(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.ClearMessages(ctx, c.id); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	c.pending = nil
	if c.streaming {
		c.abandoned = true
	}
	return c.send(ctx, models.HandlerClearMessages, nil)
}

// ReportError shows err to the user according to the chat's error mode. In ErrorModeSanitize and
// ErrorModeActual an assistant message is appended, which also replaces the loading indicator; in
// ErrorModeUnhandled only the loading indicator is removed.
func (c *Chat) ReportError(ctx context.Context, err error) error {
	c.logger.Error("Response failed", slog.String("error", err.Error()))

	var content string
	switch c.errorMode {
	case ErrorModeUnhandled:
		return c.RemoveLoadingMessage(ctx)
	case ErrorModeActual:
		content = "An error occurred: " + err.Error()
	default:
		content = SanitizedErrorMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msg := models.Message{
		Role:        models.RoleAssistant,
		Content:     content,
		ContentType: models.ContentTypeText,
	}
	if c.streaming {
		c.pending = append(c.pending, pendingMessage{msg: msg})
		return nil
	}
	return c.sendMessage(ctx, msg)
}

// sendMessage sends msg without storing it.
func (c *Chat) sendMessage(ctx context.Context, msg models.Message) error {
	msg.ID = uuid.New().String()
	msg.Timestamp = time.Now()
	msg.StreamingState = models.StreamingStateEnded
	env, err := models.MessageEnvelope(c.id, models.HandlerAppendMessage, msg)
	if err != nil {
		return err
	}
	if err := c.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// RemoveLoadingMessage removes the client's loading indicator and re-enables its input.
func (c *Chat) RemoveLoadingMessage(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.send(ctx, models.HandlerRemoveLoadingMessage, nil)
}

// UpdateUserInput sets the text and/or the placeholder of the client's input box.
func (c *Chat) UpdateUserInput(ctx context.Context, update models.UserInputUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.send(ctx, models.HandlerUpdateUserInput, update)
}

func (c *Chat) sendChunk(ctx context.Context, chunk models.MessageChunk) error {
	env, err := models.ChunkEnvelope(c.id, chunk)
	if err != nil {
		return err
	}
	if err := c.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send chunk: %w", err)
	}
	return nil
}

func (c *Chat) send(ctx context.Context, handler string, payload any) error {
	env, err := models.NewEnvelope(c.id, handler, payload)
	if err != nil {
		return err
	}
	if err := c.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send %s: %w", handler, err)
	}
	return nil
}

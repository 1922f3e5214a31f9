package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"sync"
	"time"

	chatwebui "github.com/MegaGrindStone/chat-web-ui"
	"github.com/MegaGrindStone/chat-web-ui/internal/chat"
	"github.com/MegaGrindStone/chat-web-ui/internal/grid"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/render"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response fragments and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// TitleGenerator represents an interface for generating a title for a chat from its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Store defines the interface for managing chat and message persistence. Only finished messages are
// stored; the loading placeholder and partial streams live in the chat controller only.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error

	session.Store
}

// Options tune the chat runtime. Zero values fall back to defaults.
type Options struct {
	ScrollThreshold int
	Placeholder     string

	// SubmitRate and SubmitBurst limit how fast a websocket client may submit input.
	SubmitRate  rate.Limit
	SubmitBurst int

	// ErrorMode decides what the user sees when a response fails. Empty means sanitized.
	ErrorMode session.ErrorMode
	// TokenLimits trim the history sent to the LLM.
	TokenLimits session.TokenLimits

	UserInputTransform session.Transform
	AssistantTransform session.Transform
}

// Main handles the core functionality of the chat application. It owns one chat runtime per chat id:
// the chat controller and its queue, the server session that feeds it, and the views attached to it
// (the SSE fragment view and the raw websocket subscribers).
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	upgrader  websocket.Upgrader

	llm            LLM
	titleGenerator TitleGenerator
	store          Store
	renderer       chat.Renderer
	cells          *grid.Registry
	opts           Options

	runtimes *runtimes

	logger *slog.Logger
}

type runtimes struct {
	mu     sync.Mutex
	chats  map[string]*chatRuntime
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type chatRuntime struct {
	// stop ends the queue goroutine.
	stop    context.CancelFunc
	queue   *chat.Queue
	session *session.Chat
	view    *sseView
	sockets *socketHub
}

const (
	chatsSSETopic = "chats"
	errLoggerKey  = "error"
)

// NewMain creates a new Main instance. It initializes the SSE server, parses the HTML templates from
// the embedded filesystem, and prepares an empty set of chat runtimes. titleGenerator may be nil, in
// which case chats keep an empty title; a nil renderer renders markdown with the default style.
func NewMain(
	llm LLM,
	titleGenerator TitleGenerator,
	store Store,
	renderer chat.Renderer,
	cells *grid.Registry,
	opts Options,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		chatwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	if opts.ScrollThreshold <= 0 {
		opts.ScrollThreshold = chat.DefaultScrollThreshold
	}
	if opts.Placeholder == "" {
		opts.Placeholder = "Enter a message..."
	}
	if opts.SubmitRate == 0 {
		opts.SubmitRate = rate.Every(time.Second)
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 3
	}
	if cells == nil {
		cells = grid.NewRegistry()
	}
	if renderer == nil {
		renderer = render.NewMarkdown("")
	}
	if opts.ErrorMode == "" {
		opts.ErrorMode = session.ErrorModeSanitize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We add the chat topic if the client watches a particular chat
				chatID := s.Req.URL.Query().Get("chat_id")
				if chatID != "" {
					topics = append(topics, chatTopic(chatID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		llm:            llm,
		titleGenerator: titleGenerator,
		store:          store,
		renderer:       renderer,
		cells:          cells,
		opts:           opts,
		runtimes: &runtimes{
			chats:  make(map[string]*chatRuntime),
			ctx:    ctx,
			cancel: cancel,
		},
		logger: logger.With(slog.String("module", "main")),
	}, nil
}

func chatTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

// runtime returns the runtime of chatID, creating it on first use. A new runtime replays the chat's
// stored messages into its controller before it is shared.
func (m Main) runtime(ctx context.Context, chatID string) (*chatRuntime, error) {
	m.runtimes.mu.Lock()
	rt, ok := m.runtimes.chats[chatID]
	m.runtimes.mu.Unlock()
	if ok {
		return rt, nil
	}

	stored, err := m.store.Messages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	rt = m.newRuntime(chatID)
	runCtx, stop := context.WithCancel(m.runtimes.ctx)
	rt.stop = stop
	m.runtimes.wg.Add(1)
	go func() {
		defer m.runtimes.wg.Done()
		rt.queue.Run(runCtx)
	}()

	err = rt.queue.Do(ctx, func(c *chat.Controller) {
		for _, msg := range stored {
			if msg.Role == models.RoleSystem {
				continue
			}
			c.OnAppendMessage(msg)
		}
	})
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to replay messages: %w", err)
	}

	m.runtimes.mu.Lock()
	defer m.runtimes.mu.Unlock()

	// Another request may have created the runtime meanwhile.
	if existing, ok := m.runtimes.chats[chatID]; ok {
		stop()
		return existing, nil
	}
	m.runtimes.chats[chatID] = rt
	return rt, nil
}

func (m Main) newRuntime(chatID string) *chatRuntime {
	logger := m.logger.With(slog.String("chatID", chatID))
	rt := &chatRuntime{
		view:    newSSEView(m.sseSrv, m.templates, chatID, logger),
		sockets: newSocketHub(),
	}

	ctrl := chat.NewController(chatID, inputTransport{m: m, rt: rt},
		chat.WithView(rt.view),
		chat.WithRenderer(m.renderer),
		chat.WithScrollThreshold(m.opts.ScrollThreshold),
		chat.WithPlaceholder(m.opts.Placeholder),
		chat.WithLogger(m.logger),
	)
	// Sockets are attached inside Do, so envelopes must reach them from the queue goroutine too.
	rt.queue = chat.NewQueue(ctrl,
		chat.WithErrorHandler(rt.view.showError),
		chat.WithObserver(rt.sockets.broadcast),
	)

	opts := []session.Option{
		session.WithErrorMode(m.opts.ErrorMode),
	}
	if m.opts.UserInputTransform != nil {
		opts = append(opts, session.WithUserInputTransform(m.opts.UserInputTransform))
	}
	if m.opts.AssistantTransform != nil {
		opts = append(opts, session.WithAssistantTransform(m.opts.AssistantTransform))
	}
	rt.session = session.New(chatID, session.SenderFunc(rt.queue.Push), m.store, m.logger, opts...)
	return rt
}

// inputTransport is the controller's way back to the server: every submitted input is announced to
// the websocket clients and starts a response from the LLM in the background.
type inputTransport struct {
	m  Main
	rt *chatRuntime
}

func (t inputTransport) SendInput(_ context.Context, input models.InputValue) error {
	chatID := t.rt.session.ID()
	t.m.logger.Debug("Input received",
		slog.String("chatID", chatID),
		slog.String("inputID", input.InputID))

	env, err := models.MessageEnvelope(chatID, models.HandlerInputSent, models.Message{
		Role:        models.RoleUser,
		Content:     input.Value,
		ContentType: models.ContentTypeText,
	})
	if err != nil {
		return err
	}
	t.rt.sockets.broadcast(env)

	t.m.runtimes.wg.Add(1)
	go func() {
		defer t.m.runtimes.wg.Done()
		t.m.respond(t.rt, input.Value)
	}()
	return nil
}

// Shutdown gracefully terminates the Main instance. It stops every chat queue, waits for running
// responses, then broadcasts a close message to all SSE clients and waits up to 5 seconds for their
// connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.runtimes.cancel()

	m.runtimes.mu.Lock()
	for _, rt := range m.runtimes.chats {
		rt.stop()
		rt.sockets.closeAll()
	}
	m.runtimes.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.runtimes.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Chat runtimes did not stop in time")
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	// An SSE event needs data to be dispatched by the browser
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	return m.sseSrv.Shutdown(ctx)
}

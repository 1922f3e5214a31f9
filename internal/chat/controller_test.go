package chat_test

import (
	"context"
	"errors"
	"html/template"
	"strings"
	"testing"

	"github.com/MegaGrindStone/chat-web-ui/internal/chat"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	inputs []models.InputValue
	err    error
}

// fakeView records mutations and mirrors the displayed message ids, so tests can check that the view
// and the controller state never diverge.
type fakeView struct {
	ids           []string
	contents      map[string]template.HTML
	inputDisabled bool
	inputValue    string
	placeholder   string
	viewport      chat.Viewport
	scrollCalls   int
}

func newFakeView() *fakeView {
	return &fakeView{contents: map[string]template.HTML{}}
}

func (m *mockTransport) SendInput(_ context.Context, input models.InputValue) error {
	if m.err != nil {
		return m.err
	}
	m.inputs = append(m.inputs, input)
	return nil
}

func (v *fakeView) AppendMessage(msg models.Message, content template.HTML) {
	v.ids = append(v.ids, msg.ID)
	v.contents[msg.ID] = content
}

func (v *fakeView) UpdateMessage(msg models.Message, content template.HTML) {
	v.contents[msg.ID] = content
}

func (v *fakeView) RemoveMessage(id string) {
	for i, got := range v.ids {
		if got == id {
			v.ids = append(v.ids[:i], v.ids[i+1:]...)
			break
		}
	}
	delete(v.contents, id)
}

func (v *fakeView) ClearMessages() {
	v.ids = nil
	v.contents = map[string]template.HTML{}
}

func (v *fakeView) SetInputDisabled(disabled bool) { v.inputDisabled = disabled }

func (v *fakeView) SetUserInput(update models.UserInputUpdate) {
	if update.Value != nil {
		v.inputValue = *update.Value
	}
	if update.Placeholder != nil {
		v.placeholder = *update.Placeholder
	}
}

func (v *fakeView) Viewport() chat.Viewport { return v.viewport }

func (v *fakeView) SetScrollTop(top int) {
	v.scrollCalls++
	v.viewport.ScrollTop = top
}

func messageIDs(msgs []models.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func loadingCount(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		if m.IsLoading() {
			n++
		}
	}
	return n
}

func TestControllerStreamingScenario(t *testing.T) {
	view := newFakeView()
	c := chat.NewController("chat", &mockTransport{}, chat.WithView(view))

	c.OnUserSubmit("Hi")
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.True(t, msgs[1].IsLoading())
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.False(t, c.InputEnabled())
	assert.True(t, view.inputDisabled)

	require.NoError(t, c.OnAppendChunk(models.MessageChunk{ChunkType: models.ChunkTypeStart, Role: models.RoleAssistant}))
	msgs = c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "", msgs[1].Content)
	assert.False(t, msgs[1].IsLoading())
	assert.True(t, c.StreamingOpen())
	assert.False(t, c.InputEnabled())

	require.NoError(t, c.OnAppendChunk(models.MessageChunk{Content: "Hello", Operation: models.OperationAppend}))
	assert.Equal(t, "Hello", c.Messages()[1].Content)

	require.NoError(t, c.OnAppendChunk(models.MessageChunk{ChunkType: models.ChunkTypeEnd}))
	assert.False(t, c.StreamingOpen())
	assert.True(t, c.InputEnabled())
	assert.False(t, view.inputDisabled)
	assert.Equal(t, models.StreamingStateEnded, c.Messages()[1].StreamingState)

	assert.Equal(t, messageIDs(c.Messages()), view.ids)
}

func TestControllerChunkFolding(t *testing.T) {
	tests := []struct {
		name   string
		chunks []models.MessageChunk
		want   string
	}{
		{
			name: "append concatenates in arrival order",
			chunks: []models.MessageChunk{
				{Content: "a", Operation: models.OperationAppend},
				{Content: "b", Operation: models.OperationAppend},
				{Content: "c", Operation: models.OperationAppend},
			},
			want: "abc",
		},
		{
			name: "missing operation appends",
			chunks: []models.MessageChunk{
				{Content: "foo"},
				{Content: "bar"},
			},
			want: "foobar",
		},
		{
			name: "replace keeps the last content",
			chunks: []models.MessageChunk{
				{Content: "a", Operation: models.OperationAppend},
				{Content: "ab", Operation: models.OperationReplace},
				{Content: "abc", Operation: models.OperationReplace},
			},
			want: "abc",
		},
		{
			name: "append after replace",
			chunks: []models.MessageChunk{
				{Content: "x", Operation: models.OperationAppend},
				{Content: "hello", Operation: models.OperationReplace},
				{Content: " world", Operation: models.OperationAppend},
			},
			want: "hello world",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := chat.NewController("chat", &mockTransport{})
			require.NoError(t, c.OnAppendChunk(models.MessageChunk{ChunkType: models.ChunkTypeStart, Role: models.RoleAssistant}))
			for _, chunk := range tt.chunks {
				require.NoError(t, c.OnAppendChunk(chunk))
			}
			require.NoError(t, c.OnAppendChunk(models.MessageChunk{ChunkType: models.ChunkTypeEnd, Content: "ignored"}))

			msgs := c.Messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.want, msgs[0].Content)
		})
	}
}

func TestControllerChunkWithoutOpenStream(t *testing.T) {
	c := chat.NewController("chat", &mockTransport{})

	err := c.OnAppendChunk(models.MessageChunk{Content: "orphan"})
	var perr *chat.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Error(), "no open stream")

	c.OnAppendMessage(models.Message{Role: models.RoleAssistant, Content: "done"})
	err = c.OnAppendChunk(models.MessageChunk{Content: "orphan"})
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "done", c.Messages()[0].Content)
}

func TestControllerStartWhileStreamOpen(t *testing.T) {
	c := chat.NewController("chat", &mockTransport{})

	require.NoError(t, c.OnAppendChunk(models.MessageChunk{ChunkType: models.ChunkTypeStart, Role: models.RoleAssistant}))
	require.NoError(t, c.OnAppendChunk(models.MessageChunk{Content: "first"}))
	require.NoError(t, c.OnAppendChunk(models.MessageChunk{ChunkType: models.ChunkTypeStart, Role: models.RoleAssistant}))
	require.NoError(t, c.OnAppendChunk(models.MessageChunk{Content: "second"}))

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, models.StreamingStateEnded, msgs[0].StreamingState)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, models.StreamingStateStreaming, msgs[1].StreamingState)
	assert.True(t, c.StreamingOpen())
}

func TestControllerSingleLoadingPlaceholder(t *testing.T) {
	view := newFakeView()
	c := chat.NewController("chat", &mockTransport{}, chat.WithView(view))

	c.OnUserSubmit("one")
	assert.Equal(t, 1, loadingCount(c.Messages()))

	// Submitting again while disabled must not stack placeholders.
	c.OnUserSubmit("two")
	msgs := c.Messages()
	assert.Equal(t, 1, loadingCount(msgs))
	assert.True(t, msgs[len(msgs)-1].IsLoading())

	c.OnAppendMessage(models.Message{Role: models.RoleAssistant, Content: "answer"})
	msgs = c.Messages()
	assert.Equal(t, 0, loadingCount(msgs))
	require.Len(t, msgs, 3)
	assert.Equal(t, "answer", msgs[2].Content)
	assert.True(t, c.InputEnabled())
	assert.Equal(t, messageIDs(msgs), view.ids)
}

func TestControllerAppendMessageDuringStream(t *testing.T) {
	c := chat.NewController("chat", &mockTransport{})

	c.OnUserSubmit("q")
	require.NoError(t, c.OnAppendChunk(models.MessageChunk{ChunkType: models.ChunkTypeStart, Role: models.RoleAssistant}))
	c.OnAppendMessage(models.Message{Role: models.RoleAssistant, Content: "side note"})

	assert.False(t, c.InputEnabled(), "input stays disabled while a stream is open")
}

func TestControllerClearMessages(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *chat.Controller)
	}{
		{
			name:  "empty",
			setup: func(*chat.Controller) {},
		},
		{
			name: "loading",
			setup: func(c *chat.Controller) {
				c.OnUserSubmit("hi")
			},
		},
		{
			name: "open stream",
			setup: func(c *chat.Controller) {
				c.OnUserSubmit("hi")
				_ = c.OnAppendChunk(models.MessageChunk{ChunkType: models.ChunkTypeStart, Role: models.RoleAssistant})
				_ = c.OnAppendChunk(models.MessageChunk{Content: "partial"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := newFakeView()
			c := chat.NewController("chat", &mockTransport{}, chat.WithView(view))
			tt.setup(c)
			enabled := c.InputEnabled()

			c.OnClearMessages()

			assert.Empty(t, c.Messages())
			assert.Empty(t, view.ids)
			assert.False(t, c.StreamingOpen())
			assert.Equal(t, enabled, c.InputEnabled())
		})
	}
}

func TestControllerRemoveLoadingMessage(t *testing.T) {
	c := chat.NewController("chat", &mockTransport{})

	c.OnUserSubmit("hi")
	c.OnRemoveLoadingMessage()

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.True(t, c.InputEnabled())

	// No placeholder: still re-enables, leaves messages alone.
	c.OnRemoveLoadingMessage()
	assert.Len(t, c.Messages(), 1)
}

func TestControllerScrollFollow(t *testing.T) {
	tests := []struct {
		name     string
		viewport chat.Viewport
		wantTop  int
	}{
		{
			name:     "scrolled up beyond threshold",
			viewport: chat.Viewport{ScrollTop: 100, ClientHeight: 300, ScrollHeight: 1000},
			wantTop:  100,
		},
		{
			name:     "exactly at threshold",
			viewport: chat.Viewport{ScrollTop: 650, ClientHeight: 300, ScrollHeight: 1000},
			wantTop:  1000,
		},
		{
			name:     "at bottom",
			viewport: chat.Viewport{ScrollTop: 700, ClientHeight: 300, ScrollHeight: 1000},
			wantTop:  1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := newFakeView()
			c := chat.NewController("chat", &mockTransport{}, chat.WithView(view))
			require.NoError(t, c.OnAppendChunk(models.MessageChunk{ChunkType: models.ChunkTypeStart, Role: models.RoleAssistant}))

			view.viewport = tt.viewport
			require.NoError(t, c.OnAppendChunk(models.MessageChunk{Content: "more"}))

			assert.Equal(t, tt.wantTop, view.viewport.ScrollTop)
		})
	}
}

func TestControllerAppendAlwaysScrolls(t *testing.T) {
	view := newFakeView()
	view.viewport = chat.Viewport{ScrollTop: 0, ClientHeight: 100, ScrollHeight: 1000}
	c := chat.NewController("chat", &mockTransport{}, chat.WithView(view))

	c.OnAppendMessage(models.Message{Role: models.RoleAssistant, Content: "hello"})

	assert.Equal(t, 1000, view.viewport.ScrollTop)
}

func TestControllerSubmit(t *testing.T) {
	t.Run("sends input and disables", func(t *testing.T) {
		tr := &mockTransport{}
		view := newFakeView()
		view.inputValue = "Hello"
		c := chat.NewController("chat", tr, chat.WithView(view))

		require.NoError(t, c.Submit(context.Background(), "Hello"))

		require.Len(t, tr.inputs, 1)
		assert.Equal(t, models.InputValue{InputID: "chat_user_input", Value: "Hello", Priority: "event"}, tr.inputs[0])
		assert.False(t, c.InputEnabled())
		assert.Equal(t, "", view.inputValue)
		assert.Len(t, c.Messages(), 2)
	})

	t.Run("blank input is ignored", func(t *testing.T) {
		tr := &mockTransport{}
		c := chat.NewController("chat", tr)

		require.NoError(t, c.Submit(context.Background(), "   \n"))
		c.OnUserSubmit("\t")

		assert.Empty(t, tr.inputs)
		assert.Empty(t, c.Messages())
		assert.True(t, c.InputEnabled())
	})

	t.Run("ignored while disabled", func(t *testing.T) {
		tr := &mockTransport{}
		c := chat.NewController("chat", tr)

		require.NoError(t, c.Submit(context.Background(), "one"))
		require.NoError(t, c.Submit(context.Background(), "two"))

		assert.Len(t, tr.inputs, 1)
	})

	t.Run("transport failure leaves state untouched", func(t *testing.T) {
		tr := &mockTransport{err: errors.New("offline")}
		c := chat.NewController("chat", tr)

		err := c.Submit(context.Background(), "one")
		require.Error(t, err)
		assert.Empty(t, c.Messages())
		assert.True(t, c.InputEnabled())
	})
}

func TestControllerDispatch(t *testing.T) {
	view := newFakeView()
	c := chat.NewController("chat", &mockTransport{}, chat.WithView(view))

	envs := []string{
		`{"id":"chat","handler":"input-sent","obj":{"content":"Hi","role":"user"}}`,
		`{"id":"chat","handler":"append-message-chunk","obj":{"content":"","role":"assistant","chunkType":"message_start"}}`,
		`{"id":"chat","handler":"append-message-chunk","obj":{"content":"**Hel","role":"assistant","chunkType":null,"operation":"append"}}`,
		`{"id":"chat","handler":"append-message-chunk","obj":{"content":"lo**","role":"assistant","operation":"append"}}`,
		`{"id":"chat","handler":"append-message-chunk","obj":{"content":"","role":"assistant","chunkType":"end"}}`,
		`{"id":"chat","handler":"update-user-input","obj":{"placeholder":"Ask more"}}`,
		`{"id":"other","handler":"clear-messages","obj":null}`,
	}
	for _, raw := range envs {
		require.NoError(t, c.Dispatch(decodeEnvelope(t, raw)))
	}

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "**Hello**", msgs[1].Content)
	assert.True(t, strings.Contains(string(view.contents[msgs[1].ID]), "Hello"))
	assert.Equal(t, "Ask more", c.Placeholder())
	assert.True(t, c.InputEnabled())

	require.NoError(t, c.Dispatch(decodeEnvelope(t, `{"id":"chat","handler":"clear-messages","obj":null}`)))
	assert.Empty(t, c.Messages())
}

func TestControllerDispatchMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown handler", `{"id":"chat","handler":"explode","obj":null}`},
		{"missing payload", `{"id":"chat","handler":"append-message","obj":null}`},
		{"wrong content type", `{"id":"chat","handler":"append-message","obj":{"content":1,"role":"user"}}`},
		{"invalid role", `{"id":"chat","handler":"append-message","obj":{"content":"x","role":"robot"}}`},
		{"invalid chunk type", `{"id":"chat","handler":"append-message-chunk","obj":{"content":"x","chunkType":"middle"}}`},
		{"invalid operation", `{"id":"chat","handler":"append-message-chunk","obj":{"content":"x","operation":"prepend"}}`},
		{"chunk without content", `{"id":"chat","handler":"append-message-chunk","obj":{"role":"assistant"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := chat.NewController("chat", &mockTransport{})
			err := c.Dispatch(decodeEnvelope(t, tt.raw))

			var merr *models.MalformedEventError
			require.True(t, errors.As(err, &merr), "got %v", err)
			assert.Empty(t, c.Messages())
		})
	}
}

package chat

import (
	"context"
	"html/template"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

// Transport is the push channel a chat talks back through. The chat only ever sends the user's
// submitted input; every other event arrives through Dispatch.
type Transport interface {
	SendInput(ctx context.Context, input models.InputValue) error
}

// Renderer converts message content into safe markup according to its content type.
type Renderer interface {
	Render(text string, contentType models.ContentType) (template.HTML, error)
}

// View is the rendering surface a Controller drives. Implementations apply each call as a mutation of
// the displayed message list and input box, and report the scroll geometry of the message list.
// Methods are called from the controller's owning goroutine only.
type View interface {
	AppendMessage(msg models.Message, content template.HTML)
	UpdateMessage(msg models.Message, content template.HTML)
	RemoveMessage(id string)
	ClearMessages()

	SetInputDisabled(disabled bool)
	SetUserInput(update models.UserInputUpdate)

	Viewport() Viewport
	SetScrollTop(top int)
}

// Viewport is the scroll geometry of the message list.
type Viewport struct {
	ScrollTop    int
	ClientHeight int
	ScrollHeight int
}

// DefaultScrollThreshold is how far, in view units, the bottom of the viewport may sit above the bottom
// of the content and still count as following the stream.
const DefaultScrollThreshold = 50

// FollowsBottom reports whether the viewport is close enough to the bottom of the content that new
// streamed content should keep it pinned there.
func (v Viewport) FollowsBottom(threshold int) bool {
	return v.ScrollTop+v.ClientHeight >= v.ScrollHeight-threshold
}

// NopView discards every mutation. It is used when a chat has no attached rendering surface.
type NopView struct{}

func (NopView) AppendMessage(models.Message, template.HTML) {}
func (NopView) UpdateMessage(models.Message, template.HTML) {}
func (NopView) RemoveMessage(string)                        {}
func (NopView) ClearMessages()                              {}
func (NopView) SetInputDisabled(bool)                       {}
func (NopView) SetUserInput(models.UserInputUpdate)         {}
func (NopView) Viewport() Viewport                          { return Viewport{} }
func (NopView) SetScrollTop(int)                            {}

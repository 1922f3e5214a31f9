// Package render turns message content into HTML that is safe to inject into the message list.
package render

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Markdown renders message content according to its content type. Markdown goes through goldmark
// with GFM and code highlighting, and raw HTML embedded in markdown is dropped by goldmark's default
// safe mode. HTML content is trusted server output and passes through unchanged. Text content is
// escaped.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates a Markdown renderer. style is the chroma style used for fenced code blocks,
// an empty style uses "github".
func NewMarkdown(style string) Markdown {
	if style == "" {
		style = "github"
	}
	return Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle(style),
				),
			),
			goldmark.WithRendererOptions(
				gmhtml.WithHardWraps(),
			),
		),
	}
}

// Render implements chat.Renderer.
func (m Markdown) Render(text string, contentType models.ContentType) (template.HTML, error) {
	switch contentType {
	case models.ContentTypeHTML:
		return template.HTML(text), nil
	case models.ContentTypeText:
		escaped := strings.ReplaceAll(html.EscapeString(text), "\n", "<br>\n")
		return template.HTML(escaped), nil
	case models.ContentTypeMarkdown, "":
		var buf bytes.Buffer
		if err := m.md.Convert([]byte(text), &buf); err != nil {
			return "", fmt.Errorf("failed to convert markdown: %w", err)
		}
		return template.HTML(buf.String()), nil
	default:
		return "", fmt.Errorf("unknown content type %q", contentType)
	}
}

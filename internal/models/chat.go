package models

import (
	"time"
)

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID    string
	Title string
}

// Message represents an individual entry of the chat message list. It carries the participant's role,
// the text to render, the way that text should be rendered and the time it was created.
//
// Content is the only field that changes after a message is rendered, and only while the message is
// streaming.
type Message struct {
	ID          string
	Role        Role
	Content     string
	ContentType ContentType
	Timestamp   time.Time

	StreamingState StreamingState
}

// MessageChunk is one increment of a streaming message. It is never stored on its own, it is folded
// into the content of the message opened by the last start chunk.
type MessageChunk struct {
	Content   string
	Role      Role
	ChunkType ChunkType
	Operation Operation

	// ContentType is only meaningful on a start chunk, where it sets the content type of the opened
	// message. Empty means ContentTypeMarkdown.
	ContentType ContentType
}

// Role represents the role of a message participant.
type Role string

// ContentType tells the renderer how to interpret message content.
type ContentType string

// ChunkType marks the boundaries of a streamed message. The zero value is a mid-stream chunk.
type ChunkType string

// Operation tells how a mid-stream chunk is folded into the open message. The zero value appends.
type Operation string

// StreamingState is the lifecycle state of a message in the message list.
type StreamingState string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system message. System messages are stored by the server but never sent
	// to the client.
	RoleSystem Role = "system"

	// ContentTypeMarkdown is rendered as markdown, raw HTML inside it is dropped.
	ContentTypeMarkdown ContentType = "markdown"
	// ContentTypeHTML is trusted server HTML and is rendered as is.
	ContentTypeHTML ContentType = "html"
	// ContentTypeText is rendered as escaped plain text.
	ContentTypeText ContentType = "text"

	ChunkTypeMiddle ChunkType = ""
	ChunkTypeStart  ChunkType = "start"
	ChunkTypeEnd    ChunkType = "end"

	OperationAppend  Operation = "append"
	OperationReplace Operation = "replace"

	// StreamingStateLoading marks the loading placeholder.
	StreamingStateLoading StreamingState = "loading"
	// StreamingStateStreaming marks the message currently receiving chunks.
	StreamingStateStreaming StreamingState = "streaming"
	// StreamingStateEnded marks a complete message.
	StreamingStateEnded StreamingState = "ended"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Valid reports whether c is one of the known content types.
func (c ContentType) Valid() bool {
	switch c {
	case ContentTypeMarkdown, ContentTypeHTML, ContentTypeText:
		return true
	}
	return false
}

// IsLoading reports whether the message is the loading placeholder.
func (m Message) IsLoading() bool {
	return m.StreamingState == StreamingStateLoading
}

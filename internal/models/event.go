package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the wire format of every event pushed from the server to a chat: the target chat id,
// the handler name and the handler's JSON payload.
type Envelope struct {
	ID      string          `json:"id"`
	Handler string          `json:"handler"`
	Obj     json.RawMessage `json:"obj"`
}

// Handler names understood by a chat.
const (
	HandlerInputSent            = "input-sent"
	HandlerAppendMessage        = "append-message"
	HandlerAppendMessageChunk   = "append-message-chunk"
	HandlerClearMessages        = "clear-messages"
	HandlerRemoveLoadingMessage = "remove-loading-message"
	HandlerUpdateUserInput      = "update-user-input"
)

// InputValue is the message a chat emits to the transport once per user submit.
type InputValue struct {
	InputID  string `json:"inputId"`
	Value    string `json:"value"`
	Priority string `json:"priority"`
}

// InputPriorityEvent makes the receiving side treat every submit as a new event, even when the value
// equals the previous one.
const InputPriorityEvent = "event"

// UserInputUpdate sets the text and/or the placeholder of the input box. Nil fields are left as is.
type UserInputUpdate struct {
	Value       *string `json:"value,omitempty"`
	Placeholder *string `json:"placeholder,omitempty"`
}

// MalformedEventError is returned when an envelope cannot be decoded into the payload its handler
// expects, or names an unknown handler.
type MalformedEventError struct {
	Handler string
	Err     error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %q event: %v", e.Handler, e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

type messagePayload struct {
	Content     *string `json:"content"`
	Role        Role    `json:"role"`
	ContentType string  `json:"contentType,omitempty"`
}

type chunkPayload struct {
	Content     *string `json:"content"`
	Role        Role    `json:"role,omitempty"`
	ChunkType   *string `json:"chunkType"`
	Operation   *string `json:"operation"`
	ContentType string  `json:"contentType,omitempty"`
}

// NewEnvelope encodes payload as the obj of an envelope. A nil payload is encoded as JSON null.
func NewEnvelope(id, handler string, payload any) (Envelope, error) {
	obj, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", handler, err)
	}
	return Envelope{ID: id, Handler: handler, Obj: obj}, nil
}

// MessageEnvelope encodes msg as an append-message (or input-sent) payload.
func MessageEnvelope(id, handler string, msg Message) (Envelope, error) {
	content := msg.Content
	return NewEnvelope(id, handler, messagePayload{
		Content:     &content,
		Role:        msg.Role,
		ContentType: string(msg.ContentType),
	})
}

// ChunkEnvelope encodes chunk as an append-message-chunk payload.
func ChunkEnvelope(id string, chunk MessageChunk) (Envelope, error) {
	content := chunk.Content
	p := chunkPayload{
		Content:     &content,
		Role:        chunk.Role,
		ContentType: string(chunk.ContentType),
	}
	if chunk.ChunkType != ChunkTypeMiddle {
		ct := string(chunk.ChunkType)
		p.ChunkType = &ct
	}
	if chunk.Operation != "" {
		op := string(chunk.Operation)
		p.Operation = &op
	}
	return NewEnvelope(id, HandlerAppendMessageChunk, p)
}

func decodeObj(handler string, obj json.RawMessage, v any) error {
	if len(bytes.TrimSpace(obj)) == 0 || bytes.Equal(bytes.TrimSpace(obj), []byte("null")) {
		return &MalformedEventError{Handler: handler, Err: errors.New("missing payload")}
	}
	if err := json.Unmarshal(obj, v); err != nil {
		return &MalformedEventError{Handler: handler, Err: err}
	}
	return nil
}

// DecodeMessage decodes the payload of an input-sent or append-message envelope. A missing content
// type defaults to markdown.
func (e Envelope) DecodeMessage() (Message, error) {
	var p messagePayload
	if err := decodeObj(e.Handler, e.Obj, &p); err != nil {
		return Message{}, err
	}
	if p.Content == nil {
		return Message{}, &MalformedEventError{Handler: e.Handler, Err: errors.New("content is required")}
	}
	if !p.Role.Valid() {
		return Message{}, &MalformedEventError{Handler: e.Handler, Err: fmt.Errorf("invalid role %q", p.Role)}
	}
	ct := ContentTypeMarkdown
	if p.ContentType != "" {
		ct = ContentType(p.ContentType)
		if !ct.Valid() {
			return Message{}, &MalformedEventError{Handler: e.Handler, Err: fmt.Errorf("invalid content type %q", ct)}
		}
	}
	return Message{
		Role:        p.Role,
		Content:     *p.Content,
		ContentType: ct,
	}, nil
}

// DecodeChunk decodes the payload of an append-message-chunk envelope. Both "start"/"end" and
// "message_start"/"message_end" are accepted as chunk types.
func (e Envelope) DecodeChunk() (MessageChunk, error) {
	var p chunkPayload
	if err := decodeObj(e.Handler, e.Obj, &p); err != nil {
		return MessageChunk{}, err
	}

	var chunk MessageChunk
	if p.ChunkType != nil {
		switch *p.ChunkType {
		case "start", "message_start":
			chunk.ChunkType = ChunkTypeStart
		case "end", "message_end":
			chunk.ChunkType = ChunkTypeEnd
		case "":
		default:
			return MessageChunk{}, &MalformedEventError{
				Handler: e.Handler,
				Err:     fmt.Errorf("invalid chunk type %q", *p.ChunkType),
			}
		}
	}

	if p.Operation != nil {
		switch op := Operation(*p.Operation); op {
		case OperationAppend, OperationReplace:
			chunk.Operation = op
		case "":
		default:
			return MessageChunk{}, &MalformedEventError{Handler: e.Handler, Err: fmt.Errorf("invalid operation %q", op)}
		}
	}

	if p.Role != "" && !p.Role.Valid() {
		return MessageChunk{}, &MalformedEventError{Handler: e.Handler, Err: fmt.Errorf("invalid role %q", p.Role)}
	}
	chunk.Role = p.Role

	if p.Content == nil && chunk.ChunkType == ChunkTypeMiddle {
		return MessageChunk{}, &MalformedEventError{Handler: e.Handler, Err: errors.New("content is required")}
	}
	if p.Content != nil {
		chunk.Content = *p.Content
	}

	if p.ContentType != "" {
		chunk.ContentType = ContentType(p.ContentType)
		if !chunk.ContentType.Valid() {
			return MessageChunk{}, &MalformedEventError{
				Handler: e.Handler,
				Err:     fmt.Errorf("invalid content type %q", chunk.ContentType),
			}
		}
	}

	return chunk, nil
}

// DecodeUserInputUpdate decodes the payload of an update-user-input envelope.
func (e Envelope) DecodeUserInputUpdate() (UserInputUpdate, error) {
	var u UserInputUpdate
	if err := decodeObj(e.Handler, e.Obj, &u); err != nil {
		return UserInputUpdate{}, err
	}
	return u, nil
}

// internal/server/api.go
package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
)

// Wire types for the OpenAI-compatible surface. The one extension is the
// conversation object carrying the evaluation session id, which is how a
// caller continues a thread without resending history.

// ConversationRef is the continuation handle exchanged with callers.
type ConversationRef struct {
	EvaluationSessionID string `json:"evaluationSessionId"`
}

// ChatMessage is one inbound message. Content is either a plain string or an
// array of typed parts, so it stays raw until extraction.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatCompletionRequest is the POST /v1/chat/completions body.
type ChatCompletionRequest struct {
	Model        string           `json:"model"`
	Messages     []ChatMessage    `json:"messages"`
	Stream       bool             `json:"stream"`
	Conversation *ConversationRef `json:"conversation,omitempty"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// lastUserMessage extracts the outbound text and attachments from the newest
// user message. Earlier messages are ignored: the upstream replays history
// from the session id, so resending the transcript would duplicate it.
func lastUserMessage(messages []ChatMessage) (string, []arena.Attachment, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		return parseContent(messages[i].Content)
	}
	return "", nil, fmt.Errorf("no user message in request")
}

func parseContent(raw json.RawMessage) (string, []arena.Attachment, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("message content must be a string or an array of parts")
	}

	var (
		sb   strings.Builder
		atts []arena.Attachment
	)
	for i, part := range parts {
		switch part.Type {
		case "text":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part.Text)
		case "image_url":
			att, err := decodeDataURL(part.ImageURL.URL, i)
			if err != nil {
				return "", nil, err
			}
			atts = append(atts, att)
		default:
			return "", nil, fmt.Errorf("unsupported content part type %q", part.Type)
		}
	}
	return sb.String(), atts, nil
}

// decodeDataURL accepts data: URIs only. Remote URLs are rejected rather than
// fetched; the bridge will not proxy arbitrary downloads.
func decodeDataURL(url string, idx int) (arena.Attachment, error) {
	const scheme = "data:"
	if !strings.HasPrefix(url, scheme) {
		return arena.Attachment{}, fmt.Errorf("image_url must be a data: URI")
	}
	meta, payload, ok := strings.Cut(url[len(scheme):], ",")
	if !ok {
		return arena.Attachment{}, fmt.Errorf("malformed data: URI")
	}
	mimeType, _, _ := strings.Cut(meta, ";")
	if !strings.Contains(meta, "base64") {
		return arena.Attachment{}, fmt.Errorf("data: URI must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return arena.Attachment{}, fmt.Errorf("decoding data: URI: %w", err)
	}
	return arena.Attachment{
		Name: fmt.Sprintf("attachment-%d", idx),
		MIME: mimeType,
		Data: data,
	}, nil
}

// Response shapes.

type responseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type choice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ChatCompletionResponse is the buffered completion body.
type ChatCompletionResponse struct {
	ID           string           `json:"id"`
	Object       string           `json:"object"`
	Created      int64            `json:"created"`
	Model        string           `json:"model"`
	Choices      []choice         `json:"choices"`
	Usage        *arena.Usage     `json:"usage,omitempty"`
	Conversation *ConversationRef `json:"conversation,omitempty"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE frame of a streamed completion.
type ChatCompletionChunk struct {
	ID           string           `json:"id"`
	Object       string           `json:"object"`
	Created      int64            `json:"created"`
	Model        string           `json:"model"`
	Choices      []chunkChoice    `json:"choices"`
	Usage        *arena.Usage     `json:"usage,omitempty"`
	Conversation *ConversationRef `json:"conversation,omitempty"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models body.
type ModelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse is the error envelope, with the failure taxonomy kind in Code.
type ErrorResponse struct {
	Error errorDetail `json:"error"`
}

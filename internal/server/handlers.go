// internal/server/handlers.go
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/browser"
	"github.com/xkilldash9x/arena-bridge/internal/orchestrator"
)

// ChatService is the slice of the orchestrator the handlers use.
type ChatService interface {
	Send(ctx context.Context, conv *arena.Conversation, text string, atts []arena.Attachment) (*orchestrator.Stream, error)
	Complete(ctx context.Context, conv *arena.Conversation, text string, atts []arena.Attachment) (*orchestrator.Result, error)
}

// CatalogService lists the model catalog.
type CatalogService interface {
	ListModels(ctx context.Context, force bool) (arena.Catalog, error)
}

// SessionReporter exposes the browser session state for health checks.
type SessionReporter interface {
	State() browser.State
}

// Handler holds the facade's HTTP handlers.
type Handler struct {
	chat    ChatService
	catalog CatalogService
	session SessionReporter
	logger  *zap.Logger
}

// NewHandler wires the handlers.
func NewHandler(chat ChatService, catalog CatalogService, session SessionReporter, logger *zap.Logger) *Handler {
	return &Handler{
		chat:    chat,
		catalog: catalog,
		session: session,
		logger:  logger.Named("server"),
	}
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"session": h.session.State().String(),
	})
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(c echo.Context) error {
	catalog, err := h.catalog.ListModels(c.Request().Context(), c.QueryParam("refresh") == "true")
	if err != nil {
		return writeError(c, err)
	}

	created := catalog.FetchedAt.Unix()
	out := ModelList{Object: "list", Data: make([]modelEntry, 0, len(catalog.Models))}
	for _, m := range catalog.Models {
		out.Data = append(out.Data, modelEntry{
			ID:      m.PublicName,
			Object:  "model",
			Created: created,
			OwnedBy: "lmarena",
		})
	}
	return c.JSON(http.StatusOK, out)
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *Handler) ChatCompletion(c echo.Context) error {
	var req ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return writeInvalid(c, fmt.Sprintf("invalid request body: %v", err))
	}
	if req.Model == "" {
		return writeInvalid(c, "model is required")
	}
	if len(req.Messages) == 0 {
		return writeInvalid(c, "messages must not be empty")
	}

	text, atts, err := lastUserMessage(req.Messages)
	if err != nil {
		return writeInvalid(c, err.Error())
	}

	conv := &arena.Conversation{Model: req.Model}
	if req.Conversation != nil {
		conv.EvaluationSessionID = req.Conversation.EvaluationSessionID
	}

	if req.Stream {
		return h.streamCompletion(c, conv, text, atts)
	}
	return h.bufferedCompletion(c, conv, text, atts)
}

func (h *Handler) bufferedCompletion(c echo.Context, conv *arena.Conversation, text string, atts []arena.Attachment) error {
	result, err := h.chat.Complete(c.Request().Context(), conv, text, atts)
	if err != nil {
		return writeError(c, err)
	}

	content := result.Text
	for _, img := range result.Images {
		if content != "" {
			content += "\n\n"
		}
		content += fmt.Sprintf("![generated image](%s)", img)
	}

	resp := ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   conv.Model,
		Choices: []choice{{
			Message:      responseMessage{Role: "assistant", Content: content},
			FinishReason: finishReason(result.FinishReason),
		}},
		Conversation: &ConversationRef{EvaluationSessionID: result.EvaluationSessionID},
	}
	if result.Usage != (arena.Usage{}) {
		resp.Usage = &result.Usage
	}
	return c.JSON(http.StatusOK, resp)
}

// streamCompletion relays the upstream event sequence as SSE chunks and always
// terminates the stream with a [DONE] sentinel once headers have gone out.
func (h *Handler) streamCompletion(c echo.Context, conv *arena.Conversation, text string, atts []arena.Attachment) error {
	stream, err := h.chat.Send(c.Request().Context(), conv, text, atts)
	if err != nil {
		// Nothing written yet, a plain error response is still possible.
		return writeError(c, err)
	}
	defer stream.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	id := completionID()
	created := time.Now().Unix()
	chunk := func(delta chunkDelta, reason *string) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   conv.Model,
			Choices: []chunkChoice{{Delta: delta, FinishReason: reason}},
		}
	}

	if err := writeSSE(c, chunk(chunkDelta{Role: "assistant"}, nil)); err != nil {
		return nil
	}

	for {
		ev, ok := stream.Next()
		if !ok {
			break
		}
		switch ev.Kind {
		case arena.EventText:
			if err := writeSSE(c, chunk(chunkDelta{Content: ev.Text}, nil)); err != nil {
				return nil
			}
		case arena.EventImage:
			md := fmt.Sprintf("![generated image](%s)", ev.ImageURL)
			if err := writeSSE(c, chunk(chunkDelta{Content: md}, nil)); err != nil {
				return nil
			}
		case arena.EventUsage:
			usageChunk := chunk(chunkDelta{}, nil)
			usageChunk.Usage = &ev.Usage
			if err := writeSSE(c, usageChunk); err != nil {
				return nil
			}
		case arena.EventError:
			h.logger.Warn("Stream failed mid-turn.",
				zap.String("kind", arena.Kind(ev.Err)), zap.Error(ev.Err))
			_ = writeSSE(c, ErrorResponse{Error: errorDetail{
				Message: ev.Err.Error(),
				Type:    "upstream_error",
				Code:    arena.Kind(ev.Err),
			}})
		case arena.EventDone:
			reason := finishReason(ev.FinishReason)
			final := chunk(chunkDelta{}, &reason)
			final.Conversation = &ConversationRef{EvaluationSessionID: ev.EvaluationSessionID}
			if err := writeSSE(c, final); err != nil {
				return nil
			}
		}
	}

	_, _ = fmt.Fprint(c.Response(), "data: [DONE]\n\n")
	c.Response().Flush()
	return nil
}

func writeSSE(c echo.Context, payload any) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func finishReason(upstream string) string {
	if upstream == "" {
		return "stop"
	}
	return upstream
}

func writeInvalid(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: errorDetail{
		Message: message,
		Type:    "invalid_request_error",
	}})
}

// writeError maps the failure taxonomy onto facade status codes. Retryable
// kinds get 503 so well-behaved clients back off and try again; everything
// that needs operator attention gets 502.
func writeError(c echo.Context, err error) error {
	kind := arena.Kind(err)
	status := http.StatusBadGateway
	errType := "upstream_error"
	switch {
	case kind == "cloudflare" || kind == "transient":
		status = http.StatusServiceUnavailable
	case kind == "internal":
		status = http.StatusInternalServerError
		errType = "internal_error"
	}
	return c.JSON(status, ErrorResponse{Error: errorDetail{
		Message: err.Error(),
		Type:    errType,
		Code:    kind,
	}})
}

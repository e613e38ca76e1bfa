// internal/orchestrator/orchestrator.go

// Package orchestrator turns a caller's message into one authenticated chat
// exchange with the arena: attachments first, then a fresh anti-bot token,
// then the streaming HTTP call, whose body it parses into the normalized
// event sequence. Continuation costs one message, never the transcript; the
// server replays history from the evaluation session id.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/browser"
	"github.com/xkilldash9x/arena-bridge/internal/config"
	"github.com/xkilldash9x/arena-bridge/internal/netgate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	createPath = "/nextjs-api/stream/create-evaluation"
	resumePath = "/nextjs-api/stream/post-to-evaluation/"

	ModalityChat  = "chat"
	ModalityImage = "image"
)

// TokenSource mints per-request anti-bot tokens and exposes the credential
// snapshot. Implemented by the browser driver.
type TokenSource interface {
	CaptchaToken(ctx context.Context, purpose arena.TokenPurpose) (string, error)
	Snapshot(ctx context.Context) (browser.Snapshot, error)
}

// ModelResolver maps public model names to catalog entries.
type ModelResolver interface {
	ResolveModel(ctx context.Context, publicName string) (arena.Model, error)
}

// AttachmentUploader transfers attachments and returns durable references.
type AttachmentUploader interface {
	UploadAll(ctx context.Context, atts []arena.Attachment) ([]arena.FileRef, error)
}

// StreamDoer issues the streaming HTTP exchange.
type StreamDoer interface {
	Do(ctx context.Context, req netgate.Request) (*netgate.Response, error)
}

// Orchestrator coordinates one conversation turn end to end.
type Orchestrator struct {
	gateway  StreamDoer
	tokens   TokenSource
	models   ModelResolver
	uploader AttachmentUploader
	logger   *zap.Logger

	origin  string
	refPath string
	network config.NetworkConfig
}

// New wires the orchestrator. All collaborators are required except uploader,
// which may be nil when attachments are unsupported.
func New(cfg *config.Config, gateway StreamDoer, tokens TokenSource, models ModelResolver, uploader AttachmentUploader, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		gateway:  gateway,
		tokens:   tokens,
		models:   models,
		uploader: uploader,
		logger:   logger.Named("orchestrator"),
		origin:   strings.TrimRight(cfg.Arena.Origin, "/"),
		refPath:  cfg.Arena.BootPath,
		network:  cfg.Network,
	}
}

// userMessage mirrors the wire shape of one outbound message. Metadata is an
// always-empty object the server requires to be present.
type userMessage struct {
	Content                 string          `json:"content"`
	ExperimentalAttachments []arena.FileRef `json:"experimental_attachments"`
	Metadata                struct{}        `json:"metadata"`
}

type turnPayload struct {
	ID               string      `json:"id"`
	Mode             string      `json:"mode"`
	ModelAID         string      `json:"modelAId"`
	UserMessageID    string      `json:"userMessageId"`
	ModelAMessageID  string      `json:"modelAMessageId"`
	UserMessage      userMessage `json:"userMessage"`
	Modality         string      `json:"modality"`
	RecaptchaV3Token string      `json:"recaptchaV3Token"`
}

// newID mints a time-ordered id. The server accepts client-minted evaluation
// ids, which is what makes the first turn's resume key knowable up front.
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("minting message id: %w", err)
	}
	return id.String(), nil
}

// Send issues one turn and returns the live event stream. On a first turn the
// conversation's EvaluationSessionID is assigned once the request is accepted;
// on later turns it selects the resume endpoint. The request body never grows
// with history.
func (o *Orchestrator) Send(ctx context.Context, conv *arena.Conversation, text string, atts []arena.Attachment) (*Stream, error) {
	if conv == nil {
		return nil, fmt.Errorf("conversation is required")
	}
	if conv.Model == "" {
		return nil, fmt.Errorf("conversation has no model")
	}

	model, err := o.models.ResolveModel(ctx, conv.Model)
	if err != nil {
		return nil, err
	}
	if len(atts) > 0 && !model.VisionInput {
		return nil, fmt.Errorf("model %q does not accept file input", model.PublicName)
	}

	// Attachments move first. A failed upload aborts the turn before any chat
	// HTTP is issued, so the remote never sees a half-formed message.
	var refs []arena.FileRef
	if len(atts) > 0 {
		if o.uploader == nil {
			return nil, fmt.Errorf("attachments are not supported in this deployment")
		}
		refs, err = o.uploader.UploadAll(ctx, atts)
		if err != nil {
			return nil, err
		}
	}

	token, err := o.tokens.CaptchaToken(ctx, arena.PurposeSendMessage)
	if err != nil {
		return nil, err
	}
	snap, err := o.tokens.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	userMessageID, err := newID()
	if err != nil {
		return nil, err
	}
	modelMessageID, err := newID()
	if err != nil {
		return nil, err
	}

	creating := conv.EvaluationSessionID == ""
	evaluationID := conv.EvaluationSessionID
	url := o.origin + resumePath + evaluationID
	if creating {
		evaluationID, err = newID()
		if err != nil {
			return nil, err
		}
		url = o.origin + createPath
	}

	modality := ModalityChat
	if model.ImageOutput {
		modality = ModalityImage
	}

	if refs == nil {
		refs = []arena.FileRef{}
	}
	payload := turnPayload{
		ID:              evaluationID,
		Mode:            "direct",
		ModelAID:        model.ID,
		UserMessageID:   userMessageID,
		ModelAMessageID: modelMessageID,
		UserMessage: userMessage{
			Content:                 text,
			ExperimentalAttachments: refs,
		},
		Modality:         modality,
		RecaptchaV3Token: token,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding turn payload: %w", err)
	}

	headers := make(map[string]string, len(snap.Headers)+3)
	for k, v := range snap.Headers {
		headers[k] = v
	}
	headers["accept"] = "*/*"
	headers["content-type"] = "application/json"
	headers["referer"] = o.origin + o.refPath

	resp, err := o.gateway.Do(ctx, netgate.Request{
		Method:  http.MethodPost,
		URL:     url,
		Headers: headers,
		Cookies: snap.Cookies,
		Body:    body,
		Timeout: o.network.StreamTimeout,
	})
	if err != nil {
		return nil, err
	}

	if creating {
		conv.EvaluationSessionID = evaluationID
	}

	o.logger.Info("Turn accepted.",
		zap.String("model", model.PublicName),
		zap.String("modality", modality),
		zap.Int("attachments", len(refs)),
		zap.Bool("resumed", !creating),
	)
	return newStream(resp.Body, evaluationID, o.logger), nil
}

// Result is the buffered outcome of a full turn.
type Result struct {
	Text                string
	Images              []string
	Usage               arena.Usage
	FinishReason        string
	EvaluationSessionID string
}

// Complete runs a turn to completion and buffers the output. When the stream
// errors mid-flight the partial text is returned alongside the error.
func (o *Orchestrator) Complete(ctx context.Context, conv *arena.Conversation, text string, atts []arena.Attachment) (*Result, error) {
	stream, err := o.Send(ctx, conv, text, atts)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var (
		sb     strings.Builder
		result Result
	)
	for {
		ev, ok := stream.Next()
		if !ok {
			break
		}
		switch ev.Kind {
		case arena.EventText:
			sb.WriteString(ev.Text)
		case arena.EventImage:
			result.Images = append(result.Images, ev.ImageURL)
		case arena.EventUsage:
			result.Usage = ev.Usage
		case arena.EventError:
			result.Text = sb.String()
			result.EvaluationSessionID = stream.EvaluationSessionID()
			return &result, ev.Err
		case arena.EventDone:
			result.FinishReason = ev.FinishReason
			result.EvaluationSessionID = ev.EvaluationSessionID
			// The server-confirmed id is authoritative for continuation.
			if ev.EvaluationSessionID != "" {
				conv.EvaluationSessionID = ev.EvaluationSessionID
			}
		}
		if ev.Kind == arena.EventDone {
			break
		}
	}
	result.Text = sb.String()
	return &result, nil
}

// File: internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/browser"
	"github.com/xkilldash9x/arena-bridge/internal/config"
	"github.com/xkilldash9x/arena-bridge/internal/netgate"
)

type fakeTokens struct {
	purposes []arena.TokenPurpose
}

func (f *fakeTokens) CaptchaToken(ctx context.Context, purpose arena.TokenPurpose) (string, error) {
	f.purposes = append(f.purposes, purpose)
	return "captcha-tok-123", nil
}

func (f *fakeTokens) Snapshot(ctx context.Context) (browser.Snapshot, error) {
	return browser.Snapshot{
		Cookies: map[string]string{"arena-auth-prod.0": "auth"},
		Headers: map[string]string{"user-agent": "ua", "accept-language": "en-US"},
		TakenAt: time.Now(),
	}, nil
}

type fakeModels struct {
	byName map[string]arena.Model
}

func (f *fakeModels) ResolveModel(ctx context.Context, publicName string) (arena.Model, error) {
	if m, ok := f.byName[publicName]; ok {
		return m, nil
	}
	return arena.Model{}, &arena.DiscoveryError{Marker: fmt.Sprintf("model %q", publicName)}
}

type fakeUploader struct {
	refs  []arena.FileRef
	err   error
	calls int
}

func (f *fakeUploader) UploadAll(ctx context.Context, atts []arena.Attachment) ([]arena.FileRef, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.refs, nil
}

type fakeGateway struct {
	wire string
	reqs []netgate.Request
	err  error
}

func (f *fakeGateway) Do(ctx context.Context, req netgate.Request) (*netgate.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &netgate.Response{
		Status: 200,
		Body:   io.NopCloser(strings.NewReader(f.wire)),
	}, nil
}

const doneWire = "a0:\"Hel\"\na0:\"lo\"\nad:{\"finishReason\":\"abc\"}\n"

func testModels() *fakeModels {
	return &fakeModels{byName: map[string]arena.Model{
		"chat-basic": {ID: "model-1", PublicName: "chat-basic"},
		"vision-pro": {ID: "model-2", PublicName: "vision-pro", VisionInput: true},
		"painter":    {ID: "model-3", PublicName: "painter", ImageOutput: true},
	}}
}

func newTestOrchestrator(gw *fakeGateway, up AttachmentUploader) (*Orchestrator, *fakeTokens) {
	tokens := &fakeTokens{}
	return New(config.Default(), gw, tokens, testModels(), up, zap.NewNop()), tokens
}

func TestUploadFailureAbortsBeforeChatHTTP(t *testing.T) {
	gw := &fakeGateway{wire: doneWire}
	up := &fakeUploader{err: &arena.UploadError{Phase: arena.UploadPhaseTransfer, Filename: "a.png", Err: fmt.Errorf("put failed")}}
	orch, _ := newTestOrchestrator(gw, up)

	conv := &arena.Conversation{Model: "vision-pro"}
	_, err := orch.Send(context.Background(), conv, "look at this", []arena.Attachment{{Name: "a.png", Data: []byte("x")}})

	require.Error(t, err)
	assert.Equal(t, "upload", arena.Kind(err))
	assert.Empty(t, gw.reqs, "no chat HTTP may be issued after a failed upload")
	assert.Empty(t, conv.EvaluationSessionID, "a failed turn must not assign a session")
}

func TestVisionGateRejectsBeforeUpload(t *testing.T) {
	gw := &fakeGateway{wire: doneWire}
	up := &fakeUploader{}
	orch, _ := newTestOrchestrator(gw, up)

	conv := &arena.Conversation{Model: "chat-basic"}
	_, err := orch.Send(context.Background(), conv, "hi", []arena.Attachment{{Name: "a.png", Data: []byte("x")}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "file input")
	assert.Zero(t, up.calls)
	assert.Empty(t, gw.reqs)
}

func TestSendCreatePayloadShape(t *testing.T) {
	gw := &fakeGateway{wire: doneWire}
	orch, tokens := newTestOrchestrator(gw, nil)

	conv := &arena.Conversation{Model: "chat-basic"}
	stream, err := orch.Send(context.Background(), conv, "hello there", nil)
	require.NoError(t, err)
	defer stream.Close()

	require.Len(t, gw.reqs, 1)
	req := gw.reqs[0]
	assert.Equal(t, "POST", req.Method)
	assert.True(t, strings.HasSuffix(req.URL, createPath), req.URL)
	assert.Equal(t, "application/json", req.Headers["content-type"])
	assert.Equal(t, "ua", req.Headers["user-agent"])
	assert.Equal(t, "auth", req.Cookies["arena-auth-prod.0"])

	body := gjson.ParseBytes(req.Body)
	assert.Equal(t, "direct", body.Get("mode").String())
	assert.Equal(t, "model-1", body.Get("modelAId").String())
	assert.Equal(t, "hello there", body.Get("userMessage.content").String())
	assert.Equal(t, "chat", body.Get("modality").String())
	assert.Equal(t, "captcha-tok-123", body.Get("recaptchaV3Token").String())
	assert.True(t, body.Get("userMessage.metadata").IsObject())
	assert.True(t, body.Get("userMessage.experimental_attachments").IsArray())

	// The first turn mints the session id up front.
	require.NotEmpty(t, conv.EvaluationSessionID)
	_, err = uuid.Parse(conv.EvaluationSessionID)
	assert.NoError(t, err)
	assert.Equal(t, conv.EvaluationSessionID, body.Get("id").String())
	assert.NotEqual(t, body.Get("userMessageId").String(), body.Get("modelAMessageId").String())

	require.Len(t, tokens.purposes, 1)
	assert.Equal(t, arena.PurposeSendMessage, tokens.purposes[0])
}

func TestSendResumeUsesSessionEndpoint(t *testing.T) {
	gw := &fakeGateway{wire: doneWire}
	orch, _ := newTestOrchestrator(gw, nil)

	conv := &arena.Conversation{Model: "chat-basic", EvaluationSessionID: "sess-42"}
	stream, err := orch.Send(context.Background(), conv, "and then?", nil)
	require.NoError(t, err)
	defer stream.Close()

	require.Len(t, gw.reqs, 1)
	assert.True(t, strings.HasSuffix(gw.reqs[0].URL, resumePath+"sess-42"), gw.reqs[0].URL)
	assert.Equal(t, "sess-42", gjson.ParseBytes(gw.reqs[0].Body).Get("id").String())
	assert.Equal(t, "sess-42", conv.EvaluationSessionID)
}

func TestPayloadSizeIndependentOfHistory(t *testing.T) {
	gw := &fakeGateway{wire: doneWire}
	orch, _ := newTestOrchestrator(gw, nil)
	conv := &arena.Conversation{Model: "chat-basic", EvaluationSessionID: "sess-long"}

	// Ten turns into a conversation the request still carries one message.
	for i := 0; i < 10; i++ {
		stream, err := orch.Send(context.Background(), conv, "same text", nil)
		require.NoError(t, err)
		stream.Close()
	}

	require.Len(t, gw.reqs, 10)
	first := len(gw.reqs[0].Body)
	for _, req := range gw.reqs[1:] {
		assert.Equal(t, first, len(req.Body), "payload must not grow with conversation length")
	}
	assert.False(t, gjson.ParseBytes(gw.reqs[9].Body).Get("messages").Exists())
}

func TestImageModelSwitchesModality(t *testing.T) {
	gw := &fakeGateway{wire: doneWire}
	orch, _ := newTestOrchestrator(gw, nil)

	stream, err := orch.Send(context.Background(), &arena.Conversation{Model: "painter"}, "a red fox", nil)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "image", gjson.ParseBytes(gw.reqs[0].Body).Get("modality").String())
}

func TestSendAttachesUploadedRefs(t *testing.T) {
	gw := &fakeGateway{wire: doneWire}
	up := &fakeUploader{refs: []arena.FileRef{{Name: "uploads/k", ContentType: "image/png", URL: "https://signed"}}}
	orch, _ := newTestOrchestrator(gw, up)

	stream, err := orch.Send(context.Background(), &arena.Conversation{Model: "vision-pro"}, "see", []arena.Attachment{{Name: "a.png", Data: []byte("x")}})
	require.NoError(t, err)
	defer stream.Close()

	atts := gjson.ParseBytes(gw.reqs[0].Body).Get("userMessage.experimental_attachments")
	require.Len(t, atts.Array(), 1)
	assert.Equal(t, "https://signed", atts.Get("0.url").String())
	assert.Equal(t, "image/png", atts.Get("0.contentType").String())
}

func TestCompleteBuffersWholeTurn(t *testing.T) {
	gw := &fakeGateway{wire: doneWire}
	orch, _ := newTestOrchestrator(gw, nil)

	conv := &arena.Conversation{Model: "chat-basic"}
	result, err := orch.Complete(context.Background(), conv, "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "Hello", result.Text)
	assert.Equal(t, "abc", result.FinishReason)
	assert.Equal(t, conv.EvaluationSessionID, result.EvaluationSessionID)
}

func TestCompleteThenResumeRoundTrip(t *testing.T) {
	gw := &fakeGateway{wire: "a0:\"Hel\"\na0:\"lo\"\nad:{\"finishReason\":\"stop\",\"evaluationSessionId\":\"abc\"}\n"}
	orch, _ := newTestOrchestrator(gw, nil)

	conv := &arena.Conversation{Model: "chat-basic"}
	result, err := orch.Complete(context.Background(), conv, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", result.Text)
	assert.Equal(t, "abc", result.EvaluationSessionID)
	// The server-confirmed key replaces the client-minted one.
	assert.Equal(t, "abc", conv.EvaluationSessionID)

	_, err = orch.Complete(context.Background(), conv, "more", nil)
	require.NoError(t, err)
	require.Len(t, gw.reqs, 2)
	assert.True(t, strings.HasSuffix(gw.reqs[1].URL, resumePath+"abc"), gw.reqs[1].URL)
}

func TestCompleteReturnsPartialOnStreamError(t *testing.T) {
	gw := &fakeGateway{wire: "a0:\"par\"\na0:\"tial\"\na3:{\"error\":\"overloaded\"}\n"}
	orch, _ := newTestOrchestrator(gw, nil)

	result, err := orch.Complete(context.Background(), &arena.Conversation{Model: "chat-basic"}, "hi", nil)
	require.Error(t, err)
	assert.Equal(t, "stream", arena.Kind(err))
	require.NotNil(t, result)
	assert.Equal(t, "partial", result.Text)
}

func TestSendPropagatesGatewayFailureUntyped(t *testing.T) {
	gw := &fakeGateway{err: &arena.CloudflareError{URL: "https://lmarena.ai", Signature: "Just a moment..."}}
	orch, _ := newTestOrchestrator(gw, nil)

	conv := &arena.Conversation{Model: "chat-basic"}
	_, err := orch.Send(context.Background(), conv, "hi", nil)
	require.Error(t, err)
	assert.Equal(t, "cloudflare", arena.Kind(err))
	assert.Empty(t, conv.EvaluationSessionID, "a rejected turn must not assign a session")
}

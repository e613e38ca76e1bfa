// internal/orchestrator/stream.go
package orchestrator

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
)

// The wire format is a line protocol. Each line is "<prefix>:<payload>":
//
//	a0:  one JSON-encoded string, a text delta
//	a2:  a JSON array of side-channel objects (heartbeats, generated images)
//	ad:  the terminal marker carrying finishReason and usage
//	a3:  a server-side error payload
//
// Unknown prefixes are skipped so a new server revision degrades to partial
// output instead of a hard failure.
const (
	prefixText      = "a0:"
	prefixSide      = "a2:"
	prefixTerminal  = "ad:"
	prefixError     = "a3:"
	arenaErrorToken = "hasArenaError"
)

// Scanner sizing. Image payload lines can run to megabytes.
const (
	scanInitialBuffer = 64 << 10
	scanMaxLine       = 16 << 20
)

// Stream is the forward-only event sequence of one chat turn. Events arrive in
// wire order; after a terminal event (done or error) Next reports false. Not
// safe for concurrent use.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *zap.Logger

	evaluationSessionID string
	pending             []arena.StreamEvent
	finished            bool
	closed              bool
}

func newStream(body io.ReadCloser, evaluationSessionID string, logger *zap.Logger) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxLine)
	return &Stream{
		body:                body,
		scanner:             scanner,
		logger:              logger,
		evaluationSessionID: evaluationSessionID,
	}
}

// EvaluationSessionID returns the resume key for the conversation this turn
// belongs to. Known before the first event arrives.
func (s *Stream) EvaluationSessionID() string { return s.evaluationSessionID }

// Next returns the next event. ok is false once the sequence has terminated;
// the terminal event itself (done or error) is delivered with ok true.
func (s *Stream) Next() (arena.StreamEvent, bool) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.Kind == arena.EventDone || ev.Kind == arena.EventError {
				s.finished = true
				s.Close()
			}
			return ev, true
		}
		if s.finished {
			return arena.StreamEvent{}, false
		}
		if !s.scanner.Scan() {
			s.queueTruncation()
			continue
		}
		s.parseLine(s.scanner.Text())
	}
}

// queueTruncation converts an underlying read failure or a premature EOF into
// the terminal error event. Content already delivered stands; the caller
// decides what a partial turn is worth.
func (s *Stream) queueTruncation() {
	err := s.scanner.Err()
	if err != nil {
		s.pending = append(s.pending, arena.StreamEvent{
			Kind: arena.EventError,
			Err:  &arena.StreamError{Detail: "reading response stream", Err: err},
		})
		return
	}
	s.pending = append(s.pending, arena.StreamEvent{
		Kind: arena.EventError,
		Err:  &arena.StreamError{Detail: "connection closed before terminal marker"},
	})
}

func (s *Stream) parseLine(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	switch {
	case strings.HasPrefix(line, prefixText):
		s.parseText(line[len(prefixText):])
	case strings.HasPrefix(line, prefixSide):
		s.parseSide(line[len(prefixSide):])
	case strings.HasPrefix(line, prefixTerminal):
		s.parseTerminal(line[len(prefixTerminal):])
	case strings.HasPrefix(line, prefixError):
		s.parseError(line[len(prefixError):])
	default:
		s.logger.Debug("Skipping unrecognized stream line.", zap.String("prefix", linePrefix(line)))
	}
}

func linePrefix(line string) string {
	if i := strings.IndexByte(line, ':'); i > 0 && i <= 8 {
		return line[:i]
	}
	if len(line) > 8 {
		return line[:8]
	}
	return line
}

func (s *Stream) parseText(payload string) {
	var delta string
	if err := jsoniter.UnmarshalFromString(payload, &delta); err != nil {
		s.logger.Debug("Malformed text delta skipped.", zap.Error(err))
		return
	}
	// Only a delta that is exactly the sentinel marks a backend failure; a
	// reply that merely mentions the token is ordinary text.
	if delta == arenaErrorToken {
		s.pending = append(s.pending, arena.StreamEvent{
			Kind: arena.EventError,
			Err:  &arena.StreamError{Detail: "backend reported an arena error"},
		})
		return
	}
	s.pending = append(s.pending, arena.StreamEvent{Kind: arena.EventText, Text: delta})
}

// parseSide handles the a2 channel: heartbeats keep the connection warm and
// are dropped; generated images surface as image events.
func (s *Stream) parseSide(payload string) {
	parsed := gjson.Parse(payload)
	if !parsed.IsArray() {
		return
	}
	parsed.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "heartbeat" {
			return true
		}
		if url := item.Get("image").String(); url != "" {
			s.pending = append(s.pending, arena.StreamEvent{Kind: arena.EventImage, ImageURL: url})
			return true
		}
		if url := item.Get("url").String(); url != "" && item.Get("contentType").String() != "" {
			s.pending = append(s.pending, arena.StreamEvent{Kind: arena.EventImage, ImageURL: url})
		}
		return true
	})
}

func (s *Stream) parseTerminal(payload string) {
	parsed := gjson.Parse(payload)
	if id := parsed.Get("evaluationSessionId").String(); id != "" {
		s.evaluationSessionID = id
	}
	if usage, ok := normalizeUsage(parsed.Get("usage")); ok {
		s.pending = append(s.pending, arena.StreamEvent{Kind: arena.EventUsage, Usage: usage})
	}
	s.pending = append(s.pending, arena.StreamEvent{
		Kind:                arena.EventDone,
		EvaluationSessionID: s.evaluationSessionID,
		FinishReason:        parsed.Get("finishReason").String(),
	})
}

func (s *Stream) parseError(payload string) {
	detail := gjson.Parse(payload).Get("error").String()
	if detail == "" {
		detail = payload
	}
	s.pending = append(s.pending, arena.StreamEvent{
		Kind: arena.EventError,
		Err:  &arena.StreamError{Detail: fmt.Sprintf("backend error: %s", detail)},
	})
}

// Close releases the underlying connection. Safe to call more than once and
// safe to call before the terminal event; remaining events are discarded.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// usageKeys maps the field-name dialects different backends emit. Totals are
// recomputed when absent.
var usageKeys = [][2]string{
	{"promptTokens", "completionTokens"},
	{"prompt_tokens", "completion_tokens"},
	{"input_tokens", "output_tokens"},
	{"inputTokens", "outputTokens"},
	{"promptTokenCount", "candidatesTokenCount"},
}

func normalizeUsage(res gjson.Result) (arena.Usage, bool) {
	if !res.Exists() || !res.IsObject() {
		return arena.Usage{}, false
	}
	var u arena.Usage
	for _, pair := range usageKeys {
		prompt, completion := res.Get(pair[0]), res.Get(pair[1])
		if !prompt.Exists() && !completion.Exists() {
			continue
		}
		u.PromptTokens = prompt.Int()
		u.CompletionTokens = completion.Int()
		break
	}
	u.TotalTokens = res.Get("totalTokens").Int()
	if u.TotalTokens == 0 {
		u.TotalTokens = res.Get("total_tokens").Int()
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return arena.Usage{}, false
	}
	return u, true
}

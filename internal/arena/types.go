// internal/arena/types.go
package arena

import (
	"time"
)

// Model is one catalog entry scraped from the arena's delivered markup.
type Model struct {
	ID          string `json:"id"`
	PublicName  string `json:"publicName"`
	VisionInput bool   `json:"visionInput"`
	ImageOutput bool   `json:"imageOutput"`
}

// Catalog is an immutable snapshot of the remote model list. It is rebuilt
// wholesale on every refresh, never patched in place.
type Catalog struct {
	Models    []Model
	FetchedAt time.Time
}

// Names returns the sorted public names of every model in the snapshot.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		names = append(names, m.PublicName)
	}
	return names
}

// Lookup resolves a public model name to its catalog entry.
func (c Catalog) Lookup(publicName string) (Model, bool) {
	for _, m := range c.Models {
		if m.PublicName == publicName {
			return m, true
		}
	}
	return Model{}, false
}

// Logical action names whose remote identifiers are discovered by scanning the
// site's delivered JS bundles.
const (
	ActionGenerateUploadURL = "generateUploadUrl"
	ActionGetSignedURL      = "getSignedUrl"
)

// Conversation identifies one chat thread. EvaluationSessionID is the
// server-assigned resume key: empty until the first turn completes, immutable
// afterwards, and the sole continuation mechanism (history is never resent).
type Conversation struct {
	LocalID             string `json:"localId"`
	EvaluationSessionID string `json:"evaluationSessionId"`
	Model               string `json:"model"`
}

// Usage holds normalized token accounting from the terminal stream marker.
// Zero values mean the backend did not report the figure.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// TokenPurpose scopes an anti-bot token request to the operation it will
// authorize. The browser driver maps purposes onto reCAPTCHA action strings.
type TokenPurpose string

const (
	PurposeSendMessage TokenPurpose = "send-message"
	PurposeUpload      TokenPurpose = "upload"
)

// Attachment is one file the caller wants attached to an outbound message.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

// UploadTicket is the short-lived direct-upload slot returned by phase one of
// the upload protocol. It is scoped to a single attachment and discarded once
// the transfer completes.
type UploadTicket struct {
	UploadURL       string
	RawRef          string
	TransferHeaders map[string]string
}

// FileRef is the durable descriptor produced by the final signing phase, in
// the exact shape the chat payload embeds under experimental_attachments.
type FileRef struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

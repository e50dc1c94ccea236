package ingest

import (
	"encoding/json"
	"fmt"
	"mime"
	"path"
	"strings"
)

// GatewaySignatureHeader carries the hex HMAC-SHA256 of a gateway webhook body.
const GatewaySignatureHeader = "X-Gateway-Signature"

// InboundMessage is the messaging gateway webhook payload.
type InboundMessage struct {
	MessageID string        `json:"messageId"`
	From      string        `json:"from"`
	Type      string        `json:"type"`
	Media     *InboundMedia `json:"media,omitempty"`
}

// InboundMedia describes the attachment of an inbound message.
type InboundMedia struct {
	URL             string  `json:"url"`
	ContentType     string  `json:"contentType"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// ParseInboundMessage decodes and validates a gateway payload.
func ParseInboundMessage(body []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.MessageID == "" || msg.From == "" {
		return InboundMessage{}, fmt.Errorf("%w: messageId and from are required", ErrMalformedMessage)
	}
	return msg, nil
}

// IsVoice reports whether the message carries audio we can transcribe.
func (m InboundMessage) IsVoice() bool {
	switch strings.ToLower(m.Type) {
	case "audio", "voice", "ptt":
	default:
		return false
	}
	return m.Media != nil && m.Media.URL != "" && IsAudio(m.Media.ContentType)
}

// IsAudio reports whether contentType names an audio format.
func IsAudio(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "audio/") || mediaType == "application/ogg"
}

// NormalizePhone strips a channel prefix such as "whatsapp:" and separators,
// returning an E.164-looking number.
func NormalizePhone(from string) string {
	if i := strings.LastIndexByte(from, ':'); i >= 0 {
		from = from[i+1:]
	}
	var b strings.Builder
	for _, r := range from {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

// MediaKey is the object key an uploaded file is stored under.
func MediaKey(accountID int64, jobID, filename string) string {
	return fmt.Sprintf("uploads/%d/%s%s", accountID, jobID, cleanExt(filename))
}

func cleanExt(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeXML  = "application/xml"
)

// Submission is the immutable payload a run validates. Read-only to the
// execution core; the checksum pins the exact bytes a run scored.
type Submission struct {
	ID          string
	ContentType string
	SHA256      string
	Payload     []byte
	ReceivedAt  time.Time
}

// NewSubmission computes the payload checksum and detects the content type
// when the declared one is empty or unrecognized.
func NewSubmission(id string, declaredContentType string, payload []byte) (Submission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Submission{}, errors.New("submission id is required")
	}
	if len(payload) == 0 {
		return Submission{}, errors.New("submission payload is required")
	}

	contentType := normalizeContentType(declaredContentType)
	if contentType == "" {
		contentType = DetectContentType(payload)
	}
	if contentType == "" {
		return Submission{}, errors.New("submission content type is not recognized")
	}

	sum := sha256.Sum256(payload)
	return Submission{
		ID:          id,
		ContentType: contentType,
		SHA256:      hex.EncodeToString(sum[:]),
		Payload:     payload,
		ReceivedAt:  time.Now().UTC(),
	}, nil
}

// DetectContentType sniffs the payload's leading non-space byte.
func DetectContentType(payload []byte) string {
	for _, b := range payload {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return ContentTypeJSON
		case '<':
			return ContentTypeXML
		default:
			return ""
		}
	}
	return ""
}

func normalizeContentType(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if idx := strings.IndexByte(value, ';'); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	switch value {
	case ContentTypeJSON, "text/json":
		return ContentTypeJSON
	case ContentTypeXML, "text/xml":
		return ContentTypeXML
	default:
		return ""
	}
}

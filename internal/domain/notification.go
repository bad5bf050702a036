package domain

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

const DefaultOutputPrefix = "processed-"

var (
	ErrMissingURL        = errors.New("missing URL")
	ErrMissingObjectName = errors.New("missing blob name")
)

// Notification announces a newly created source object. SourceURL is the
// only field the pipeline depends on; the rest is carried for logging.
type Notification struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type,omitempty"`
	Source     string    `json:"source,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	SourceURL  string    `json:"url"`
	ReceivedAt time.Time `json:"received_at"`
}

// ObjectName returns the final path segment of the notification URL.
func (n Notification) ObjectName() (string, error) {
	return ObjectNameFromURL(n.SourceURL)
}

// ObjectNameFromURL extracts the object identity from a source locator.
// Query strings and fragments (SAS tokens) are ignored. The final segment is
// cut from the escaped path and only then unescaped, so an encoded slash
// stays part of the name. Segments with invalid escapes are kept verbatim.
func ObjectNameFromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingURL
	}

	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.EscapedPath()
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	segment := p[strings.LastIndex(p, "/")+1:]
	if segment == "" {
		return "", ErrMissingObjectName
	}
	if name, err := url.PathUnescape(segment); err == nil {
		return name, nil
	}
	return segment, nil
}

func OutputName(prefix, objectName string) string {
	return prefix + objectName
}

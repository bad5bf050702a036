package trigger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/messaging"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/eventgrid/azsystemevents"
	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/dunamismax/greyflow/internal/domain"
	"github.com/minio/minio-go/v7/pkg/notification"
)

const (
	SourceCloudEvents = "cloudevents"
	SourceEventGrid   = "eventgrid"
	SourceS3          = "s3"
	SourceRaw         = "raw"
)

var (
	ErrUnrecognizedPayload = errors.New("unrecognized notification payload")

	s3RemovedPrefix = strings.TrimSuffix(string(notification.ObjectRemovedAll), "*")
)

// Batch is one decoded delivery. A delivery is either a subscription
// validation handshake or zero or more notifications.
type Batch struct {
	Source         string
	Notifications  []domain.Notification
	Skipped        int
	ValidationCode string
}

// Decode turns a request body into notifications. It accepts CloudEvents in
// binary, structured and batch mode, Event Grid arrays in either schema,
// MinIO/S3 bucket notifications and any other JSON object as a raw record
// whose URL is read from data.url. A raw record without a URL still yields a
// notification, so the run fails visibly instead of the delivery vanishing.
func Decode(r *http.Request, body []byte) (Batch, error) {
	contentType := strings.ToLower(r.Header.Get("Content-Type"))

	switch {
	case strings.HasPrefix(contentType, "application/cloudevents-batch"):
		return decodeCloudEventsBatch(r, body)
	case r.Header.Get("Ce-Specversion") != "", strings.HasPrefix(contentType, "application/cloudevents"):
		return decodeCloudEvent(r, body)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Batch{}, fmt.Errorf("%w: empty body", ErrUnrecognizedPayload)
	}

	switch trimmed[0] {
	case '[':
		return decodeEventArray(trimmed)
	case '{':
		return decodeObject(trimmed)
	default:
		return Batch{}, ErrUnrecognizedPayload
	}
}

func decodeCloudEvent(r *http.Request, body []byte) (Batch, error) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	evt, err := cehttp.NewEventFromHTTPRequest(r)
	if err != nil {
		return Batch{}, fmt.Errorf("decode cloudevent: %w", err)
	}
	b := Batch{Source: SourceCloudEvents}
	b.add(fromCloudEvent(*evt))
	return b, nil
}

func decodeCloudEventsBatch(r *http.Request, body []byte) (Batch, error) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	evts, err := cehttp.NewEventsFromHTTPRequest(r)
	if err != nil {
		return Batch{}, fmt.Errorf("decode cloudevents batch: %w", err)
	}
	b := Batch{Source: SourceCloudEvents}
	for _, evt := range evts {
		b.add(fromCloudEvent(evt))
	}
	return b, nil
}

func fromCloudEvent(evt cloudevents.Event) domain.Notification {
	blobURL, _ := eventPayload(evt.Type(), evt.Data())
	return domain.Notification{
		ID:        evt.ID(),
		Type:      evt.Type(),
		Source:    evt.Source(),
		Subject:   evt.Subject(),
		SourceURL: blobURL,
	}
}

// eventPayload reads the blob URL or the subscription validation code from
// an event's data, typed by the event type. Types outside the Azure system
// events fall back to a plain {"url": ...} object.
func eventPayload(eventType string, data []byte) (blobURL, validationCode string) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "", ""
	}

	switch eventType {
	case azsystemevents.TypeSubscriptionValidation:
		var v azsystemevents.SubscriptionValidationEventData
		if json.Unmarshal(data, &v) == nil {
			validationCode = deref(v.ValidationCode)
		}
	case azsystemevents.TypeStorageBlobCreated:
		var v azsystemevents.StorageBlobCreatedEventData
		if json.Unmarshal(data, &v) == nil {
			blobURL = deref(v.URL)
		}
	case azsystemevents.TypeStorageBlobDeleted:
		var v azsystemevents.StorageBlobDeletedEventData
		if json.Unmarshal(data, &v) == nil {
			blobURL = deref(v.URL)
		}
	default:
		var v struct {
			URL string `json:"url"`
		}
		if json.Unmarshal(data, &v) == nil {
			blobURL = v.URL
		}
	}
	return blobURL, validationCode
}

// gridEnvelope is the Event Grid schema wrapper; azsystemevents types only
// the data inside it.
type gridEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Topic     string          `json:"topic"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
}

// decodeEventArray handles Event Grid deliveries, which are arrays in both
// the Event Grid schema and the CloudEvents schema.
func decodeEventArray(body []byte) (Batch, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return Batch{}, fmt.Errorf("decode event grid array: %w", err)
	}
	if len(items) > 0 && hasSpecVersion(items[0]) {
		return decodeCloudEventSchema(body)
	}

	var envelopes []gridEnvelope
	if err := json.Unmarshal(body, &envelopes); err != nil {
		return Batch{}, fmt.Errorf("decode event grid array: %w", err)
	}

	b := Batch{Source: SourceEventGrid}
	for _, e := range envelopes {
		blobURL, code := eventPayload(e.EventType, e.Data)
		if e.EventType == azsystemevents.TypeSubscriptionValidation {
			b.ValidationCode = code
			return b, nil
		}
		b.add(domain.Notification{
			ID:        e.ID,
			Type:      e.EventType,
			Source:    e.Topic,
			Subject:   e.Subject,
			SourceURL: blobURL,
		})
	}
	return b, nil
}

func decodeCloudEventSchema(body []byte) (Batch, error) {
	var events []messaging.CloudEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return Batch{}, fmt.Errorf("decode event grid cloudevents: %w", err)
	}

	b := Batch{Source: SourceEventGrid}
	for _, ce := range events {
		blobURL, _ := eventPayload(ce.Type, cloudEventData(ce.Data))
		b.add(domain.Notification{
			ID:        ce.ID,
			Type:      ce.Type,
			Source:    ce.Source,
			Subject:   deref(ce.Subject),
			SourceURL: blobURL,
		})
	}
	return b, nil
}

// cloudEventData returns the raw JSON of a decoded messaging.CloudEvent's
// data, which arrives as []byte after unmarshalling.
func cloudEventData(data any) []byte {
	switch v := data.(type) {
	case nil:
		return nil
	case []byte:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return raw
	}
}

func hasSpecVersion(item json.RawMessage) bool {
	var head struct {
		SpecVersion string `json:"specversion"`
	}
	return json.Unmarshal(item, &head) == nil && head.SpecVersion != ""
}

func decodeObject(body []byte) (Batch, error) {
	var head struct {
		Records     json.RawMessage `json:"Records"`
		SpecVersion string          `json:"specversion"`
		EventType   string          `json:"eventType"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return Batch{}, fmt.Errorf("decode notification: %w", err)
	}

	switch {
	case len(head.Records) > 0:
		return decodeS3(body)
	case head.SpecVersion != "":
		var evt cloudevents.Event
		if err := json.Unmarshal(body, &evt); err != nil {
			return Batch{}, fmt.Errorf("decode cloudevent: %w", err)
		}
		b := Batch{Source: SourceCloudEvents}
		b.add(fromCloudEvent(evt))
		return b, nil
	case head.EventType != "":
		return decodeEventArray(append(append([]byte{'['}, body...), ']'))
	default:
		var e gridEnvelope
		if err := json.Unmarshal(body, &e); err != nil {
			return Batch{}, fmt.Errorf("decode notification: %w", err)
		}
		blobURL, _ := eventPayload("", e.Data)
		b := Batch{Source: SourceRaw}
		b.add(domain.Notification{ID: e.ID, Subject: e.Subject, SourceURL: blobURL})
		return b, nil
	}
}

func decodeS3(body []byte) (Batch, error) {
	var info notification.Info
	if err := json.Unmarshal(body, &info); err != nil {
		return Batch{}, fmt.Errorf("decode bucket notification: %w", err)
	}

	b := Batch{Source: SourceS3}
	for _, rec := range info.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			key = rec.S3.Object.Key
		}
		// The whole key is one object name, so its slashes are escaped.
		objectURL := url.URL{
			Scheme:  "s3",
			Host:    rec.S3.Bucket.Name,
			Path:    "/" + key,
			RawPath: "/" + url.PathEscape(key),
		}

		b.add(domain.Notification{
			ID:        rec.S3.Object.Sequencer,
			Type:      rec.EventName,
			Source:    rec.EventSource,
			Subject:   key,
			SourceURL: objectURL.String(),
		})
	}
	return b, nil
}

func (b *Batch) add(n domain.Notification) {
	if isDeletion(n.Type) {
		b.Skipped++
		return
	}
	n.ReceivedAt = time.Now().UTC()
	b.Notifications = append(b.Notifications, n)
}

func isDeletion(eventType string) bool {
	return eventType == azsystemevents.TypeStorageBlobDeleted ||
		strings.HasPrefix(eventType, s3RemovedPrefix) ||
		strings.HasSuffix(eventType, ".deleted")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

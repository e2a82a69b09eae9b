package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers consulted before the payload
const (
	EventIDHeader   = "X-Event-Id"
	EventNameHeader = "X-Event-Name"
)

// ErrMalformedPayload is returned when the body is not a JSON object
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Envelope is a parsed delivery: the raw bytes, the decoded document and the resolved identity.
type Envelope struct {
	Raw       []byte
	Doc       map[string]any
	Header    http.Header
	EventID   string
	EventName string
}

// ParseEnvelope decodes body and resolves the event id and name.
// Numbers are kept as json.Number so ids are stringified exactly.
func ParseEnvelope(body []byte, header http.Header) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return nil, ErrMalformedPayload
	}
	if header == nil {
		header = http.Header{}
	}

	env := &Envelope{Raw: body, Doc: doc, Header: header}
	env.EventName = firstNonEmpty(env, eventNameExtractors)
	env.EventID = firstNonEmpty(env, eventIDExtractors)
	return env, nil
}

// Attributes returns data.attributes, or nil
func (e *Envelope) Attributes() map[string]any {
	return objectAt(e.Doc, "data", "attributes")
}

type extractor func(env *Envelope) string

var eventNameExtractors = []extractor{
	headerValue(EventNameHeader),
	docString("event_name"),
	docString("name"),
	docString("type"),
	docString("meta", "event_name"),
	docString("meta", "name"),
}

var eventIDExtractors = []extractor{
	headerValue(EventIDHeader),
	docString("event_id"),
	docString("id"),
	docString("meta", "event_id"),
	docString("meta", "id"),
	scopedDataID,
	contentHash,
}

// EventIDFromRaw derives the identity of a delivery whose body could not be parsed.
func EventIDFromRaw(body []byte, header http.Header) string {
	env := &Envelope{Raw: body, Header: header}
	if header == nil {
		env.Header = http.Header{}
	}
	if id := headerValue(EventIDHeader)(env); id != "" {
		return id
	}
	return contentHash(env)
}

// EventNameFromHeader returns the event name header, if any.
func EventNameFromHeader(header http.Header) string {
	return strings.TrimSpace(header.Get(EventNameHeader))
}

func firstNonEmpty(env *Envelope, extractors []extractor) string {
	for _, fn := range extractors {
		if v := fn(env); v != "" {
			return v
		}
	}
	return ""
}

func headerValue(name string) extractor {
	return func(env *Envelope) string {
		return strings.TrimSpace(env.Header.Get(name))
	}
}

func docString(path ...string) extractor {
	return func(env *Envelope) string {
		return stringAt(env.Doc, path...)
	}
}

// scopedDataID builds a stable id from the resource identity and version. May return "".
func scopedDataID(env *Envelope) string {
	id := stringAt(env.Doc, "data", "id")
	if id == "" {
		return ""
	}
	return strings.Join([]string{
		env.EventName,
		stringAt(env.Doc, "data", "type"),
		id,
		stringAt(env.Doc, "data", "attributes", "updated_at"),
	}, ":")
}

func contentHash(env *Envelope) string {
	sum := sha256.Sum256(env.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// objectAt walks nested objects
func objectAt(doc map[string]any, path ...string) map[string]any {
	cur := doc
	for _, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func valueAt(doc map[string]any, path ...string) any {
	if len(path) == 0 {
		return nil
	}
	parent := objectAt(doc, path[:len(path)-1]...)
	if parent == nil {
		return nil
	}
	return parent[path[len(path)-1]]
}

func stringAt(doc map[string]any, path ...string) string {
	return stringify(valueAt(doc, path...))
}

// stringify renders scalar ids; objects, arrays, bools and null are empty
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts RFC 3339 timestamps (with or without fraction), naive UTC and date-only values
func parseTime(v any) *time.Time {
	s := stringify(v)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

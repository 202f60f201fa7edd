package eventbus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Event types published by the pipeline.
const (
	TypeBatchCreated         = "batch.created"
	TypeDocumentOCRRequested = "document.ocr.requested"
	TypeBatchOCRCompleted    = "batch.ocr.completed"
	TypeAnalysisRequested    = "analysis.requested"
	TypeAnalysisCompleted    = "analysis.completed"
)

const (
	defaultSource = "invoice-pipeline"
	extGeneration = "generation"
)

// Message is what producers hand to Publish.
type Message struct {
	Type string
	// Subject is the id of the entity the event is about.
	Subject string
	// Generation distinguishes deliberate re-publication of the same stage
	// for the same entity (for example a document reprocess) from duplicates.
	Generation int
	Data       any
}

// Key is the idempotency key of a stage run: equal inputs give equal keys.
func Key(stage, entityID string, generation int) string {
	sum := sha256.Sum256([]byte(stage + "|" + entityID + "|" + strconv.Itoa(generation)))
	return hex.EncodeToString(sum[:])
}

// Event is a claimed delivery handed to a Handler.
type Event struct {
	ID         string
	Type       string
	Subject    string
	Generation int
	// Attempt counts deliveries, starting at 1.
	Attempt int

	ce cloudevents.Event
}

// Decode unmarshals the event data into v.
func (e *Event) Decode(v any) error {
	if err := e.ce.DataAs(v); err != nil {
		return Permanent(fmt.Errorf("decode %s data: %w", e.Type, err))
	}
	return nil
}

// CloudEvent returns the envelope as stored.
func (e *Event) CloudEvent() cloudevents.Event { return e.ce }

func encode(source string, msg Message, now time.Time) (string, []byte, error) {
	id := Key(msg.Type, msg.Subject, msg.Generation)

	ce := cloudevents.NewEvent()
	ce.SetID(id)
	ce.SetSource(source)
	ce.SetType(msg.Type)
	ce.SetSubject(msg.Subject)
	ce.SetTime(now)
	ce.SetExtension(extGeneration, strconv.Itoa(msg.Generation))
	if msg.Data != nil {
		if err := ce.SetData(cloudevents.ApplicationJSON, msg.Data); err != nil {
			return "", nil, fmt.Errorf("set event data: %w", err)
		}
	}
	if err := ce.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid event: %w", err)
	}
	raw, err := json.Marshal(ce)
	if err != nil {
		return "", nil, err
	}
	return id, raw, nil
}

func decode(raw []byte) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	if err := json.Unmarshal(raw, &ce); err != nil {
		return ce, err
	}
	return ce, nil
}

func generationOf(ce cloudevents.Event) int {
	v, ok := ce.Extensions()[extGeneration]
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(fmt.Sprint(v))
	return n
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying: the event is dead-lettered on
// the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type deferredError struct{ delay time.Duration }

func (e *deferredError) Error() string { return fmt.Sprintf("deferred for %s", e.delay) }

// Defer reschedules the event after delay without spending a retry: the
// handler could not decide yet, typically because another worker still owns
// the entity.
func Defer(delay time.Duration) error {
	return &deferredError{delay: delay}
}

// DeferredFor reports the delay requested by Defer.
func DeferredFor(err error) (time.Duration, bool) {
	var d *deferredError
	if !errors.As(err, &d) {
		return 0, false
	}
	return d.delay, true
}

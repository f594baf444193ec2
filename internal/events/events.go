// Package events publishes document and quota lifecycle events.
//
// Events are informational. Publishing never blocks or fails the operation
// that produced the event; publish errors are logged and counted.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subjects.
const (
	SubjectDocumentAdded   = "ragd.documents.added"
	SubjectDocumentDeleted = "ragd.documents.deleted"
	SubjectQuotaExceeded   = "ragd.quota.exceeded"
)

// Event is one lifecycle event.
type Event interface {
	Subject() string
	Tenant() string
}

// DocumentAdded is published after a document is stored and its quota
// committed.
type DocumentAdded struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Chunks     int    `json:"chunks"`
	Bytes      int64  `json:"bytes"`
}

func (DocumentAdded) Subject() string  { return SubjectDocumentAdded }
func (e DocumentAdded) Tenant() string { return e.TenantID }

// DocumentDeleted is published after a document is removed and its quota
// refunded. Reclaimed is set when a background sweep finished the delete.
type DocumentDeleted struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
	Vectors    int    `json:"vectors"`
	Reclaimed  bool   `json:"reclaimed,omitempty"`
}

func (DocumentDeleted) Subject() string  { return SubjectDocumentDeleted }
func (e DocumentDeleted) Tenant() string { return e.TenantID }

// QuotaExceeded is published when a reservation is refused.
type QuotaExceeded struct {
	TenantID  string `json:"tenant_id"`
	Operation string `json:"operation"`
	Dimension string `json:"dimension"`
	Plan      string `json:"plan"`
}

func (QuotaExceeded) Subject() string  { return SubjectQuotaExceeded }
func (e QuotaExceeded) Tenant() string { return e.TenantID }

// Envelope is the wire form of an event.
type Envelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id"`
	Time     time.Time       `json:"time"`
	Data     json.RawMessage `json:"data"`
}

// Wrap builds the envelope for e.
func Wrap(e Event, now time.Time) (Envelope, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:       uuid.NewString(),
		Type:     e.Subject(),
		TenantID: e.Tenant(),
		Time:     now.UTC(),
		Data:     data,
	}, nil
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events were published on subject.
func (r *Recorder) Count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Subject() == subject {
			n++
		}
	}
	return n
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*Recorder)(nil)
)

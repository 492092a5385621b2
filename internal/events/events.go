// Package events publishes run and account outcomes to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/xid"
)

// Event types
const (
	TypeRunStarted      = "run.started"
	TypeAccountFinished = "account.finished"
	TypeRunFinished     = "run.finished"
)

// Event is one published notification
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Account   string    `json:"account,omitempty"`
	Status    string    `json:"status,omitempty"`
	Succeeded []string  `json:"succeeded,omitempty"`
	Failed    []string  `json:"failed,omitempty"`
	Pending   []string  `json:"pending,omitempty"`
	Messages  int       `json:"messages,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Accounts  int       `json:"accounts,omitempty"`
	DryRun    bool      `json:"dry_run,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher sends events somewhere
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop discards every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher
func (Nop) Close() {}

// NATSPublisher publishes events as JSON on subject.<type>
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to the NATS server at url
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailmigrate"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Subject returns the subject an event is published on
func Subject(base string, ev Event) string {
	return base + "." + ev.Type
}

// Encode fills the event's ID and time when missing and returns its JSON body
func Encode(ev *Event) ([]byte, error) {
	if ev.ID == "" {
		ev.ID = xid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return json.Marshal(ev)
}

// Publish publishes the event with its ID as the deduplication header
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := Encode(&ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := &nats.Msg{
		Subject: Subject(p.subject, ev),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, ev.ID)

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Package bus carries hub events over NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the hub. All of them live under the rescue.> wildcard
// captured by the stream created in EnsureStream.
const (
	SubjectEvidenceStored = "rescue.evidence.stored"
	SubjectAuditReset     = "rescue.audit.reset"
	SubjectWakeSent       = "rescue.wake.sent"

	StreamName    = "RESCUE"
	StreamSubject = "rescue.>"

	retention = 7 * 24 * time.Hour
)

// EvidenceStored is published after a submission is written to disk.
type EvidenceStored struct {
	Address  string    `json:"address"`
	Kind     string    `json:"kind"`
	Filename string    `json:"filename"`
	Size     int       `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// AuditReset is published when a bootstrap line truncates an audit log.
type AuditReset struct {
	Address string    `json:"address"`
	ResetAt time.Time `json:"reset_at"`
}

// WakeSent is published after an agent acknowledged a wake ping.
type WakeSent struct {
	Address string    `json:"address"`
	SentAt  time.Time `json:"sent_at"`
}

// Message is one delivered event.
type Message struct {
	Subject   string
	Data      []byte
	Published time.Time
}

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Handler processes a message. A returned error naks it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Bus wraps a NATS JetStream connection.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to the NATS server at url.
func New(url string, opts ...nats.Option) (*Bus, error) {
	opts = append([]nats.Option{nats.Name("rescued")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream creates the RESCUE stream when the server does not know it yet.
func (b *Bus) EnsureStream() error {
	if b == nil {
		return errors.New("nil bus")
	}
	_, err := b.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{StreamSubject},
		MaxAge:   retention,
	})
	return err
}

// Close drains the connection, falling back to a hard close.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to subj.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe invokes fn for each message on subj until ctx ends. An empty
// durable name creates an ephemeral consumer that only sees new messages.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		m := Message{Subject: msg.Subject, Data: msg.Data}
		if meta, err := msg.Metadata(); err == nil {
			m.Published = meta.Timestamp
		}
		if err := fn(ctx, m); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	opts := []nats.SubOpt{nats.ManualAck(), nats.AckExplicit()}
	if durable != "" {
		opts = append(opts, nats.Durable(durable))
	} else {
		opts = append(opts, nats.DeliverNew())
	}

	sub, err := b.js.Subscribe(subj, handler, opts...)
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

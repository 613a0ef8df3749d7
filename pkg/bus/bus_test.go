package bus

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMessageDecode(t *testing.T) {
	msg := Message{
		Subject: SubjectEvidenceStored,
		Data:    []byte(`{"address":"10.0.0.5","kind":"upload","filename":"20240102_030405.000000_notes.txt","size":12,"stored_at":"2024-01-02T03:04:05Z"}`),
	}
	var ev EvidenceStored
	if err := msg.Decode(&ev); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := EvidenceStored{
		Address:  "10.0.0.5",
		Kind:     "upload",
		Filename: "20240102_030405.000000_notes.txt",
		Size:     12,
		StoredAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if ev != want {
		t.Fatalf("Decode = %+v, want %+v", ev, want)
	}
}

func TestSubjectsUnderStream(t *testing.T) {
	prefix := strings.TrimSuffix(StreamSubject, ">")
	for _, subj := range []string{SubjectEvidenceStored, SubjectAuditReset, SubjectWakeSent} {
		if !strings.HasPrefix(subj, prefix) {
			t.Fatalf("%s is not captured by %s", subj, StreamSubject)
		}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	if err := b.Publish(context.Background(), SubjectWakeSent, WakeSent{}); err == nil {
		t.Fatal("expected error publishing on nil bus")
	}
	if err := b.EnsureStream(); err == nil {
		t.Fatal("expected error on nil bus")
	}
	b.Close()
}

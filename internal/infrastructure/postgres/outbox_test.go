package postgres

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/clinicdesk/opd-console/internal/audit"
)

func TestEntryFromEvent(t *testing.T) {
	e, err := audit.NewEvent(audit.AggregateVisit, "501", audit.EventVisitRegistered, map[string]string{"visit_type": "OPD"})
	if err != nil {
		t.Fatal(err)
	}
	e.WithContext(audit.WithActor(context.Background(), audit.Actor{ID: "1", Name: "Asha"}))

	entry, err := EntryFromEvent(e, "hms.audit")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Topic != "hms.audit" || entry.Key != "Visit:501" || entry.EventType != "VisitRegistered" {
		t.Errorf("unexpected entry %+v", entry)
	}

	var decoded audit.Event
	if err := json.Unmarshal(entry.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID != e.ID || decoded.ActorID != "1" {
		t.Errorf("payload must carry the whole event, got %+v", decoded)
	}
}

func TestDeadLetterKeepsOriginalTopic(t *testing.T) {
	msg := "broker unavailable"
	dl := deadLetterOf(&OutboxEntry{
		Topic:       "hms.audit",
		EventType:   "RecordDeleted",
		AggregateID: "4",
		Payload:     json.RawMessage(`{"id":"x"}`),
		RetryCount:  5,
		LastError:   &msg,
	})
	raw, err := json.Marshal(dl)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	_ = json.Unmarshal(raw, &got)
	if got["original_topic"] != "hms.audit" || got["last_error"] != msg || got["retry_count"] != float64(5) {
		t.Errorf("unexpected dead letter %s", raw)
	}
}

func TestDefaultOutboxConfig(t *testing.T) {
	cfg := DefaultOutboxConfig("hms.audit")
	if cfg.DeadLetterTopic != "hms.audit.dlq" || cfg.MaxRetries <= 0 || cfg.BatchSize <= 0 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"waterguard/internal/config"
	"waterguard/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublish(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafka(w, nil)
	at := time.Date(2025, 9, 5, 5, 0, 0, 0, time.UTC)
	list := []model.Alert{
		{Kind: model.KindBuildingOff, EntityType: model.EntityBuilding, EntityID: "12183", Message: "off", Severity: model.SeverityHigh},
		{Kind: model.KindCavitation, EntityType: model.EntityCTP, EntityID: "C1", Message: "cavitation", Severity: model.SeverityHigh},
	}
	if err := k.Publish(context.Background(), "cycle-1", at, list); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "house:12183" || string(w.msgs[1].Key) != "ctp:C1" {
		t.Fatalf("unexpected keys %q %q", w.msgs[0].Key, w.msgs[1].Key)
	}
	var env Envelope
	if err := json.Unmarshal(w.msgs[1].Value, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.CycleID != "cycle-1" || env.Alert.EntityID != "C1" || !env.At.Equal(at) {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if err := k.Close(); err != nil || !w.closed {
		t.Fatalf("close did not reach the writer")
	}
}

func TestKafkaPublishErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	k := NewKafka(w, nil)
	if err := k.Publish(context.Background(), "c", time.Now(), nil); err != nil {
		t.Fatalf("empty publish must not touch the writer: %v", err)
	}
	err := k.Publish(context.Background(), "c", time.Now(), []model.Alert{{EntityType: model.EntityBuilding, EntityID: "1"}})
	if err == nil {
		t.Fatalf("expected writer error")
	}
}

func TestNewDisabled(t *testing.T) {
	if _, ok := New(config.PublishConfig{}, nil).(Noop); !ok {
		t.Fatalf("disabled publishing should return Noop")
	}
}

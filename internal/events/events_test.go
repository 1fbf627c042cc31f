package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"escrowdesk/internal/model"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestNoopPublisher(t *testing.T) {
	pub := &NoopPublisher{}
	if err := pub.Publish(context.Background(), TopicActionSubmitted, ActionEvent{}); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close returned unexpected error: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	_ = rec.Publish(context.Background(), TopicActionSubmitted, ActionEvent{})
	_ = rec.Publish(context.Background(), TopicActionConfirmed, ActionEvent{})
	topics := rec.Topics()
	if len(topics) != 2 || topics[0] != TopicActionSubmitted || topics[1] != TopicActionConfirmed {
		t.Fatalf("unexpected topics: %v", topics)
	}
}

func TestTopicForStatus(t *testing.T) {
	cases := map[model.ActionStatus]string{
		model.StatusSubmitted: TopicActionSubmitted,
		model.StatusConfirmed: TopicActionConfirmed,
		model.StatusFailed:    TopicActionFailed,
	}
	for status, want := range cases {
		if got := TopicForStatus(status); got != want {
			t.Errorf("TopicForStatus(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestNATSPublisher_DeliversJSON(t *testing.T) {
	url := startTestNATS(t)

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("escrow.>", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("NewNATSPublisher: %v", err)
	}
	defer pub.Close()

	event := ActionEvent{
		Identity: "0xd1",
		Action:   model.PendingAction{ID: "act-1", Kind: model.ActionApprove, AgreementID: "3", Status: model.StatusConfirmed},
	}
	if err := pub.Publish(context.Background(), TopicActionConfirmed, event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pub.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != TopicActionConfirmed {
			t.Fatalf("unexpected subject %q", msg.Subject)
		}
		var got ActionEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Action.ID != "act-1" || got.Action.Status != model.StatusConfirmed {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

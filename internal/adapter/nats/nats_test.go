package nats

import (
	"testing"

	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/domain/message"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"agent-1":       "agent-1",
		"dev.team lead": "dev_team_lead",
		"a*b>c":         "a_b_c",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubjectFor(t *testing.T) {
	direct := message.New("a", "worker.one", message.TypeRequest, nil)
	if got := subjectFor(direct); got != "messages.direct.worker_one" {
		t.Fatalf("direct subject = %q", got)
	}
	bcast := message.NewBroadcast("a", "started", nil)
	if got := subjectFor(bcast); got != broadcastSubject {
		t.Fatalf("broadcast subject = %q", got)
	}
}

func TestHistoryFiltering(t *testing.T) {
	b := &Bus{histSize: 10}
	msgs := []message.Message{
		message.New("a", "b", message.TypeRequest, nil),
		message.New("a", "c", message.TypeNotify, nil),
		message.New("x", "b", message.TypeRequest, nil),
	}
	b.history = msgs

	got := b.History(bus.HistoryFilter{Sender: "a"})
	if len(got) != 2 {
		t.Fatalf("sender filter: %d messages", len(got))
	}
	got = b.History(bus.HistoryFilter{Recipient: "b", Type: message.TypeRequest})
	if len(got) != 2 {
		t.Fatalf("recipient+type filter: %d messages", len(got))
	}
	got = b.History(bus.HistoryFilter{Limit: 1})
	if len(got) != 1 || got[0].Sender != "x" {
		t.Fatalf("limit filter should keep newest, got %v", got)
	}
}

package task

import (
	"testing"

	"github.com/foremanhq/foreman/internal/domain/message"
)

func TestNewDefaults(t *testing.T) {
	tk := New("implement", map[string]any{"feature": "login"})
	if tk.ID == "" {
		t.Fatal("id not assigned")
	}
	if tk.Status != StatusPending {
		t.Fatalf("status = %s, want pending", tk.Status)
	}
	if tk.Priority != message.PriorityNormal {
		t.Fatalf("priority = %d, want normal", tk.Priority)
	}
	if tk.CreatedAt.IsZero() {
		t.Fatal("created_at not assigned")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	tk := New("implement", nil)

	tk.MarkStarted()
	if tk.Status != StatusRunning || tk.StartedAt == nil {
		t.Fatalf("after start: %s, %v", tk.Status, tk.StartedAt)
	}

	tk.MarkCompleted(map[string]any{"ok": true})
	if tk.Status != StatusCompleted || tk.CompletedAt == nil {
		t.Fatalf("after complete: %s, %v", tk.Status, tk.CompletedAt)
	}
	if tk.Result["ok"] != true {
		t.Fatalf("result = %v", tk.Result)
	}
	if !tk.Status.Terminal() {
		t.Fatal("completed should be terminal")
	}
}

func TestMarkFailedRecordsError(t *testing.T) {
	tk := New("implement", nil)
	tk.MarkStarted()
	tk.MarkFailed("compiler exploded")

	if tk.Status != StatusFailed {
		t.Fatalf("status = %s", tk.Status)
	}
	if tk.Result["error"] != "compiler exploded" {
		t.Fatalf("result = %v", tk.Result)
	}
	if !tk.Status.Terminal() {
		t.Fatal("failed should be terminal")
	}
}

func TestMarkBlockedKeepsReason(t *testing.T) {
	tk := New("implement", nil)
	tk.MarkBlocked("waiting on credentials")

	if tk.Status != StatusBlocked {
		t.Fatalf("status = %s", tk.Status)
	}
	if tk.Metadata["blocked_reason"] != "waiting on credentials" {
		t.Fatalf("metadata = %v", tk.Metadata)
	}
	if tk.Status.Terminal() {
		t.Fatal("blocked is not terminal")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	orig := New("deploy", map[string]any{"env": "staging"})
	orig.Dependencies = []string{"t-1", "t-2"}
	orig.Priority = message.PriorityCritical

	data, err := orig.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != orig.ID || got.Type != orig.Type || got.Priority != orig.Priority {
		t.Fatalf("envelope changed: %+v", got)
	}
	if len(got.Dependencies) != 2 {
		t.Fatalf("dependencies = %v", got.Dependencies)
	}
}

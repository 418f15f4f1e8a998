package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateHappyPath(t *testing.T) {
	wf := New("release", "build and ship", []Step{
		NewAgentStep("build", "developer", "implement", nil, nil),
		NewHumanReviewStep("review", "code"),
		NewAgentStep("ship", "devops", "deploy", nil, nil),
	})
	if err := wf.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for i, s := range wf.Steps {
		if s.ID == "" {
			t.Fatalf("step %d has no id after validate", i)
		}
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		wf   *Workflow
		want error
	}{
		{
			name: "no steps",
			wf:   New("empty", "", nil),
			want: ErrNoSteps,
		},
		{
			name: "missing step name",
			wf: New("x", "", []Step{
				{Kind: StepAgentTask, AgentType: "qa", TaskType: "test"},
			}),
			want: ErrStepMissingName,
		},
		{
			name: "agent step without agent",
			wf: New("x", "", []Step{
				{Name: "s", Kind: StepAgentTask},
			}),
			want: ErrStepMissingAgent,
		},
		{
			name: "conditional without condition",
			wf: New("x", "", []Step{
				{Name: "s", Kind: StepConditional, SubSteps: []Step{
					NewAgentStep("sub", "qa", "test", nil, nil),
				}},
			}),
			want: ErrStepMissingCond,
		},
		{
			name: "parallel without sub steps",
			wf: New("x", "", []Step{
				{Name: "s", Kind: StepParallel},
			}),
			want: ErrStepNoSubSteps,
		},
		{
			name: "nested human review",
			wf: New("x", "", []Step{
				{Name: "s", Kind: StepParallel, SubSteps: []Step{
					NewHumanReviewStep("inner", "code"),
				}},
			}),
			want: ErrNestedHumanReview,
		},
		{
			name: "bad on failure",
			wf: New("x", "", []Step{
				{Name: "s", Kind: StepAgentTask, AgentType: "qa", TaskType: "test", OnFailure: "shrug"},
			}),
			want: ErrInvalidOnFailure,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.wf.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestExecStatusTerminal(t *testing.T) {
	terminal := []ExecStatus{ExecCompleted, ExecFailed, ExecCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []ExecStatus{ExecPending, ExecRunning, ExecPaused, ExecWaitingApproval}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStandardSDLCPreset(t *testing.T) {
	wf := StandardSDLC()
	if err := wf.Validate(); err != nil {
		t.Fatalf("preset invalid: %v", err)
	}
	if wf.ID != "standard-sdlc" {
		t.Fatalf("id = %s", wf.ID)
	}
	if len(wf.Steps) != 13 {
		t.Fatalf("steps = %d, want 13", len(wf.Steps))
	}

	// Every agent stage is followed by a review gate except the last.
	reviews := 0
	for _, s := range wf.Steps {
		if s.Kind == StepHumanReview {
			reviews++
		}
	}
	if reviews != 6 {
		t.Fatalf("review gates = %d, want 6", reviews)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	good := `
id: docs-refresh
name: Docs refresh
steps:
  - name: write
    kind: agent_task
    agent_type: developer
    task_type: docs
`
	if err := os.WriteFile(filepath.Join(dir, "docs.yaml"), []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	wfs, err := LoadFromDirectory(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(wfs) != 1 || wfs[0].ID != "docs-refresh" {
		t.Fatalf("workflows = %+v", wfs)
	}
}

func TestLoadFromDirectoryMissingIsEmpty(t *testing.T) {
	wfs, err := LoadFromDirectory("/nonexistent/workflows")
	if err != nil {
		t.Fatalf("missing dir should not error, got %v", err)
	}
	if len(wfs) != 0 {
		t.Fatalf("workflows = %d", len(wfs))
	}
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("id: broken\nname: Broken\nsteps: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(bad); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("err = %v, want ErrNoSteps", err)
	}
}

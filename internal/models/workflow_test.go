package models

import (
	"strings"
	"testing"
	"time"
)

func testWorkflowDefinition() *WorkflowDefinition {
	def := &WorkflowDefinition{
		Key: "daily",
		Steps: []WorkflowStep{
			{StepKey: "sync", DefinitionKey: "sync-dropbox"},
			{StepKey: "train", DefinitionKey: "train-model", DependsOn: []string{"sync"}},
			{StepKey: "recompute-trained", DefinitionKey: "recompute", DependsOn: []string{"train"}},
			{StepKey: "recompute-zeroshot", DefinitionKey: "recompute", DependsOn: []string{"sync"}},
		},
	}
	def.ApplyDefaults()
	return def
}

// TestWorkflowDefinitionDefaultsActivateNew verifies new definitions start
// active while persisted rows keep their flag
func TestWorkflowDefinitionDefaultsActivateNew(t *testing.T) {
	def := &WorkflowDefinition{
		Key:   "daily",
		Steps: []WorkflowStep{{StepKey: "sync", DefinitionKey: "sync-dropbox"}},
	}
	def.ApplyDefaults()
	if !def.IsActive {
		t.Fatal("expected a new definition to default to active")
	}

	persisted := &WorkflowDefinition{
		Key:       "daily",
		Steps:     []WorkflowStep{{StepKey: "sync", DefinitionKey: "sync-dropbox"}},
		CreatedAt: time.Now(),
	}
	persisted.ApplyDefaults()
	if persisted.IsActive {
		t.Fatal("expected a persisted inactive definition to stay inactive")
	}
}

// TestWorkflowDefinitionValidate verifies the DAG invariants
func TestWorkflowDefinitionValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*WorkflowDefinition)
		expectError string
	}{
		{
			name: "valid diamond",
		},
		{
			name: "duplicate step key",
			mutate: func(d *WorkflowDefinition) {
				d.Steps = append(d.Steps, WorkflowStep{StepKey: "sync", DefinitionKey: "sync-dropbox"})
			},
			expectError: "duplicate step key",
		},
		{
			name: "unknown dependency",
			mutate: func(d *WorkflowDefinition) {
				d.Steps[1].DependsOn = []string{"missing"}
			},
			expectError: "unknown step",
		},
		{
			name: "self loop",
			mutate: func(d *WorkflowDefinition) {
				d.Steps[0].DependsOn = []string{"sync"}
			},
			expectError: "depends on itself",
		},
		{
			name: "cycle",
			mutate: func(d *WorkflowDefinition) {
				d.Steps[0].DependsOn = []string{"recompute-trained"}
			},
			expectError: "cycle",
		},
		{
			name: "no steps",
			mutate: func(d *WorkflowDefinition) {
				d.Steps = nil
			},
			expectError: "at least one step",
		},
		{
			name: "step key with colon",
			mutate: func(d *WorkflowDefinition) {
				d.Steps[0].StepKey = "sync:all"
			},
			expectError: "cannot contain",
		},
		{
			name: "invalid failure policy",
			mutate: func(d *WorkflowDefinition) {
				d.FailurePolicy = "abort"
			},
			expectError: "invalid failure policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := testWorkflowDefinition()
			if tt.mutate != nil {
				tt.mutate(def)
			}

			err := def.Validate()
			if tt.expectError == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.expectError)
			}
			if !strings.Contains(err.Error(), tt.expectError) {
				t.Errorf("expected error containing %q, got %q", tt.expectError, err.Error())
			}
		})
	}
}

// TestWorkflowSourceRef verifies the source-ref codec round trip and rejection rules
func TestWorkflowSourceRef(t *testing.T) {
	runID := "6f1c2a4e-52bb-4b46-9a53-0a39a7a5f3de"

	ref := WorkflowSourceRef(runID, "train")
	if ref != "workflow:"+runID+":train" {
		t.Fatalf("unexpected source ref: %s", ref)
	}

	gotRun, gotStep, ok := ParseWorkflowSourceRef(ref)
	if !ok {
		t.Fatal("expected source ref to parse")
	}
	if gotRun != runID || gotStep != "train" {
		t.Errorf("round trip mismatch: got (%s, %s)", gotRun, gotStep)
	}

	// Step keys may contain colons only on the wire, never in definitions;
	// the parser keeps everything after the second separator.
	_, gotStep, ok = ParseWorkflowSourceRef("workflow:" + runID + ":a:b")
	if !ok || gotStep != "a:b" {
		t.Errorf("expected remainder to stay in step key, got %q ok=%v", gotStep, ok)
	}

	rejected := []string{
		"",
		"event-123",
		"workflow:" + runID,
		"workflow:not-a-uuid:train",
		"workflow:" + runID + ":",
		"pipeline:" + runID + ":train",
	}
	for _, ref := range rejected {
		if _, _, ok := ParseWorkflowSourceRef(ref); ok {
			t.Errorf("expected %q to be rejected", ref)
		}
	}
}

// TestStepStatusTerminal verifies the terminal/open partitions used by the orchestrator
func TestStepStatusTerminal(t *testing.T) {
	terminal := []StepStatus{StepStatusSucceeded, StepStatusFailed, StepStatusCanceled, StepStatusSkipped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
		if s.IsOpen() {
			t.Errorf("expected %s to not be open", s)
		}
	}

	if StepStatusPending.IsTerminal() || StepStatusPending.IsOpen() {
		t.Error("pending must be neither terminal nor open")
	}
	for _, s := range []StepStatus{StepStatusQueued, StepStatusRunning} {
		if !s.IsOpen() || s.IsTerminal() {
			t.Errorf("expected %s to be open and non-terminal", s)
		}
	}
}

// Copyright 2026 Engram Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package distill

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/engram-labs/engram/pkg/memory"
)

func conversation(id string, exchanges ...[2]string) *memory.Conversation {
	conv := &memory.Conversation{ID: id, StartedAt: time.Now()}
	for _, e := range exchanges {
		conv.Turns = append(conv.Turns,
			memory.Turn{Role: "user", Content: e[0], Timestamp: time.Now()},
			memory.Turn{Role: "assistant", Content: e[1], Timestamp: time.Now()},
		)
	}
	return conv
}

func TestDistillRecurringPhraseAcrossConversations(t *testing.T) {
	evicted := conversation("c1",
		[2]string{"how do I restart the ingest worker", "Run the restart script. It drains queues first."},
	)
	history := []*memory.Conversation{
		conversation("c2",
			[2]string{"How do I restart the ingest worker?", "Run the restart script. Remember the drain step."},
		),
		conversation("c3",
			[2]string{"what is the deploy cadence", "Weekly, on Tuesdays."},
		),
	}

	res, err := Distill(context.Background(), evicted, history, "infra")
	if err != nil {
		t.Fatalf("Distill failed: %v", err)
	}
	if len(res.Patterns) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(res.Patterns))
	}

	c := res.Patterns[0]
	if c.Title != "how do i restart the ingest worker" {
		t.Errorf("unexpected title %q", c.Title)
	}
	if c.Evidence != 2 {
		t.Errorf("expected evidence 2, got %d", c.Evidence)
	}
	if math.Abs(c.Confidence-0.6) > 1e-9 {
		t.Errorf("expected seed confidence 0.6 for evidence 2, got %v", c.Confidence)
	}
	if len(c.Namespaces) != 1 || c.Namespaces[0] != "infra" {
		t.Errorf("expected namespace [infra], got %v", c.Namespaces)
	}
	// Consistency is judged on the leading clause, so the trailing detail
	// ("It drains queues first" vs "Remember the drain step") must not
	// register as a conflict, and the body carries the shared clause.
	if !strings.Contains(c.Body, "Run the restart script") {
		t.Errorf("expected body to carry the leading clause, got %q", c.Body)
	}
}

func TestDistillSingleOccurrenceDropped(t *testing.T) {
	evicted := conversation("c1",
		[2]string{"what broke the nightly build", "A flaky integration test."},
	)

	res, err := Distill(context.Background(), evicted, nil, "")
	if err != nil {
		t.Fatalf("Distill failed: %v", err)
	}
	if len(res.Patterns) != 0 {
		t.Errorf("expected no candidates below MinEvidence, got %d", len(res.Patterns))
	}
}

func TestDistillInconsistentOutcomeDropped(t *testing.T) {
	evicted := conversation("c1",
		[2]string{"should we enable the feature flag", "Yes, it is stable now."},
	)
	history := []*memory.Conversation{
		conversation("c2",
			[2]string{"should we enable the feature flag", "No, wait for the rollout."},
		),
	}

	res, err := Distill(context.Background(), evicted, history, "")
	if err != nil {
		t.Fatalf("Distill failed: %v", err)
	}
	if len(res.Patterns) != 0 {
		t.Errorf("conflicting outcomes must not produce a candidate, got %d", len(res.Patterns))
	}
}

func TestDistillEmptyConversation(t *testing.T) {
	res, err := Distill(context.Background(), &memory.Conversation{ID: "empty"}, nil, "ns")
	if err != nil {
		t.Fatalf("Distill failed: %v", err)
	}
	if len(res.Patterns) != 0 || len(res.Edges) != 0 {
		t.Error("empty conversation produced candidates")
	}

	res, err = Distill(context.Background(), nil, nil, "")
	if err != nil || len(res.Patterns) != 0 {
		t.Errorf("nil conversation: res=%+v err=%v", res, err)
	}
}

func TestDistillCoOccurrenceEdges(t *testing.T) {
	conv := conversation("c1",
		[2]string{"the pkg/ingest worker keeps hitting retry_limit", "Raise retry_limit in pkg/ingest config."},
		[2]string{"anything else touching retry_limit", "Only pkg/ingest and the scheduler."},
	)

	res, err := Distill(context.Background(), conv, nil, "")
	if err != nil {
		t.Fatalf("Distill failed: %v", err)
	}
	if len(res.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d: %+v", len(res.Edges), res.Edges)
	}
	e := res.Edges[0]
	if e.Subject != "pkg/ingest" || e.Object != "retry_limit" {
		t.Errorf("unexpected edge %s -> %s", e.Subject, e.Object)
	}
	if e.CoOccurrence < MinEvidence {
		t.Errorf("edge proposed below MinEvidence: %d", e.CoOccurrence)
	}
}

func TestDistillDeadlineReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conv := conversation("c1",
		[2]string{"how do I rotate the api keys", "Use the rotation runbook."},
	)

	_, err := Distill(ctx, conv, nil, "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context error surfaced, got %v", err)
	}
}

func TestNormalizePhrase(t *testing.T) {
	cases := map[string]string{
		"How do I restart the worker?!":   "how do i restart the worker",
		"  Mixed   CASE and, punctuation": "mixed case and punctuation",
		"keep pkg/ingest and retry_limit": "keep pkg/ingest and retry_limit",
		"one two three four five six seven eight nine ten": "one two three four five six seven eight",
		"": "",
	}
	for in, want := range cases {
		if got := NormalizePhrase(in); got != want {
			t.Errorf("NormalizePhrase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSeedConfidence(t *testing.T) {
	cases := map[int]float64{2: 0.6, 3: 0.7, 5: 0.9, 10: 0.9}
	for evidence, want := range cases {
		if got := seedConfidence(evidence); math.Abs(got-want) > 1e-9 {
			t.Errorf("seedConfidence(%d) = %v, want %v", evidence, got, want)
		}
	}
}

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
package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad JSONL line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return events
}

func TestRecordAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	log, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	log.Record(EventEviction, map[string]interface{}{"conversation_id": "c1", "turns": 4})
	log.Record(EventMerge, nil)
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventEviction || events[1].Type != EventMerge {
		t.Errorf("unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].Fields["conversation_id"] != "c1" {
		t.Errorf("fields lost: %v", events[0].Fields)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestOpenAppendsAcrossSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	log, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	log.Record(EventPrune, nil)
	log.Close()

	log, err = Open(path, nil)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	log.Record(EventDecay, nil)
	log.Close()

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("expected events from both sessions, got %d", len(events))
	}
}

func TestNilLogIsSafe(t *testing.T) {
	var log *Log
	log.Record(EventBudgetTrim, nil)
	if err := log.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
}

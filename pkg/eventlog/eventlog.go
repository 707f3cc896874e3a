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

// Package eventlog records substrate lifecycle events (evictions,
// distillations, merges, prunes, budget trims) to an append-only JSONL
// file. The log is diagnostic: a write failure is reported to the zap
// logger and never propagated to the operation that produced the event.
package eventlog

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types recorded by the substrate.
const (
	EventEviction      = "eviction"
	EventDistillation  = "distillation"
	EventMerge         = "merge"
	EventPrune         = "prune"
	EventDecay         = "decay"
	EventBudgetTrim    = "budget_trim"
	EventEmergencyTrim = "emergency_trim"
)

// Event is one JSONL record.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Log appends events to a single file. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger *zap.Logger
}

// Open creates or appends to the JSONL file at path.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, enc: json.NewEncoder(f), logger: logger}, nil
}

// Record appends one event. Failures are logged and swallowed so the
// calling operation is never impacted by diagnostics.
func (l *Log) Record(eventType string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	ev := Event{Timestamp: time.Now().UTC(), Type: eventType, Fields: fields}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(ev); err != nil {
		l.logger.Warn("failed to append event log record",
			zap.String("type", eventType),
			zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Copyright 2026 Engram Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

// FTS5 (Full-Text Search version 5) Support
//
// engram requires the fts5 build tag:
//   go build -tags fts5 ./...
//   go test -tags fts5 ./...
//
// FTS5 provides text search over closed-conversation turns
// (memory.ConversationStore.SearchTurns) and pattern search with BM25
// ranking (knowledge.PatternStore.Search).
//
// Without the fts5 tag the stores still work, but search methods
// will fail with "no such module: fts5" errors.

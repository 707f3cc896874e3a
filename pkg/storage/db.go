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

// Package storage provides the shared SQLite plumbing used by the
// conversation and pattern stores: database opening, optional at-rest
// encryption, and WAL configuration.
package storage

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mutecomm/go-sqlcipher/v4" // Auto-registers as "sqlite3"
)

// DBConfig holds database configuration including optional encryption.
type DBConfig struct {
	// Path to the SQLite database file. ":memory:" opens an in-memory
	// database (single connection).
	Path string

	// EncryptDatabase enables SQLCipher encryption at rest.
	// When true, requires EncryptionKey to be set.
	// Default: false (opt-in for deployments that need it)
	EncryptDatabase bool

	// EncryptionKey is the encryption key for SQLCipher.
	// Can be provided directly or via ENGRAM_DB_KEY environment variable.
	// Required when EncryptDatabase is true.
	EncryptionKey string
}

// OpenDB opens a SQLite database with optional encryption support and WAL
// mode enabled. Returns a *sql.DB connection or an error.
//
// Uses the SQLCipher driver for all connections (handles both encrypted and
// unencrypted databases). When encryption is disabled (default), no key is set.
//
// Example without encryption (default):
//
//	db, err := OpenDB(DBConfig{Path: "engram.db"})
//
// Example with encryption:
//
//	db, err := OpenDB(DBConfig{
//	    Path: "engram.db",
//	    EncryptDatabase: true,
//	    EncryptionKey: os.Getenv("ENGRAM_DB_KEY"),
//	})
func OpenDB(config DBConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.Path == ":memory:" {
		// An in-memory database exists per connection; the pool must not
		// hand out a second connection with an empty schema.
		db.SetMaxOpenConns(1)
	}

	if config.EncryptDatabase {
		key := config.EncryptionKey
		if key == "" {
			// Fallback to environment variable
			key = os.Getenv("ENGRAM_DB_KEY")
		}
		if key == "" {
			db.Close()
			return nil, fmt.Errorf("encryption enabled but no key provided (set EncryptionKey or ENGRAM_DB_KEY env var)")
		}

		// Set encryption key via PRAGMA.
		// Note: This must be the first operation after opening the database.
		if _, err := db.Exec(fmt.Sprintf("PRAGMA key = '%s'", key)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set encryption key: %w", err)
		}
	}

	// Enable WAL mode for better concurrency between a background capture
	// path and interactive queries.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Foreign keys are off by default in SQLite; turn eviction relies on
	// ON DELETE CASCADE.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

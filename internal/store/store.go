/*
 * Copyright © 2024 Kaleido, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on
 * an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the License for the
 * specific language governing permissions and limitations under the License.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package store is the durable persistence layer: two relations, Items and
// Batches, behind a single embedded relational database. It is a thin adapter
// - every invariant-preserving decision (coalescing, stalling, recovery) lives
// one layer up in internal/queue. The Store only knows how to read and write
// rows, and how to run a set of row writes atomically.
package store

import (
	"context"
	"fmt"
	"os"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/hyperledger/firefly-common/pkg/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/saka-labs/near-ft-transfers/internal/msgs"
	"github.com/saka-labs/near-ft-transfers/internal/relayconf"
)

// Store wraps the embedded relational database holding the Items and Batches
// relations.
type Store struct {
	db       *gorm.DB
	driver   string
	lockFile *os.File
	lockPath string
}

// Open connects to the configured database, idempotently applies the schema,
// and returns a ready-to-use Store. Schema/connection failures are fatal at
// startup.
func Open(ctx context.Context, cfg relayconf.StoreConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "sqlite3", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "ft-relay.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, i18n.NewError(ctx, msgs.MsgUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}

	driverName := cfg.Driver
	if driverName == "" {
		driverName = "sqlite"
	}
	if err := runMigrations(ctx, driverName, sqlDB); err != nil {
		return nil, err
	}

	log.L(ctx).Infof("Store opened (driver=%s)", driverName)
	lockPath := cfg.DSN
	if lockPath == "" {
		lockPath = "ft-relay.db"
	}
	return &Store{db: db, driver: driverName, lockPath: lockPath + ".lock"}, nil
}

// DB exposes the underlying *gorm.DB for read-only (non-transactional)
// access, e.g. Peek or the inspection verbs, which never need more than a
// single consistent read.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// DBTX is the handle passed to a Store.Transaction closure. It wraps the
// transactional *gorm.DB plus a list of callbacks to run strictly after the
// transaction has committed - the mechanism the Queue's event bus uses so that
// handlers can never observe state that a later rollback would undo.
type DBTX struct {
	db          *gorm.DB
	postCommits []func(ctx context.Context)
}

// DB returns the transactional database handle.
func (t *DBTX) DB() *gorm.DB { return t.db }

// AddPostCommit registers a callback to run after the enclosing transaction
// commits successfully. Never invoked if the transaction rolls back.
func (t *DBTX) AddPostCommit(fn func(ctx context.Context)) {
	t.postCommits = append(t.postCommits, fn)
}

// Transaction runs fn inside a single database transaction. Every Queue
// operation that touches more than one row or more than one relation goes
// through here; partial failures never leak out. Post-commit callbacks
// registered during fn only run once the underlying transaction has actually
// committed.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx *DBTX) error) error {
	dbtx := &DBTX{}
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		dbtx.db = gtx
		return fn(ctx, dbtx)
	})
	if err != nil {
		return err
	}
	for _, pc := range dbtx.postCommits {
		pc(ctx)
	}
	return nil
}

// AdvisoryLockUnavailable is returned by TryLock when another process already
// holds the single-writer lock.
type AdvisoryLockUnavailable struct {
	Detail string
}

func (e *AdvisoryLockUnavailable) Error() string {
	return fmt.Sprintf("store lock unavailable: %s", e.Detail)
}

// TryLock enforces the single-writer discipline: exactly one executor
// process may own the queue, and a second one must refuse to start rather
// than race the first. Enforced for the file-backed sqlite driver via
// an exclusively-created sidecar lock file next to the database file; an
// os.IsExist error is reported as a concurrent owner. The file is removed only
// by Unlock (or Close), so a lock file left behind by a process that exited
// without releasing it also makes TryLock refuse until it is removed. Non-file
// drivers (postgres/mysql) rely on the caller's deployment topology - those
// stores already serialize writers at the database level and a sidecar file
// has no meaning against a remote server.
func (s *Store) TryLock(ctx context.Context) error {
	if s.driver != "sqlite" && s.driver != "sqlite3" {
		return nil
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return i18n.NewError(ctx, msgs.MsgConcurrentOwner, s.lockPath)
		}
		return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	s.lockFile = f
	return nil
}

// Unlock releases the advisory lock taken by TryLock, if any.
func (s *Store) Unlock() error {
	if s.lockFile == nil {
		return nil
	}
	path := s.lockFile.Name()
	if err := s.lockFile.Close(); err != nil {
		return err
	}
	s.lockFile = nil
	return os.Remove(path)
}

// Close releases the advisory lock and closes the underlying connection
// pool.
func (s *Store) Close() error {
	_ = s.Unlock()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

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

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/hyperledger/firefly-common/pkg/log"

	"github.com/saka-labs/near-ft-transfers/internal/msgs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// runMigrations applies the embedded schema idempotently on construction.
func runMigrations(ctx context.Context, driver string, sqlDB *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return i18n.WrapError(ctx, err, msgs.MsgMigrationFailed, err.Error())
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite", "sqlite3":
		d, dErr := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
		if dErr != nil {
			return i18n.WrapError(ctx, dErr, msgs.MsgMigrationFailed, dErr.Error())
		}
		m, err = migrate.NewWithInstance("iofs", src, "ft-relay", d)
	case "postgres", "postgresql":
		d, dErr := postgres.WithInstance(sqlDB, &postgres.Config{})
		if dErr != nil {
			return i18n.WrapError(ctx, dErr, msgs.MsgMigrationFailed, dErr.Error())
		}
		m, err = migrate.NewWithInstance("iofs", src, "ft-relay", d)
	case "mysql":
		d, dErr := mysql.WithInstance(sqlDB, &mysql.Config{})
		if dErr != nil {
			return i18n.WrapError(ctx, dErr, msgs.MsgMigrationFailed, dErr.Error())
		}
		m, err = migrate.NewWithInstance("iofs", src, "ft-relay", d)
	default:
		return i18n.NewError(ctx, msgs.MsgUnsupportedDriver, driver)
	}
	if err != nil {
		return i18n.WrapError(ctx, err, msgs.MsgMigrationFailed, err.Error())
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return i18n.WrapError(ctx, err, msgs.MsgMigrationFailed, err.Error())
	}
	log.L(ctx).Infof("Store schema is up to date")
	return nil
}

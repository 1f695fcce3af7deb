/*
Maildeck - Multi-tenant mail delivery core.
Copyright © 2024-2026 Maildeck contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package db holds the relational schema of the delivery core and the GORM
// session setup shared by all components.
package db

import (
	"fmt"
	"sync/atomic"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open initializes a GORM database connection based on the driver and DSN
// and migrates the schema.
func Open(driver, dsn string, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite3", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	gormCfg := &gorm.Config{}
	if !debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	gdb, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := gdb.AutoMigrate(All()...); err != nil {
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Multiple inbound/outbound workers share one process; keep a pool large
	// enough that slow SMTP dialogs do not starve DB access.
	sqlDB.SetMaxOpenConns(64)
	sqlDB.SetMaxIdleConns(8)

	return gdb, nil
}

var testDBCounter atomic.Int64

// OpenTest opens a fresh in-memory SQLite database. Used by package tests.
// cache=shared keeps the database alive across the pooled connections.
func OpenTest() (*gorm.DB, error) {
	n := testDBCounter.Add(1)
	return Open("sqlite", fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", n), false)
}

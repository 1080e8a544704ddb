// Copyright 2021-2022
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// PgxIface is the subset of pgxpool.Pool the application uses. Tests swap
// in a pgxmock connection through SetPool.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
}

var (
	ErrNotConnected = errors.New("database pool is not initialized")
)

var pool PgxIface

// SetPool replaces the active connection pool; used by Connect and by tests
func SetPool(myPool PgxIface) {
	pool = myPool
}

// Pool returns the active connection pool for single-statement operations
func Pool() PgxIface {
	return pool
}

// Connect establishes the pgx connection pool from database.url and verifies
// it with a ping. Failure here is fatal to startup.
func Connect(ctx context.Context) error {
	myPool, err := pgxpool.Connect(ctx, viper.GetString("database.url"))
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not connect to pool")
		return err
	}
	if err = myPool.Ping(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not ping database server")
		return err
	}
	SetPool(myPool)
	return nil
}

// Trx begins a transaction on the active pool
func Trx(ctx context.Context) (pgx.Tx, error) {
	if pool == nil {
		return nil, ErrNotConnected
	}
	return pool.Begin(ctx)
}

// Ping verifies the database connection is alive; used by readiness checks
func Ping(ctx context.Context) error {
	if pool == nil {
		return ErrNotConnected
	}
	return pool.Ping(ctx)
}

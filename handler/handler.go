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

// Package handler implements the HTTP API. Handlers stay thin: parse and
// validate the request, call one store or engine operation, translate the
// error kind to a status code. Every error body is `{"detail": "..."}`.
package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/arena-quant/aq-api/arena"
	"github.com/arena-quant/aq-api/broker"
	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/live20"
)

// Request limits.
const (
	MaxArenaSymbols  = 150
	MaxLive20Symbols = 500
	MaxSourceLists   = 10
	MaxListLimit     = 100
	MaxRangeYears    = 3
	MaxIntradayDays  = 60
)

// ArenaStore is the simulation persistence the arena handlers need.
type ArenaStore interface {
	CreateSimulation(ctx context.Context, sim *arena.Simulation) (*arena.Simulation, error)
	GetSimulation(ctx context.Context, id uuid.UUID) (*arena.Simulation, error)
	ListSimulations(ctx context.Context, status string, limit int, offset int) ([]*arena.Simulation, error)
	Cancel(ctx context.Context, id uuid.UUID) (*arena.Simulation, error)
	DeleteSimulation(ctx context.Context, id uuid.UUID) error
	GetPositions(ctx context.Context, simulationID uuid.UUID) ([]*arena.Position, error)
	GetSnapshots(ctx context.Context, simulationID uuid.UUID) ([]*arena.Snapshot, error)
}

// Live20Store is the screening persistence the live20 handlers need.
type Live20Store interface {
	CreateRun(ctx context.Context, run *live20.Run) (*live20.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (*live20.Run, error)
	ListRuns(ctx context.Context, status string, limit int, offset int) ([]*live20.Run, error)
	Cancel(ctx context.Context, id uuid.UUID) (*live20.Run, error)
	DeleteRun(ctx context.Context, id uuid.UUID) error
	GetRecommendations(ctx context.Context, runID uuid.UUID) ([]*live20.Recommendation, error)
	LatestRecommendations(ctx context.Context, where map[string]string) ([]*live20.Recommendation, error)
}

// MarketData is the slice of the cache manager the stock handlers use.
type MarketData interface {
	GetBars(ctx context.Context, symbol string, interval data.Interval, begin, end time.Time) ([]*data.PriceBar, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*data.SymbolInfo, error)
}

var (
	arenaStore   ArenaStore
	live20Store  Live20Store
	marketData   MarketData
	activeBroker broker.Broker
	brokerKind   string
)

// Initialize wires the handlers to their production collaborators. Tests
// substitute fakes through the setters instead.
func Initialize(b broker.Broker, kind string) {
	arenaStore = arena.NewStore()
	live20Store = live20.NewStore()
	marketData = data.GetManagerInstance()
	activeBroker = b
	brokerKind = kind
}

func SetArenaStore(store ArenaStore) { arenaStore = store }

func SetLive20Store(store Live20Store) { live20Store = store }

func SetMarketData(md MarketData) { marketData = md }

func SetBroker(b broker.Broker, kind string) {
	activeBroker = b
	brokerKind = kind
}

func detail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"detail": message})
}

func pathID(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Params("id"))
}

// listParams reads limit/offset with the shared pagination policy.
func listParams(c *fiber.Ctx) (int, int, error) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if parsed > MaxListLimit {
			return 0, 0, errors.New("limit cannot exceed 100")
		}
		limit = parsed
	}

	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = parsed
	}
	return limit, offset, nil
}

// dataStatus maps market-data error kinds onto response codes.
func dataStatus(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, data.ErrSymbolNotFound):
		return detail(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, data.ErrInvalidInterval),
		errors.Is(err, data.ErrInvalidTimeRange),
		errors.Is(err, data.ErrIntradayRange),
		errors.Is(err, data.ErrValidation):
		return detail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, data.ErrTransport), errors.Is(err, data.ErrRateLimited):
		return detail(c, fiber.StatusServiceUnavailable, err.Error())
	default:
		return detail(c, fiber.StatusInternalServerError, err.Error())
	}
}

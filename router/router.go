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

package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/arena-quant/aq-api/handler"
)

// SetupRoutes registers the API surface under /api/v1.
func SetupRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	arena := api.Group("/arena")
	arena.Post("/simulations", handler.CreateSimulation)
	arena.Get("/simulations", handler.ListSimulations)
	arena.Get("/simulations/:id", handler.GetSimulation)
	arena.Post("/simulations/:id/cancel", handler.CancelSimulation)
	arena.Delete("/simulations/:id", handler.DeleteSimulation)
	arena.Get("/agents", handler.ListAgents)
	arena.Get("/portfolio-strategies", handler.ListPortfolioStrategies)

	live20 := api.Group("/live-20")
	live20.Post("/analyze", handler.Analyze)
	live20.Get("/results", handler.Results)
	live20.Get("/runs", handler.ListRuns)
	live20.Get("/runs/:id", handler.GetRun)
	live20.Post("/runs/:id/cancel", handler.CancelRun)
	live20.Delete("/runs/:id", handler.DeleteRun)
	live20.Post("/runs/:id/recommend", handler.Recommend)

	stocks := api.Group("/stocks")
	stocks.Get("/:symbol/prices", handler.StockPrices)
	stocks.Get("/:symbol/indicators", handler.StockIndicators)
	stocks.Get("/:symbol/analysis", handler.StockAnalysis)
	stocks.Get("/:symbol/info", handler.StockInfo)
	stocks.Get("/:symbol/sector-trend", handler.SectorTrend)

	api.Get("/account/status", handler.AccountStatus)

	api.Get("/health", handler.Health)
	api.Get("/health/ready", handler.Ready)
	api.Get("/health/live", handler.Live)
}

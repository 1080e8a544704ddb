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

package handler

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/arena-quant/aq-api/agents"
	"github.com/arena-quant/aq-api/arena"
	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/selectors"
)

// CreateSimulationRequest is the body of POST /arena/simulations.
type CreateSimulationRequest struct {
	Symbols        []string                   `json:"symbols"`
	StartDate      string                     `json:"start_date"`
	EndDate        string                     `json:"end_date"`
	InitialCapital float64                    `json:"initial_capital"`
	PositionSize   float64                    `json:"position_size"`
	AgentType      string                     `json:"agent_type"`
	AgentConfig    map[string]json.RawMessage `json:"agent_config"`
	MaxRetries     int                        `json:"max_retries"`
}

func (req *CreateSimulationRequest) validate() (time.Time, time.Time, error) {
	if len(req.Symbols) == 0 {
		return time.Time{}, time.Time{}, errors.New("symbols must not be empty")
	}
	if len(req.Symbols) > MaxArenaSymbols {
		return time.Time{}, time.Time{}, fmt.Errorf("at most %d symbols per simulation", MaxArenaSymbols)
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("start_date must be formatted YYYY-MM-DD")
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("end_date must be formatted YYYY-MM-DD")
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("start_date must be before end_date")
	}
	if end.After(start.AddDate(MaxRangeYears, 0, 0)) {
		return time.Time{}, time.Time{}, fmt.Errorf("date range cannot exceed %d years", MaxRangeYears)
	}

	if req.InitialCapital <= 0 {
		return time.Time{}, time.Time{}, errors.New("initial_capital must be positive")
	}
	if req.PositionSize <= 0 || req.PositionSize > req.InitialCapital {
		return time.Time{}, time.Time{}, errors.New("position_size must be positive and no larger than initial_capital")
	}

	if req.AgentType == "" {
		req.AgentType = "live20"
	}
	if _, ok := agents.AgentMap[req.AgentType]; !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("unknown agent type %q", req.AgentType)
	}

	return start, end, nil
}

// CreateSimulation enqueues a new simulation in the pending state.
func CreateSimulation(c *fiber.Ctx) error {
	req := CreateSimulationRequest{}
	if err := c.BodyParser(&req); err != nil {
		return detail(c, fiber.StatusBadRequest, "could not parse request body")
	}

	start, end, err := req.validate()
	if err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}

	sim := &arena.Simulation{
		Symbols:        req.Symbols,
		StartDate:      start,
		EndDate:        end,
		InitialCapital: req.InitialCapital,
		PositionSize:   req.PositionSize,
		AgentType:      req.AgentType,
		AgentConfig:    req.AgentConfig,
		MaxRetries:     req.MaxRetries,
	}
	common.ArrToUpper(sim.Symbols)

	if cfg, err := sim.ParseAgentConfig(); err != nil {
		return detail(c, fiber.StatusBadRequest, "agent_config is malformed")
	} else if cfg.PortfolioStrategy != "" {
		if _, err := selectors.New(cfg.PortfolioStrategy); err != nil {
			return detail(c, fiber.StatusBadRequest, err.Error())
		}
	}

	created, err := arenaStore.CreateSimulation(c.Context(), sim)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not enqueue simulation")
		return detail(c, fiber.StatusInternalServerError, "could not enqueue simulation")
	}
	return c.Status(fiber.StatusAccepted).JSON(created)
}

// ListSimulations returns simulations newest first.
func ListSimulations(c *fiber.Ctx) error {
	limit, offset, err := listParams(c)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}

	sims, err := arenaStore.ListSimulations(c.Context(), c.Query("status"), limit, offset)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not list simulations")
		return detail(c, fiber.StatusInternalServerError, "could not list simulations")
	}
	return c.JSON(fiber.Map{"simulations": sims, "limit": limit, "offset": offset})
}

// GetSimulation returns one simulation with its positions and snapshots.
func GetSimulation(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "id must be a uuid")
	}

	sim, err := arenaStore.GetSimulation(c.Context(), id)
	if err != nil {
		if errors.Is(err, arena.ErrSimulationNotFound) {
			return detail(c, fiber.StatusNotFound, err.Error())
		}
		return detail(c, fiber.StatusInternalServerError, "could not load simulation")
	}

	positions, err := arenaStore.GetPositions(c.Context(), id)
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "could not load positions")
	}
	snapshots, err := arenaStore.GetSnapshots(c.Context(), id)
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "could not load snapshots")
	}

	return c.JSON(fiber.Map{
		"simulation": sim,
		"positions":  positions,
		"snapshots":  snapshots,
	})
}

// CancelSimulation requests cooperative cancellation.
func CancelSimulation(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "id must be a uuid")
	}

	if _, err := arenaStore.Cancel(c.Context(), id); err != nil {
		switch {
		case errors.Is(err, arena.ErrSimulationNotFound):
			return detail(c, fiber.StatusNotFound, err.Error())
		case errors.Is(err, arena.ErrNotCancellable):
			return detail(c, fiber.StatusBadRequest, err.Error())
		default:
			return detail(c, fiber.StatusInternalServerError, "could not cancel simulation")
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteSimulation hard-deletes a terminal simulation and its children.
func DeleteSimulation(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "id must be a uuid")
	}

	if err := arenaStore.DeleteSimulation(c.Context(), id); err != nil {
		switch {
		case errors.Is(err, arena.ErrSimulationNotFound):
			return detail(c, fiber.StatusNotFound, err.Error())
		case errors.Is(err, arena.ErrSimulationRunning):
			return detail(c, fiber.StatusBadRequest, err.Error())
		default:
			return detail(c, fiber.StatusInternalServerError, "could not delete simulation")
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListAgents returns the registered trading agents.
func ListAgents(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"agents": agents.AgentList})
}

// ListPortfolioStrategies returns the registered portfolio selectors.
func ListPortfolioStrategies(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"portfolio_strategies": selectors.SelectorList})
}

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
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/filter"
	"github.com/arena-quant/aq-api/live20"
	"github.com/arena-quant/aq-api/selectors"
)

// AnalyzeRequest is the body of POST /live-20/analyze.
type AnalyzeRequest struct {
	Symbols          []string `json:"symbols"`
	SourceLists      []string `json:"source_lists"`
	MinBuyScore      float64  `json:"min_buy_score"`
	ScoringAlgorithm string   `json:"scoring_algorithm"`
	MaxRetries       int      `json:"max_retries"`
}

func (req *AnalyzeRequest) validate() error {
	if len(req.Symbols) == 0 {
		return errors.New("symbols must not be empty")
	}
	if len(req.Symbols) > MaxLive20Symbols {
		return fmt.Errorf("at most %d symbols per screening run", MaxLive20Symbols)
	}
	if len(req.SourceLists) > MaxSourceLists {
		return fmt.Errorf("at most %d source lists", MaxSourceLists)
	}
	if req.MinBuyScore < 0 || req.MinBuyScore > 100 {
		return errors.New("min_buy_score must be between 0 and 100")
	}
	switch req.ScoringAlgorithm {
	case "", live20.AlgorithmCCI, live20.AlgorithmRSI2:
	default:
		return fmt.Errorf("scoring_algorithm must be %q or %q", live20.AlgorithmCCI, live20.AlgorithmRSI2)
	}
	return nil
}

// Analyze enqueues a screening run over the requested symbols.
func Analyze(c *fiber.Ctx) error {
	req := AnalyzeRequest{}
	if err := c.BodyParser(&req); err != nil {
		return detail(c, fiber.StatusBadRequest, "could not parse request body")
	}
	if err := req.validate(); err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}

	common.ArrToUpper(req.Symbols)
	run := &live20.Run{
		InputSymbols:     req.Symbols,
		SourceLists:      req.SourceLists,
		MinBuyScore:      req.MinBuyScore,
		ScoringAlgorithm: req.ScoringAlgorithm,
		MaxRetries:       req.MaxRetries,
	}

	created, err := live20Store.CreateRun(c.Context(), run)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not enqueue screening run")
		return detail(c, fiber.StatusInternalServerError, "could not enqueue screening run")
	}
	return c.JSON(created)
}

// Results returns the latest completed run's recommendations, optionally
// filtered by direction and minimum confidence score.
func Results(c *fiber.Ctx) error {
	where := filter.FromParams(map[string]string{
		"recommendation":   c.Query("recommendation"),
		"confidence_score": c.Query("confidence_score"),
	}, "recommendation", "confidence_score")

	// friendly spellings for the common filters
	if direction := c.Query("direction"); direction != "" {
		where["recommendation"] = "eq." + direction
	}
	if minScore := c.Query("min_score"); minScore != "" {
		if _, err := strconv.ParseFloat(minScore, 64); err != nil {
			return detail(c, fiber.StatusBadRequest, "min_score must be numeric")
		}
		where["confidence_score"] = "gte." + minScore
	}

	recs, err := live20Store.LatestRecommendations(c.Context(), where)
	if err != nil {
		if errors.Is(err, filter.ErrMalformedClause) || errors.Is(err, filter.ErrUnknownOperator) {
			return detail(c, fiber.StatusBadRequest, err.Error())
		}
		log.Error().Stack().Err(err).Msg("could not load recommendations")
		return detail(c, fiber.StatusInternalServerError, "could not load recommendations")
	}
	return c.JSON(fiber.Map{"recommendations": recs})
}

// GetRun returns one screening run with its recommendations.
func GetRun(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "id must be a uuid")
	}

	run, err := live20Store.GetRun(c.Context(), id)
	if err != nil {
		if errors.Is(err, live20.ErrRunNotFound) {
			return detail(c, fiber.StatusNotFound, err.Error())
		}
		return detail(c, fiber.StatusInternalServerError, "could not load run")
	}

	recs, err := live20Store.GetRecommendations(c.Context(), id)
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "could not load recommendations")
	}

	return c.JSON(fiber.Map{"run": run, "recommendations": recs})
}

// ListRuns returns screening runs newest first.
func ListRuns(c *fiber.Ctx) error {
	limit, offset, err := listParams(c)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}

	runs, err := live20Store.ListRuns(c.Context(), c.Query("status"), limit, offset)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not list runs")
		return detail(c, fiber.StatusInternalServerError, "could not list runs")
	}
	return c.JSON(fiber.Map{"runs": runs, "limit": limit, "offset": offset})
}

// CancelRun requests cooperative cancellation of a screening run.
func CancelRun(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "id must be a uuid")
	}

	if _, err := live20Store.Cancel(c.Context(), id); err != nil {
		switch {
		case errors.Is(err, live20.ErrRunNotFound):
			return detail(c, fiber.StatusNotFound, err.Error())
		case errors.Is(err, live20.ErrRunNotCancellable):
			return detail(c, fiber.StatusBadRequest, err.Error())
		default:
			return detail(c, fiber.StatusInternalServerError, "could not cancel run")
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteRun soft-deletes a finished screening run.
func DeleteRun(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "id must be a uuid")
	}

	if err := live20Store.DeleteRun(c.Context(), id); err != nil {
		switch {
		case errors.Is(err, live20.ErrRunNotFound):
			return detail(c, fiber.StatusNotFound, err.Error())
		case errors.Is(err, live20.ErrRunActive):
			return detail(c, fiber.StatusBadRequest, err.Error())
		default:
			return detail(c, fiber.StatusInternalServerError, "could not delete run")
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RecommendRequest is the body of POST /live-20/runs/:id/recommend.
type RecommendRequest struct {
	PortfolioStrategy string `json:"portfolio_strategy"`
	MaxPerSector      int    `json:"max_per_sector"`
	MaxOpenPositions  int    `json:"max_open_positions"`
}

// Recommend applies a portfolio selector to a run's LONG recommendations
// and returns the ordered subset it would enter.
func Recommend(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "id must be a uuid")
	}

	req := RecommendRequest{}
	if err := c.BodyParser(&req); err != nil {
		return detail(c, fiber.StatusBadRequest, "could not parse request body")
	}
	if req.PortfolioStrategy == "" {
		req.PortfolioStrategy = "none"
	}

	selector, err := selectors.New(req.PortfolioStrategy)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}

	if _, err := live20Store.GetRun(c.Context(), id); err != nil {
		if errors.Is(err, live20.ErrRunNotFound) {
			return detail(c, fiber.StatusNotFound, err.Error())
		}
		return detail(c, fiber.StatusInternalServerError, "could not load run")
	}

	recs, err := live20Store.GetRecommendations(c.Context(), id)
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "could not load recommendations")
	}

	candidates := make([]selectors.Candidate, 0, len(recs))
	for _, rec := range recs {
		if rec.Direction != live20.DirectionLong {
			continue
		}
		candidates = append(candidates, selectors.Candidate{
			Symbol: rec.Stock,
			Score:  rec.ConfidenceScore,
			ATRPct: rec.ATRPct,
			Sector: rec.Sector,
		})
	}

	selected := selector.Select(candidates, selectors.Exposure{
		SectorCounts:     make(map[string]int),
		MaxPerSector:     req.MaxPerSector,
		MaxOpenPositions: req.MaxOpenPositions,
	})

	return c.JSON(fiber.Map{
		"portfolio_strategy": selector.Name(),
		"candidates":         len(candidates),
		"selected":           selected,
	})
}

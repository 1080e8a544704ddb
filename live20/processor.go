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

package live20

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
	"github.com/arena-quant/aq-api/queue"
	"github.com/arena-quant/aq-api/tradecron"
)

// BarSource supplies daily bars; the market data cache satisfies it.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, interval data.Interval, begin, end time.Time) ([]*data.PriceBar, error)
}

// SectorSource supplies sector metadata; the market data cache satisfies it.
type SectorSource interface {
	GetSymbolInfo(ctx context.Context, symbol string) (*data.SymbolInfo, error)
}

// RunRepository is the slice of the store the processor writes through.
type RunRepository interface {
	UpdateProgress(ctx context.Context, run *Run) error
	InsertRecommendation(ctx context.Context, rec *Recommendation) error
}

// Processor screens a claimed run symbol by symbol, checking for
// cooperative cancellation between symbols. A symbol that cannot be scored
// is recorded in failed_symbols; it never fails the run.
type Processor struct {
	source  queue.Source
	repo    RunRepository
	bars    BarSource
	sectors SectorSource
}

func NewProcessor(source queue.Source, repo RunRepository, bars BarSource, sectors SectorSource) *Processor {
	return &Processor{source: source, repo: repo, bars: bars, sectors: sectors}
}

// Process implements the worker's queue.ProcessFunc.
func (processor *Processor) Process(ctx context.Context, workerID string, job queue.Job) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.Process")
	defer span.End()

	run, ok := job.(*Run)
	if !ok {
		return fmt.Errorf("unexpected job type %T", job)
	}

	cfg := run.Config()
	subLog := log.With().Object("Run", run).Str("WorkerID", workerID).Logger()
	subLog.Info().Msg("processing screening run")

	asOf := tradecron.LastCompleteTradingDay(time.Now())
	lookback := int(math.Ceil(float64(RequiredLookbackDays) * 1.5))
	begin := asOf.AddDate(0, 0, -lookback)
	source := "manual"
	if len(run.SourceLists) > 0 {
		source = strings.Join(run.SourceLists, ",")
	}

	run.SymbolCount = len(run.InputSymbols)
	if run.FailedSymbols == nil {
		run.FailedSymbols = make(map[string]string)
	}

	for _, symbol := range run.InputSymbols {
		cancelled, err := processor.source.IsCancelled(ctx, run.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancellation probe failed")
			return err
		}
		if cancelled {
			subLog.Info().Int("Processed", run.Processed).Msg("screening run cancelled")
			return queue.ErrJobCancelled
		}

		symbol = common.NormalizeSymbol(symbol)
		if err := processor.screenSymbol(ctx, run, symbol, source, cfg, begin, asOf); err != nil {
			run.FailedSymbols[symbol] = err.Error()
			subLog.Warn().Err(err).Str("Symbol", symbol).Msg("could not screen symbol")
		}

		run.Processed++
		if err := processor.repo.UpdateProgress(ctx, run); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "could not persist run progress")
			return err
		}
	}

	subLog.Info().
		Int("Long", run.LongCount).
		Int("Short", run.ShortCount).
		Int("NoSetup", run.NoSetupCount).
		Int("Failed", len(run.FailedSymbols)).
		Msg("screening run complete")
	return nil
}

func (processor *Processor) screenSymbol(ctx context.Context, run *Run, symbol string, source string, cfg Config, begin, end time.Time) error {
	bars, err := processor.bars.GetBars(ctx, symbol, data.Interval1Day, begin, end)
	if err != nil {
		return err
	}

	outcome, err := ScoreSymbol(symbol, bars, cfg)
	if err != nil {
		return err
	}

	switch outcome.Direction {
	case DirectionLong:
		run.LongCount++
	case DirectionShort:
		run.ShortCount++
	default:
		run.NoSetupCount++
	}

	rec := &Recommendation{
		RunID:           run.ID,
		Stock:           symbol,
		Source:          source,
		Direction:       outcome.Direction,
		ConfidenceScore: outcome.Score,
		Reasoning:       outcome.Reasoning,
		Criteria:        outcome.Criteria,
		ATRPct:          outcome.ATRPct,
		EntryPrice:      outcome.EntryPrice,
	}
	if info, err := processor.sectors.GetSymbolInfo(ctx, symbol); err == nil {
		rec.Sector = info.Sector
		rec.SectorETF = info.SectorETF
	}
	return processor.repo.InsertRecommendation(ctx, rec)
}

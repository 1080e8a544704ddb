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

package arena

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/arena-quant/aq-api/observability/opentelemetry"
	"github.com/arena-quant/aq-api/queue"
)

// Processor runs one claimed simulation to completion, one committed day at
// a time, checking for cooperative cancellation between days.
type Processor struct {
	source queue.Source
	engine *Engine
}

func NewProcessor(source queue.Source, engine *Engine) *Processor {
	return &Processor{source: source, engine: engine}
}

// Process implements the worker's queue.ProcessFunc.
func (processor *Processor) Process(ctx context.Context, workerID string, job queue.Job) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.Process")
	defer span.End()

	sim, ok := job.(*Simulation)
	if !ok {
		return fmt.Errorf("unexpected job type %T", job)
	}

	subLog := log.With().Object("Simulation", sim).Str("WorkerID", workerID).Logger()
	subLog.Info().Msg("processing simulation")

	if sim.TotalDays == 0 {
		if err := processor.engine.InitializeSimulation(ctx, sim.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "initialization failed")
			return err
		}
	}

	for {
		cancelled, err := processor.source.IsCancelled(ctx, sim.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancellation probe failed")
			return err
		}
		if cancelled {
			processor.engine.Forget(sim.ID)
			subLog.Info().Msg("simulation cancelled; stopping at last committed day")
			return queue.ErrJobCancelled
		}

		snapshot, err := processor.engine.StepDay(ctx, sim.ID)
		if errors.Is(err, queue.ErrJobCancelled) {
			subLog.Info().Msg("simulation cancelled during day step; last committed day stands")
			return err
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "day step failed")
			return err
		}
		if snapshot == nil {
			subLog.Info().Msg("simulation completed")
			return nil
		}
	}
}

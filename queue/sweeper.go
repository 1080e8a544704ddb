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

package queue

import (
	"context"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"

	"github.com/arena-quant/aq-api/common"
)

// Sweeper periodically returns claimed-but-stale jobs to pending across all
// registered sources. Sweeps are idempotent and safe to run from several
// processes at once; the UPDATE simply matches nothing on a second pass.
type Sweeper struct {
	sources   []Source
	scheduler *gocron.Scheduler
}

func NewSweeper(sources ...Source) *Sweeper {
	return &Sweeper{
		sources:   sources,
		scheduler: gocron.NewScheduler(common.GetTimezone()),
	}
}

// ResetStranded requeues every running job across all sources. Called once
// at startup, before any worker begins polling; in a single-instance
// deployment a running row at that moment is by definition orphaned.
func (sweeper *Sweeper) ResetStranded(ctx context.Context) {
	for _, source := range sweeper.sources {
		count, err := source.ResetStranded(ctx)
		if err != nil {
			log.Error().Stack().Err(err).Str("Source", source.Name()).Msg("could not reset stranded jobs")
			continue
		}
		if count > 0 {
			log.Info().Str("Source", source.Name()).Int64("NumReset", count).Msg("reset stranded jobs")
		}
	}
}

// Start schedules the sweep loop. Call Stop to shut it down.
func (sweeper *Sweeper) Start() {
	interval := SweepInterval()
	if _, err := sweeper.scheduler.Every(interval).Do(sweeper.sweep); err != nil {
		log.Error().Stack().Err(err).Msg("could not schedule job sweeper")
		return
	}
	sweeper.scheduler.StartAsync()
	log.Info().Dur("SweepInterval", interval).Msg("job sweeper started")
}

// Stop halts the sweep loop.
func (sweeper *Sweeper) Stop() {
	sweeper.scheduler.Stop()
}

func (sweeper *Sweeper) sweep() {
	ctx := context.Background()
	threshold := StaleThreshold()
	for _, source := range sweeper.sources {
		count, err := source.ResetStale(ctx, threshold)
		if err != nil {
			log.Error().Stack().Err(err).Str("Source", source.Name()).Msg("could not reset stale jobs")
			continue
		}
		if count > 0 {
			log.Warn().Str("Source", source.Name()).Int64("NumReset", count).Msg("reset stale jobs")
		}
	}
}

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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ProcessFunc executes one claimed job. Returning ErrJobCancelled tells the
// worker the job was cooperatively cancelled; any other error marks the job
// failed.
type ProcessFunc func(ctx context.Context, workerID string, job Job) error

// NotifyFunc announces a job transition to interested observers.
type NotifyFunc func(jobType string, jobID uuid.UUID, status string, jobErr string)

// Worker polls one job source, claims work, and drives it through the
// process function while pulsing the heartbeat lease. One worker processes
// one job at a time; run several workers for parallelism.
type Worker struct {
	ID      string
	source  Source
	process ProcessFunc
	notify  NotifyFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OnTransition registers a callback invoked after each completed, cancelled,
// or failed job. Call before Start.
func (worker *Worker) OnTransition(fn NotifyFunc) {
	worker.notify = fn
}

// NewWorker builds a worker for a source with a freshly generated identity.
func NewWorker(source Source, process ProcessFunc) *Worker {
	return &Worker{
		ID:      NewWorkerID(source.Name()),
		source:  source,
		process: process,
	}
}

// Start launches the poll loop. It returns immediately; call Stop to shut
// the worker down and wait for any in-flight job to finish.
func (worker *Worker) Start(ctx context.Context) {
	ctx, worker.cancel = context.WithCancel(ctx)
	worker.wg.Add(1)
	go worker.run(ctx)
	log.Info().Str("WorkerID", worker.ID).Msg("worker started")
}

// Stop cancels the poll loop and blocks until the current job, if any, has
// been marked. Cancellation does not interrupt a job mid-flight; the process
// function observes it at its next safe point.
func (worker *Worker) Stop() {
	if worker.cancel != nil {
		worker.cancel()
	}
	worker.wg.Wait()
	log.Info().Str("WorkerID", worker.ID).Msg("worker stopped")
}

func (worker *Worker) run(ctx context.Context) {
	defer worker.wg.Done()

	subLog := log.With().Str("WorkerID", worker.ID).Logger()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		job, err := worker.source.ClaimNext(ctx, worker.ID)
		if err != nil {
			subLog.Error().Stack().Err(err).Msg("could not claim job")
			timer.Reset(pollInterval())
			continue
		}
		if job == nil {
			timer.Reset(pollInterval())
			continue
		}

		worker.runJob(ctx, job)
		// look for more work immediately after finishing a job
		timer.Reset(0)
	}
}

func (worker *Worker) runJob(ctx context.Context, job Job) {
	subLog := log.With().Str("WorkerID", worker.ID).Str("JobID", job.JobID().String()).Logger()
	subLog.Info().Msg("claimed job")

	stopHeartbeat := worker.startHeartbeat(job)
	defer stopHeartbeat()

	// marking must succeed even when the worker is shutting down, so the
	// job lifecycle runs on a background context; the poll context is
	// passed to the process function for cooperative shutdown
	markCtx := context.Background()

	err := worker.process(ctx, worker.ID, job)
	switch {
	case err == nil:
		if err := worker.source.MarkCompleted(markCtx, job.JobID()); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not mark job completed")
		} else {
			subLog.Info().Msg("job completed")
		}
		worker.announce(job, "completed", "")
	case errors.Is(err, ErrJobCancelled):
		// cancellation is not a failure; the row already reads cancelled
		subLog.Info().Msg("job cancelled")
		worker.announce(job, "cancelled", "")
	default:
		subLog.Error().Stack().Err(err).Msg("job failed")
		if err := worker.source.MarkFailed(markCtx, job.JobID(), err.Error()); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not mark job failed")
		}
		worker.announce(job, "failed", err.Error())
	}
}

func (worker *Worker) announce(job Job, status string, jobErr string) {
	if worker.notify == nil {
		return
	}
	worker.notify(worker.source.Name(), job.JobID(), status, jobErr)
}

// startHeartbeat pulses the job's lease until the returned stop function is
// called.
func (worker *Worker) startHeartbeat(job Job) func() {
	done := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(heartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := worker.source.Heartbeat(context.Background(), job.JobID()); err != nil {
					log.Warn().Stack().Err(err).Str("WorkerID", worker.ID).Str("JobID", job.JobID().String()).Msg("could not update heartbeat")
				}
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

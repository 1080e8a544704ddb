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

// Package queue implements a claim-based persistent work queue on top of
// PostgreSQL. Each job type lives in its own table but shares a single
// algorithm: rows are claimed atomically with FOR UPDATE SKIP LOCKED, held
// under a heartbeat lease, and swept back to pending when a worker dies.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

var (
	// ErrJobCancelled is returned by a process function when it observed a
	// cooperative cancellation. It is neither a success nor a failure; the
	// worker leaves the row in its cancelled state.
	ErrJobCancelled = errors.New("job cancelled")
)

// Job is one claimed unit of work.
type Job interface {
	JobID() uuid.UUID
}

// Source is the persistence seam for one job table. The arena and live20
// stores implement it over their own tables; worker tests substitute an
// in-memory fake.
type Source interface {
	// Name identifies the job type; it prefixes worker ids.
	Name() string

	// ClaimNext atomically moves one pending row to running, stamped with
	// workerID. It returns a nil Job when no work is available.
	ClaimNext(ctx context.Context, workerID string) (Job, error)

	// Heartbeat refreshes the lease on a running job.
	Heartbeat(ctx context.Context, jobID uuid.UUID) error

	// IsCancelled reports whether the job has been cooperatively cancelled.
	IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error)

	// MarkCompleted transitions a running job to completed and releases the
	// claim.
	MarkCompleted(ctx context.Context, jobID uuid.UUID) error

	// MarkFailed records the error and either requeues the job (while
	// retries remain) or transitions it to failed.
	MarkFailed(ctx context.Context, jobID uuid.UUID, jobErr string) error

	// ResetStale returns running jobs whose heartbeat is older than the
	// threshold to pending. It reports how many rows were reset.
	ResetStale(ctx context.Context, threshold time.Duration) (int64, error)

	// ResetStranded returns every running job to pending. Called once at
	// startup; any running row at that point is orphaned.
	ResetStranded(ctx context.Context) (int64, error)
}

// NewWorkerID builds a stable worker identity of the form <type>-<random8>.
func NewWorkerID(jobType string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken
		return fmt.Sprintf("%s-%08x", jobType, time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("%s-%s", jobType, hex.EncodeToString(buf))
}

func pollInterval() time.Duration {
	if d := viper.GetDuration("worker.poll_interval"); d > 0 {
		return d
	}
	return 5 * time.Second
}

func heartbeatInterval() time.Duration {
	if d := viper.GetDuration("worker.heartbeat_interval"); d > 0 {
		return d
	}
	return 30 * time.Second
}

// StaleThreshold is the lease age beyond which a running job is considered
// abandoned.
func StaleThreshold() time.Duration {
	if d := viper.GetDuration("worker.stale_threshold"); d > 0 {
		return d
	}
	return 5 * time.Minute
}

// SweepInterval is how often the sweeper looks for stale jobs.
func SweepInterval() time.Duration {
	if d := viper.GetDuration("worker.sweep_interval"); d > 0 {
		return d
	}
	return 60 * time.Second
}

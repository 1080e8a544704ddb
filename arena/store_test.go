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

package arena_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"

	"github.com/arena-quant/aq-api/arena"
	"github.com/arena-quant/aq-api/database"
	"github.com/arena-quant/aq-api/queue"
)

var simulationColumnNames = []string{
	"id", "symbols", "start_date", "end_date", "initial_capital", "position_size",
	"agent_type", "agent_config", "status", "worker_id", "claimed_at", "heartbeat_at",
	"retry_count", "max_retries", "last_error", "current_day", "total_days",
	"final_equity", "total_return_pct", "max_drawdown_pct", "total_trades",
	"winning_trades", "avg_hold_days", "avg_win_pnl", "avg_loss_pnl",
	"profit_factor", "sharpe_ratio", "total_realized_pnl", "created_at", "updated_at",
}

func simulationRow(id uuid.UUID, status arena.Status) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows(simulationColumnNames).AddRow(
		id, []string{"AAPL"}, civil("2024-01-02"), civil("2024-01-05"), 10000.0, 1000.0,
		"noop", []byte(nil), status, nil, nil, nil,
		0, 3, nil, 0, 0,
		nil, nil, nil, 0,
		0, nil, nil, nil,
		nil, nil, nil, now, now,
	)
}

var _ = Describe("arena store", func() {
	var (
		ctx    context.Context
		dbPool pgxmock.PgxConnIface
		store  *arena.Store
	)

	BeforeEach(func() {
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)
		store = arena.NewStore()
		ctx = context.Background()
	})

	Describe("ClaimNext", func() {
		It("claims the oldest pending simulation with SKIP LOCKED", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("FOR UPDATE SKIP LOCKED").
				WithArgs("arena-abc123").
				WillReturnRows(simulationRow(id, arena.StatusRunning))
			dbPool.ExpectCommit()

			job, err := store.ClaimNext(ctx, "arena-abc123")
			Expect(err).To(BeNil())
			Expect(job).ToNot(BeNil())
			Expect(job.JobID()).To(Equal(id))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("returns nil when no work is pending", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("FOR UPDATE SKIP LOCKED").
				WithArgs("arena-abc123").
				WillReturnError(pgx.ErrNoRows)
			dbPool.ExpectRollback()

			job, err := store.ClaimNext(ctx, "arena-abc123")
			Expect(err).To(BeNil())
			Expect(job).To(BeNil())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("CommitDay", func() {
		It("discards the day when the simulation was cancelled underneath", func() {
			sim := &arena.Simulation{ID: uuid.New(), Status: arena.StatusRunning, CurrentDay: 5}
			dbPool.ExpectBegin()
			dbPool.ExpectExec(`AND status IN \('pending', 'running'\)`).
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			dbPool.ExpectRollback()

			err := store.CommitDay(ctx, sim, nil, &arena.Snapshot{ID: uuid.New(), SimulationID: sim.ID})
			Expect(errors.Is(err, queue.ErrJobCancelled)).To(BeTrue())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("queue transitions", func() {
		It("requeues or fails in a single statement", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectExec(`retry_count = CASE WHEN retry_count < max_retries THEN retry_count \+ 1 ELSE retry_count END`).
				WithArgs(id, "agent blew up").
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			Expect(store.MarkFailed(ctx, id, "agent blew up")).To(Succeed())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("clears the claim left on a completed simulation", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectExec(`worker_id=NULL, claimed_at=NULL, updated_at=now\(\) WHERE id=\$1 AND status IN \('running', 'completed'\)`).
				WithArgs(id).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			Expect(store.MarkCompleted(ctx, id)).To(Succeed())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("sweeps stale leases back to pending", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("SET status='pending'").
				WithArgs("5m0s").
				WillReturnResult(pgxmock.NewResult("UPDATE", 2))
			dbPool.ExpectCommit()

			count, err := store.ResetStale(ctx, 5*time.Minute)
			Expect(err).To(BeNil())
			Expect(count).To(Equal(int64(2)))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("Cancel", func() {
		It("reports a terminal simulation as not cancellable", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SET status='cancelled'").
				WithArgs(id).
				WillReturnError(pgx.ErrNoRows)
			dbPool.ExpectRollback()
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT (.+) FROM arena_simulations WHERE id=").
				WithArgs(id).
				WillReturnRows(simulationRow(id, arena.StatusCompleted))
			dbPool.ExpectCommit()

			_, err := store.Cancel(ctx, id)
			Expect(err).To(MatchError(arena.ErrNotCancellable))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("DeleteSimulation", func() {
		It("refuses to delete a running simulation", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT status FROM arena_simulations").
				WithArgs(id).
				WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(arena.StatusRunning))
			dbPool.ExpectRollback()

			err := store.DeleteSimulation(ctx, id)
			Expect(err).To(MatchError(arena.ErrSimulationRunning))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("CommitDay", func() {
		var (
			sim      *arena.Simulation
			position *arena.Position
			snapshot *arena.Snapshot
		)

		BeforeEach(func() {
			sim = &arena.Simulation{ID: uuid.New(), Status: arena.StatusRunning, CurrentDay: 1}
			position = &arena.Position{ID: uuid.New(), SimulationID: sim.ID, Symbol: "AAPL", Status: arena.PositionPending, SignalDate: civil("2024-01-02"), TrailingStopPct: 5}
			snapshot = &arena.Snapshot{ID: uuid.New(), SimulationID: sim.ID, SnapshotDate: civil("2024-01-02"), DayNumber: 0, Cash: 10000, TotalEquity: 10000}
		})

		It("commits the day in one transaction", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE arena_simulations SET status=").
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectExec("INSERT INTO arena_positions").
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
			dbPool.ExpectExec("INSERT INTO arena_snapshots").
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
			dbPool.ExpectCommit()

			Expect(store.CommitDay(ctx, sim, []*arena.Position{position}, snapshot)).To(Succeed())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("rolls the whole day back when any statement fails", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE arena_simulations SET status=").
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectExec("INSERT INTO arena_positions").
				WillReturnError(fmt.Errorf("boom"))
			dbPool.ExpectRollback()

			err := store.CommitDay(ctx, sim, []*arena.Position{position}, snapshot)
			Expect(err).ToNot(BeNil())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})
})

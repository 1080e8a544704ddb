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

package live20_test

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"

	"github.com/arena-quant/aq-api/database"
	"github.com/arena-quant/aq-api/live20"
)

var runColumnNames = []string{
	"id", "input_symbols", "source_lists", "symbol_count", "processed_count",
	"long_count", "short_count", "no_setup_count", "failed_symbols",
	"min_buy_score", "scoring_algorithm", "status", "worker_id", "claimed_at",
	"heartbeat_at", "retry_count", "max_retries", "last_error", "created_at", "updated_at",
	"deleted_at",
}

func runRow(id uuid.UUID, status string) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows(runColumnNames).AddRow(
		id, []string{"AAPL", "MSFT"}, []string(nil), 2, 0,
		0, 0, 0, []byte(nil),
		60.0, "cci", status, nil, nil,
		nil, 0, 3, nil, now, now,
		nil,
	)
}

var _ = Describe("live20 store", func() {
	var (
		ctx    context.Context
		dbPool pgxmock.PgxConnIface
		store  *live20.Store
	)

	BeforeEach(func() {
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)
		store = live20.NewStore()
		ctx = context.Background()
	})

	Describe("ClaimNext", func() {
		It("claims the oldest pending run", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("FOR UPDATE SKIP LOCKED").
				WithArgs("live20-abc123").
				WillReturnRows(runRow(id, "running"))
			dbPool.ExpectCommit()

			job, err := store.ClaimNext(ctx, "live20-abc123")
			Expect(err).To(BeNil())
			Expect(job).ToNot(BeNil())
			Expect(job.JobID()).To(Equal(id))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("returns nil when the queue is empty", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("FOR UPDATE SKIP LOCKED").
				WithArgs("live20-abc123").
				WillReturnError(pgx.ErrNoRows)
			dbPool.ExpectRollback()

			job, err := store.ClaimNext(ctx, "live20-abc123")
			Expect(err).To(BeNil())
			Expect(job).To(BeNil())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("UpdateProgress", func() {
		It("persists the counters and failure map", func() {
			run := &live20.Run{
				ID:            uuid.New(),
				SymbolCount:   2,
				Processed:     2,
				LongCount:     1,
				NoSetupCount:  1,
				FailedSymbols: map[string]string{},
			}
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE live20_runs SET symbol_count=").
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			Expect(store.UpdateProgress(ctx, run)).To(Succeed())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("DeleteRecommendation", func() {
		It("soft deletes by stamping deleted_at", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectExec("SET deleted_at=now").
				WithArgs(id).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			Expect(store.DeleteRecommendation(ctx, id)).To(Succeed())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("reports not found for an already deleted row", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectExec("SET deleted_at=now").
				WithArgs(id).
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			dbPool.ExpectRollback()

			err := store.DeleteRecommendation(ctx, id)
			Expect(err).To(MatchError(live20.ErrRecommendationNotFound))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("DeleteRun", func() {
		It("soft deletes a finished run", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE live20_runs SET deleted_at=now").
				WithArgs(id).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			Expect(store.DeleteRun(ctx, id)).To(Succeed())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("refuses to delete a run that is still working", func() {
			id := uuid.New()
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE live20_runs SET deleted_at=now").
				WithArgs(id).
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			dbPool.ExpectRollback()
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("FROM live20_runs WHERE id=").
				WithArgs(id).
				WillReturnRows(runRow(id, "running"))
			dbPool.ExpectCommit()

			err := store.DeleteRun(ctx, id)
			Expect(err).To(MatchError(live20.ErrRunActive))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("LatestRecommendations", func() {
		It("selects the newest completed run's rows", func() {
			rows := pgxmock.NewRows([]string{
				"id", "live20_run_id", "stock", "source", "recommendation",
				"confidence_score", "reasoning", "criteria", "sector", "sector_etf",
				"atr_pct", "entry_price", "created_at", "deleted_at",
			}).AddRow(
				uuid.New(), uuid.New(), "AAPL", "manual", live20.DirectionLong,
				80.0, "pullback setup", []byte(nil), "Technology", "XLK",
				2.5, 182.5, time.Now(), nil,
			)
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("live20_run_id = ").WillReturnRows(rows)
			dbPool.ExpectCommit()

			recs, err := store.LatestRecommendations(ctx, nil)
			Expect(err).To(BeNil())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Stock).To(Equal("AAPL"))
			Expect(recs[0].Direction).To(Equal(live20.DirectionLong))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("binds the direction and score filters", func() {
			rows := pgxmock.NewRows([]string{
				"id", "live20_run_id", "stock", "source", "recommendation",
				"confidence_score", "reasoning", "criteria", "sector", "sector_etf",
				"atr_pct", "entry_price", "created_at", "deleted_at",
			})
			dbPool.ExpectBegin()
			dbPool.ExpectQuery(`"recommendation" = `).
				WithArgs("LONG").
				WillReturnRows(rows)
			dbPool.ExpectCommit()

			recs, err := store.LatestRecommendations(ctx, map[string]string{"recommendation": "eq.LONG"})
			Expect(err).To(BeNil())
			Expect(recs).To(BeEmpty())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})
})

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

package data_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"

	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/database"
	"github.com/arena-quant/aq-api/pgxmockhelper"
)

var _ = Describe("Store", func() {
	var (
		ctx    context.Context
		dbPool pgxmock.PgxConnIface
		store  *data.Store
	)

	BeforeEach(func() {
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)
		store = data.NewStore()
		ctx = context.Background()
	})

	Describe("UpsertBars", func() {
		It("discriminates inserts from updates", func() {
			dbPool.ExpectBegin()
			rows := pgxmock.NewRows([]string{"inserted"}).AddRow(true).AddRow(false)
			dbPool.ExpectQuery("INSERT INTO price_bars").WillReturnRows(rows)
			dbPool.ExpectCommit()

			stats, err := store.UpsertBars(ctx, "aapl", data.Interval1Day, dailyBars("AAPL", "2024-01-08", "2024-01-09"))
			Expect(err).To(BeNil())
			Expect(stats.Inserted).To(Equal(1))
			Expect(stats.Updated).To(Equal(1))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("rolls back when the statement fails", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("INSERT INTO price_bars").WillReturnError(fmt.Errorf("boom"))
			dbPool.ExpectRollback()

			_, err := store.UpsertBars(ctx, "AAPL", data.Interval1Day, dailyBars("AAPL", "2024-01-08", "2024-01-09"))
			Expect(err).ToNot(BeNil())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})

		It("does nothing for an empty batch", func() {
			stats, err := store.UpsertBars(ctx, "AAPL", data.Interval1Day, []*data.PriceBar{})
			Expect(err).To(BeNil())
			Expect(stats).To(Equal(data.UpsertStats{}))
		})
	})

	Describe("GetBarsInRange", func() {
		It("scans bars in timestamp order", func() {
			dbPool.ExpectBegin()
			rows := pgxmock.NewRows([]string{"symbol", "ts", "interval", "open", "high", "low", "close", "adjusted_close", "volume", "data_source"}).
				AddRow("AAPL", d("2024-01-08"), "1d", 185.0, 186.5, 184.2, 186.0, 186.0, int64(55_000_000), "yahoo").
				AddRow("AAPL", d("2024-01-09"), "1d", 186.1, 187.0, 185.5, 186.8, 186.8, int64(48_000_000), "yahoo")
			dbPool.ExpectQuery("SELECT symbol, ts, interval").WillReturnRows(rows)
			dbPool.ExpectCommit()

			bars, err := store.GetBarsInRange(ctx, "AAPL", data.Interval1Day, d("2024-01-08"), d("2024-01-09"))
			Expect(err).To(BeNil())
			Expect(bars).To(HaveLen(2))
			Expect(bars[0].Close).To(Equal(186.0))
			Expect(bars[0].Interval).To(Equal(data.Interval1Day))
			Expect(bars[1].TS).To(BeTemporally("==", d("2024-01-09")))
			Expect(bars[1].Volume).To(Equal(int64(48_000_000)))
		})

		It("windows fixture rows to the requested range", func() {
			pgxmockhelper.MockBarQuery(dbPool, "testdata/aapl_1d.csv", d("2024-01-09"), d("2024-01-11"))

			bars, err := store.GetBarsInRange(ctx, "AAPL", data.Interval1Day, d("2024-01-09"), d("2024-01-11"))
			Expect(err).To(BeNil())
			Expect(bars).To(HaveLen(3))
			Expect(bars[0].TS).To(BeTemporally("==", d("2024-01-09")))
			Expect(bars[2].Close).To(Equal(187.2))
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("BarStats", func() {
		It("aggregates range coverage", func() {
			first := d("2024-01-08")
			last := d("2024-01-12")
			fetched := time.Date(2024, 1, 12, 21, 0, 0, 0, time.UTC)

			dbPool.ExpectBegin()
			rows := pgxmock.NewRows([]string{"count", "first_ts", "last_ts", "last_fetched"}).
				AddRow(5, &first, &last, &fetched)
			dbPool.ExpectQuery("SELECT count").WillReturnRows(rows)
			dbPool.ExpectCommit()

			stats, err := store.BarStats(ctx, "AAPL", data.Interval1Day, d("2024-01-08"), d("2024-01-12"))
			Expect(err).To(BeNil())
			Expect(stats.Count).To(Equal(5))
			Expect(stats.FirstTS).To(BeTemporally("==", first))
			Expect(stats.LastTS).To(BeTemporally("==", last))
			Expect(stats.LastFetchedAt).To(BeTemporally("==", fetched))
		})

		It("returns zero values for an empty range", func() {
			dbPool.ExpectBegin()
			rows := pgxmock.NewRows([]string{"count", "first_ts", "last_ts", "last_fetched"}).
				AddRow(0, nil, nil, nil)
			dbPool.ExpectQuery("SELECT count").WillReturnRows(rows)
			dbPool.ExpectCommit()

			stats, err := store.BarStats(ctx, "AAPL", data.Interval1Day, d("2024-01-08"), d("2024-01-12"))
			Expect(err).To(BeNil())
			Expect(stats.Count).To(Equal(0))
			Expect(stats.FirstTS.IsZero()).To(BeTrue())
			Expect(stats.LastFetchedAt.IsZero()).To(BeTrue())
		})
	})

	Describe("UpdateLastFetchedAt", func() {
		It("bumps stamps without touching prices", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE price_bars SET last_fetched_at").
				WillReturnResult(pgxmock.NewResult("UPDATE", 5))
			dbPool.ExpectCommit()

			err := store.UpdateLastFetchedAt(ctx, "AAPL", data.Interval1Day, d("2024-01-08"), d("2024-01-12"))
			Expect(err).To(BeNil())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})

	Describe("sector store", func() {
		It("round trips a sector row", func() {
			dbPool.ExpectBegin()
			rows := pgxmock.NewRows([]string{"symbol", "name", "sector", "sector_etf", "industry", "exchange"}).
				AddRow("AAPL", "Apple Inc.", "Technology", "XLK", "Consumer Electronics", "NASDAQ")
			dbPool.ExpectQuery("SELECT symbol, name, sector").WillReturnRows(rows)
			dbPool.ExpectCommit()

			info, err := store.GetSector(ctx, "AAPL")
			Expect(err).To(BeNil())
			Expect(info.Name).To(Equal("Apple Inc."))
			Expect(info.SectorETF).To(Equal("XLK"))
		})

		It("maps a missing row to ErrSymbolNotFound", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT symbol, name, sector").WillReturnError(pgx.ErrNoRows)
			dbPool.ExpectRollback()

			_, err := store.GetSector(ctx, "NOSUCH")
			Expect(errors.Is(err, data.ErrSymbolNotFound)).To(BeTrue())
		})

		It("upserts sector metadata", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("INSERT INTO stock_sectors").
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
			dbPool.ExpectCommit()

			err := store.UpsertSector(ctx, &data.SymbolInfo{
				Symbol:    "AAPL",
				Name:      "Apple Inc.",
				Sector:    "Technology",
				SectorETF: "XLK",
			})
			Expect(err).To(BeNil())
			Expect(dbPool.ExpectationsWereMet()).To(BeNil())
		})
	})
})

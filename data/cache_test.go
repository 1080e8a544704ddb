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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"

	"github.com/arena-quant/aq-api/data"
)

var _ = Describe("Manager", func() {
	var (
		ctx      context.Context
		store    *memStore
		provider *countingProvider
		manager  *data.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newMemStore()
		provider = &countingProvider{}
		manager = data.NewManager(store, provider)
	})

	Describe("FetchAndStore", func() {
		It("rejects an inverted time range", func() {
			_, err := manager.FetchAndStore(ctx, &data.FetchRequest{
				Symbol:   "AAPL",
				Interval: data.Interval1Day,
				Begin:    d("2024-01-10"),
				End:      d("2024-01-02"),
			})
			Expect(errors.Is(err, data.ErrInvalidTimeRange)).To(BeTrue())
		})

		It("rejects an unknown interval", func() {
			_, err := manager.FetchAndStore(ctx, &data.FetchRequest{
				Symbol:   "AAPL",
				Interval: data.Interval("7m"),
				Begin:    d("2024-01-02"),
				End:      d("2024-01-10"),
			})
			Expect(errors.Is(err, data.ErrInvalidInterval)).To(BeTrue())
		})

		It("caps intraday requests at sixty days", func() {
			_, err := manager.FetchAndStore(ctx, &data.FetchRequest{
				Symbol:   "AAPL",
				Interval: data.Interval5Min,
				Begin:    d("2024-01-02"),
				End:      d("2024-06-01"),
			})
			Expect(errors.Is(err, data.ErrIntradayRange)).To(BeTrue())
		})

		It("fetches from the provider on a cold cache and stores the bars", func() {
			provider.bars = dailyBars("MISS", "2024-01-08", "2024-01-12")

			result, err := manager.FetchAndStore(ctx, &data.FetchRequest{
				Symbol:   "MISS",
				Interval: data.Interval1Day,
				Begin:    d("2024-01-08"),
				End:      d("2024-01-12"),
			})
			Expect(err).To(BeNil())
			Expect(result.CacheHit).To(BeFalse())
			Expect(result.HitType).To(Equal(data.HitMiss))
			Expect(result.Bars).To(HaveLen(5))
			Expect(provider.callCount()).To(Equal(1))
			Expect(store.count("MISS", data.Interval1Day)).To(Equal(5))
		})

		It("serves the second read from the in-memory tier", func() {
			provider.bars = dailyBars("WARM", "2024-01-08", "2024-01-12")
			req := func() *data.FetchRequest {
				return &data.FetchRequest{
					Symbol:   "WARM",
					Interval: data.Interval1Day,
					Begin:    d("2024-01-08"),
					End:      d("2024-01-12"),
				}
			}

			first, err := manager.FetchAndStore(ctx, req())
			Expect(err).To(BeNil())
			Expect(first.HitType).To(Equal(data.HitMiss))

			second, err := manager.FetchAndStore(ctx, req())
			Expect(err).To(BeNil())
			Expect(second.CacheHit).To(BeTrue())
			Expect(second.HitType).To(Equal(data.HitL1))
			Expect(provider.callCount()).To(Equal(1))
		})

		It("serves from the store when the range is fresh but not in memory", func() {
			_, err := store.UpsertBars(ctx, "COLD", data.Interval1Day, dailyBars("COLD", "2024-01-08", "2024-01-12"))
			Expect(err).To(BeNil())

			result, err := manager.FetchAndStore(ctx, &data.FetchRequest{
				Symbol:   "COLD",
				Interval: data.Interval1Day,
				Begin:    d("2024-01-08"),
				End:      d("2024-01-12"),
			})
			Expect(err).To(BeNil())
			Expect(result.CacheHit).To(BeTrue())
			Expect(result.HitType).To(Equal(data.HitStore))
			Expect(result.Bars).To(HaveLen(5))
			Expect(provider.callCount()).To(Equal(0))
		})

		It("always calls the provider when force refresh is set", func() {
			_, err := store.UpsertBars(ctx, "FORCE", data.Interval1Day, dailyBars("FORCE", "2024-01-08", "2024-01-12"))
			Expect(err).To(BeNil())
			provider.bars = dailyBars("FORCE", "2024-01-08", "2024-01-12")

			result, err := manager.FetchAndStore(ctx, &data.FetchRequest{
				Symbol:       "FORCE",
				Interval:     data.Interval1Day,
				Begin:        d("2024-01-08"),
				End:          d("2024-01-12"),
				ForceRefresh: true,
			})
			Expect(err).To(BeNil())
			Expect(result.CacheHit).To(BeFalse())
			Expect(result.HitType).To(Equal(data.HitMiss))
			Expect(provider.callCount()).To(Equal(1))
		})

		It("propagates provider errors unchanged", func() {
			provider.err = data.ErrRateLimited

			_, err := manager.FetchAndStore(ctx, &data.FetchRequest{
				Symbol:   "ERR",
				Interval: data.Interval1Day,
				Begin:    d("2024-01-08"),
				End:      d("2024-01-12"),
			})
			Expect(errors.Is(err, data.ErrRateLimited)).To(BeTrue())
			Expect(store.count("ERR", data.Interval1Day)).To(Equal(0))
		})

		It("stores partial provider results and refetches the gap next time", func() {
			// provider only has the first three days of the requested week
			provider.bars = dailyBars("PART", "2024-01-08", "2024-01-10")

			first, err := manager.FetchAndStore(ctx, &data.FetchRequest{
				Symbol:   "PART",
				Interval: data.Interval1Day,
				Begin:    d("2024-01-08"),
				End:      d("2024-01-12"),
			})
			Expect(err).To(BeNil())
			Expect(first.Bars).To(HaveLen(3))
			Expect(store.count("PART", data.Interval1Day)).To(Equal(3))

			_, err = manager.FetchAndStore(ctx, &data.FetchRequest{
				Symbol:   "PART",
				Interval: data.Interval1Day,
				Begin:    d("2024-01-08"),
				End:      d("2024-01-12"),
			})
			Expect(err).To(BeNil())
			Expect(provider.callCount()).To(Equal(2))
		})

		It("makes exactly one provider call for many concurrent requests of the same key", func() {
			provider.bars = dailyBars("CONC", "2024-01-08", "2024-01-12")
			provider.delay = 50 * time.Millisecond

			results := make([]*data.FetchResult, 7)
			group := errgroup.Group{}
			for ii := 0; ii < 7; ii++ {
				idx := ii
				group.Go(func() error {
					result, err := manager.FetchAndStore(ctx, &data.FetchRequest{
						Symbol:   "CONC",
						Interval: data.Interval1Day,
						Begin:    d("2024-01-08"),
						End:      d("2024-01-12"),
					})
					if err != nil {
						return err
					}
					results[idx] = result
					return nil
				})
			}
			Expect(group.Wait()).To(BeNil())

			Expect(provider.callCount()).To(Equal(1))
			Expect(store.count("CONC", data.Interval1Day)).To(Equal(5))

			misses := 0
			for _, result := range results {
				Expect(result.Bars).To(HaveLen(5))
				if !result.CacheHit {
					misses++
				}
			}
			Expect(misses).To(Equal(1))
		})
	})

	Describe("GetSymbolInfo", func() {
		It("resolves through the provider once and then serves from cache", func() {
			info, err := manager.GetSymbolInfo(ctx, "SYMA")
			Expect(err).To(BeNil())
			Expect(info.Name).To(Equal("SYMA Inc."))
			Expect(info.SectorETF).To(Equal("XLK"))
			Expect(provider.callCount()).To(Equal(1))

			again, err := manager.GetSymbolInfo(ctx, "SYMA")
			Expect(err).To(BeNil())
			Expect(again.Sector).To(Equal("Technology"))
			Expect(provider.callCount()).To(Equal(1))
		})

		It("persists provider results in the sector store", func() {
			_, err := manager.GetSymbolInfo(ctx, "SYMB")
			Expect(err).To(BeNil())

			stored, err := store.GetSector(ctx, "SYMB")
			Expect(err).To(BeNil())
			Expect(stored.Sector).To(Equal("Technology"))
		})

		It("caches a confirmed unknown symbol", func() {
			provider.err = data.ErrSymbolNotFound

			_, err := manager.GetSymbolInfo(ctx, "NOSUCH")
			Expect(errors.Is(err, data.ErrSymbolNotFound)).To(BeTrue())
			Expect(provider.callCount()).To(Equal(1))

			_, err = manager.GetSymbolInfo(ctx, "NOSUCH")
			Expect(errors.Is(err, data.ErrSymbolNotFound)).To(BeTrue())
			Expect(provider.callCount()).To(Equal(1))
		})
	})
})

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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/tradecron"
)

var _ = Describe("CheckFreshnessSmart", func() {
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

	seed := func(symbol, from, to string) {
		_, err := store.UpsertBars(ctx, symbol, data.Interval1Day, dailyBars(symbol, from, to))
		Expect(err).To(BeNil())
	}

	Context("with a historical range", func() {
		// Wednesday mid-session; the requested range ends a week earlier
		now := et("2024-01-17 12:00")

		It("requests a full fetch when nothing is cached", func() {
			result := manager.CheckFreshnessSmart(ctx, "HIST1", d("2024-01-02"), d("2024-01-10"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeFalse())
			Expect(result.NeedsFetch).To(BeTrue())
			Expect(result.Reason).To(Equal("no cached data"))
			Expect(result.FetchStartDate).To(BeTemporally("==", d("2024-01-02")))
			Expect(result.MarketStatus).To(Equal(tradecron.StateClosed))
			Expect(result.RecommendedTTL).To(Equal(time.Hour))
		})

		It("is fresh when the cache reaches the final trading day of the range", func() {
			seed("HIST2", "2024-01-02", "2024-01-10")
			result := manager.CheckFreshnessSmart(ctx, "HIST2", d("2024-01-02"), d("2024-01-10"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeTrue())
			Expect(result.NeedsFetch).To(BeFalse())
			Expect(result.LastDataDate).To(BeTemporally("==", d("2024-01-10")))
			Expect(result.LastCompleteTradingDay).To(BeTemporally("==", d("2024-01-10")))
			Expect(result.MarketStatus).To(Equal(tradecron.StateClosed))
		})

		It("refetches from the last cached day when the tail is missing", func() {
			seed("HIST3", "2024-01-02", "2024-01-08")
			result := manager.CheckFreshnessSmart(ctx, "HIST3", d("2024-01-02"), d("2024-01-10"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeFalse())
			Expect(result.NeedsFetch).To(BeTrue())
			Expect(result.FetchStartDate).To(BeTemporally("==", d("2024-01-08")))
		})

		It("refetches from the requested start when the cache has a front gap", func() {
			seed("HIST4", "2024-01-04", "2024-01-10")
			result := manager.CheckFreshnessSmart(ctx, "HIST4", d("2024-01-02"), d("2024-01-10"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeFalse())
			Expect(result.NeedsFetch).To(BeTrue())
			Expect(result.Reason).To(Equal("missing bars at range start"))
			Expect(result.FetchStartDate).To(BeTemporally("==", d("2024-01-02")))
		})

		It("normalizes a weekend start before judging the front gap", func() {
			seed("HIST5", "2024-01-08", "2024-01-12")
			result := manager.CheckFreshnessSmart(ctx, "HIST5", d("2024-01-06"), d("2024-01-12"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeTrue())
		})

		It("anchors the range end to the last trading day on or before it", func() {
			seed("HIST6", "2024-01-08", "2024-01-12")
			// Jan 13 2024 is a Saturday
			result := manager.CheckFreshnessSmart(ctx, "HIST6", d("2024-01-08"), d("2024-01-13"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeTrue())
			Expect(result.LastCompleteTradingDay).To(BeTemporally("==", d("2024-01-12")))
		})
	})

	Context("while the market is open", func() {
		now := et("2024-01-17 12:00")

		It("refetches when the cache is behind today", func() {
			seed("LIVE1", "2024-01-02", "2024-01-16")
			result := manager.CheckFreshnessSmart(ctx, "LIVE1", d("2024-01-02"), d("2024-01-17"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeFalse())
			Expect(result.NeedsFetch).To(BeTrue())
			Expect(result.FetchStartDate).To(BeTemporally("==", d("2024-01-16")))
			Expect(result.MarketStatus).To(Equal(tradecron.StateOpen))
			Expect(result.RecommendedTTL).To(Equal(5 * time.Minute))
		})

		It("is fresh when today's bar was fetched within the market hours ttl", func() {
			seed("LIVE2", "2024-01-02", "2024-01-17")
			store.stampFetchedAt("LIVE2", data.Interval1Day, now.Add(-time.Minute))
			result := manager.CheckFreshnessSmart(ctx, "LIVE2", d("2024-01-02"), d("2024-01-17"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeTrue())
			Expect(result.NeedsFetch).To(BeFalse())
		})

		It("refetches when today's bar is older than the market hours ttl", func() {
			seed("LIVE3", "2024-01-02", "2024-01-17")
			store.stampFetchedAt("LIVE3", data.Interval1Day, now.Add(-10*time.Minute))
			result := manager.CheckFreshnessSmart(ctx, "LIVE3", d("2024-01-02"), d("2024-01-17"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeFalse())
			Expect(result.NeedsFetch).To(BeTrue())
			Expect(result.FetchStartDate).To(BeTemporally("==", d("2024-01-17")))
		})
	})

	Context("outside the trading session", func() {
		It("accepts today's bar after the close", func() {
			now := et("2024-01-17 18:00")
			seed("POST1", "2024-01-02", "2024-01-17")
			result := manager.CheckFreshnessSmart(ctx, "POST1", d("2024-01-02"), d("2024-01-17"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeTrue())
			Expect(result.MarketStatus).To(Equal(tradecron.StateAfterHours))
			Expect(result.LastCompleteTradingDay).To(BeTemporally("==", d("2024-01-17")))
		})

		It("refetches after the close when today's bar is missing", func() {
			now := et("2024-01-17 18:00")
			seed("POST2", "2024-01-02", "2024-01-16")
			result := manager.CheckFreshnessSmart(ctx, "POST2", d("2024-01-02"), d("2024-01-17"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeFalse())
			Expect(result.FetchStartDate).To(BeTemporally("==", d("2024-01-16")))
		})

		It("only expects the previous session during pre-market", func() {
			now := et("2024-01-17 08:00")
			seed("PRE1", "2024-01-02", "2024-01-16")
			result := manager.CheckFreshnessSmart(ctx, "PRE1", d("2024-01-02"), d("2024-01-17"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeTrue())
			Expect(result.MarketStatus).To(Equal(tradecron.StatePreMarket))
			Expect(result.LastCompleteTradingDay).To(BeTemporally("==", d("2024-01-16")))
		})

		It("accepts Friday's bar over the weekend", func() {
			now := et("2024-01-20 12:00")
			seed("WKND1", "2024-01-02", "2024-01-19")
			result := manager.CheckFreshnessSmart(ctx, "WKND1", d("2024-01-02"), d("2024-01-20"), data.Interval1Day, now)
			Expect(result.IsFresh).To(BeTrue())
			Expect(result.MarketStatus).To(Equal(tradecron.StateClosed))
			Expect(result.LastCompleteTradingDay).To(BeTemporally("==", d("2024-01-19")))
		})
	})
})

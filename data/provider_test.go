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

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"

	"github.com/arena-quant/aq-api/data"
)

const yahooChartFixture = `{"chart":{"result":[{"meta":{"symbol":"AAPL"},"timestamp":[1704724200,1704810600],"indicators":{"quote":[{"open":[185.0,186.1],"high":[186.5,187.0],"low":[184.2,185.5],"close":[186.0,186.8],"volume":[55000000,48000000]}],"adjclose":[{"adjclose":[185.7,186.5]}]}}],"error":null}}`

const yahooChartNullFixture = `{"chart":{"result":[{"meta":{"symbol":"HALT"},"timestamp":[1704724200,1704810600,1704897000],"indicators":{"quote":[{"open":[185.0,null,187.2],"high":[186.5,null,188.0],"low":[184.2,null,186.9],"close":[186.0,null,187.8],"volume":[55000000,null,39000000]}]}}],"error":null}}`

const yahooSummaryFixture = `{"quoteSummary":{"result":[{"assetProfile":{"sector":"Technology","industry":"Consumer Electronics"},"price":{"longName":"Apple Inc.","shortName":"Apple","exchangeName":"NasdaqGS"}}],"error":null}}`

const yahooNotFoundFixture = `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`

var _ = Describe("YahooProvider", func() {
	var (
		ctx      context.Context
		provider *data.YahooProvider
	)

	BeforeEach(func() {
		httpmock.Activate()
		viper.Set("marketdata.max_retries", 2)
		viper.Set("marketdata.retry_delay", time.Millisecond)
		ctx = context.Background()
		provider = data.NewYahooProvider()
	})

	AfterEach(func() {
		httpmock.DeactivateAndReset()
	})

	It("parses daily bars onto civil market dates", func() {
		httpmock.RegisterResponder("GET", `=~^https://query1\.finance\.yahoo\.com/v8/finance/chart/AAPL`,
			httpmock.NewStringResponder(200, yahooChartFixture))

		bars, err := provider.FetchPriceData(ctx, "AAPL", data.Interval1Day, d("2024-01-08"), d("2024-01-09"), false)
		Expect(err).To(BeNil())
		Expect(bars).To(HaveLen(2))
		Expect(bars[0].TS).To(BeTemporally("==", d("2024-01-08")))
		Expect(bars[0].Open).To(Equal(185.0))
		Expect(bars[0].AdjustedClose).To(Equal(185.7))
		Expect(bars[1].TS).To(BeTemporally("==", d("2024-01-09")))
		Expect(bars[1].Volume).To(Equal(int64(48_000_000)))
		Expect(bars[1].DataSource).To(Equal("yahoo"))
	})

	It("skips slots with null prices", func() {
		httpmock.RegisterResponder("GET", `=~^https://query1\.finance\.yahoo\.com/v8/finance/chart/HALT`,
			httpmock.NewStringResponder(200, yahooChartNullFixture))

		bars, err := provider.FetchPriceData(ctx, "HALT", data.Interval1Day, d("2024-01-08"), d("2024-01-10"), false)
		Expect(err).To(BeNil())
		Expect(bars).To(HaveLen(2))
		Expect(bars[1].TS).To(BeTemporally("==", d("2024-01-10")))
	})

	It("maps the chart error object to ErrSymbolNotFound", func() {
		httpmock.RegisterResponder("GET", `=~^https://query1\.finance\.yahoo\.com/v8/finance/chart/GONE`,
			httpmock.NewStringResponder(200, yahooNotFoundFixture))

		_, err := provider.FetchPriceData(ctx, "GONE", data.Interval1Day, d("2024-01-08"), d("2024-01-09"), false)
		Expect(errors.Is(err, data.ErrSymbolNotFound)).To(BeTrue())
	})

	It("does not retry a 404", func() {
		httpmock.RegisterResponder("GET", `=~^https://query1\.finance\.yahoo\.com/v8/finance/chart/NOPE`,
			httpmock.NewStringResponder(404, "Not Found"))

		_, err := provider.FetchPriceData(ctx, "NOPE", data.Interval1Day, d("2024-01-08"), d("2024-01-09"), false)
		Expect(errors.Is(err, data.ErrSymbolNotFound)).To(BeTrue())
		Expect(httpmock.GetTotalCallCount()).To(Equal(1))
	})

	It("retries transport failures before giving up", func() {
		httpmock.RegisterResponder("GET", `=~^https://query1\.finance\.yahoo\.com/v8/finance/chart/FLAKY`,
			httpmock.NewStringResponder(500, "Internal Server Error"))

		_, err := provider.FetchPriceData(ctx, "FLAKY", data.Interval1Day, d("2024-01-08"), d("2024-01-09"), false)
		Expect(errors.Is(err, data.ErrTransport)).To(BeTrue())
		// max_retries bounds total calls; the suite allows two
		Expect(httpmock.GetTotalCallCount()).To(Equal(2))
	})

	It("surfaces rate limiting", func() {
		httpmock.RegisterResponder("GET", `=~^https://query1\.finance\.yahoo\.com/v8/finance/chart/BUSY`,
			httpmock.NewStringResponder(429, "Too Many Requests"))

		_, err := provider.FetchPriceData(ctx, "BUSY", data.Interval1Day, d("2024-01-08"), d("2024-01-09"), false)
		Expect(errors.Is(err, data.ErrRateLimited)).To(BeTrue())
	})

	It("resolves symbol info with the sector ETF filled in", func() {
		httpmock.RegisterResponder("GET", `=~^https://query1\.finance\.yahoo\.com/v10/finance/quoteSummary/AAPL`,
			httpmock.NewStringResponder(200, yahooSummaryFixture))

		info, err := provider.GetSymbolInfo(ctx, "AAPL")
		Expect(err).To(BeNil())
		Expect(info.Name).To(Equal("Apple Inc."))
		Expect(info.Sector).To(Equal("Technology"))
		Expect(info.SectorETF).To(Equal("XLK"))
		Expect(info.Exchange).To(Equal("NasdaqGS"))
	})
})

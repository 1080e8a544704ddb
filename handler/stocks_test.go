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

package handler_test

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/handler"
)

var _ = Describe("Stock endpoints", func() {
	var (
		app *fiber.App
		md  *fakeMarketData
	)

	BeforeEach(func() {
		md = newFakeMarketData()
		md.bars["AAPL"] = dailyBars("AAPL", 60, 150)
		md.info["AAPL"] = &data.SymbolInfo{
			Symbol:    "AAPL",
			Name:      "Apple Inc.",
			Sector:    "Technology",
			SectorETF: "XLK",
			Exchange:  "NASDAQ",
		}
		md.bars["XLK"] = dailyBars("XLK", 60, 180)
		handler.SetMarketData(md)
		app = newApp()
	})

	Describe("GET /api/v1/stocks/:symbol/prices", func() {
		It("returns the bars with the symbol normalized", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/aapl/prices", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := struct {
				Symbol   string           `json:"symbol"`
				Interval data.Interval    `json:"interval"`
				Bars     []*data.PriceBar `json:"bars"`
			}{}
			decodeBody(resp, &body)
			Expect(body.Symbol).To(Equal("AAPL"))
			Expect(body.Interval).To(Equal(data.Interval1Day))
			Expect(body.Bars).To(HaveLen(60))
		})

		It("returns 404 for an unknown symbol", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/ZZZZ/prices", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("rejects an unknown interval", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/AAPL/prices?interval=bogus", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an intraday range longer than 60 days", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/AAPL/prices?interval=5min", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a start date after the end date", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/AAPL/prices?start=2024-01-01&end=2023-01-01", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a range longer than three years", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/AAPL/prices?start=2019-01-01&end=2024-01-01", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/v1/stocks/:symbol/indicators", func() {
		It("leaves the warmup period without indicator values", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/AAPL/indicators", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := struct {
				Symbol     string `json:"symbol"`
				Indicators []struct {
					Date string   `json:"date"`
					MA20 *float64 `json:"ma20"`
					CCI  *float64 `json:"cci"`
				} `json:"indicators"`
			}{}
			decodeBody(resp, &body)
			Expect(body.Symbol).To(Equal("AAPL"))
			Expect(body.Indicators).To(HaveLen(60))
			Expect(body.Indicators[18].MA20).To(BeNil())
			Expect(body.Indicators[19].MA20).ToNot(BeNil())
			// closes step up by 1 so MA-20 trails the close by 9.5
			Expect(*body.Indicators[59].MA20).To(BeNumerically("~", 199.5, 0.01))
		})
	})

	Describe("GET /api/v1/stocks/:symbol/analysis", func() {
		It("computes only the requested indicators", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/AAPL/analysis?include=sma20,rsi14", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := struct {
				Symbol     string             `json:"symbol"`
				AsOf       string             `json:"as_of"`
				LastClose  float64            `json:"last_close"`
				Indicators map[string]float64 `json:"indicators"`
			}{}
			decodeBody(resp, &body)
			Expect(body.LastClose).To(Equal(209.0))
			Expect(body.Indicators).To(HaveKey("sma20"))
			Expect(body.Indicators).To(HaveKey("rsi14"))
			Expect(body.Indicators).ToNot(HaveKey("atr14"))
		})

		It("computes the full set by default", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/AAPL/analysis", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := struct {
				Indicators map[string]float64 `json:"indicators"`
			}{}
			decodeBody(resp, &body)
			for _, name := range []string{"sma20", "sma50", "ema20", "rsi14", "cci20", "atr14", "obv"} {
				Expect(body.Indicators).To(HaveKey(name))
			}
		})
	})

	Describe("GET /api/v1/stocks/:symbol/info", func() {
		It("returns the symbol metadata", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/AAPL/info", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			info := data.SymbolInfo{}
			decodeBody(resp, &info)
			Expect(info.SectorETF).To(Equal("XLK"))
			Expect(info.Sector).To(Equal("Technology"))
		})
	})

	Describe("GET /api/v1/stocks/:symbol/sector-trend", func() {
		It("reports an uptrend when the close leads both averages", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/AAPL/sector-trend", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := struct {
				Symbol    string  `json:"symbol"`
				SectorETF string  `json:"sector_etf"`
				Trend     string  `json:"trend"`
				LastClose float64 `json:"last_close"`
			}{}
			decodeBody(resp, &body)
			Expect(body.SectorETF).To(Equal("XLK"))
			Expect(body.Trend).To(Equal("up"))
			Expect(body.LastClose).To(Equal(239.0))
		})

		It("returns 404 when the symbol has no sector ETF mapping", func() {
			md.info["BRK.A"] = &data.SymbolInfo{Symbol: "BRK.A", Sector: "Financials"}
			resp, err := app.Test(jsonRequest("GET", "/api/v1/stocks/BRK.A/sector-trend", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})

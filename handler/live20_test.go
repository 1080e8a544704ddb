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
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arena-quant/aq-api/handler"
	"github.com/arena-quant/aq-api/live20"
	"github.com/arena-quant/aq-api/selectors"
)

var _ = Describe("Live20 endpoints", func() {
	var (
		app   *fiber.App
		store *fakeLive20Store
	)

	BeforeEach(func() {
		store = newFakeLive20Store()
		handler.SetLive20Store(store)
		app = newApp()
	})

	Describe("POST /api/v1/live-20/analyze", func() {
		It("enqueues a screening run with uppercased symbols", func() {
			body := handler.AnalyzeRequest{
				Symbols:     []string{"aapl", "msft"},
				MinBuyScore: 70,
			}
			resp, err := app.Test(jsonRequest("POST", "/api/v1/live-20/analyze", body))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			run := live20.Run{}
			decodeBody(resp, &run)
			Expect(run.ID).ToNot(Equal(uuid.Nil))
			Expect(run.Status).To(Equal("pending"))
			Expect(run.InputSymbols).To(Equal([]string{"AAPL", "MSFT"}))
			Expect(run.SymbolCount).To(Equal(2))
		})

		It("rejects more than 500 symbols", func() {
			symbols := make([]string, 501)
			for i := range symbols {
				symbols[i] = fmt.Sprintf("SYM%d", i)
			}
			resp, err := app.Test(jsonRequest("POST", "/api/v1/live-20/analyze", handler.AnalyzeRequest{Symbols: symbols}))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			errBody := map[string]string{}
			decodeBody(resp, &errBody)
			Expect(errBody["detail"]).To(ContainSubstring("500"))
		})

		It("rejects an unknown scoring algorithm", func() {
			body := handler.AnalyzeRequest{Symbols: []string{"AAPL"}, ScoringAlgorithm: "macd"}
			resp, err := app.Test(jsonRequest("POST", "/api/v1/live-20/analyze", body))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an out-of-range minimum score", func() {
			body := handler.AnalyzeRequest{Symbols: []string{"AAPL"}, MinBuyScore: 150}
			resp, err := app.Test(jsonRequest("POST", "/api/v1/live-20/analyze", body))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/v1/live-20/results", func() {
		It("translates the friendly filters into where clauses", func() {
			store.latest = []*live20.Recommendation{{Stock: "AAPL", Direction: live20.DirectionLong}}

			resp, err := app.Test(jsonRequest("GET", "/api/v1/live-20/results?direction=LONG&min_score=70", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			Expect(store.lastWhere).To(HaveKeyWithValue("recommendation", "eq.LONG"))
			Expect(store.lastWhere).To(HaveKeyWithValue("confidence_score", "gte.70"))

			body := struct {
				Recommendations []*live20.Recommendation `json:"recommendations"`
			}{}
			decodeBody(resp, &body)
			Expect(body.Recommendations).To(HaveLen(1))
		})

		It("rejects a non-numeric minimum score", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/live-20/results?min_score=abc", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("run lifecycle endpoints", func() {
		It("returns 404 for an unknown run", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/live-20/runs/"+uuid.NewString(), nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("cancels a pending run", func() {
			run, err := store.CreateRun(nil, &live20.Run{InputSymbols: []string{"AAPL"}})
			Expect(err).To(BeNil())

			resp, err := app.Test(jsonRequest("POST", "/api/v1/live-20/runs/"+run.ID.String()+"/cancel", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(store.runs[run.ID].Status).To(Equal("cancelled"))
		})

		It("refuses to cancel a completed run", func() {
			run, err := store.CreateRun(nil, &live20.Run{InputSymbols: []string{"AAPL"}})
			Expect(err).To(BeNil())
			run.Status = "completed"

			resp, err := app.Test(jsonRequest("POST", "/api/v1/live-20/runs/"+run.ID.String()+"/cancel", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("deletes a completed run", func() {
			run, err := store.CreateRun(nil, &live20.Run{InputSymbols: []string{"AAPL"}})
			Expect(err).To(BeNil())
			run.Status = "completed"

			resp, err := app.Test(jsonRequest("DELETE", "/api/v1/live-20/runs/"+run.ID.String(), nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})

		It("refuses to delete an active run", func() {
			run, err := store.CreateRun(nil, &live20.Run{InputSymbols: []string{"AAPL"}})
			Expect(err).To(BeNil())
			run.Status = "running"

			resp, err := app.Test(jsonRequest("DELETE", "/api/v1/live-20/runs/"+run.ID.String(), nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/v1/live-20/runs/:id/recommend", func() {
		var run *live20.Run

		BeforeEach(func() {
			var err error
			run, err = store.CreateRun(nil, &live20.Run{InputSymbols: []string{"AAPL", "MSFT", "XOM"}})
			Expect(err).To(BeNil())
			run.Status = "completed"
			store.recs[run.ID] = []*live20.Recommendation{
				{Stock: "AAPL", Direction: live20.DirectionLong, ConfidenceScore: 85, Sector: "Technology"},
				{Stock: "MSFT", Direction: live20.DirectionLong, ConfidenceScore: 78, Sector: "Technology"},
				{Stock: "XOM", Direction: live20.DirectionShort, ConfidenceScore: 64, Sector: "Energy"},
			}
		})

		It("selects from the LONG recommendations only", func() {
			resp, err := app.Test(jsonRequest("POST", "/api/v1/live-20/runs/"+run.ID.String()+"/recommend", handler.RecommendRequest{}))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := struct {
				PortfolioStrategy string                `json:"portfolio_strategy"`
				Candidates        int                   `json:"candidates"`
				Selected          []selectors.Candidate `json:"selected"`
			}{}
			decodeBody(resp, &body)
			Expect(body.PortfolioStrategy).To(Equal("none"))
			Expect(body.Candidates).To(Equal(2))
			Expect(body.Selected).To(HaveLen(2))
		})

		It("rejects an unknown portfolio strategy", func() {
			body := handler.RecommendRequest{PortfolioStrategy: "martingale"}
			resp, err := app.Test(jsonRequest("POST", "/api/v1/live-20/runs/"+run.ID.String()+"/recommend", body))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})
})

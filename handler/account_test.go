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
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"

	"github.com/arena-quant/aq-api/broker"
	"github.com/arena-quant/aq-api/handler"
)

var _ = Describe("Account and health endpoints", func() {
	var app *fiber.App

	BeforeEach(func() {
		viper.Set("marketdata.provider", "yahoo")
		app = newApp()
	})

	Describe("GET /api/v1/account/status", func() {
		It("reports the broker session and provider", func() {
			mock := broker.NewMockBroker()
			Expect(mock.Connect(context.Background())).To(Succeed())
			handler.SetBroker(mock, "mock")

			resp, err := app.Test(jsonRequest("GET", "/api/v1/account/status", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := struct {
				Broker struct {
					Type   string `json:"type"`
					Status string `json:"status"`
				} `json:"broker"`
				MarketData struct {
					Provider string `json:"provider"`
				} `json:"market_data"`
				Database string `json:"database"`
			}{}
			decodeBody(resp, &body)
			Expect(body.Broker.Type).To(Equal("mock"))
			Expect(body.Broker.Status).To(Equal("connected"))
			Expect(body.MarketData.Provider).To(Equal("yahoo"))
			// no pool is wired in tests
			Expect(body.Database).To(Equal("down"))
		})
	})

	Describe("health endpoints", func() {
		It("reports degraded without a database", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/health", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))

			body := map[string]interface{}{}
			decodeBody(resp, &body)
			Expect(body["status"]).To(Equal("degraded"))
			Expect(body["database"]).To(Equal("down"))
		})

		It("fails the readiness probe without a database", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/health/ready", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})

		It("always passes the liveness probe", func() {
			resp, err := app.Test(jsonRequest("GET", "/api/v1/health/live", nil))
			Expect(err).To(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := map[string]string{}
			decodeBody(resp, &body)
			Expect(body["status"]).To(Equal("alive"))
		})
	})
})

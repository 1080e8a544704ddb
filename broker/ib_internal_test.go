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

package broker

import (
	"context"
	"errors"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"
)

const ibAccountsFixture = `{"accounts":["DU1234567","DU7654321"],"selectedAccount":"DU1234567"}`

const ibSecdefFixture = `[{"conid":265598,"companyName":"APPLE INC","symbol":"AAPL","secType":"STK"}]`

const ibOrderFixture = `[{"order_id":"987654","order_status":"Submitted"}]`

const ibOrderStatusFixture = `{"order_status":"Filled","symbol":"AAPL","side":"BUY","total_size":"10","average_price":"185.42"}`

var _ = Describe("IBBroker", func() {
	var (
		ctx context.Context
		ib  *IBBroker
	)

	BeforeEach(func() {
		viper.Set("ib.gateway_url", "https://localhost:5000/v1/api")
		viper.Set("ib.account", "DU1234567")
		ctx = context.Background()
		ib = NewIBBroker()
		// the gateway client pins a TLS transport; intercept it directly
		httpmock.ActivateNonDefault(ib.client)
	})

	AfterEach(func() {
		httpmock.DeactivateAndReset()
		viper.Set("ib.account", "")
	})

	It("connects when the configured account is managed by the session", func() {
		httpmock.RegisterResponder("GET", "https://localhost:5000/v1/api/iserver/accounts",
			httpmock.NewStringResponder(200, ibAccountsFixture))

		Expect(ib.Connect(ctx)).To(Succeed())
		Expect(ib.Status()).To(Equal(StatusConnected))
	})

	It("fails fast when the account is not in the session", func() {
		httpmock.RegisterResponder("GET", "https://localhost:5000/v1/api/iserver/accounts",
			httpmock.NewStringResponder(200, `{"accounts":["U9999999"]}`))

		err := ib.Connect(ctx)
		Expect(errors.Is(err, ErrAccountMismatch)).To(BeTrue())
		Expect(ib.Status()).To(Equal(StatusDisconnected))
	})

	It("fails when the gateway session is unauthenticated", func() {
		httpmock.RegisterResponder("GET", "https://localhost:5000/v1/api/iserver/accounts",
			httpmock.NewStringResponder(401, "unauthenticated"))

		err := ib.Connect(ctx)
		Expect(err).To(HaveOccurred())
		Expect(ib.Status()).To(Equal(StatusDisconnected))
	})

	It("refuses to place orders before connecting", func() {
		_, err := ib.PlaceOrder(ctx, &OrderRequest{Symbol: "AAPL", Side: SideBuy, Quantity: 10, OrderType: OrderMarket})
		Expect(errors.Is(err, ErrNotConnected)).To(BeTrue())
	})

	It("resolves the contract and places an order", func() {
		httpmock.RegisterResponder("GET", "https://localhost:5000/v1/api/iserver/accounts",
			httpmock.NewStringResponder(200, ibAccountsFixture))
		httpmock.RegisterResponder("GET", `=~^https://localhost:5000/v1/api/iserver/secdef/search`,
			httpmock.NewStringResponder(200, ibSecdefFixture))
		httpmock.RegisterResponder("POST", "https://localhost:5000/v1/api/iserver/account/DU1234567/orders",
			httpmock.NewStringResponder(200, ibOrderFixture))

		Expect(ib.Connect(ctx)).To(Succeed())

		result, err := ib.PlaceOrder(ctx, &OrderRequest{Symbol: "aapl", Side: SideBuy, Quantity: 10, OrderType: OrderMarket})
		Expect(err).To(BeNil())
		Expect(result.OrderID).To(Equal("987654"))
		Expect(result.Symbol).To(Equal("AAPL"))
		Expect(result.State).To(Equal(OrderSubmitted))
	})

	It("reports fill details from the status endpoint", func() {
		httpmock.RegisterResponder("GET", "https://localhost:5000/v1/api/iserver/accounts",
			httpmock.NewStringResponder(200, ibAccountsFixture))
		httpmock.RegisterResponder("GET", "https://localhost:5000/v1/api/iserver/account/order/status/987654",
			httpmock.NewStringResponder(200, ibOrderStatusFixture))

		Expect(ib.Connect(ctx)).To(Succeed())

		status, err := ib.OrderStatus(ctx, "987654")
		Expect(err).To(BeNil())
		Expect(status.State).To(Equal(OrderFilled))
		Expect(status.Quantity).To(Equal(10))
		Expect(status.FillPrice).To(Equal(185.42))
	})

	It("maps a missing order to ErrOrderNotFound on cancel", func() {
		httpmock.RegisterResponder("GET", "https://localhost:5000/v1/api/iserver/accounts",
			httpmock.NewStringResponder(200, ibAccountsFixture))
		httpmock.RegisterResponder("DELETE", "https://localhost:5000/v1/api/iserver/account/DU1234567/order/missing",
			httpmock.NewStringResponder(404, "not found"))

		Expect(ib.Connect(ctx)).To(Succeed())
		Expect(errors.Is(ib.CancelOrder(ctx, "missing"), ErrOrderNotFound)).To(BeTrue())
	})
})

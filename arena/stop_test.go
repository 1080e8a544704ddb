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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arena-quant/aq-api/arena"
)

var _ = Describe("trailing stop", func() {
	It("sets the initial stop below the entry", func() {
		highest, stop := arena.InitialStop(100, 5)
		Expect(highest).To(Equal(100.0))
		Expect(stop).To(Equal(95.0))
	})

	It("ratchets the stop up with a new high", func() {
		update := arena.UpdateTrailingStop(110, 99, 100, 95, 5)
		Expect(update.Triggered).To(BeFalse())
		Expect(update.HighestPrice).To(Equal(110.0))
		Expect(update.StopPrice).To(Equal(104.5))
	})

	It("never lowers the stop when price falls back", func() {
		update := arena.UpdateTrailingStop(105, 104.6, 110, 104.5, 5)
		Expect(update.Triggered).To(BeFalse())
		Expect(update.HighestPrice).To(Equal(110.0))
		Expect(update.StopPrice).To(Equal(104.5))
	})

	It("triggers against the stop carried into the day", func() {
		update := arena.UpdateTrailingStop(112, 103, 112, 106.4, 5)
		Expect(update.Triggered).To(BeTrue())
		Expect(update.TriggerPrice).To(Equal(106.4))
		Expect(update.StopPrice).To(Equal(106.4))
	})

	It("fills at the stop, not the day's low", func() {
		update := arena.UpdateTrailingStop(101, 80, 100, 95, 5)
		Expect(update.Triggered).To(BeTrue())
		Expect(update.TriggerPrice).To(Equal(95.0))
	})

	It("stays monotone over a random-ish walk", func() {
		highs := []float64{101, 108, 103, 115, 112, 109, 120}
		lows := []float64{98, 100, 99.5, 104, 106, 105, 110}
		highest, stop := arena.InitialStop(100, 5)
		for idx := range highs {
			update := arena.UpdateTrailingStop(highs[idx], lows[idx], highest, stop, 5)
			if update.Triggered {
				break
			}
			Expect(update.StopPrice).To(BeNumerically(">=", stop))
			Expect(update.HighestPrice).To(BeNumerically(">=", highest))
			highest = update.HighestPrice
			stop = update.StopPrice
		}
	})
})

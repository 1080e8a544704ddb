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

package indicators_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/indicators"
)

// flatBars builds bars with identical OHLC values per close in the series.
func flatBars(closes ...float64) []*data.PriceBar {
	bars := make([]*data.PriceBar, len(closes))
	for idx, close := range closes {
		bars[idx] = &data.PriceBar{
			Open:   close,
			High:   close,
			Low:    close,
			Close:  close,
			Volume: 1000,
		}
	}
	return bars
}

var _ = Describe("Moving averages", func() {
	It("computes a simple moving average", func() {
		series, err := indicators.SMA(flatBars(1, 2, 3, 4, 5), 3)
		Expect(err).To(BeNil())
		Expect(series).To(HaveLen(5))
		Expect(series[2]).To(BeNumerically("~", 2, 1e-9))
		Expect(series[4]).To(BeNumerically("~", 4, 1e-9))
	})

	It("rejects a period longer than the history", func() {
		_, err := indicators.SMA(flatBars(1, 2), 3)
		Expect(err).To(MatchError(indicators.ErrInsufficientData))
	})
})

var _ = Describe("ATRPercent", func() {
	It("reports range volatility relative to the close", func() {
		bars := make([]*data.PriceBar, 20)
		for idx := range bars {
			bars[idx] = &data.PriceBar{Open: 100, High: 102, Low: 98, Close: 100, Volume: 1000}
		}
		pct, err := indicators.ATRPercent(bars, 14)
		Expect(err).To(BeNil())
		// constant true range of 4 on a close of 100
		Expect(pct).To(BeNumerically("~", 4.0, 1e-6))
	})
})

var _ = DescribeTable("candle shapes",
	func(bar *data.PriceBar, hammer, star bool) {
		Expect(indicators.IsHammer(bar)).To(Equal(hammer))
		Expect(indicators.IsShootingStar(bar)).To(Equal(star))
	},
	Entry("hammer: long lower shadow, small body at top",
		&data.PriceBar{Open: 99.0, High: 100.0, Low: 90.0, Close: 100.0}, true, false),
	Entry("shooting star: long upper shadow, small body at bottom",
		&data.PriceBar{Open: 91.0, High: 100.0, Low: 90.0, Close: 90.5}, false, true),
	Entry("full-bodied candle is neither",
		&data.PriceBar{Open: 90.0, High: 100.0, Low: 90.0, Close: 100.0}, false, false),
)

var _ = Describe("engulfing patterns", func() {
	It("detects a bullish engulfing pair", func() {
		prev := &data.PriceBar{Open: 100, High: 101, Low: 97, Close: 98}
		bar := &data.PriceBar{Open: 97.5, High: 102, Low: 97, Close: 101}
		Expect(indicators.IsBullishEngulfing(prev, bar)).To(BeTrue())
		Expect(indicators.IsBearishEngulfing(prev, bar)).To(BeFalse())
	})

	It("detects a bearish engulfing pair", func() {
		prev := &data.PriceBar{Open: 98, High: 101, Low: 97, Close: 100}
		bar := &data.PriceBar{Open: 100.5, High: 102, Low: 96, Close: 97.5}
		Expect(indicators.IsBearishEngulfing(prev, bar)).To(BeTrue())
	})
})

var _ = Describe("VolumeRatio", func() {
	It("compares the latest volume to the trailing average", func() {
		bars := flatBars(1, 1, 1, 1, 1)
		bars[4].Volume = 3000
		Expect(indicators.VolumeRatio(bars, 4)).To(BeNumerically("~", 3.0, 1e-9))
	})

	It("returns zero when history is too short", func() {
		Expect(indicators.VolumeRatio(flatBars(1, 2), 4)).To(BeZero())
	})
})

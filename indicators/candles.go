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

package indicators

import "github.com/arena-quant/aq-api/data"

// Candle pattern predicates used by the live20 reversal criterion. Each
// looks only at the latest bar (and its predecessor for engulfing shapes).

func bodySize(bar *data.PriceBar) float64 {
	if bar.Close > bar.Open {
		return bar.Close - bar.Open
	}
	return bar.Open - bar.Close
}

func candleRange(bar *data.PriceBar) float64 {
	return bar.High - bar.Low
}

// IsHammer detects a small body near the top of the range with a long lower
// shadow, a bullish reversal shape after a decline.
func IsHammer(bar *data.PriceBar) bool {
	rng := candleRange(bar)
	if rng <= 0 {
		return false
	}
	body := bodySize(bar)
	lowerShadow := bar.Open - bar.Low
	if bar.Close < bar.Open {
		lowerShadow = bar.Close - bar.Low
	}
	return body <= rng*0.35 && lowerShadow >= body*2
}

// IsShootingStar detects the bearish mirror of the hammer: a small body near
// the bottom of the range with a long upper shadow.
func IsShootingStar(bar *data.PriceBar) bool {
	rng := candleRange(bar)
	if rng <= 0 {
		return false
	}
	body := bodySize(bar)
	upperShadow := bar.High - bar.Close
	if bar.Close > bar.Open {
		upperShadow = bar.High - bar.Close
	} else {
		upperShadow = bar.High - bar.Open
	}
	return body <= rng*0.35 && upperShadow >= body*2
}

// IsBullishEngulfing reports whether bar's body engulfs a down predecessor.
func IsBullishEngulfing(prev, bar *data.PriceBar) bool {
	if prev == nil {
		return false
	}
	return prev.Close < prev.Open &&
		bar.Close > bar.Open &&
		bar.Open <= prev.Close &&
		bar.Close >= prev.Open
}

// IsBearishEngulfing reports whether bar's body engulfs an up predecessor.
func IsBearishEngulfing(prev, bar *data.PriceBar) bool {
	if prev == nil {
		return false
	}
	return prev.Close > prev.Open &&
		bar.Close < bar.Open &&
		bar.Open >= prev.Close &&
		bar.Close <= prev.Open
}

// BullishReversalCandle reports whether the latest bar is a hammer or a
// bullish engulfing shape.
func BullishReversalCandle(bars []*data.PriceBar) bool {
	if len(bars) == 0 {
		return false
	}
	last := bars[len(bars)-1]
	var prev *data.PriceBar
	if len(bars) > 1 {
		prev = bars[len(bars)-2]
	}
	return IsHammer(last) || IsBullishEngulfing(prev, last)
}

// BearishReversalCandle reports whether the latest bar is a shooting star or
// a bearish engulfing shape.
func BearishReversalCandle(bars []*data.PriceBar) bool {
	if len(bars) == 0 {
		return false
	}
	last := bars[len(bars)-1]
	var prev *data.PriceBar
	if len(bars) > 1 {
		prev = bars[len(bars)-2]
	}
	return IsShootingStar(last) || IsBearishEngulfing(prev, last)
}

// VolumeRatio compares the latest bar's volume to the average of the
// preceding lookback bars. Returns zero when history is too short.
func VolumeRatio(bars []*data.PriceBar, lookback int) float64 {
	if len(bars) < lookback+1 || lookback < 1 {
		return 0
	}
	var sum float64
	window := bars[len(bars)-1-lookback : len(bars)-1]
	for _, bar := range window {
		sum += float64(bar.Volume)
	}
	avg := sum / float64(lookback)
	if avg == 0 {
		return 0
	}
	return float64(bars[len(bars)-1].Volume) / avg
}

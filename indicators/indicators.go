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

// Package indicators wraps the talib primitives the agents and the analysis
// endpoints share. All functions are pure over ordered bar slices; callers
// guarantee ascending timestamps.
package indicators

import (
	"errors"

	talib "github.com/markcheno/go-talib"

	"github.com/arena-quant/aq-api/data"
)

var ErrInsufficientData = errors.New("not enough bars for indicator period")

// Closes extracts the close series from a bar slice.
func Closes(bars []*data.PriceBar) []float64 {
	values := make([]float64, len(bars))
	for idx, bar := range bars {
		values[idx] = bar.Close
	}
	return values
}

// Highs extracts the high series.
func Highs(bars []*data.PriceBar) []float64 {
	values := make([]float64, len(bars))
	for idx, bar := range bars {
		values[idx] = bar.High
	}
	return values
}

// Lows extracts the low series.
func Lows(bars []*data.PriceBar) []float64 {
	values := make([]float64, len(bars))
	for idx, bar := range bars {
		values[idx] = bar.Low
	}
	return values
}

// Volumes extracts the volume series as floats for talib.
func Volumes(bars []*data.PriceBar) []float64 {
	values := make([]float64, len(bars))
	for idx, bar := range bars {
		values[idx] = float64(bar.Volume)
	}
	return values
}

// SMA computes a simple moving average series; the first period-1 slots are
// zero per talib convention.
func SMA(bars []*data.PriceBar, period int) ([]float64, error) {
	if len(bars) < period || period < 1 {
		return nil, ErrInsufficientData
	}
	return talib.Sma(Closes(bars), period), nil
}

// EMA computes an exponential moving average series.
func EMA(bars []*data.PriceBar, period int) ([]float64, error) {
	if len(bars) < period || period < 1 {
		return nil, ErrInsufficientData
	}
	return talib.Ema(Closes(bars), period), nil
}

// RSI computes the relative strength index series.
func RSI(bars []*data.PriceBar, period int) ([]float64, error) {
	if len(bars) < period+1 || period < 1 {
		return nil, ErrInsufficientData
	}
	return talib.Rsi(Closes(bars), period), nil
}

// CCI computes the commodity channel index series.
func CCI(bars []*data.PriceBar, period int) ([]float64, error) {
	if len(bars) < period || period < 1 {
		return nil, ErrInsufficientData
	}
	return talib.Cci(Highs(bars), Lows(bars), Closes(bars), period), nil
}

// ATR computes the average true range series.
func ATR(bars []*data.PriceBar, period int) ([]float64, error) {
	if len(bars) < period+1 || period < 1 {
		return nil, ErrInsufficientData
	}
	return talib.Atr(Highs(bars), Lows(bars), Closes(bars), period), nil
}

// OBV computes on-balance volume.
func OBV(bars []*data.PriceBar) []float64 {
	if len(bars) == 0 {
		return nil
	}
	return talib.Obv(Closes(bars), Volumes(bars))
}

// ATRPercent reports the latest ATR as a percentage of the latest close, the
// volatility measure the portfolio selectors rank candidates by.
func ATRPercent(bars []*data.PriceBar, period int) (float64, error) {
	series, err := ATR(bars, period)
	if err != nil {
		return 0, err
	}
	last := bars[len(bars)-1]
	if last.Close == 0 {
		return 0, ErrInsufficientData
	}
	return series[len(series)-1] / last.Close * 100, nil
}

// Last returns the final value of a series, or zero for an empty series.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

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

package data

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/arena-quant/aq-api/tradecron"
)

// MockProvider synthesizes bars without touching the network. Values are a
// pure function of (symbol, date), so overlapping fetches produce identical
// rows and upserts stay idempotent. Used for development and as the fallback
// when no real provider is configured.
type MockProvider struct {
}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (mock *MockProvider) Name() string {
	return "mock"
}

func (mock *MockProvider) FetchPriceData(_ context.Context, symbol string, interval Interval, begin, end time.Time, _ bool) ([]*PriceBar, error) {
	days := tradecron.TradingDaysInRange(begin, end)
	bars := make([]*PriceBar, 0, len(days))

	if !interval.Intraday() {
		for _, day := range days {
			bars = append(bars, mockBar(symbol, interval, day))
		}
		return bars, nil
	}

	step := mockIntervalStep(interval)
	for _, day := range days {
		// session instants in UTC; 09:30 ET is 14:30 UTC in winter, close
		// enough for synthetic data
		sessionOpen := time.Date(day.Year(), day.Month(), day.Day(), 14, 30, 0, 0, time.UTC)
		sessionClose := sessionOpen.Add(6*time.Hour + 30*time.Minute)
		for ts := sessionOpen; ts.Before(sessionClose); ts = ts.Add(step) {
			bars = append(bars, mockBar(symbol, interval, ts))
		}
	}
	return bars, nil
}

func (mock *MockProvider) GetSymbolInfo(_ context.Context, symbol string) (*SymbolInfo, error) {
	sectors := []string{
		"Technology", "Financial Services", "Healthcare", "Consumer Cyclical",
		"Consumer Defensive", "Energy", "Industrials", "Basic Materials",
		"Utilities", "Real Estate", "Communication Services",
	}
	digest := blake3.Sum256([]byte(symbol))
	sector := sectors[int(digest[0])%len(sectors)]
	exchange := "NYSE"
	if digest[1]%2 == 0 {
		exchange = "NASDAQ"
	}
	return &SymbolInfo{
		Symbol:    symbol,
		Name:      fmt.Sprintf("%s Inc.", symbol),
		Sector:    sector,
		SectorETF: SectorETF(sector),
		Industry:  sector,
		Exchange:  exchange,
	}, nil
}

// mockBar derives one bar from a hash of the symbol and slot so the series
// is stable across processes and fetch windows.
func mockBar(symbol string, interval Interval, ts time.Time) *PriceBar {
	symDigest := blake3.Sum256([]byte(symbol))
	base := 20 + float64(binary.BigEndian.Uint16(symDigest[:2])%480)

	slotDigest := blake3.Sum256([]byte(fmt.Sprintf("%s:%s:%s", symbol, string(interval), ts.Format(time.RFC3339))))
	drift := (float64(binary.BigEndian.Uint16(slotDigest[:2]))/65535 - 0.5) * 0.04
	swing := (float64(binary.BigEndian.Uint16(slotDigest[2:4]))/65535 - 0.5) * 0.02
	spread := base * 0.005 * float64(slotDigest[4]) / 255

	open := base * (1 + drift)
	closePrice := base * (1 + drift + swing)
	high := math.Max(open, closePrice) + spread
	low := math.Min(open, closePrice) - spread
	volume := int64(500_000 + binary.BigEndian.Uint32(slotDigest[5:9])%4_500_000)

	return &PriceBar{
		Symbol:        symbol,
		TS:            ts,
		Interval:      interval,
		Open:          open,
		High:          high,
		Low:           low,
		Close:         closePrice,
		AdjustedClose: closePrice,
		Volume:        volume,
		DataSource:    "mock",
	}
}

func mockIntervalStep(interval Interval) time.Duration {
	switch interval {
	case Interval1Min:
		return time.Minute
	case Interval2Min:
		return 2 * time.Minute
	case Interval5Min:
		return 5 * time.Minute
	case Interval15Min:
		return 15 * time.Minute
	case Interval30Min:
		return 30 * time.Minute
	case Interval90Min:
		return 90 * time.Minute
	default:
		return time.Hour
	}
}

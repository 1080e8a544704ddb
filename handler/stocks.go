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

package handler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/indicators"
)

func defaultHistoryDays() int {
	if days := viper.GetInt("marketdata.default_history_days"); days > 0 {
		return days
	}
	return 365
}

// stockRange parses the start/end/interval query parameters and applies the
// range policy: total range at most three years, intraday at most 60 days.
func stockRange(c *fiber.Ctx) (time.Time, time.Time, data.Interval, error) {
	interval, err := data.ParseInterval(c.Query("interval"))
	if err != nil {
		return time.Time{}, time.Time{}, interval, err
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	if raw := c.Query("end"); raw != "" {
		end, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, interval, errors.New("end must be formatted YYYY-MM-DD")
		}
	}

	start := end.AddDate(0, 0, -defaultHistoryDays())
	if raw := c.Query("start"); raw != "" {
		start, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, interval, errors.New("start must be formatted YYYY-MM-DD")
		}
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, interval, data.ErrInvalidTimeRange
	}
	if end.After(start.AddDate(MaxRangeYears, 0, 0)) {
		return time.Time{}, time.Time{}, interval, fmt.Errorf("%w: date range cannot exceed %d years", data.ErrValidation, MaxRangeYears)
	}
	if interval.Intraday() && end.After(start.AddDate(0, 0, MaxIntradayDays)) {
		return time.Time{}, time.Time{}, interval, data.ErrIntradayRange
	}
	return start, end, interval, nil
}

// StockPrices returns OHLCV bars for a range through the cache.
func StockPrices(c *fiber.Ctx) error {
	symbol := common.NormalizeSymbol(c.Params("symbol"))
	start, end, interval, err := stockRange(c)
	if err != nil {
		return dataStatus(c, err)
	}

	bars, err := marketData.GetBars(c.Context(), symbol, interval, start, end)
	if err != nil {
		return dataStatus(c, err)
	}

	return c.JSON(fiber.Map{
		"symbol":   symbol,
		"interval": interval,
		"bars":     bars,
	})
}

type indicatorPoint struct {
	Date string   `json:"date"`
	MA20 *float64 `json:"ma20,omitempty"`
	CCI  *float64 `json:"cci,omitempty"`
}

// StockIndicators returns the MA-20 and CCI-20 series for a range.
func StockIndicators(c *fiber.Ctx) error {
	symbol := common.NormalizeSymbol(c.Params("symbol"))
	start, end, interval, err := stockRange(c)
	if err != nil {
		return dataStatus(c, err)
	}

	// pad the window so the first requested day has a full period behind it
	paddedStart := start.AddDate(0, 0, -45)
	bars, err := marketData.GetBars(c.Context(), symbol, interval, paddedStart, end)
	if err != nil {
		return dataStatus(c, err)
	}

	ma20, err := indicators.SMA(bars, 20)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}
	cci, err := indicators.CCI(bars, 20)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}

	points := make([]indicatorPoint, 0, len(bars))
	for idx, bar := range bars {
		if bar.TS.Before(start) {
			continue
		}
		point := indicatorPoint{Date: bar.TS.Format("2006-01-02")}
		if idx >= 19 {
			ma := common.RoundPrice(ma20[idx])
			ccv := common.RoundPrice(cci[idx])
			point.MA20 = &ma
			point.CCI = &ccv
		}
		points = append(points, point)
	}

	return c.JSON(fiber.Map{
		"symbol":     symbol,
		"interval":   interval,
		"indicators": points,
	})
}

// StockAnalysis computes the requested indicator values over recent daily
// history. The include parameter selects from sma20, sma50, ema20, rsi14,
// cci20, atr14, obv; omit it for the full set.
func StockAnalysis(c *fiber.Ctx) error {
	symbol := common.NormalizeSymbol(c.Params("symbol"))

	include := map[string]bool{}
	if raw := c.Query("include"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			include[strings.TrimSpace(strings.ToLower(name))] = true
		}
	} else {
		for _, name := range []string{"sma20", "sma50", "ema20", "rsi14", "cci20", "atr14", "obv"} {
			include[name] = true
		}
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -120)
	bars, err := marketData.GetBars(c.Context(), symbol, data.Interval1Day, start, end)
	if err != nil {
		return dataStatus(c, err)
	}

	values := fiber.Map{}
	compute := func(name string, period int, fn func([]*data.PriceBar, int) ([]float64, error)) error {
		if !include[name] {
			return nil
		}
		series, err := fn(bars, period)
		if err != nil {
			return err
		}
		values[name] = common.RoundPrice(indicators.Last(series))
		return nil
	}

	if err := compute("sma20", 20, indicators.SMA); err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}
	if err := compute("sma50", 50, indicators.SMA); err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}
	if err := compute("ema20", 20, indicators.EMA); err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}
	if err := compute("rsi14", 14, indicators.RSI); err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}
	if err := compute("cci20", 20, indicators.CCI); err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}
	if err := compute("atr14", 14, indicators.ATR); err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}
	if include["obv"] {
		values["obv"] = indicators.Last(indicators.OBV(bars))
	}

	lastClose := 0.0
	asOf := ""
	if len(bars) > 0 {
		lastClose = bars[len(bars)-1].Close
		asOf = bars[len(bars)-1].TS.Format("2006-01-02")
	}

	return c.JSON(fiber.Map{
		"symbol":     symbol,
		"as_of":      asOf,
		"last_close": lastClose,
		"indicators": values,
	})
}

// StockInfo returns symbol metadata including the sector ETF mapping.
func StockInfo(c *fiber.Ctx) error {
	symbol := common.NormalizeSymbol(c.Params("symbol"))
	info, err := marketData.GetSymbolInfo(c.Context(), symbol)
	if err != nil {
		return dataStatus(c, err)
	}
	return c.JSON(info)
}

// SectorTrend reports trend analytics for the symbol's sector ETF.
func SectorTrend(c *fiber.Ctx) error {
	symbol := common.NormalizeSymbol(c.Params("symbol"))
	info, err := marketData.GetSymbolInfo(c.Context(), symbol)
	if err != nil {
		return dataStatus(c, err)
	}
	if info.SectorETF == "" {
		return detail(c, fiber.StatusNotFound, fmt.Sprintf("no sector ETF mapping for %s", symbol))
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -120)
	bars, err := marketData.GetBars(c.Context(), info.SectorETF, data.Interval1Day, start, end)
	if err != nil {
		return dataStatus(c, err)
	}

	ma20, err := indicators.SMA(bars, 20)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}
	ma50, err := indicators.SMA(bars, 50)
	if err != nil {
		return detail(c, fiber.StatusBadRequest, err.Error())
	}

	lastClose := bars[len(bars)-1].Close
	latestMA20 := indicators.Last(ma20)
	latestMA50 := indicators.Last(ma50)

	trend := "sideways"
	switch {
	case lastClose > latestMA20 && latestMA20 > latestMA50:
		trend = "up"
	case lastClose < latestMA20 && latestMA20 < latestMA50:
		trend = "down"
	}

	return c.JSON(fiber.Map{
		"symbol":      symbol,
		"sector":      info.Sector,
		"sector_etf":  info.SectorETF,
		"trend":       trend,
		"last_close":  common.RoundPrice(lastClose),
		"ma20":        common.RoundPrice(latestMA20),
		"ma50":        common.RoundPrice(latestMA50),
		"pct_vs_ma20": common.RoundPercent((lastClose - latestMA20) / latestMA20 * 100),
		"pct_vs_ma50": common.RoundPercent((lastClose - latestMA50) / latestMA50 * 100),
	})
}

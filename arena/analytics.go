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

package arena

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/arena-quant/aq-api/common"
)

// Analytics is the set of completion metrics written when a simulation
// finishes. Pointer fields stay nil when the statistic is undefined for the
// run (no losing trades, constant returns).
type Analytics struct {
	FinalEquity      float64
	TotalReturnPct   float64
	MaxDrawdownPct   float64
	TotalTrades      int
	WinningTrades    int
	AvgHoldDays      *float64
	AvgWinPnl        *float64
	AvgLossPnl       *float64
	ProfitFactor     *float64
	SharpeRatio      *float64
	TotalRealizedPnl float64
}

// tradingDaysPerYear annualises the sharpe ratio.
const tradingDaysPerYear = 252

// ComputeAnalytics derives the completion metrics from the closed positions
// and the snapshot equity series. Positions that never filled (zero shares)
// are not trades.
func ComputeAnalytics(initialCapital, finalCash float64, positions []*Position, snapshots []*Snapshot) Analytics {
	analytics := Analytics{
		FinalEquity: common.RoundCash(finalCash),
	}
	if initialCapital > 0 {
		analytics.TotalReturnPct = common.RoundPercent((analytics.FinalEquity/initialCapital - 1) * 100)
	}

	var winSum, lossSum, pnlSum, holdSum float64
	var lossCount, holdCount int
	for _, position := range positions {
		if position.Status != PositionClosed || position.Shares <= 0 || position.RealizedPnl == nil {
			continue
		}
		analytics.TotalTrades++
		pnl := *position.RealizedPnl
		pnlSum += pnl
		if pnl > 0 {
			analytics.WinningTrades++
			winSum += pnl
		} else if pnl < 0 {
			lossCount++
			lossSum += pnl
		}
		if position.EntryDate != nil && position.ExitDate != nil {
			holdSum += position.ExitDate.Sub(*position.EntryDate).Hours() / 24
			holdCount++
		}
	}

	analytics.TotalRealizedPnl = common.RoundCash(pnlSum)
	if holdCount > 0 {
		avg := common.RoundPercent(holdSum / float64(holdCount))
		analytics.AvgHoldDays = &avg
	}
	if analytics.WinningTrades > 0 {
		avg := common.RoundCash(winSum / float64(analytics.WinningTrades))
		analytics.AvgWinPnl = &avg
	}
	if lossCount > 0 {
		avg := common.RoundCash(lossSum / float64(lossCount))
		analytics.AvgLossPnl = &avg
		if winSum > 0 {
			factor := common.RoundPercent(winSum / math.Abs(lossSum))
			analytics.ProfitFactor = &factor
		} else {
			zero := 0.0
			analytics.ProfitFactor = &zero
		}
	}

	analytics.MaxDrawdownPct = maxDrawdownPct(snapshots)
	analytics.SharpeRatio = sharpeRatio(snapshots)
	return analytics
}

// maxDrawdownPct walks the equity curve and reports the deepest
// peak-to-trough decline as a positive percentage.
func maxDrawdownPct(snapshots []*Snapshot) float64 {
	var peak, maxDD float64
	for _, snapshot := range snapshots {
		if snapshot.TotalEquity > peak {
			peak = snapshot.TotalEquity
		}
		if peak > 0 {
			dd := (peak - snapshot.TotalEquity) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return common.RoundPercent(maxDD)
}

// sharpeRatio annualises mean/stddev of the daily return series. Nil when
// fewer than two days or when returns never vary.
func sharpeRatio(snapshots []*Snapshot) *float64 {
	if len(snapshots) < 2 {
		return nil
	}
	returns := make([]float64, len(snapshots))
	for idx, snapshot := range snapshots {
		returns[idx] = snapshot.DailyReturnPct
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return nil
	}
	sharpe := common.RoundPercent(mean / std * math.Sqrt(tradingDaysPerYear))
	return &sharpe
}

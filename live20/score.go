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

package live20

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/indicators"
)

var ErrInsufficientHistory = errors.New("not enough bars to score symbol")

const (
	// RequiredLookbackDays is how many daily bars the screen needs before
	// the evaluation date.
	RequiredLookbackDays = 60

	maPeriod       = 20
	cciPeriod      = 20
	atrPeriod      = 14
	volumeLookback = 20
	trendLag       = 5

	criterionPoints = 20.0
)

// ScoreSymbol grades one symbol from its daily bar history (ascending, the
// last bar being the evaluation day). Five criteria each contribute up to 20
// points toward the direction they align with; the outcome direction
// requires at least three aligned criteria and a score at or above
// cfg.MinBuyScore.
func ScoreSymbol(symbol string, bars []*data.PriceBar, cfg Config) (*Outcome, error) {
	if len(bars) < RequiredLookbackDays {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientHistory, len(bars), RequiredLookbackDays)
	}

	criteria := []Criterion{
		trendCriterion(bars),
		ma20Criterion(bars),
		candleCriterion(bars),
		volumeCriterion(bars),
		momentumCriterion(bars, cfg.ScoringAlgorithm),
	}

	var longScore, shortScore float64
	var longCount, shortCount int
	for _, criterion := range criteria {
		if criterion.Long {
			longScore += criterion.Points
			longCount++
		}
		if criterion.Short {
			shortScore += criterion.Points
			shortCount++
		}
	}

	outcome := &Outcome{
		Symbol:    common.NormalizeSymbol(symbol),
		Direction: DirectionNoSetup,
		Criteria:  criteria,
	}

	switch {
	case longCount >= 3 && longScore >= cfg.MinBuyScore && longScore >= shortScore:
		outcome.Direction = DirectionLong
		outcome.Score = common.RoundPercent(longScore)
	case shortCount >= 3 && shortScore >= cfg.MinBuyScore && shortScore > longScore:
		outcome.Direction = DirectionShort
		outcome.Score = common.RoundPercent(shortScore)
	default:
		if longScore >= shortScore {
			outcome.Score = common.RoundPercent(longScore)
		} else {
			outcome.Score = common.RoundPercent(shortScore)
		}
	}

	outcome.Reasoning = buildReasoning(outcome.Direction, criteria)
	outcome.EntryPrice = common.RoundPrice(bars[len(bars)-1].Close)
	if atrPct, err := indicators.ATRPercent(bars, atrPeriod); err == nil {
		outcome.ATRPct = common.RoundPercent(atrPct)
	}

	return outcome, nil
}

// trendCriterion grades the slope of the 20-day moving average: rising
// favours long pullback setups, falling favours shorts.
func trendCriterion(bars []*data.PriceBar) Criterion {
	criterion := Criterion{Name: "trend"}
	sma, err := indicators.SMA(bars, maPeriod)
	if err != nil || len(sma) <= trendLag {
		return criterion
	}
	current := sma[len(sma)-1]
	lagged := sma[len(sma)-1-trendLag]
	criterion.Value = common.RoundPrice(current - lagged)
	if current > lagged {
		criterion.Long = true
		criterion.Points = criterionPoints
	} else if current < lagged {
		criterion.Short = true
		criterion.Points = criterionPoints
	}
	return criterion
}

// ma20Criterion grades the close's distance from the 20-day moving average.
// A close stretched 2-10% below it is a long mean-reversion entry zone; the
// mirror band above it is the short zone.
func ma20Criterion(bars []*data.PriceBar) Criterion {
	criterion := Criterion{Name: "ma20_distance"}
	sma, err := indicators.SMA(bars, maPeriod)
	if err != nil {
		return criterion
	}
	mean := indicators.Last(sma)
	if mean == 0 {
		return criterion
	}
	close := bars[len(bars)-1].Close
	distance := (close - mean) / mean * 100
	criterion.Value = common.RoundPercent(distance)
	switch {
	case distance <= -2 && distance >= -10:
		criterion.Long = true
		criterion.Points = criterionPoints
	case distance >= 2 && distance <= 10:
		criterion.Short = true
		criterion.Points = criterionPoints
	}
	return criterion
}

// candleCriterion grades the latest bar's reversal shape.
func candleCriterion(bars []*data.PriceBar) Criterion {
	criterion := Criterion{Name: "candle"}
	if indicators.BullishReversalCandle(bars) {
		criterion.Long = true
		criterion.Points = criterionPoints
	} else if indicators.BearishReversalCandle(bars) {
		criterion.Short = true
		criterion.Points = criterionPoints
	}
	return criterion
}

// volumeCriterion confirms the latest bar with expanded volume: a surge on
// an up close aligns long, on a down close short.
func volumeCriterion(bars []*data.PriceBar) Criterion {
	criterion := Criterion{Name: "volume"}
	ratio := indicators.VolumeRatio(bars, volumeLookback)
	criterion.Value = common.RoundPercent(ratio)
	if ratio < 1.5 {
		return criterion
	}
	last := bars[len(bars)-1]
	if last.Close > last.Open {
		criterion.Long = true
		criterion.Points = criterionPoints
	} else if last.Close < last.Open {
		criterion.Short = true
		criterion.Points = criterionPoints
	}
	return criterion
}

// momentumCriterion grades exhaustion. The CCI algorithm is binary on the
// +/-100 zones; the RSI-2 algorithm is graduated, paying full points deep in
// the extreme and half points at the edge of it.
func momentumCriterion(bars []*data.PriceBar, algorithm string) Criterion {
	if strings.EqualFold(algorithm, AlgorithmRSI2) {
		return rsi2Criterion(bars)
	}
	return cciCriterion(bars)
}

func cciCriterion(bars []*data.PriceBar) Criterion {
	criterion := Criterion{Name: "momentum_cci"}
	series, err := indicators.CCI(bars, cciPeriod)
	if err != nil {
		return criterion
	}
	value := indicators.Last(series)
	criterion.Value = common.RoundPercent(value)
	if value <= -100 {
		criterion.Long = true
		criterion.Points = criterionPoints
	} else if value >= 100 {
		criterion.Short = true
		criterion.Points = criterionPoints
	}
	return criterion
}

func rsi2Criterion(bars []*data.PriceBar) Criterion {
	criterion := Criterion{Name: "momentum_rsi2"}
	series, err := indicators.RSI(bars, 2)
	if err != nil {
		return criterion
	}
	value := indicators.Last(series)
	criterion.Value = common.RoundPercent(value)
	switch {
	case value < 10:
		criterion.Long = true
		criterion.Points = criterionPoints
	case value < 25:
		criterion.Long = true
		criterion.Points = criterionPoints / 2
	case value > 90:
		criterion.Short = true
		criterion.Points = criterionPoints
	case value > 75:
		criterion.Short = true
		criterion.Points = criterionPoints / 2
	}
	return criterion
}

func buildReasoning(direction Direction, criteria []Criterion) string {
	parts := make([]string, 0, len(criteria))
	for _, criterion := range criteria {
		switch {
		case criterion.Long:
			parts = append(parts, fmt.Sprintf("%s aligned long (%.2f)", criterion.Name, criterion.Value))
		case criterion.Short:
			parts = append(parts, fmt.Sprintf("%s aligned short (%.2f)", criterion.Name, criterion.Value))
		default:
			parts = append(parts, fmt.Sprintf("%s neutral (%.2f)", criterion.Name, criterion.Value))
		}
	}
	return fmt.Sprintf("%s: %s", direction, strings.Join(parts, "; "))
}

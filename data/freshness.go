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
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
	"github.com/arena-quant/aq-api/tradecron"
)

// FreshnessResult is the verdict of the market-aware cache policy. NeedsFetch
// and FetchStartDate direct the refetch when IsFresh is false.
type FreshnessResult struct {
	IsFresh                bool
	Reason                 string
	MarketStatus           tradecron.MarketState
	RecommendedTTL         time.Duration
	LastDataDate           time.Time
	LastCompleteTradingDay time.Time
	NeedsFetch             bool
	FetchStartDate         time.Time
}

func (result *FreshnessResult) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("IsFresh", result.IsFresh).
		Str("Reason", result.Reason).
		Str("MarketStatus", string(result.MarketStatus)).
		Dur("RecommendedTTL", result.RecommendedTTL).
		Time("LastDataDate", result.LastDataDate).
		Time("LastCompleteTradingDay", result.LastCompleteTradingDay).
		Bool("NeedsFetch", result.NeedsFetch).
		Time("FetchStartDate", result.FetchStartDate)
}

// civilDate reduces t to its calendar date, represented as midnight UTC. The
// fields of t are read directly; its location is ignored.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// easternDate is the calendar date of the instant t in Eastern time,
// represented as midnight UTC.
func easternDate(t time.Time) time.Time {
	return civilDate(t.In(common.GetTimezone()))
}

// barDate reduces a stored bar timestamp to its trading date. Daily and
// coarser bars are stored at civil midnight UTC; intraday bars are true
// instants and reduce through Eastern time.
func barDate(ts time.Time, interval Interval) time.Time {
	if interval.Intraday() {
		return easternDate(ts)
	}
	return civilDate(ts)
}

// CheckFreshnessSmart decides whether the stored bars for a request are
// current enough to serve, and when they are not, where the refetch should
// begin. Requests whose end date lies before today are judged against the
// last trading day inside the range; live requests are judged against the
// market session, with a short TTL while the market is open. The classifier
// is total: it never returns an error, a store failure simply forces a
// refetch.
func (manager *Manager) CheckFreshnessSmart(ctx context.Context, symbol string, start, end time.Time, interval Interval, now time.Time) *FreshnessResult {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "manager.CheckFreshnessSmart")
	defer span.End()

	todayET := easternDate(now)
	status := tradecron.MarketStateAt(now)
	lastComplete := tradecron.LastCompleteTradingDay(now)

	requestedEnd := civilDate(end)
	historical := requestedEnd.Before(todayET)
	if historical {
		lastComplete = tradecron.LastTradingDayOnOrBefore(requestedEnd)
		status = tradecron.StateClosed
	}

	result := &FreshnessResult{
		MarketStatus:           status,
		RecommendedTTL:         recommendedTTL(status, interval),
		LastCompleteTradingDay: lastComplete,
	}

	stats, err := manager.store.BarStats(ctx, symbol, interval, start, end)
	if err != nil {
		log.Warn().Stack().Err(err).Str("Symbol", symbol).Msg("could not read bar stats; forcing refetch")
		result.Reason = "could not read cached bars"
		result.NeedsFetch = true
		result.FetchStartDate = start
		return result
	}

	if stats.Count == 0 {
		result.Reason = "no cached data"
		result.NeedsFetch = true
		result.FetchStartDate = start
		return result
	}

	firstData := barDate(stats.FirstTS, interval)
	lastData := barDate(stats.LastTS, interval)
	result.LastDataDate = lastData
	normalizedStart := tradecron.FirstTradingDayOnOrAfter(start)

	if firstData.After(normalizedStart) {
		result.Reason = "missing bars at range start"
		result.NeedsFetch = true
		result.FetchStartDate = start
		return result
	}

	if historical {
		if !lastData.Before(lastComplete) {
			result.IsFresh = true
			result.Reason = "historical range fully cached"
			return result
		}
		result.Reason = "cached bars end before requested range"
		result.NeedsFetch = true
		result.FetchStartDate = lastData
		return result
	}

	if status == tradecron.StateOpen {
		if lastData.Before(todayET) {
			result.Reason = "market open and cached bars are behind today"
			result.NeedsFetch = true
			result.FetchStartDate = lastData
			return result
		}
		if !stats.LastFetchedAt.Before(now.Add(-marketHoursTTL())) {
			result.IsFresh = true
			result.Reason = "market open and cache is within ttl"
			return result
		}
		result.Reason = "market open and cache is older than ttl"
		result.NeedsFetch = true
		result.FetchStartDate = lastData
		return result
	}

	if !lastData.Before(lastComplete) {
		result.IsFresh = true
		result.Reason = "cache covers the last complete trading day"
		return result
	}

	result.Reason = "cached bars missing the last complete trading day"
	result.NeedsFetch = true
	result.FetchStartDate = lastData
	return result
}

func recommendedTTL(status tradecron.MarketState, interval Interval) time.Duration {
	if status == tradecron.StateOpen {
		return marketHoursTTL()
	}
	return interval.ttl()
}

func marketHoursTTL() time.Duration {
	if ttl := viper.GetDuration("marketdata.market_hours_ttl"); ttl > 0 {
		return ttl
	}
	return 5 * time.Minute
}

func intradayTTL() time.Duration {
	if ttl := viper.GetDuration("marketdata.ttl_intraday"); ttl > 0 {
		return ttl
	}
	return 5 * time.Minute
}

func hourlyTTL() time.Duration {
	if ttl := viper.GetDuration("marketdata.ttl_hourly"); ttl > 0 {
		return ttl
	}
	return 30 * time.Minute
}

func dailyTTL() time.Duration {
	if ttl := viper.GetDuration("marketdata.ttl_daily"); ttl > 0 {
		return ttl
	}
	return time.Hour
}

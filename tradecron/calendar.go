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

package tradecron

import (
	"time"

	"github.com/arena-quant/aq-api/common"
)

// MarketState describes where a point in time falls relative to the NYSE
// trading session.
type MarketState string

const (
	StatePreMarket  MarketState = "pre_market"
	StateOpen       MarketState = "market_open"
	StateAfterHours MarketState = "after_hours"
	StateClosed     MarketState = "closed"
)

var regularStatus = NewMarketStatus(&RegularHours)

// civilDate reduces t to its calendar date, represented as midnight UTC.
// The fields of t are read directly; its location is ignored.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// nycDate builds midnight Eastern on t's calendar date.
func nycDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, common.GetTimezone())
}

// IsTradingDay reports whether the calendar date of t is a regular or
// shortened NYSE session. Only the date fields of t are considered.
func IsTradingDay(t time.Time) bool {
	return regularStatus.IsMarketDay(nycDate(t))
}

// TradingDaysInRange returns every trading day from begin through end,
// inclusive, in ascending order. Dates are returned at midnight UTC. An
// inverted range yields an empty slice.
func TradingDaysInRange(begin, end time.Time) []time.Time {
	days := []time.Time{}
	d := civilDate(begin)
	last := civilDate(end)
	for !d.After(last) {
		if IsTradingDay(d) {
			days = append(days, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return days
}

// FirstTradingDayOnOrAfter returns t's date when it is a trading day,
// otherwise the next trading day after it.
func FirstTradingDayOnOrAfter(t time.Time) time.Time {
	d := civilDate(t)
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// LastTradingDayOnOrBefore returns t's date when it is a trading day,
// otherwise the nearest trading day before it.
func LastTradingDayOnOrBefore(t time.Time) time.Time {
	d := civilDate(t)
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// NextTradingDay returns the first trading day strictly after t's date.
func NextTradingDay(t time.Time) time.Time {
	d := civilDate(t).AddDate(0, 0, 1)
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// PreviousTradingDay returns the last trading day strictly before t's date.
func PreviousTradingDay(t time.Time) time.Time {
	d := civilDate(t).AddDate(0, 0, -1)
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// EarlyClose returns the close time of a shortened session on t's date, e.g.
// 1300, or 0 for a regular session or full holiday.
func EarlyClose(t time.Time) int {
	return regularStatus.EarlyClose(nycDate(t))
}

// MarketStateAt classifies an instant against the regular NYSE session. The
// session interval is half-open: the opening minute is market_open, the
// closing minute is after_hours. Holidays and weekends are closed for the
// whole day.
func MarketStateAt(t time.Time) MarketState {
	t = t.In(common.GetTimezone())
	if !regularStatus.IsMarketDay(t) {
		return StateClosed
	}

	closeTime := regularStatus.EarlyClose(t)
	if closeTime == 0 {
		closeTime = RegularHours.Close
	}

	timeOfDay := t.Hour()*100 + t.Minute()
	switch {
	case timeOfDay < RegularHours.Open:
		return StatePreMarket
	case timeOfDay < closeTime:
		return StateOpen
	default:
		return StateAfterHours
	}
}

// LastCompleteTradingDay returns the most recent trading day whose session
// has fully closed as of the instant t. During a live session, or before the
// open, that is the previous trading day. The returned date is at midnight
// UTC.
func LastCompleteTradingDay(t time.Time) time.Time {
	et := t.In(common.GetTimezone())
	day := civilDate(et)
	if IsTradingDay(day) && MarketStateAt(t) == StateAfterHours {
		return day
	}
	return PreviousTradingDay(day)
}

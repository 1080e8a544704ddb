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

// Package tradecron knows the NYSE trading calendar: which days the market
// trades, when a session opens and closes, and how to run schedules that
// only fire while the market is open.
package tradecron

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	AtOpen       = "@open"
	AtClose      = "@close"
	AtWeekBegin  = "@weekbegin"
	AtWeekEnd    = "@weekend"
	AtMonthBegin = "@monthbegin"
	AtMonthEnd   = "@monthend"
)

// TradeCron is a market-aware schedule. Specs use the standard five-field
// CRON format (minute hour day-of-month month day-of-week); fields omitted
// on the right are treated as '*'. Wildcard schedules only fire during
// market hours.
//
// Market modifiers may be mixed into the spec:
//
//	@open       - fire at the opening bell; replaces the minute/hour fields
//	@close      - fire at the closing bell; replaces the minute/hour fields
//	@weekbegin  - restrict to the first trading day of the week
//	@weekend    - restrict to the last trading day of the week
//	@monthbegin - restrict to the first trading day of the month
//	@monthend   - restrict to the last trading day of the month
//
// For example, "30 @open * * *" fires 30 minutes after the open each
// trading day and "@close @monthend" fires at the close on the last trading
// day of each month.
type TradeCron struct {
	Schedule       cron.Schedule
	ScheduleString string
	TimeSpec       string
	TimeFlag       string
	DateFlag       string
	marketStatus   *MarketStatus
}

// New parses a TradeCron schedule spec against the given market hours.
func New(cronSpec string, hours MarketHours) (*TradeCron, error) {
	specParser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	scheduleStr := strings.TrimSpace(cronSpec)
	scheduleStr = expandBriefFormat(scheduleStr)

	// separate market modifiers from the cron fields
	tokens := strings.Split(scheduleStr, " ")

	timeSpecTokens := make([]string, 0, 5)
	specialTokens := make([]string, 0, 2)
	for _, token := range tokens {
		if token[0] == '@' {
			specialTokens = append(specialTokens, token)
		} else {
			timeSpecTokens = append(timeSpecTokens, token)
		}
	}

	var (
		timeSpec string
		timeFlag string
		dateFlag string
		err      error
	)

	for _, token := range specialTokens {
		switch token {
		case AtOpen:
			if timeFlag != "" {
				return nil, ErrConflictingModifiers
			}
			if timeSpec, err = parseTimeRelativeTo(timeSpecTokens, hours.Open/100, hours.Open%100); err != nil {
				return nil, err
			}
			timeFlag = AtOpen
		case AtClose:
			if timeFlag != "" {
				return nil, ErrConflictingModifiers
			}
			if timeSpec, err = parseTimeRelativeTo(timeSpecTokens, hours.Close/100, hours.Close%100); err != nil {
				return nil, err
			}
			timeFlag = AtClose
		case AtWeekBegin, AtWeekEnd, AtMonthBegin, AtMonthEnd:
			if dateFlag != "" {
				return nil, ErrConflictingModifiers
			}
			dateFlag = token
		default:
			return nil, ErrUnknownModifier
		}
	}

	if timeSpec == "" {
		timeSpec = strings.Join(timeSpecTokens, " ")
	}

	schedule, err := specParser.Parse(timeSpec)
	if err != nil {
		log.Error().Err(err).Str("TimeSpec", timeSpec).Str("TradeCronSpec", cronSpec).Msg("could not parse timespec")
		return nil, err
	}

	tc := &TradeCron{
		Schedule:       schedule,
		ScheduleString: cronSpec,
		TimeSpec:       timeSpec,
		TimeFlag:       timeFlag,
		DateFlag:       dateFlag,
		marketStatus:   NewMarketStatus(&hours),
	}

	return tc, nil
}

// IsTradeDay evaluates the given date against the schedule and returns true
// when the date falls on a trading day the schedule fires on. The time
// portion of the schedule is ignored.
func (tc *TradeCron) IsTradeDay(forDate time.Time) bool {
	t1 := time.Date(forDate.Year(), forDate.Month(), forDate.Day(), 0, 0, 0, 0, tc.marketStatus.tz)
	t0 := t1.AddDate(0, 0, -1)
	t0 = time.Date(t0.Year(), t0.Month(), t0.Day(), 23, 59, 59, 999_999_999, tc.marketStatus.tz)
	next := tc.Next(t0)
	nextDate := time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, tc.marketStatus.tz)
	return nextDate.Equal(t1)
}

// Next returns the next time the schedule fires after forDate.
func (tc *TradeCron) Next(forDate time.Time) time.Time {
	var checkDate time.Time

	next := tc.Schedule.Next(forDate)

	// a date modifier fast-forwards the search window to the next candidate
	// date before the schedule itself is consulted
	switch tc.DateFlag {
	case AtWeekBegin:
		firstTradingDay := tc.marketStatus.NextFirstTradingDayOfWeek(forDate)
		dateOnly := time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, tc.marketStatus.tz)

		switch {
		case dateOnly.Before(firstTradingDay):
			checkDate = firstTradingDay
		case dateOnly.Equal(firstTradingDay):
			checkDate = forDate
		default:
			checkDate = tc.marketStatus.NextFirstTradingDayOfWeek(dateOnly)
		}
	case AtWeekEnd:
		lastTradingDay := tc.marketStatus.NextLastTradingDayOfWeek(forDate)
		dateOnly := time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, tc.marketStatus.tz)

		switch {
		case dateOnly.Before(lastTradingDay):
			checkDate = lastTradingDay
		case dateOnly.Equal(lastTradingDay):
			checkDate = forDate
		default:
			checkDate = tc.marketStatus.NextLastTradingDayOfWeek(dateOnly)
		}
	case AtMonthBegin:
		// first trading day of forDate's own month and of the month after it
		lastMonth := time.Date(forDate.Year(), forDate.Month(), 1, 23, 59, 59, 999_999_999, tc.marketStatus.tz).AddDate(0, 0, -1)
		firstTradingDayOfThisMonth := tc.marketStatus.NextFirstTradingDayOfMonth(lastMonth)
		firstTradingDayOfNextMonth := tc.marketStatus.NextFirstTradingDayOfMonth(forDate)
		dateOnly := time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, tc.marketStatus.tz)

		if dateOnly.Equal(firstTradingDayOfThisMonth) || dateOnly.Equal(firstTradingDayOfNextMonth) {
			checkDate = forDate
		} else {
			checkDate = firstTradingDayOfNextMonth
			firstTradingDay := time.Date(checkDate.Year(), checkDate.Month(), checkDate.Day(), next.Hour(), next.Minute(), next.Second(), next.Nanosecond(), next.Location())
			if next.After(firstTradingDay) {
				checkDate = tc.marketStatus.NextFirstTradingDayOfMonth(next)
			}
		}
	case AtMonthEnd:
		nextMonth := time.Date(next.Year(), next.Month(), 1, 0, 0, 0, 0, tc.marketStatus.tz).AddDate(0, 1, 0)
		dateOnly := time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, tc.marketStatus.tz)
		lastTradingDay := tc.marketStatus.NextLastTradingDayOfMonth(next)
		nextLastTradingDay := tc.marketStatus.NextLastTradingDayOfMonth(nextMonth)

		switch {
		case dateOnly.Before(lastTradingDay):
			checkDate = lastTradingDay
		case dateOnly.Equal(lastTradingDay):
			checkDate = forDate
		default:
			checkDate = nextLastTradingDay
		}
	default:
		checkDate = forDate
	}

	marketOpen := false
	maxIters := 5000
	actualIters := 0
	for !marketOpen {
		checkDate = tc.Schedule.Next(checkDate)
		marketOpen = tc.marketStatus.IsMarketOpen(checkDate)
		if actualIters > maxIters {
			log.Panic().Str("TimeSpec", tc.TimeSpec).Msg("tradecron schedule does not converge on a market-open time")
		}
		actualIters++
	}

	return checkDate
}

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

// MarketHours is the time frame the market is open, times are formatted as an
// integer: hour*100 + minutes; e.g. 930 for 9:30 am
type MarketHours struct {
	Open  int
	Close int
}

var (
	RegularHours = MarketHours{
		Open:  930,
		Close: 1600,
	}
	ExtendedHours = MarketHours{
		Open:  700,
		Close: 2000,
	}
)

// MarketStatus answers questions about when the market is open, relative to a
// set of market hours.
type MarketStatus struct {
	marketHours *MarketHours
	tz          *time.Location
}

func NewMarketStatus(hours *MarketHours) *MarketStatus {
	return &MarketStatus{
		marketHours: hours,
		tz:          common.GetTimezone(),
	}
}

// EarlyClose returns the close time of a shortened session, e.g. 1300, or 0
// when the requested date is a regular session or a full holiday.
func (ms *MarketStatus) EarlyClose(t time.Time) int {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, ms.tz)
	return holidayCalendar(d.Year())[d.Unix()]
}

// IsMarketHoliday returns true when the given date is a full market holiday.
// Shortened sessions are not holidays.
func (ms *MarketStatus) IsMarketHoliday(t time.Time) bool {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, ms.tz)
	closeTime, ok := holidayCalendar(d.Year())[d.Unix()]
	return ok && closeTime == 0
}

// IsMarketDay returns true when the market is open on the given date.
func (ms *MarketStatus) IsMarketDay(t time.Time) bool {
	weekday := t.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return false
	}
	return !ms.IsMarketHoliday(t)
}

// IsMarketOpen returns true when the market is open at the given time. The
// close minute itself counts as open so that schedules pinned to the closing
// bell fire.
func (ms *MarketStatus) IsMarketOpen(t time.Time) bool {
	t = t.In(ms.tz)
	if !ms.IsMarketDay(t) {
		return false
	}

	closeTime := ms.EarlyClose(t)
	if closeTime == 0 {
		closeTime = ms.marketHours.Close
	}

	timeOfDay := t.Hour()*100 + t.Minute()
	return timeOfDay >= ms.marketHours.Open && timeOfDay <= closeTime
}

// NextFirstTradingDayOfMonth returns the first trading day of the month
// following t's month, at midnight Eastern.
func (ms *MarketStatus) NextFirstTradingDayOfMonth(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, ms.tz).AddDate(0, 1, 0)
	for !ms.IsMarketDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// NextFirstTradingDayOfWeek returns the first trading day on or after the
// upcoming Monday, at midnight Eastern. When t is already a Monday, t's own
// week is used.
func (ms *MarketStatus) NextFirstTradingDayOfWeek(t time.Time) time.Time {
	daysToWeekBegin := (8 - t.Weekday()) % 7
	d := t.AddDate(0, 0, int(daysToWeekBegin))
	for !ms.IsMarketDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, ms.tz)
}

// NextLastTradingDayOfMonth returns the last trading day of t's month, at
// midnight Eastern.
func (ms *MarketStatus) NextLastTradingDayOfMonth(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, ms.tz).AddDate(0, 1, -1)
	for !ms.IsMarketDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// NextLastTradingDayOfWeek returns the last trading day of t's week, walking
// backwards from Friday, at midnight Eastern.
func (ms *MarketStatus) NextLastTradingDayOfWeek(t time.Time) time.Time {
	daysToFriday := time.Friday - t.Weekday()
	d := t.AddDate(0, 0, int(daysToFriday))
	for !ms.IsMarketDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, ms.tz)
}

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
	"sync"
	"time"

	"github.com/arena-quant/aq-api/common"
)

// Market holidays and early closes are computed from the NYSE holiday rules.
// Computed years are memoized in the holidays map: a value of 0 marks a full
// market holiday, a non-zero value is the close time of a shortened session
// (e.g. 1300 for 1:00 pm ET).
var (
	holidays      = make(map[int]map[int64]int)
	holidayLocker sync.RWMutex
)

const earlyCloseTime = 1300

// holidayCalendar returns the holiday map for the requested year, computing
// and caching it on first use. Keys are the unix time of midnight Eastern on
// the holiday date.
func holidayCalendar(year int) map[int64]int {
	holidayLocker.RLock()
	cal, ok := holidays[year]
	holidayLocker.RUnlock()
	if ok {
		return cal
	}

	holidayLocker.Lock()
	defer holidayLocker.Unlock()
	// re-check under the write lock
	if cal, ok = holidays[year]; ok {
		return cal
	}

	cal = computeHolidays(year)
	holidays[year] = cal
	return cal
}

func computeHolidays(year int) map[int64]int {
	tz := common.GetTimezone()
	cal := make(map[int64]int)

	closed := func(d time.Time) {
		cal[d.Unix()] = 0
	}
	early := func(d time.Time) {
		// a full holiday always wins over a shortened session
		if _, ok := cal[d.Unix()]; !ok {
			cal[d.Unix()] = earlyCloseTime
		}
	}

	// New Year's Day; when Jan 1 falls on a Saturday the exchange does not
	// observe it, when it falls on a Sunday the following Monday is closed
	newYears := time.Date(year, time.January, 1, 0, 0, 0, 0, tz)
	switch newYears.Weekday() {
	case time.Saturday:
		// not observed
	case time.Sunday:
		closed(newYears.AddDate(0, 0, 1))
	default:
		closed(newYears)
	}

	// Martin Luther King Jr. Day is the third Monday of January
	closed(nthWeekdayOfMonth(year, time.January, time.Monday, 3, tz))

	// Presidents Day is the third Monday of February
	closed(nthWeekdayOfMonth(year, time.February, time.Monday, 3, tz))

	// Good Friday is two days before Easter Sunday
	closed(easterSunday(year, tz).AddDate(0, 0, -2))

	// Memorial Day is the last Monday of May
	closed(lastWeekdayOfMonth(year, time.May, time.Monday, tz))

	// Juneteenth became a market holiday in 2022
	if year >= 2022 {
		closed(observedHoliday(time.Date(year, time.June, 19, 0, 0, 0, 0, tz)))
	}

	// Independence Day
	independence := time.Date(year, time.July, 4, 0, 0, 0, 0, tz)
	closed(observedHoliday(independence))

	// Labor Day is the first Monday of September
	closed(nthWeekdayOfMonth(year, time.September, time.Monday, 1, tz))

	// Thanksgiving is the fourth Thursday of November
	thanksgiving := nthWeekdayOfMonth(year, time.November, time.Thursday, 4, tz)
	closed(thanksgiving)

	// Christmas
	christmas := time.Date(year, time.December, 25, 0, 0, 0, 0, tz)
	closed(observedHoliday(christmas))

	// Shortened sessions: the day after Thanksgiving, plus Christmas Eve and
	// July 3 when they land on an otherwise open weekday
	early(thanksgiving.AddDate(0, 0, 1))
	if eve := christmas.AddDate(0, 0, -1); isWeekday(eve) {
		early(eve)
	}
	if julyThird := independence.AddDate(0, 0, -1); isWeekday(julyThird) {
		early(julyThird)
	}

	return cal
}

// observedHoliday shifts a fixed-date holiday to Friday when it falls on a
// Saturday and to Monday when it falls on a Sunday.
func observedHoliday(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	default:
		return d
	}
}

func isWeekday(d time.Time) bool {
	return d.Weekday() != time.Saturday && d.Weekday() != time.Sunday
}

// nthWeekdayOfMonth returns the n-th occurrence of the given weekday in the
// month, e.g. the third Monday of January.
func nthWeekdayOfMonth(year int, month time.Month, weekday time.Weekday, n int, tz *time.Location) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, tz)
	offset := (int(weekday) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset+(n-1)*7)
}

// lastWeekdayOfMonth returns the final occurrence of the given weekday in
// the month, e.g. the last Monday of May.
func lastWeekdayOfMonth(year int, month time.Month, weekday time.Weekday, tz *time.Location) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, tz).AddDate(0, 0, -1)
	offset := (int(d.Weekday()) - int(weekday) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

// easterSunday computes the date of Easter for the given year using the
// anonymous Gregorian algorithm.
func easterSunday(year int, tz *time.Location) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, tz)
}

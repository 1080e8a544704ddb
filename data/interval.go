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
	"time"
)

// Interval is the bar granularity, using the provider-facing spellings.
type Interval string

const (
	Interval1Min   Interval = "1m"
	Interval2Min   Interval = "2m"
	Interval5Min   Interval = "5m"
	Interval15Min  Interval = "15m"
	Interval30Min  Interval = "30m"
	Interval60Min  Interval = "60m"
	Interval90Min  Interval = "90m"
	Interval1Hour  Interval = "1h"
	Interval1Day   Interval = "1d"
	Interval5Day   Interval = "5d"
	Interval1Week  Interval = "1wk"
	Interval1Month Interval = "1mo"
	Interval3Month Interval = "3mo"
)

var validIntervals = map[Interval]bool{
	Interval1Min:   true,
	Interval2Min:   true,
	Interval5Min:   true,
	Interval15Min:  true,
	Interval30Min:  true,
	Interval60Min:  true,
	Interval90Min:  true,
	Interval1Hour:  true,
	Interval1Day:   true,
	Interval5Day:   true,
	Interval1Week:  true,
	Interval1Month: true,
	Interval3Month: true,
}

// ParseInterval validates the provider-facing interval spelling. An empty
// string maps to daily bars.
func ParseInterval(s string) (Interval, error) {
	if s == "" {
		return Interval1Day, nil
	}
	interval := Interval(s)
	if !validIntervals[interval] {
		return "", ErrInvalidInterval
	}
	return interval, nil
}

// Intraday returns true for intervals finer than one day. Intraday requests
// are capped at 60 days of history.
func (interval Interval) Intraday() bool {
	switch interval {
	case Interval1Min, Interval2Min, Interval5Min, Interval15Min, Interval30Min, Interval60Min, Interval90Min, Interval1Hour:
		return true
	default:
		return false
	}
}

// deltaWindow is how far back a staleness-triggered refetch reaches. Recent
// history is always re-pulled so that split and dividend adjustments applied
// retroactively by the provider overwrite the stored bars.
func (interval Interval) deltaWindow() time.Duration {
	const day = 24 * time.Hour
	switch interval {
	case Interval5Min:
		return day
	case Interval15Min, Interval30Min, Interval60Min, Interval90Min, Interval1Hour:
		return 5 * day
	case Interval1Day:
		return 90 * day
	case Interval1Week:
		return 180 * day
	case Interval1Month:
		return 2 * 365 * day
	default:
		return 5 * day
	}
}

// ttl returns the recommended cache lifetime for bars at this interval when
// the market is not open.
func (interval Interval) ttl() time.Duration {
	switch {
	case interval.Intraday() && interval != Interval1Hour && interval != Interval60Min && interval != Interval90Min:
		return intradayTTL()
	case interval == Interval1Hour || interval == Interval60Min || interval == Interval90Min:
		return hourlyTTL()
	default:
		return dailyTTL()
	}
}

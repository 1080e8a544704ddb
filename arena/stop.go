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

import "github.com/arena-quant/aq-api/common"

// StopUpdate is the result of advancing a trailing stop through one day's
// range. When Triggered, the exit fills at the stop price, modelling a stop
// order, not at the day's low.
type StopUpdate struct {
	Triggered    bool
	TriggerPrice float64
	HighestPrice float64
	StopPrice    float64
}

// InitialStop computes the stop state at entry.
func InitialStop(entryPrice, trailPct float64) (highest, stop float64) {
	return common.RoundPrice(entryPrice), common.RoundPrice(entryPrice * (1 - trailPct/100))
}

// UpdateTrailingStop advances the stop through one day's (high, low). The
// low is tested against the stop carried into the day; only a surviving
// position ratchets the stop from the day's high. The stop is monotone: it
// rises with new highs and never moves down.
func UpdateTrailingStop(high, low, prevHighest, prevStop, trailPct float64) StopUpdate {
	if low <= prevStop {
		return StopUpdate{
			Triggered:    true,
			TriggerPrice: common.RoundPrice(prevStop),
			HighestPrice: common.RoundPrice(prevHighest),
			StopPrice:    common.RoundPrice(prevStop),
		}
	}

	newHighest := prevHighest
	if high > newHighest {
		newHighest = high
	}

	candidate := newHighest * (1 - trailPct/100)
	newStop := prevStop
	if candidate > newStop {
		newStop = candidate
	}

	return StopUpdate{
		HighestPrice: common.RoundPrice(newHighest),
		StopPrice:    common.RoundPrice(newStop),
	}
}

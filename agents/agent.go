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

// Package agents defines the trading-agent capability the simulation engine
// drives, plus a registry of shipped agents. The engine never knows concrete
// agent types; it resolves them by name through the registry.
package agents

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/arena-quant/aq-api/data"
)

// Action is an agent's verdict for one symbol on one day.
type Action string

const (
	ActionBuy      Action = "BUY"
	ActionHold     Action = "HOLD"
	ActionNoSignal Action = "NO_SIGNAL"
)

// Decision carries the action plus the evidence behind it.
type Decision struct {
	Action    Action  `json:"action"`
	Score     float64 `json:"score,omitempty"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// Agent evaluates one symbol per trading day. History is ordered ascending
// and ends at currentDate; hasOpenPosition lets the agent emit HOLD for
// positions the engine already tracks.
type Agent interface {
	Name() string
	RequiredLookbackDays() int
	Evaluate(symbol string, history []*data.PriceBar, currentDate time.Time, hasOpenPosition bool) (*Decision, error)
}

// Factory builds an agent from its raw configuration object.
type Factory func(config map[string]json.RawMessage) (Agent, error)

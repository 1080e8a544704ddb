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

package agents

import (
	"errors"
	"time"

	json "github.com/goccy/go-json"

	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/live20"
)

// Live20Agent adapts the live20 screen to the simulation engine's agent
// contract. It is long-only: SHORT setups read as NO_SIGNAL.
type Live20Agent struct {
	cfg live20.Config
}

// NewLive20Agent builds the agent from its raw config object. Recognized
// keys: min_buy_score, scoring_algorithm.
func NewLive20Agent(config map[string]json.RawMessage) (Agent, error) {
	cfg := live20.DefaultConfig()
	if raw, ok := config["min_buy_score"]; ok {
		if err := json.Unmarshal(raw, &cfg.MinBuyScore); err != nil {
			return nil, err
		}
	}
	if raw, ok := config["scoring_algorithm"]; ok {
		if err := json.Unmarshal(raw, &cfg.ScoringAlgorithm); err != nil {
			return nil, err
		}
	}
	if cfg.MinBuyScore < 0 || cfg.MinBuyScore > 100 {
		return nil, errors.New("min_buy_score must be between 0 and 100")
	}
	return &Live20Agent{cfg: cfg}, nil
}

func (agent *Live20Agent) Name() string {
	return "live20"
}

func (agent *Live20Agent) RequiredLookbackDays() int {
	return live20.RequiredLookbackDays
}

func (agent *Live20Agent) Evaluate(symbol string, history []*data.PriceBar, _ time.Time, hasOpenPosition bool) (*Decision, error) {
	if hasOpenPosition {
		// exits belong to the trailing stop, not the screen
		return &Decision{Action: ActionHold}, nil
	}

	outcome, err := live20.ScoreSymbol(symbol, history, agent.cfg)
	if err != nil {
		if errors.Is(err, live20.ErrInsufficientHistory) {
			return &Decision{Action: ActionNoSignal, Reasoning: err.Error()}, nil
		}
		return nil, err
	}

	decision := &Decision{
		Action:    ActionNoSignal,
		Score:     outcome.Score,
		Reasoning: outcome.Reasoning,
	}
	if outcome.Direction == live20.DirectionLong {
		decision.Action = ActionBuy
	}
	return decision, nil
}

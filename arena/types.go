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

// Package arena implements the day-stepped backtest engine. A simulation
// advances one trading day per step inside a single transaction, so a crash
// always resumes from the last committed day.
package arena

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arena-quant/aq-api/agents"
)

// Status is the queue lifecycle state of a simulation. Paused is accepted on
// the wire but nothing in the worker writes it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status can never change again.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusCancelled || status == StatusFailed
}

// Cancellable reports whether a cancel request is valid for this status.
func (status Status) Cancellable() bool {
	return status == StatusPending || status == StatusRunning || status == StatusPaused
}

// PositionStatus is the trade lifecycle state. Transitions are monotone:
// pending, open, closed, never backwards.
type PositionStatus string

const (
	PositionPending PositionStatus = "pending"
	PositionOpen    PositionStatus = "open"
	PositionClosed  PositionStatus = "closed"
)

// ExitReason records why a position closed.
type ExitReason string

const (
	ExitStopHit             ExitReason = "stop_hit"
	ExitSimulationEnd       ExitReason = "simulation_end"
	ExitInsufficientCapital ExitReason = "insufficient_capital"
)

// AgentConfig is the parsed form of a simulation's agent_config object. The
// raw map is what the agent factory receives; these fields are the ones the
// engine itself consumes.
type AgentConfig struct {
	TrailingStopPct   float64 `json:"trailing_stop_pct"`
	MinBuyScore       float64 `json:"min_buy_score"`
	ScoringAlgorithm  string  `json:"scoring_algorithm"`
	PortfolioStrategy string  `json:"portfolio_strategy"`
	MaxPerSector      int     `json:"max_per_sector"`
	MaxOpenPositions  int     `json:"max_open_positions"`
}

// DefaultTrailingStopPct applies when the config omits trailing_stop_pct.
const DefaultTrailingStopPct = 5.0

// Simulation is one backtest definition plus its progress and results.
type Simulation struct {
	ID             uuid.UUID                  `json:"id"`
	Symbols        []string                   `json:"symbols"`
	StartDate      time.Time                  `json:"start_date"`
	EndDate        time.Time                  `json:"end_date"`
	InitialCapital float64                    `json:"initial_capital"`
	PositionSize   float64                    `json:"position_size"`
	AgentType      string                     `json:"agent_type"`
	AgentConfig    map[string]json.RawMessage `json:"agent_config,omitempty"`

	Status      Status     `json:"status"`
	WorkerID    *string    `json:"worker_id,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   *string    `json:"last_error,omitempty"`

	CurrentDay int `json:"current_day"`
	TotalDays  int `json:"total_days"`

	FinalEquity      *float64 `json:"final_equity,omitempty"`
	TotalReturnPct   *float64 `json:"total_return_pct,omitempty"`
	MaxDrawdownPct   *float64 `json:"max_drawdown_pct,omitempty"`
	TotalTrades      int      `json:"total_trades"`
	WinningTrades    int      `json:"winning_trades"`
	AvgHoldDays      *float64 `json:"avg_hold_days,omitempty"`
	AvgWinPnl        *float64 `json:"avg_win_pnl,omitempty"`
	AvgLossPnl       *float64 `json:"avg_loss_pnl,omitempty"`
	ProfitFactor     *float64 `json:"profit_factor,omitempty"`
	SharpeRatio      *float64 `json:"sharpe_ratio,omitempty"`
	TotalRealizedPnl *float64 `json:"total_realized_pnl,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobID implements queue.Job.
func (sim *Simulation) JobID() uuid.UUID {
	return sim.ID
}

func (sim *Simulation) MarshalZerologObject(e *zerolog.Event) {
	e.Str("SimulationID", sim.ID.String()).
		Str("Status", string(sim.Status)).
		Str("AgentType", sim.AgentType).
		Int("CurrentDay", sim.CurrentDay).
		Int("TotalDays", sim.TotalDays)
}

// ParseAgentConfig decodes the engine-facing fields of agent_config,
// applying defaults for anything omitted.
func (sim *Simulation) ParseAgentConfig() (AgentConfig, error) {
	cfg := AgentConfig{TrailingStopPct: DefaultTrailingStopPct}
	if len(sim.AgentConfig) == 0 {
		return cfg, nil
	}
	raw, err := json.Marshal(sim.AgentConfig)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.TrailingStopPct <= 0 || cfg.TrailingStopPct >= 100 {
		cfg.TrailingStopPct = DefaultTrailingStopPct
	}
	return cfg, nil
}

// Position is one trade lifecycle owned by a simulation.
type Position struct {
	ID           uuid.UUID      `json:"id"`
	SimulationID uuid.UUID      `json:"simulation_id"`
	Symbol       string         `json:"symbol"`
	Status       PositionStatus `json:"status"`

	SignalDate      time.Time   `json:"signal_date"`
	EntryDate       *time.Time  `json:"entry_date,omitempty"`
	EntryPrice      *float64    `json:"entry_price,omitempty"`
	Shares          int         `json:"shares"`
	TrailingStopPct float64     `json:"trailing_stop_pct"`
	HighestPrice    *float64    `json:"highest_price,omitempty"`
	CurrentStop     *float64    `json:"current_stop,omitempty"`
	ExitDate        *time.Time  `json:"exit_date,omitempty"`
	ExitPrice       *float64    `json:"exit_price,omitempty"`
	ExitReason      *ExitReason `json:"exit_reason,omitempty"`
	RealizedPnl     *float64    `json:"realized_pnl,omitempty"`
	ReturnPct       *float64    `json:"return_pct,omitempty"`
	AgentScore      *float64    `json:"agent_score,omitempty"`
	AgentReasoning  string      `json:"agent_reasoning,omitempty"`
}

// DayDecisions summarises one day for the snapshot's decisions column.
type DayDecisions struct {
	Signals map[string]*agents.Decision `json:"signals,omitempty"`
	Opened  []string                    `json:"opened,omitempty"`
	Closed  []string                    `json:"closed,omitempty"`
}

// Snapshot is the end-of-day portfolio state for one trading day.
type Snapshot struct {
	ID                  uuid.UUID     `json:"id"`
	SimulationID        uuid.UUID     `json:"simulation_id"`
	SnapshotDate        time.Time     `json:"snapshot_date"`
	DayNumber           int           `json:"day_number"`
	Cash                float64       `json:"cash"`
	PositionsValue      float64       `json:"positions_value"`
	TotalEquity         float64       `json:"total_equity"`
	DailyPnl            float64       `json:"daily_pnl"`
	DailyReturnPct      float64       `json:"daily_return_pct"`
	CumulativeReturnPct float64       `json:"cumulative_return_pct"`
	OpenPositionCount   int           `json:"open_position_count"`
	Decisions           *DayDecisions `json:"decisions,omitempty"`
}

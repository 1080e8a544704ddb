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

// Package live20 implements the mean-reversion screening routine: five
// criteria evaluated over a ~20-day window that grade each symbol LONG,
// SHORT, or NO_SETUP with a 0-100 confidence score.
package live20

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Direction is the outcome of screening one symbol.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNoSetup Direction = "NO_SETUP"
)

// Scoring algorithms for the momentum criterion.
const (
	AlgorithmCCI  = "cci"
	AlgorithmRSI2 = "rsi2"
)

// Config tunes the screening rules.
type Config struct {
	MinBuyScore      float64 `json:"min_buy_score"`
	ScoringAlgorithm string  `json:"scoring_algorithm"`
}

// DefaultConfig returns the standard screening parameters.
func DefaultConfig() Config {
	return Config{
		MinBuyScore:      60,
		ScoringAlgorithm: AlgorithmCCI,
	}
}

// Criterion is one of the five graded rules. Long and Short report which
// direction the rule aligns with (possibly neither); Points is the weight it
// contributed; Value is the underlying measurement for reporting.
type Criterion struct {
	Name   string  `json:"name"`
	Long   bool    `json:"long"`
	Short  bool    `json:"short"`
	Points float64 `json:"points"`
	Value  float64 `json:"value"`
}

// Outcome is the full screening result for one symbol.
type Outcome struct {
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	Score      float64     `json:"score"`
	Criteria   []Criterion `json:"criteria"`
	Reasoning  string      `json:"reasoning"`
	ATRPct     float64     `json:"atr_pct"`
	EntryPrice float64     `json:"entry_price"`
}

// Recommendation is one persisted analysis outcome belonging to a run.
type Recommendation struct {
	ID              uuid.UUID   `json:"id"`
	RunID           uuid.UUID   `json:"live20_run_id"`
	Stock           string      `json:"stock"`
	Source          string      `json:"source"`
	Direction       Direction   `json:"recommendation"`
	ConfidenceScore float64     `json:"confidence_score"`
	Reasoning       string      `json:"reasoning"`
	Criteria        []Criterion `json:"criteria"`
	Sector          string      `json:"sector"`
	SectorETF       string      `json:"sector_etf"`
	ATRPct          float64     `json:"atr_pct"`
	EntryPrice      float64     `json:"entry_price"`
	CreatedAt       time.Time   `json:"created_at"`
	DeletedAt       *time.Time  `json:"deleted_at,omitempty"`
}

// Run is one screening job over a list of symbols.
type Run struct {
	ID            uuid.UUID      `json:"id"`
	InputSymbols  []string       `json:"input_symbols"`
	SourceLists   []string       `json:"source_lists,omitempty"`
	SymbolCount   int            `json:"symbol_count"`
	Processed     int            `json:"processed_count"`
	LongCount     int            `json:"long_count"`
	ShortCount    int            `json:"short_count"`
	NoSetupCount  int            `json:"no_setup_count"`
	FailedSymbols map[string]string `json:"failed_symbols,omitempty"`

	MinBuyScore      float64 `json:"min_buy_score"`
	ScoringAlgorithm string  `json:"scoring_algorithm"`

	Status      string     `json:"status"`
	WorkerID    *string    `json:"worker_id,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   *string    `json:"last_error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// JobID implements queue.Job.
func (run *Run) JobID() uuid.UUID {
	return run.ID
}

func (run *Run) MarshalZerologObject(e *zerolog.Event) {
	e.Str("RunID", run.ID.String()).
		Str("Status", run.Status).
		Int("SymbolCount", run.SymbolCount).
		Int("Processed", run.Processed)
}

// Config returns the screening parameters recorded on the run, with
// defaults applied.
func (run *Run) Config() Config {
	cfg := DefaultConfig()
	if run.MinBuyScore > 0 {
		cfg.MinBuyScore = run.MinBuyScore
	}
	if run.ScoringAlgorithm != "" {
		cfg.ScoringAlgorithm = run.ScoringAlgorithm
	}
	return cfg
}

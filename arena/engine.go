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

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/arena-quant/aq-api/agents"
	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/indicators"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
	"github.com/arena-quant/aq-api/selectors"
	"github.com/arena-quant/aq-api/tradecron"
)

var (
	ErrSimulationNotFound = errors.New("simulation not found")
	ErrNotInitialized     = errors.New("simulation has not been initialized")
	ErrNoTradingDays      = errors.New("date range contains no trading days")
)

// Repository is the engine's persistence seam. CommitDay must apply the
// simulation row, the changed positions, and the new snapshot in a single
// transaction so a crash mid-day resumes from the previous day exactly.
type Repository interface {
	GetSimulation(ctx context.Context, id uuid.UUID) (*Simulation, error)
	SetTotalDays(ctx context.Context, id uuid.UUID, totalDays int) error
	GetPositions(ctx context.Context, simulationID uuid.UUID) ([]*Position, error)
	GetSnapshots(ctx context.Context, simulationID uuid.UUID) ([]*Snapshot, error)
	CommitDay(ctx context.Context, sim *Simulation, positions []*Position, snapshot *Snapshot) error
}

// BarSource supplies daily bars; the market data cache satisfies it.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, interval data.Interval, begin, end time.Time) ([]*data.PriceBar, error)
}

// SectorSource supplies sector metadata; the market data cache satisfies it.
type SectorSource interface {
	GetSymbolInfo(ctx context.Context, symbol string) (*data.SymbolInfo, error)
}

// Engine drives simulations day by day. It may be shared by many
// simulations; per-run state is cached by simulation id and rebuilt from the
// repository on resume.
type Engine struct {
	repo    Repository
	bars    BarSource
	sectors SectorSource

	mutex sync.Mutex
	runs  map[uuid.UUID]*runState
}

// runState is the in-memory working set for one simulation: its calendar,
// pre-fetched bar history, sector map, live agent, and the accumulated
// positions, snapshots, and cash reconstructed from the last committed day.
type runState struct {
	sim         *Simulation
	cfg         AgentConfig
	agent       agents.Agent
	selector    selectors.Selector
	tradingDays []time.Time
	history     map[string][]*data.PriceBar
	byDay       map[string]map[int64]*data.PriceBar
	sectorInfo  map[string]*data.SymbolInfo
	positions   []*Position
	snapshots   []*Snapshot
	cash        float64
}

func NewEngine(repo Repository, bars BarSource, sectors SectorSource) *Engine {
	return &Engine{
		repo:    repo,
		bars:    bars,
		sectors: sectors,
		runs:    make(map[uuid.UUID]*runState),
	}
}

func prefetchConcurrency() int {
	if n := viper.GetInt("worker.prefetch_concurrency"); n > 0 {
		return n
	}
	return 5
}

// lookbackStart widens the civil fetch window enough to cover the agent's
// trading-day lookback, allowing for weekends and holidays.
func lookbackStart(start time.Time, lookbackDays int) time.Time {
	civil := int(math.Ceil(float64(lookbackDays) * 1.5))
	return start.AddDate(0, 0, -civil)
}

// InitializeSimulation counts trading days and pre-fetches bars and sector
// metadata for every symbol. Called exactly once, when total_days is zero;
// a second call is a no-op.
func (engine *Engine) InitializeSimulation(ctx context.Context, simulationID uuid.UUID) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "engine.InitializeSimulation")
	defer span.End()

	sim, err := engine.repo.GetSimulation(ctx, simulationID)
	if err != nil {
		return err
	}
	if sim.TotalDays > 0 {
		return nil
	}

	subLog := log.With().Object("Simulation", sim).Logger()

	tradingDays := tradecron.TradingDaysInRange(sim.StartDate, sim.EndDate)
	if len(tradingDays) == 0 {
		return ErrNoTradingDays
	}

	agent, err := agents.New(sim.AgentType, sim.AgentConfig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not build agent")
		return err
	}

	fetchStart := lookbackStart(sim.StartDate, agent.RequiredLookbackDays())
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(prefetchConcurrency())
	for _, symbol := range sim.Symbols {
		symbol := symbol
		group.Go(func() error {
			if _, err := engine.bars.GetBars(groupCtx, symbol, data.Interval1Day, fetchStart, sim.EndDate); err != nil {
				// a symbol with no data participates as all-missing bars
				log.Warn().Stack().Err(err).Str("Symbol", symbol).Msg("could not prefetch bars")
			}
			if _, err := engine.sectors.GetSymbolInfo(groupCtx, symbol); err != nil {
				log.Debug().Err(err).Str("Symbol", symbol).Msg("could not prefetch sector info")
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prefetch failed")
		return err
	}

	if err := engine.repo.SetTotalDays(ctx, sim.ID, len(tradingDays)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not persist total days")
		return err
	}

	subLog.Info().Int("TotalDays", len(tradingDays)).Msg("initialized simulation")
	return nil
}

// Forget drops the cached run state for a simulation.
func (engine *Engine) Forget(simulationID uuid.UUID) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	delete(engine.runs, simulationID)
}

// loadRun builds or returns the cached working set for a simulation.
func (engine *Engine) loadRun(ctx context.Context, simulationID uuid.UUID) (*runState, error) {
	engine.mutex.Lock()
	if state, ok := engine.runs[simulationID]; ok {
		engine.mutex.Unlock()
		return state, nil
	}
	engine.mutex.Unlock()

	sim, err := engine.repo.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if sim.TotalDays == 0 {
		return nil, ErrNotInitialized
	}

	cfg, err := sim.ParseAgentConfig()
	if err != nil {
		return nil, err
	}

	agent, err := agents.New(sim.AgentType, sim.AgentConfig)
	if err != nil {
		return nil, err
	}

	selector, err := selectors.New(cfg.PortfolioStrategy)
	if err != nil {
		return nil, err
	}

	state := &runState{
		sim:         sim,
		cfg:         cfg,
		agent:       agent,
		selector:    selector,
		tradingDays: tradecron.TradingDaysInRange(sim.StartDate, sim.EndDate),
		history:     make(map[string][]*data.PriceBar, len(sim.Symbols)),
		byDay:       make(map[string]map[int64]*data.PriceBar, len(sim.Symbols)),
		sectorInfo:  make(map[string]*data.SymbolInfo, len(sim.Symbols)),
		cash:        sim.InitialCapital,
	}

	if len(state.tradingDays) != sim.TotalDays {
		return nil, fmt.Errorf("%w: calendar produced %d days, simulation recorded %d", ErrNoTradingDays, len(state.tradingDays), sim.TotalDays)
	}

	fetchStart := lookbackStart(sim.StartDate, agent.RequiredLookbackDays())
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(prefetchConcurrency())
	var historyMutex sync.Mutex
	for _, symbol := range sim.Symbols {
		symbol := common.NormalizeSymbol(symbol)
		group.Go(func() error {
			bars, err := engine.bars.GetBars(groupCtx, symbol, data.Interval1Day, fetchStart, sim.EndDate)
			if err != nil {
				log.Warn().Stack().Err(err).Str("Symbol", symbol).Msg("could not load bars; symbol treated as missing")
				bars = nil
			}
			info, err := engine.sectors.GetSymbolInfo(groupCtx, symbol)
			if err != nil {
				info = nil
			}
			historyMutex.Lock()
			defer historyMutex.Unlock()
			state.history[symbol] = bars
			byDay := make(map[int64]*data.PriceBar, len(bars))
			for _, bar := range bars {
				byDay[dayKey(bar.TS)] = bar
			}
			state.byDay[symbol] = byDay
			if info != nil {
				state.sectorInfo[symbol] = info
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	positions, err := engine.repo.GetPositions(ctx, sim.ID)
	if err != nil {
		return nil, err
	}
	state.positions = positions

	snapshots, err := engine.repo.GetSnapshots(ctx, sim.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].DayNumber < snapshots[j].DayNumber })
	state.snapshots = snapshots
	if len(snapshots) > 0 {
		state.cash = snapshots[len(snapshots)-1].Cash
	}

	engine.mutex.Lock()
	engine.runs[simulationID] = state
	engine.mutex.Unlock()
	return state, nil
}

func dayKey(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

func (state *runState) bar(symbol string, day time.Time) *data.PriceBar {
	return state.byDay[symbol][dayKey(day)]
}

// historyThrough returns the symbol's bars up to and including day.
func (state *runState) historyThrough(symbol string, day time.Time) []*data.PriceBar {
	bars := state.history[symbol]
	cutoff := dayKey(day)
	idx := sort.Search(len(bars), func(i int) bool { return dayKey(bars[i].TS) > cutoff })
	return bars[:idx]
}

// lastCloseOnOrBefore finds the most recent known close for a symbol, used
// to value or liquidate positions across data gaps.
func (state *runState) lastCloseOnOrBefore(symbol string, day time.Time) (float64, bool) {
	bars := state.historyThrough(symbol, day)
	if len(bars) == 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close, true
}

// committedPending counts pending positions, whose eventual fills have a
// claim on cash.
func (state *runState) committedPending() int {
	count := 0
	for _, position := range state.positions {
		if position.Status == PositionPending {
			count++
		}
	}
	return count
}

// StepDay advances the simulation exactly one trading day inside a single
// committed transaction. It returns nil when the simulation has finished:
// either it was already complete on entry, or it transitioned to completed
// within this call.
func (engine *Engine) StepDay(ctx context.Context, simulationID uuid.UUID) (*Snapshot, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "engine.StepDay")
	defer span.End()

	state, err := engine.loadRun(ctx, simulationID)
	if err != nil {
		return nil, err
	}

	sim := state.sim
	if sim.Status.Terminal() || sim.CurrentDay >= sim.TotalDays {
		return nil, nil
	}

	day := state.tradingDays[sim.CurrentDay]
	decisions := &DayDecisions{Signals: make(map[string]*agents.Decision)}
	changed := make(map[uuid.UUID]*Position)

	// A. fill pending entries at today's open
	engine.fillPending(state, day, decisions, changed)

	// B. manage open positions through today's range
	engine.manageOpen(state, day, decisions, changed)

	// C. evaluate signals for uncommitted symbols
	if err := engine.evaluateSignals(state, day, decisions, changed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent evaluation failed")
		return nil, err
	}

	// D. end-of-day snapshot
	snapshot := engine.buildSnapshot(state, day, decisions)

	// E. advance; complete on the final day
	sim.CurrentDay++
	finished := sim.CurrentDay == sim.TotalDays
	if finished {
		engine.closeAtSimulationEnd(state, day, decisions, changed)
		allSnapshots := append(append([]*Snapshot{}, state.snapshots...), snapshot)
		analytics := ComputeAnalytics(sim.InitialCapital, state.cash, state.positions, allSnapshots)
		applyAnalytics(sim, analytics)
		sim.Status = StatusCompleted
	}

	changedList := make([]*Position, 0, len(changed))
	for _, position := range changed {
		changedList = append(changedList, position)
	}
	sort.Slice(changedList, func(i, j int) bool { return changedList[i].ID.String() < changedList[j].ID.String() })

	if err := engine.repo.CommitDay(ctx, sim, changedList, snapshot); err != nil {
		// roll the in-memory advance back; the next step retries this day
		sim.CurrentDay--
		if finished {
			sim.Status = StatusRunning
		}
		engine.Forget(simulationID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not commit day")
		return nil, err
	}

	state.snapshots = append(state.snapshots, snapshot)
	if finished {
		engine.Forget(simulationID)
		return nil, nil
	}
	return snapshot, nil
}

// fillPending enters yesterday's signals at today's open, in deterministic
// (signal_date, symbol) order, with an explicit cash check. A position whose
// bar is missing waits one extra day, then closes unfilled.
func (engine *Engine) fillPending(state *runState, day time.Time, decisions *DayDecisions, changed map[uuid.UUID]*Position) {
	pending := make([]*Position, 0)
	for _, position := range state.positions {
		if position.Status == PositionPending && position.SignalDate.Before(day) {
			pending = append(pending, position)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].SignalDate.Equal(pending[j].SignalDate) {
			return pending[i].SignalDate.Before(pending[j].SignalDate)
		}
		return pending[i].Symbol < pending[j].Symbol
	})

	for _, position := range pending {
		bar := state.bar(position.Symbol, day)
		if bar == nil {
			if tradecron.NextTradingDay(position.SignalDate).Equal(day) {
				// first fill attempt; give the symbol one more day
				continue
			}
			closeUnfilled(position, day)
			changed[position.ID] = position
			continue
		}

		entry := common.RoundPrice(bar.Open)
		budget := state.sim.PositionSize
		if state.cash < budget {
			budget = state.cash
		}
		shares := 0
		if entry > 0 {
			shares = int(math.Floor(budget / entry))
		}
		if shares <= 0 {
			closeUnfilled(position, day)
			changed[position.ID] = position
			continue
		}

		entryDate := day
		highest, stop := InitialStop(entry, position.TrailingStopPct)
		position.Status = PositionOpen
		position.EntryDate = &entryDate
		position.EntryPrice = &entry
		position.Shares = shares
		position.HighestPrice = &highest
		position.CurrentStop = &stop
		state.cash = common.RoundCash(state.cash - float64(shares)*entry)
		changed[position.ID] = position
		decisions.Opened = append(decisions.Opened, position.Symbol)
	}
}

func closeUnfilled(position *Position, day time.Time) {
	exitDate := day
	reason := ExitInsufficientCapital
	position.Status = PositionClosed
	position.ExitDate = &exitDate
	position.ExitReason = &reason
	position.Shares = 0
}

// manageOpen advances trailing stops through today's range. A position
// entered today is only checked against its initial stop; the ratchet starts
// the following day. Missing bars carry the position forward untouched.
func (engine *Engine) manageOpen(state *runState, day time.Time, decisions *DayDecisions, changed map[uuid.UUID]*Position) {
	opens := make([]*Position, 0)
	for _, position := range state.positions {
		if position.Status == PositionOpen {
			opens = append(opens, position)
		}
	}
	sort.Slice(opens, func(i, j int) bool { return opens[i].Symbol < opens[j].Symbol })

	for _, position := range opens {
		bar := state.bar(position.Symbol, day)
		if bar == nil {
			continue
		}

		if position.EntryDate != nil && position.EntryDate.Equal(day) {
			if bar.Low <= *position.CurrentStop {
				engine.exitPosition(state, position, day, *position.CurrentStop, ExitStopHit)
				changed[position.ID] = position
				decisions.Closed = append(decisions.Closed, position.Symbol)
			}
			continue
		}

		update := UpdateTrailingStop(bar.High, bar.Low, *position.HighestPrice, *position.CurrentStop, position.TrailingStopPct)
		if update.Triggered {
			position.HighestPrice = &update.HighestPrice
			position.CurrentStop = &update.StopPrice
			engine.exitPosition(state, position, day, update.TriggerPrice, ExitStopHit)
			changed[position.ID] = position
			decisions.Closed = append(decisions.Closed, position.Symbol)
			continue
		}

		if update.HighestPrice != *position.HighestPrice || update.StopPrice != *position.CurrentStop {
			position.HighestPrice = &update.HighestPrice
			position.CurrentStop = &update.StopPrice
			changed[position.ID] = position
		}
	}
}

func (engine *Engine) exitPosition(state *runState, position *Position, day time.Time, price float64, reason ExitReason) {
	exitDate := day
	exitPrice := common.RoundPrice(price)
	pnl := common.RoundCash((exitPrice - *position.EntryPrice) * float64(position.Shares))
	returnPct := common.RoundPercent((exitPrice / *position.EntryPrice - 1) * 100)

	position.Status = PositionClosed
	position.ExitDate = &exitDate
	position.ExitPrice = &exitPrice
	position.ExitReason = &reason
	position.RealizedPnl = &pnl
	position.ReturnPct = &returnPct
	state.cash = common.RoundCash(state.cash + float64(position.Shares)*exitPrice)
}

// evaluateSignals runs the agent over every symbol without a live position
// and creates pending entries for the candidates the portfolio selector
// admits, reserving position-size capital for each.
func (engine *Engine) evaluateSignals(state *runState, day time.Time, decisions *DayDecisions, changed map[uuid.UUID]*Position) error {
	committed := make(map[string]bool)
	sectorCounts := make(map[string]int)
	openCount := 0
	for _, position := range state.positions {
		if position.Status == PositionOpen || position.Status == PositionPending {
			committed[position.Symbol] = true
		}
		if position.Status == PositionOpen {
			openCount++
			if info := state.sectorInfo[position.Symbol]; info != nil {
				sectorCounts[info.Sector]++
			}
		}
	}

	candidates := make([]selectors.Candidate, 0)
	candidateDecisions := make(map[string]*agents.Decision)
	for _, symbol := range state.sim.Symbols {
		symbol = common.NormalizeSymbol(symbol)
		if committed[symbol] {
			continue
		}
		history := state.historyThrough(symbol, day)
		if len(history) == 0 {
			continue
		}

		decision, err := state.agent.Evaluate(symbol, history, day, false)
		if err != nil {
			return err
		}
		decisions.Signals[symbol] = decision
		if decision.Action != agents.ActionBuy {
			continue
		}

		candidate := selectors.Candidate{Symbol: symbol, Score: decision.Score}
		if info := state.sectorInfo[symbol]; info != nil {
			candidate.Sector = info.Sector
		}
		if atrPct, err := indicators.ATRPercent(history, 14); err == nil {
			candidate.ATRPct = atrPct
		}
		candidates = append(candidates, candidate)
		candidateDecisions[symbol] = decision
	}

	if len(candidates) == 0 {
		return nil
	}

	admitted := state.selector.Select(candidates, selectors.Exposure{
		OpenPositions:    openCount + state.committedPending(),
		SectorCounts:     sectorCounts,
		MaxPerSector:     state.cfg.MaxPerSector,
		MaxOpenPositions: state.cfg.MaxOpenPositions,
	})

	reserved := float64(state.committedPending()) * state.sim.PositionSize
	for _, candidate := range admitted {
		if state.cash-reserved < state.sim.PositionSize {
			break
		}
		decision := candidateDecisions[candidate.Symbol]
		score := decision.Score
		position := &Position{
			ID:              uuid.New(),
			SimulationID:    state.sim.ID,
			Symbol:          candidate.Symbol,
			Status:          PositionPending,
			SignalDate:      day,
			TrailingStopPct: state.cfg.TrailingStopPct,
			AgentScore:      &score,
			AgentReasoning:  decision.Reasoning,
		}
		state.positions = append(state.positions, position)
		changed[position.ID] = position
		reserved += state.sim.PositionSize
	}
	return nil
}

// buildSnapshot values the portfolio at today's close.
func (engine *Engine) buildSnapshot(state *runState, day time.Time, decisions *DayDecisions) *Snapshot {
	var positionsValue float64
	openCount := 0
	for _, position := range state.positions {
		if position.Status != PositionOpen {
			continue
		}
		openCount++
		if closePrice, ok := state.lastCloseOnOrBefore(position.Symbol, day); ok {
			positionsValue += float64(position.Shares) * closePrice
		}
	}

	sim := state.sim
	previousEquity := sim.InitialCapital
	if len(state.snapshots) > 0 {
		previousEquity = state.snapshots[len(state.snapshots)-1].TotalEquity
	}

	totalEquity := common.RoundCash(state.cash + positionsValue)
	dailyPnl := common.RoundCash(totalEquity - previousEquity)
	var dailyReturnPct float64
	if previousEquity != 0 {
		dailyReturnPct = common.RoundPercent(dailyPnl / previousEquity * 100)
	}
	var cumulativeReturnPct float64
	if sim.InitialCapital != 0 {
		cumulativeReturnPct = common.RoundPercent((totalEquity/sim.InitialCapital - 1) * 100)
	}

	return &Snapshot{
		ID:                  uuid.New(),
		SimulationID:        sim.ID,
		SnapshotDate:        day,
		DayNumber:           sim.CurrentDay,
		Cash:                common.RoundCash(state.cash),
		PositionsValue:      common.RoundCash(positionsValue),
		TotalEquity:         totalEquity,
		DailyPnl:            dailyPnl,
		DailyReturnPct:      dailyReturnPct,
		CumulativeReturnPct: cumulativeReturnPct,
		OpenPositionCount:   openCount,
		Decisions:           decisions,
	}
}

// closeAtSimulationEnd liquidates everything still open at the final day's
// close and abandons unfilled pendings.
func (engine *Engine) closeAtSimulationEnd(state *runState, day time.Time, decisions *DayDecisions, changed map[uuid.UUID]*Position) {
	for _, position := range state.positions {
		switch position.Status {
		case PositionOpen:
			price, ok := state.lastCloseOnOrBefore(position.Symbol, day)
			if !ok {
				price = *position.EntryPrice
			}
			engine.exitPosition(state, position, day, price, ExitSimulationEnd)
			changed[position.ID] = position
			decisions.Closed = append(decisions.Closed, position.Symbol)
		case PositionPending:
			closeUnfilled(position, day)
			changed[position.ID] = position
		}
	}
}

func applyAnalytics(sim *Simulation, analytics Analytics) {
	finalEquity := analytics.FinalEquity
	totalReturn := analytics.TotalReturnPct
	maxDD := analytics.MaxDrawdownPct
	totalPnl := analytics.TotalRealizedPnl

	sim.FinalEquity = &finalEquity
	sim.TotalReturnPct = &totalReturn
	sim.MaxDrawdownPct = &maxDD
	sim.TotalTrades = analytics.TotalTrades
	sim.WinningTrades = analytics.WinningTrades
	sim.AvgHoldDays = analytics.AvgHoldDays
	sim.AvgWinPnl = analytics.AvgWinPnl
	sim.AvgLossPnl = analytics.AvgLossPnl
	sim.ProfitFactor = analytics.ProfitFactor
	sim.SharpeRatio = analytics.SharpeRatio
	sim.TotalRealizedPnl = &totalPnl
}

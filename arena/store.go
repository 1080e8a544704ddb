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
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/arena-quant/aq-api/database"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
	"github.com/arena-quant/aq-api/queue"
)

var (
	ErrNotCancellable    = errors.New("simulation is not in a cancellable state")
	ErrSimulationRunning = errors.New("simulation is currently running")
)

const simulationColumns = `id, symbols, start_date, end_date, initial_capital, position_size, agent_type, agent_config, status, worker_id, claimed_at, heartbeat_at, retry_count, max_retries, last_error, current_day, total_days, final_equity, total_return_pct, max_drawdown_pct, total_trades, winning_trades, avg_hold_days, avg_win_pnl, avg_loss_pnl, profit_factor, sharpe_ratio, total_realized_pnl, created_at, updated_at`

const positionColumns = `id, simulation_id, symbol, status, signal_date, entry_date, entry_price, shares, trailing_stop_pct, highest_price, current_stop, exit_date, exit_price, exit_reason, realized_pnl, return_pct, agent_score, agent_reasoning`

// Store persists simulations, positions, and snapshots in PostgreSQL. It is
// both the engine's Repository and the worker's queue.Source.
type Store struct {
}

func NewStore() *Store {
	return &Store{}
}

// Name implements queue.Source.
func (store *Store) Name() string {
	return "arena"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSimulation(row rowScanner) (*Simulation, error) {
	sim := &Simulation{}
	var agentConfig []byte
	err := row.Scan(&sim.ID, &sim.Symbols, &sim.StartDate, &sim.EndDate,
		&sim.InitialCapital, &sim.PositionSize, &sim.AgentType, &agentConfig,
		&sim.Status, &sim.WorkerID, &sim.ClaimedAt, &sim.HeartbeatAt,
		&sim.RetryCount, &sim.MaxRetries, &sim.LastError,
		&sim.CurrentDay, &sim.TotalDays,
		&sim.FinalEquity, &sim.TotalReturnPct, &sim.MaxDrawdownPct,
		&sim.TotalTrades, &sim.WinningTrades, &sim.AvgHoldDays,
		&sim.AvgWinPnl, &sim.AvgLossPnl, &sim.ProfitFactor, &sim.SharpeRatio,
		&sim.TotalRealizedPnl, &sim.CreatedAt, &sim.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(agentConfig) > 0 {
		if err := json.Unmarshal(agentConfig, &sim.AgentConfig); err != nil {
			return nil, err
		}
	}
	return sim, nil
}

func scanPosition(row rowScanner) (*Position, error) {
	position := &Position{}
	err := row.Scan(&position.ID, &position.SimulationID, &position.Symbol,
		&position.Status, &position.SignalDate, &position.EntryDate,
		&position.EntryPrice, &position.Shares, &position.TrailingStopPct,
		&position.HighestPrice, &position.CurrentStop, &position.ExitDate,
		&position.ExitPrice, &position.ExitReason, &position.RealizedPnl,
		&position.ReturnPct, &position.AgentScore, &position.AgentReasoning)
	if err != nil {
		return nil, err
	}
	return position, nil
}

// CreateSimulation inserts a new pending simulation and returns it with its
// generated id and timestamps.
func (store *Store) CreateSimulation(ctx context.Context, sim *Simulation) (*Simulation, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.CreateSimulation")
	defer span.End()

	subLog := log.With().Str("AgentType", sim.AgentType).Int("NumSymbols", len(sim.Symbols)).Logger()

	agentConfig, err := json.Marshal(sim.AgentConfig)
	if err != nil {
		return nil, err
	}
	if sim.MaxRetries <= 0 {
		sim.MaxRetries = 3
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, `INSERT INTO arena_simulations (id, symbols, start_date, end_date, initial_capital, position_size, agent_type, agent_config, status, max_retries, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, now(), now()) RETURNING `+simulationColumns,
		uuid.New(), sim.Symbols, sim.StartDate, sim.EndDate, sim.InitialCapital,
		sim.PositionSize, sim.AgentType, agentConfig, sim.MaxRetries)
	created, err := scanSimulation(row)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not create simulation")
		subLog.Error().Stack().Err(err).Msg("could not create simulation")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}

	subLog.Info().Str("SimulationID", created.ID.String()).Msg("created simulation")
	return created, nil
}

// GetSimulation loads a single simulation by id.
func (store *Store) GetSimulation(ctx context.Context, id uuid.UUID) (*Simulation, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.GetSimulation")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, `SELECT `+simulationColumns+` FROM arena_simulations WHERE id=$1`, id)
	sim, err := scanSimulation(row)
	if err != nil {
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSimulationNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not load simulation")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}
	return sim, nil
}

// ListSimulations returns simulations newest first, optionally filtered by
// status. A zero limit defaults to 50.
func (store *Store) ListSimulations(ctx context.Context, status string, limit int, offset int) ([]*Simulation, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.ListSimulations")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	sql := `SELECT ` + simulationColumns + ` FROM arena_simulations`
	args := []interface{}{}
	if status != "" {
		sql += ` WHERE status=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, status, limit, offset)
	} else {
		sql += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := trx.Query(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not list simulations")
		log.Error().Stack().Err(err).Msg("could not list simulations")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	sims := make([]*Simulation, 0)
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
				log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
			}
			return nil, err
		}
		sims = append(sims, sim)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}
	return sims, nil
}

// Cancel requests cooperative cancellation. Pending simulations flip
// immediately; running workers observe the status between days and stop.
func (store *Store) Cancel(ctx context.Context, id uuid.UUID) (*Simulation, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.Cancel")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, `UPDATE arena_simulations SET status='cancelled', updated_at=now() WHERE id=$1 AND status IN ('pending', 'running', 'paused') RETURNING `+simulationColumns, id)
	sim, err := scanSimulation(row)
	if err != nil {
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			// either missing or already terminal; disambiguate for the caller
			if _, getErr := store.GetSimulation(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrNotCancellable
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not cancel simulation")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}

	log.Info().Str("SimulationID", id.String()).Msg("cancelled simulation")
	return sim, nil
}

// DeleteSimulation removes a simulation and, via cascade, its positions and
// snapshots. Running simulations must be cancelled first.
func (store *Store) DeleteSimulation(ctx context.Context, id uuid.UUID) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.DeleteSimulation")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return err
	}

	var status Status
	if err := trx.QueryRow(ctx, `SELECT status FROM arena_simulations WHERE id=$1`, id).Scan(&status); err != nil {
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSimulationNotFound
		}
		return err
	}
	if status == StatusRunning {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return ErrSimulationRunning
	}

	if _, err := trx.Exec(ctx, `DELETE FROM arena_simulations WHERE id=$1`, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not delete simulation")
		log.Error().Stack().Err(err).Str("SimulationID", id.String()).Msg("could not delete simulation")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return err
	}
	return nil
}

// GetPositions loads every position belonging to a simulation.
func (store *Store) GetPositions(ctx context.Context, simulationID uuid.UUID) ([]*Position, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.GetPositions")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx, `SELECT `+positionColumns+` FROM arena_positions WHERE simulation_id=$1 ORDER BY signal_date ASC, symbol ASC`, simulationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not load positions")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return nil, err
	}

	positions := make([]*Position, 0)
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
				log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
			}
			return nil, err
		}
		positions = append(positions, position)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}
	return positions, nil
}

// GetSnapshots loads a simulation's daily snapshots in day order.
func (store *Store) GetSnapshots(ctx context.Context, simulationID uuid.UUID) ([]*Snapshot, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.GetSnapshots")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx, `SELECT id, simulation_id, snapshot_date, day_number, cash, positions_value, total_equity, daily_pnl, daily_return_pct, cumulative_return_pct, open_position_count, decisions FROM arena_snapshots WHERE simulation_id=$1 ORDER BY day_number ASC`, simulationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not load snapshots")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return nil, err
	}

	snapshots := make([]*Snapshot, 0)
	for rows.Next() {
		snapshot := &Snapshot{}
		var decisions []byte
		if err := rows.Scan(&snapshot.ID, &snapshot.SimulationID, &snapshot.SnapshotDate,
			&snapshot.DayNumber, &snapshot.Cash, &snapshot.PositionsValue,
			&snapshot.TotalEquity, &snapshot.DailyPnl, &snapshot.DailyReturnPct,
			&snapshot.CumulativeReturnPct, &snapshot.OpenPositionCount, &decisions); err != nil {
			if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
				log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
			}
			return nil, err
		}
		if len(decisions) > 0 {
			if err := json.Unmarshal(decisions, &snapshot.Decisions); err != nil {
				log.Warn().Err(err).Str("SimulationID", simulationID.String()).Int("DayNumber", snapshot.DayNumber).Msg("could not decode snapshot decisions")
			}
		}
		snapshots = append(snapshots, snapshot)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}
	return snapshots, nil
}

// SetTotalDays records the trading-day count discovered at initialization.
func (store *Store) SetTotalDays(ctx context.Context, id uuid.UUID, totalDays int) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.SetTotalDays")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return err
	}

	if _, err := trx.Exec(ctx, `UPDATE arena_simulations SET total_days=$2, updated_at=now() WHERE id=$1`, id, totalDays); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not set total days")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return err
	}
	return nil
}

// CommitDay persists one simulated day atomically: the simulation row's
// progress and results, every position the day changed, and the day's
// snapshot. If any statement fails the whole day rolls back and the worker
// retries from the previous committed state. A cancel that landed while the
// day was computing wins: the progress write only matches a live row, and a
// zero-row update rolls the day back and surfaces queue.ErrJobCancelled.
func (store *Store) CommitDay(ctx context.Context, sim *Simulation, positions []*Position, snapshot *Snapshot) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.CommitDay")
	defer span.End()

	subLog := log.With().Object("Simulation", sim).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return err
	}

	rollback := func() {
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
	}

	tag, err := trx.Exec(ctx, `UPDATE arena_simulations SET status=$2, current_day=$3, final_equity=$4, total_return_pct=$5, max_drawdown_pct=$6, total_trades=$7, winning_trades=$8, avg_hold_days=$9, avg_win_pnl=$10, avg_loss_pnl=$11, profit_factor=$12, sharpe_ratio=$13, total_realized_pnl=$14, heartbeat_at=now(), updated_at=now() WHERE id=$1 AND status IN ('pending', 'running')`,
		sim.ID, sim.Status, sim.CurrentDay, sim.FinalEquity, sim.TotalReturnPct,
		sim.MaxDrawdownPct, sim.TotalTrades, sim.WinningTrades, sim.AvgHoldDays,
		sim.AvgWinPnl, sim.AvgLossPnl, sim.ProfitFactor, sim.SharpeRatio,
		sim.TotalRealizedPnl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not update simulation")
		subLog.Error().Stack().Err(err).Msg("could not update simulation progress")
		rollback()
		return err
	}
	if tag.RowsAffected() == 0 {
		subLog.Info().Msg("simulation no longer accepts progress; discarding day")
		rollback()
		return fmt.Errorf("%w: simulation is no longer running", queue.ErrJobCancelled)
	}

	for _, position := range positions {
		if _, err := trx.Exec(ctx, `INSERT INTO arena_positions (`+positionColumns+`, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now(), now()) ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, entry_date=EXCLUDED.entry_date, entry_price=EXCLUDED.entry_price, shares=EXCLUDED.shares, highest_price=EXCLUDED.highest_price, current_stop=EXCLUDED.current_stop, exit_date=EXCLUDED.exit_date, exit_price=EXCLUDED.exit_price, exit_reason=EXCLUDED.exit_reason, realized_pnl=EXCLUDED.realized_pnl, return_pct=EXCLUDED.return_pct, updated_at=now()`,
			position.ID, position.SimulationID, position.Symbol, position.Status,
			position.SignalDate, position.EntryDate, position.EntryPrice,
			position.Shares, position.TrailingStopPct, position.HighestPrice,
			position.CurrentStop, position.ExitDate, position.ExitPrice,
			position.ExitReason, position.RealizedPnl, position.ReturnPct,
			position.AgentScore, position.AgentReasoning); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "could not upsert position")
			subLog.Error().Stack().Err(err).Str("Symbol", position.Symbol).Msg("could not upsert position")
			rollback()
			return err
		}
	}

	decisions, err := json.Marshal(snapshot.Decisions)
	if err != nil {
		rollback()
		return err
	}
	if _, err := trx.Exec(ctx, `INSERT INTO arena_snapshots (id, simulation_id, snapshot_date, day_number, cash, positions_value, total_equity, daily_pnl, daily_return_pct, cumulative_return_pct, open_position_count, decisions, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now()) ON CONFLICT (simulation_id, day_number) DO UPDATE SET cash=EXCLUDED.cash, positions_value=EXCLUDED.positions_value, total_equity=EXCLUDED.total_equity, daily_pnl=EXCLUDED.daily_pnl, daily_return_pct=EXCLUDED.daily_return_pct, cumulative_return_pct=EXCLUDED.cumulative_return_pct, open_position_count=EXCLUDED.open_position_count, decisions=EXCLUDED.decisions, updated_at=now()`,
		snapshot.ID, snapshot.SimulationID, snapshot.SnapshotDate, snapshot.DayNumber,
		snapshot.Cash, snapshot.PositionsValue, snapshot.TotalEquity, snapshot.DailyPnl,
		snapshot.DailyReturnPct, snapshot.CumulativeReturnPct, snapshot.OpenPositionCount,
		decisions); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not insert snapshot")
		subLog.Error().Stack().Err(err).Msg("could not insert snapshot")
		rollback()
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Error().Stack().Err(err).Msg("could not commit transaction")
		return err
	}
	return nil
}

// ClaimNext implements queue.Source. It atomically claims the oldest
// pending simulation; nil means no work is available.
func (store *Store) ClaimNext(ctx context.Context, workerID string) (queue.Job, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "arena.ClaimNext")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, queue.ClaimSQL("arena_simulations", simulationColumns), workerID)
	sim, err := scanSimulation(row)
	if err != nil {
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not claim simulation")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}

	log.Info().Object("Simulation", sim).Str("WorkerID", workerID).Msg("claimed simulation")
	return sim, nil
}

// Heartbeat implements queue.Source.
func (store *Store) Heartbeat(ctx context.Context, jobID uuid.UUID) error {
	return store.exec(ctx, "arena.Heartbeat", queue.HeartbeatSQL("arena_simulations"), jobID)
}

// IsCancelled implements queue.Source.
func (store *Store) IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return false, err
	}

	var status Status
	if err := trx.QueryRow(ctx, queue.StatusSQL("arena_simulations"), jobID).Scan(&status); err != nil {
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrSimulationNotFound
		}
		return false, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return false, err
	}
	return status == StatusCancelled, nil
}

// MarkCompleted implements queue.Source. The engine's final CommitDay has
// already written the completed status; this clears the worker_id and
// claimed_at the claim left behind.
func (store *Store) MarkCompleted(ctx context.Context, jobID uuid.UUID) error {
	return store.exec(ctx, "arena.MarkCompleted", queue.CompleteSQL("arena_simulations"), jobID)
}

// MarkFailed implements queue.Source.
func (store *Store) MarkFailed(ctx context.Context, jobID uuid.UUID, jobErr string) error {
	return store.exec(ctx, "arena.MarkFailed", queue.FailSQL("arena_simulations"), jobID, jobErr)
}

// ResetStale implements queue.Source.
func (store *Store) ResetStale(ctx context.Context, threshold time.Duration) (int64, error) {
	return store.execCount(ctx, "arena.ResetStale", queue.ResetStaleSQL("arena_simulations"), threshold.String())
}

// ResetStranded implements queue.Source.
func (store *Store) ResetStranded(ctx context.Context) (int64, error) {
	return store.execCount(ctx, "arena.ResetStranded", queue.ResetStrandedSQL("arena_simulations"))
}

func (store *Store) exec(ctx context.Context, spanName string, sql string, args ...interface{}) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, spanName)
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return err
	}

	if _, err := trx.Exec(ctx, sql, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "statement failed")
		log.Error().Stack().Err(err).Msg("queue statement failed")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return err
	}
	return nil
}

func (store *Store) execCount(ctx context.Context, spanName string, sql string, args ...interface{}) (int64, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, spanName)
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return 0, err
	}

	tag, err := trx.Exec(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "statement failed")
		log.Error().Stack().Err(err).Msg("queue statement failed")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return 0, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return 0, err
	}
	return tag.RowsAffected(), nil
}

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

package live20

import (
	"context"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/arena-quant/aq-api/database"
	"github.com/arena-quant/aq-api/filter"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
	"github.com/arena-quant/aq-api/queue"
)

var (
	ErrRunNotFound            = errors.New("screening run not found")
	ErrRecommendationNotFound = errors.New("recommendation not found")
	ErrRunNotCancellable      = errors.New("run is not in a cancellable state")
	ErrRunActive              = errors.New("run has not finished")
)

const runColumns = `id, input_symbols, source_lists, symbol_count, processed_count, long_count, short_count, no_setup_count, failed_symbols, min_buy_score, scoring_algorithm, status, worker_id, claimed_at, heartbeat_at, retry_count, max_retries, last_error, created_at, updated_at, deleted_at`

const recommendationColumns = `id, live20_run_id, stock, source, recommendation, confidence_score, reasoning, criteria, sector, sector_etf, atr_pct, entry_price, created_at, deleted_at`

// Store persists screening runs and their recommendations in PostgreSQL. It
// doubles as the worker's queue.Source over live20_runs.
type Store struct {
}

func NewStore() *Store {
	return &Store{}
}

// Name implements queue.Source.
func (store *Store) Name() string {
	return "live20"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var failed []byte
	err := row.Scan(&run.ID, &run.InputSymbols, &run.SourceLists, &run.SymbolCount,
		&run.Processed, &run.LongCount, &run.ShortCount, &run.NoSetupCount,
		&failed, &run.MinBuyScore, &run.ScoringAlgorithm, &run.Status,
		&run.WorkerID, &run.ClaimedAt, &run.HeartbeatAt, &run.RetryCount,
		&run.MaxRetries, &run.LastError, &run.CreatedAt, &run.UpdatedAt, &run.DeletedAt)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		if err := json.Unmarshal(failed, &run.FailedSymbols); err != nil {
			return nil, err
		}
	}
	return run, nil
}

func scanRecommendation(row rowScanner) (*Recommendation, error) {
	rec := &Recommendation{}
	var criteria []byte
	err := row.Scan(&rec.ID, &rec.RunID, &rec.Stock, &rec.Source, &rec.Direction,
		&rec.ConfidenceScore, &rec.Reasoning, &criteria, &rec.Sector,
		&rec.SectorETF, &rec.ATRPct, &rec.EntryPrice, &rec.CreatedAt, &rec.DeletedAt)
	if err != nil {
		return nil, err
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &rec.Criteria); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// CreateRun inserts a new pending screening run.
func (store *Store) CreateRun(ctx context.Context, run *Run) (*Run, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.CreateRun")
	defer span.End()

	if run.MaxRetries <= 0 {
		run.MaxRetries = 3
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, `INSERT INTO live20_runs (id, input_symbols, source_lists, symbol_count, min_buy_score, scoring_algorithm, status, max_retries, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, now(), now()) RETURNING `+runColumns,
		uuid.New(), run.InputSymbols, run.SourceLists, len(run.InputSymbols),
		run.MinBuyScore, run.ScoringAlgorithm, run.MaxRetries)
	created, err := scanRun(row)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not create run")
		log.Error().Stack().Err(err).Msg("could not create screening run")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}

	log.Info().Object("Run", created).Msg("created screening run")
	return created, nil
}

// GetRun loads one screening run by id.
func (store *Store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.GetRun")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, `SELECT `+runColumns+` FROM live20_runs WHERE id=$1 AND deleted_at IS NULL`, id)
	run, err := scanRun(row)
	if err != nil {
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not load run")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (store *Store) ListRuns(ctx context.Context, status string, limit int, offset int) ([]*Run, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.ListRuns")
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

	sql := `SELECT ` + runColumns + ` FROM live20_runs WHERE deleted_at IS NULL`
	args := []interface{}{}
	if status != "" {
		sql += ` AND status=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, status, limit, offset)
	} else {
		sql += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := trx.Query(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not list runs")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return nil, err
	}

	runs := make([]*Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
				log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
			}
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}
	return runs, nil
}

// Cancel requests cooperative cancellation of a run.
func (store *Store) Cancel(ctx context.Context, id uuid.UUID) (*Run, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.Cancel")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, `UPDATE live20_runs SET status='cancelled', updated_at=now() WHERE id=$1 AND status IN ('pending', 'running') RETURNING `+runColumns, id)
	run, err := scanRun(row)
	if err != nil {
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := store.GetRun(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrRunNotCancellable
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not cancel run")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}

	log.Info().Str("RunID", id.String()).Msg("cancelled screening run")
	return run, nil
}

// UpdateProgress writes the per-symbol counters and the failure map.
func (store *Store) UpdateProgress(ctx context.Context, run *Run) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.UpdateProgress")
	defer span.End()

	failed, err := json.Marshal(run.FailedSymbols)
	if err != nil {
		return err
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return err
	}

	if _, err := trx.Exec(ctx, `UPDATE live20_runs SET symbol_count=$2, processed_count=$3, long_count=$4, short_count=$5, no_setup_count=$6, failed_symbols=$7, updated_at=now() WHERE id=$1`,
		run.ID, run.SymbolCount, run.Processed, run.LongCount, run.ShortCount,
		run.NoSetupCount, failed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not update run progress")
		log.Error().Stack().Err(err).Object("Run", run).Msg("could not update run progress")
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

// InsertRecommendation persists one screening outcome.
func (store *Store) InsertRecommendation(ctx context.Context, rec *Recommendation) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.InsertRecommendation")
	defer span.End()

	criteria, err := json.Marshal(rec.Criteria)
	if err != nil {
		return err
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return err
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if _, err := trx.Exec(ctx, `INSERT INTO recommendations (id, live20_run_id, stock, source, recommendation, confidence_score, reasoning, criteria, sector, sector_etf, atr_pct, entry_price, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
		rec.ID, rec.RunID, rec.Stock, rec.Source, rec.Direction, rec.ConfidenceScore,
		rec.Reasoning, criteria, rec.Sector, rec.SectorETF, rec.ATRPct, rec.EntryPrice); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not insert recommendation")
		log.Error().Stack().Err(err).Str("Stock", rec.Stock).Msg("could not insert recommendation")
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

// GetRecommendations returns a run's recommendations, strongest first,
// excluding soft-deleted rows.
func (store *Store) GetRecommendations(ctx context.Context, runID uuid.UUID) ([]*Recommendation, error) {
	return store.queryRecommendations(ctx, "live20.GetRecommendations",
		`SELECT `+recommendationColumns+` FROM recommendations WHERE live20_run_id=$1 AND deleted_at IS NULL ORDER BY confidence_score DESC, stock ASC`, runID)
}

// LatestRecommendations returns the recommendations of the most recently
// completed run. The optional where map carries `column=op.value` filters
// from the results endpoint (direction, minimum confidence).
func (store *Store) LatestRecommendations(ctx context.Context, where map[string]string) ([]*Recommendation, error) {
	raw := []string{
		"deleted_at IS NULL",
		"live20_run_id = (SELECT id FROM live20_runs WHERE status='completed' AND deleted_at IS NULL ORDER BY updated_at DESC LIMIT 1)",
	}
	sql, args, err := filter.BuildQuery("recommendations", strings.Split(recommendationColumns, ", "), raw, where, "confidence_score DESC, stock ASC")
	if err != nil {
		return nil, err
	}
	return store.queryRecommendations(ctx, "live20.LatestRecommendations", sql, args...)
}

func (store *Store) queryRecommendations(ctx context.Context, spanName string, sql string, args ...interface{}) ([]*Recommendation, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, spanName)
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not query recommendations")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return nil, err
	}

	recs := make([]*Recommendation, 0)
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
				log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
			}
			return nil, err
		}
		recs = append(recs, rec)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}
	return recs, nil
}

// DeleteRecommendation soft-deletes one recommendation.
func (store *Store) DeleteRecommendation(ctx context.Context, id uuid.UUID) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.DeleteRecommendation")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return err
	}

	tag, err := trx.Exec(ctx, `UPDATE recommendations SET deleted_at=now() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not delete recommendation")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return ErrRecommendationNotFound
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return err
	}
	return nil
}

// DeleteRun soft-deletes a finished run. Its recommendations drop out of
// the results endpoints because every query joins back through the run.
func (store *Store) DeleteRun(ctx context.Context, id uuid.UUID) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.DeleteRun")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return err
	}

	tag, err := trx.Exec(ctx, `UPDATE live20_runs SET deleted_at=now(), updated_at=now() WHERE id=$1 AND deleted_at IS NULL AND status IN ('completed', 'failed', 'cancelled')`, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not delete run")
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		if _, getErr := store.GetRun(ctx, id); getErr != nil {
			return getErr
		}
		return ErrRunActive
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return err
	}

	log.Info().Str("RunID", id.String()).Msg("deleted screening run")
	return nil
}

// ClaimNext implements queue.Source.
func (store *Store) ClaimNext(ctx context.Context, workerID string) (queue.Job, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "live20.ClaimNext")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, queue.ClaimSQL("live20_runs", runColumns), workerID)
	run, err := scanRun(row)
	if err != nil {
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not claim run")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return nil, err
	}

	log.Info().Object("Run", run).Str("WorkerID", workerID).Msg("claimed screening run")
	return run, nil
}

// Heartbeat implements queue.Source.
func (store *Store) Heartbeat(ctx context.Context, jobID uuid.UUID) error {
	return store.exec(ctx, "live20.Heartbeat", queue.HeartbeatSQL("live20_runs"), jobID)
}

// IsCancelled implements queue.Source.
func (store *Store) IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return false, err
	}

	var status string
	if err := trx.QueryRow(ctx, queue.StatusSQL("live20_runs"), jobID).Scan(&status); err != nil {
		if rollbackErr := trx.Rollback(ctx); rollbackErr != nil {
			log.Error().Stack().Err(rollbackErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrRunNotFound
		}
		return false, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
		return false, err
	}
	return status == "cancelled", nil
}

// MarkCompleted implements queue.Source.
func (store *Store) MarkCompleted(ctx context.Context, jobID uuid.UUID) error {
	return store.exec(ctx, "live20.MarkCompleted", queue.CompleteSQL("live20_runs"), jobID)
}

// MarkFailed implements queue.Source.
func (store *Store) MarkFailed(ctx context.Context, jobID uuid.UUID, jobErr string) error {
	return store.exec(ctx, "live20.MarkFailed", queue.FailSQL("live20_runs"), jobID, jobErr)
}

// ResetStale implements queue.Source.
func (store *Store) ResetStale(ctx context.Context, threshold time.Duration) (int64, error) {
	return store.execCount(ctx, "live20.ResetStale", queue.ResetStaleSQL("live20_runs"), threshold.String())
}

// ResetStranded implements queue.Source.
func (store *Store) ResetStranded(ctx context.Context) (int64, error) {
	return store.execCount(ctx, "live20.ResetStranded", queue.ResetStrandedSQL("live20_runs"))
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

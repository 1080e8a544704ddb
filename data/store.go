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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/database"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
)

// BarStore is the persistence seam between the cache manager and the
// database. The production implementation is Store; engine scenario tests
// substitute an in-memory fake.
type BarStore interface {
	UpsertBars(ctx context.Context, symbol string, interval Interval, bars []*PriceBar) (UpsertStats, error)
	GetBarsInRange(ctx context.Context, symbol string, interval Interval, begin, end time.Time) ([]*PriceBar, error)
	BarStats(ctx context.Context, symbol string, interval Interval, begin, end time.Time) (*RangeStats, error)
	UpdateLastFetchedAt(ctx context.Context, symbol string, interval Interval, begin, end time.Time) error
	GetSector(ctx context.Context, symbol string) (*SymbolInfo, error)
	GetSectors(ctx context.Context, symbols []string) (map[string]*SymbolInfo, error)
	UpsertSector(ctx context.Context, info *SymbolInfo) error
}

// RangeStats summarises the stored bars inside a range; the freshness
// policy is decided from these aggregates alone.
type RangeStats struct {
	Count         int
	FirstTS       time.Time
	LastTS        time.Time
	LastFetchedAt time.Time
}

// Store persists price bars and sector metadata in PostgreSQL.
type Store struct {
}

func NewStore() *Store {
	return &Store{}
}

// postgres caps bind placeholders at 65535; 10 per row keeps chunks well
// under the limit
const upsertChunkSize = 500

// UpsertBars writes a batch of bars as a single INSERT ... ON CONFLICT
// statement per chunk. Conflicting rows have their price fields replaced
// and last_fetched_at bumped, so concurrent writers for overlapping ranges
// never collide.
func (store *Store) UpsertBars(ctx context.Context, symbol string, interval Interval, bars []*PriceBar) (UpsertStats, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.UpsertBars")
	defer span.End()

	stats := UpsertStats{}
	if len(bars) == 0 {
		return stats, nil
	}

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Str("Interval", string(interval)).Int("NumBars", len(bars)).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return stats, err
	}

	for start := 0; start < len(bars); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(bars) {
			end = len(bars)
		}

		chunkStats, err := upsertChunk(ctx, trx, symbol, interval, bars[start:end])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upsert failed")
			subLog.Error().Stack().Err(err).Msg("could not upsert price bars")
			if err := trx.Rollback(ctx); err != nil {
				subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return UpsertStats{}, err
		}

		stats.Inserted += chunkStats.Inserted
		stats.Updated += chunkStats.Updated
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Error().Stack().Err(err).Msg("could not commit transaction")
		return UpsertStats{}, err
	}

	return stats, nil
}

func upsertChunk(ctx context.Context, trx pgx.Tx, symbol string, interval Interval, bars []*PriceBar) (UpsertStats, error) {
	stats := UpsertStats{}

	valueClauses := make([]string, 0, len(bars))
	args := make([]interface{}, 0, len(bars)*10)
	for idx, bar := range bars {
		base := idx * 10
		valueClauses = append(valueClauses, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, now(), now(), now())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args, symbol, bar.TS, string(interval),
			common.RoundPrice(bar.Open), common.RoundPrice(bar.High),
			common.RoundPrice(bar.Low), common.RoundPrice(bar.Close),
			common.RoundPrice(bar.AdjustedClose), bar.Volume, bar.DataSource)
	}

	sql := fmt.Sprintf(`INSERT INTO price_bars (symbol, ts, interval, open, high, low, close, adjusted_close, volume, data_source, last_fetched_at, created_at, updated_at) VALUES %s ON CONFLICT (symbol, ts, interval) DO UPDATE SET open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low, close=EXCLUDED.close, adjusted_close=EXCLUDED.adjusted_close, volume=EXCLUDED.volume, data_source=EXCLUDED.data_source, last_fetched_at=now(), updated_at=now() RETURNING (xmax = 0)`,
		strings.Join(valueClauses, ", "))

	rows, err := trx.Query(ctx, sql, args...)
	if err != nil {
		return stats, err
	}

	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			return stats, err
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	return stats, rows.Err()
}

// GetBarsInRange reads bars for the inclusive range ordered by timestamp
// ascending.
func (store *Store) GetBarsInRange(ctx context.Context, symbol string, interval Interval, begin, end time.Time) ([]*PriceBar, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.GetBarsInRange")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Str("Interval", string(interval)).Time("Begin", begin).Time("End", end).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx, `SELECT symbol, ts, interval, open, high, low, close, adjusted_close, volume, data_source FROM price_bars WHERE symbol=$1 AND interval=$2 AND ts BETWEEN $3 AND $4 ORDER BY ts ASC`,
		symbol, string(interval), begin, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database query failed")
		subLog.Error().Stack().Err(err).Msg("could not query price bars")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	bars := make([]*PriceBar, 0, 256)
	for rows.Next() {
		bar := &PriceBar{}
		var intervalStr string
		if err := rows.Scan(&bar.Symbol, &bar.TS, &intervalStr, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.AdjustedClose, &bar.Volume, &bar.DataSource); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not scan price bar")
			if err := trx.Rollback(ctx); err != nil {
				subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		bar.Interval = Interval(intervalStr)
		bars = append(bars, bar)
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	return bars, nil
}

// BarStats aggregates the stored coverage of a range in a single query.
func (store *Store) BarStats(ctx context.Context, symbol string, interval Interval, begin, end time.Time) (*RangeStats, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.BarStats")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Str("Interval", string(interval)).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, `SELECT count(*), min(ts), max(ts), max(last_fetched_at) FROM price_bars WHERE symbol=$1 AND interval=$2 AND ts BETWEEN $3 AND $4`,
		symbol, string(interval), begin, end)

	stats := &RangeStats{}
	var firstTS, lastTS, lastFetched *time.Time
	if err := row.Scan(&stats.Count, &firstTS, &lastTS, &lastFetched); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database query failed")
		subLog.Error().Stack().Err(err).Msg("could not query bar stats")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if firstTS != nil {
		stats.FirstTS = *firstTS
	}
	if lastTS != nil {
		stats.LastTS = *lastTS
	}
	if lastFetched != nil {
		stats.LastFetchedAt = *lastFetched
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	return stats, nil
}

// UpdateLastFetchedAt bumps the freshness stamp for every bar in the range
// without touching price fields.
func (store *Store) UpdateLastFetchedAt(ctx context.Context, symbol string, interval Interval, begin, end time.Time) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.UpdateLastFetchedAt")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Str("Interval", string(interval)).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	if _, err := trx.Exec(ctx, `UPDATE price_bars SET last_fetched_at=now(), updated_at=now() WHERE symbol=$1 AND interval=$2 AND ts BETWEEN $3 AND $4`,
		symbol, string(interval), begin, end); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database update failed")
		subLog.Error().Stack().Err(err).Msg("could not update last_fetched_at")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Error().Stack().Err(err).Msg("could not commit transaction")
		return err
	}

	return nil
}

// GetSector reads the cached sector record for one symbol. ErrSymbolNotFound
// signals the row is absent, not a failure.
func (store *Store) GetSector(ctx context.Context, symbol string) (*SymbolInfo, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.GetSector")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	row := trx.QueryRow(ctx, `SELECT symbol, name, sector, sector_etf, industry, exchange FROM stock_sectors WHERE symbol=$1`, symbol)

	info := &SymbolInfo{}
	err = row.Scan(&info.Symbol, &info.Name, &info.Sector, &info.SectorETF, &info.Industry, &info.Exchange)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		if err == pgx.ErrNoRows {
			return nil, ErrSymbolNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "database query failed")
		subLog.Error().Stack().Err(err).Msg("could not query stock sector")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	return info, nil
}

// GetSectors bulk-reads sector records; symbols without a row are simply
// absent from the result map.
func (store *Store) GetSectors(ctx context.Context, symbols []string) (map[string]*SymbolInfo, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.GetSectors")
	defer span.End()

	subLog := log.With().Int("NumSymbols", len(symbols)).Logger()

	result := make(map[string]*SymbolInfo, len(symbols))
	if len(symbols) == 0 {
		return result, nil
	}

	normalized := make([]string, len(symbols))
	copy(normalized, symbols)
	common.ArrToUpper(normalized)

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx, `SELECT symbol, name, sector, sector_etf, industry, exchange FROM stock_sectors WHERE symbol = ANY($1)`, normalized)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database query failed")
		subLog.Error().Stack().Err(err).Msg("could not query stock sectors")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	for rows.Next() {
		info := &SymbolInfo{}
		if err := rows.Scan(&info.Symbol, &info.Name, &info.Sector, &info.SectorETF, &info.Industry, &info.Exchange); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not scan stock sector")
			if err := trx.Rollback(ctx); err != nil {
				subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		result[info.Symbol] = info
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	return result, nil
}

// UpsertSector inserts or refreshes a symbol's sector record.
func (store *Store) UpsertSector(ctx context.Context, info *SymbolInfo) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.UpsertSector")
	defer span.End()

	subLog := log.With().Str("Symbol", info.Symbol).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not get database transaction")
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	if _, err := trx.Exec(ctx, `INSERT INTO stock_sectors (symbol, name, sector, sector_etf, industry, exchange, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, now(), now()) ON CONFLICT (symbol) DO UPDATE SET name=EXCLUDED.name, sector=EXCLUDED.sector, sector_etf=EXCLUDED.sector_etf, industry=EXCLUDED.industry, exchange=EXCLUDED.exchange, updated_at=now()`,
		common.NormalizeSymbol(info.Symbol), info.Name, info.Sector, info.SectorETF, info.Industry, info.Exchange); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database upsert failed")
		subLog.Error().Stack().Err(err).Msg("could not upsert stock sector")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Error().Stack().Err(err).Msg("could not commit transaction")
		return err
	}

	return nil
}

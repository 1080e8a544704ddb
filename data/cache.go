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
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
	"github.com/arena-quant/aq-api/tradecron"
)

// FetchRequest describes one range of bars a consumer wants.
type FetchRequest struct {
	Symbol         string
	Interval       Interval
	Begin          time.Time
	End            time.Time
	IncludePrePost bool
	ForceRefresh   bool
}

// FetchResult reports where the bars came from along with the bars
// themselves.
type FetchResult struct {
	Bars         []*PriceBar
	CacheHit     bool
	HitType      HitType
	MarketStatus tradecron.MarketState
}

type l1Entry struct {
	bars    []*PriceBar
	expires time.Time
}

// Manager coordinates the in-memory tier, the price store, and the external
// provider. The per-key mutex map serializes provider calls so that many
// concurrent requests for the same range produce exactly one upstream fetch.
// The map is never pruned; keys are small and the keyspace is bounded by the
// symbols a deployment actually works with.
type Manager struct {
	store      BarStore
	provider   Provider
	l1         *lru.Cache
	locker     sync.Mutex
	fetchLocks map[string]*sync.Mutex
}

var (
	managerOnce     sync.Once
	managerInstance *Manager
)

// GetManagerInstance returns the process-wide manager, building it on first
// use from the configured provider. Provider construction is validated again
// at startup; if it fails here the manager falls back to synthetic data
// rather than leaving callers with a nil instance.
func GetManagerInstance() *Manager {
	managerOnce.Do(func() {
		provider, err := NewProvider(viper.GetString("marketdata.provider"))
		if err != nil {
			log.Error().Stack().Err(err).Str("Provider", viper.GetString("marketdata.provider")).Msg("could not create market data provider; falling back to mock")
			provider = NewMockProvider()
		}
		managerInstance = NewManager(NewStore(), provider)
	})
	return managerInstance
}

// NewManager builds a manager around explicit collaborators. Tests use it to
// substitute in-memory stores and counting providers.
func NewManager(store BarStore, provider Provider) *Manager {
	size := viper.GetInt("marketdata.l1_size")
	if size <= 0 {
		size = 200
	}
	l1, err := lru.New(size)
	if err != nil {
		log.Panic().Err(err).Msg("could not create l1 cache")
	}
	return &Manager{
		store:      store,
		provider:   provider,
		l1:         l1,
		fetchLocks: make(map[string]*sync.Mutex),
	}
}

// Provider returns the active market data provider.
func (manager *Manager) Provider() Provider {
	return manager.provider
}

// Store returns the bar store the manager reads and writes through.
func (manager *Manager) Store() BarStore {
	return manager.store
}

func l1TTL() time.Duration {
	if ttl := viper.GetDuration("marketdata.l1_ttl"); ttl > 0 {
		return ttl
	}
	return 30 * time.Second
}

func cacheKey(symbol string, interval Interval, begin, end time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", symbol, interval, begin.Format("2006-01-02"), end.Format("2006-01-02"))
}

func l1Key(key string) string {
	digest := blake3.Sum256([]byte(key))
	return hex.EncodeToString(digest[:])
}

func (manager *Manager) getL1(key string) ([]*PriceBar, bool) {
	value, ok := manager.l1.Get(l1Key(key))
	if !ok {
		return nil, false
	}
	entry, ok := value.(*l1Entry)
	if !ok || time.Now().After(entry.expires) {
		manager.l1.Remove(l1Key(key))
		return nil, false
	}
	return entry.bars, true
}

func (manager *Manager) setL1(key string, bars []*PriceBar) {
	manager.l1.Add(l1Key(key), &l1Entry{
		bars:    bars,
		expires: time.Now().Add(l1TTL()),
	})
}

// fetchLock returns the mutex for a cache key, creating it under the global
// lock when first seen.
func (manager *Manager) fetchLock(key string) *sync.Mutex {
	manager.locker.Lock()
	defer manager.locker.Unlock()
	mutex, ok := manager.fetchLocks[key]
	if !ok {
		mutex = &sync.Mutex{}
		manager.fetchLocks[key] = mutex
	}
	return mutex
}

// FetchAndStore returns bars for the requested range, fetching from the
// provider only when the freshness policy demands it. The freshness check is
// run twice around the per-key mutex so that goroutines queued behind an
// in-flight fetch observe the populated cache on wake instead of fetching
// again.
func (manager *Manager) FetchAndStore(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "manager.FetchAndStore")
	defer span.End()

	req.Symbol = common.NormalizeSymbol(req.Symbol)
	if req.Interval == "" {
		req.Interval = Interval1Day
	}
	if !validIntervals[req.Interval] {
		return nil, ErrInvalidInterval
	}
	if req.End.Before(req.Begin) {
		return nil, ErrInvalidTimeRange
	}
	if req.Interval.Intraday() && req.End.Sub(req.Begin) > 60*24*time.Hour {
		return nil, ErrIntradayRange
	}

	key := cacheKey(req.Symbol, req.Interval, req.Begin, req.End)
	subLog := log.With().Str("Symbol", req.Symbol).Str("Interval", string(req.Interval)).Str("CacheKey", key).Logger()

	if !req.ForceRefresh {
		freshness := manager.CheckFreshnessSmart(ctx, req.Symbol, req.Begin, req.End, req.Interval, time.Now())
		if freshness.IsFresh {
			return manager.readCached(ctx, req, key, freshness)
		}
	}

	mutex := manager.fetchLock(key)
	mutex.Lock()
	defer mutex.Unlock()

	freshness := manager.CheckFreshnessSmart(ctx, req.Symbol, req.Begin, req.End, req.Interval, time.Now())
	if !req.ForceRefresh && freshness.IsFresh {
		return manager.readCached(ctx, req, key, freshness)
	}

	fetchStart := fetchWindowStart(req, freshness)
	subLog.Debug().Str("Reason", freshness.Reason).Time("FetchStart", fetchStart).Msg("fetching bars from provider")

	bars, err := manager.provider.FetchPriceData(ctx, req.Symbol, req.Interval, fetchStart, req.End, req.IncludePrePost)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider fetch failed")
		subLog.Error().Stack().Err(err).Msg("could not fetch bars from provider")
		return nil, err
	}

	if len(bars) == 0 {
		// provider confirms nothing newer exists; stamp the range so the
		// next freshness check does not fetch again
		if err := manager.store.UpdateLastFetchedAt(ctx, req.Symbol, req.Interval, req.Begin, req.End); err != nil {
			subLog.Warn().Stack().Err(err).Msg("could not update last fetched time")
		}
	} else {
		stats, err := manager.store.UpsertBars(ctx, req.Symbol, req.Interval, bars)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upsert failed")
			subLog.Error().Stack().Err(err).Msg("could not store fetched bars")
			return nil, err
		}
		subLog.Debug().Int("Inserted", stats.Inserted).Int("Updated", stats.Updated).Msg("stored fetched bars")
	}

	full, err := manager.store.GetBarsInRange(ctx, req.Symbol, req.Interval, req.Begin, req.End)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not read stored bars")
		subLog.Error().Stack().Err(err).Msg("could not read stored bars")
		return nil, err
	}

	manager.setL1(key, full)
	return &FetchResult{
		Bars:         full,
		CacheHit:     false,
		HitType:      HitMiss,
		MarketStatus: freshness.MarketStatus,
	}, nil
}

// fetchWindowStart widens a staleness-triggered refetch so that recent bars
// are re-pulled and retroactive split or dividend adjustments overwrite the
// stored values. The window never reaches before the requested begin.
func fetchWindowStart(req *FetchRequest, freshness *FreshnessResult) time.Time {
	start := freshness.FetchStartDate
	if req.ForceRefresh || start.IsZero() {
		return req.Begin
	}
	if widened := req.End.Add(-req.Interval.deltaWindow()); widened.Before(start) {
		start = widened
	}
	if start.Before(req.Begin) {
		start = req.Begin
	}
	return start
}

func (manager *Manager) readCached(ctx context.Context, req *FetchRequest, key string, freshness *FreshnessResult) (*FetchResult, error) {
	if bars, ok := manager.getL1(key); ok {
		return &FetchResult{
			Bars:         bars,
			CacheHit:     true,
			HitType:      HitL1,
			MarketStatus: freshness.MarketStatus,
		}, nil
	}

	bars, err := manager.store.GetBarsInRange(ctx, req.Symbol, req.Interval, req.Begin, req.End)
	if err != nil {
		log.Error().Stack().Err(err).Str("Symbol", req.Symbol).Msg("could not read cached bars")
		return nil, err
	}

	manager.setL1(key, bars)
	return &FetchResult{
		Bars:         bars,
		CacheHit:     true,
		HitType:      HitStore,
		MarketStatus: freshness.MarketStatus,
	}, nil
}

// GetBars is the common read path: returns the bars for a range, fetching
// and caching as needed.
func (manager *Manager) GetBars(ctx context.Context, symbol string, interval Interval, begin, end time.Time) ([]*PriceBar, error) {
	result, err := manager.FetchAndStore(ctx, &FetchRequest{
		Symbol:   symbol,
		Interval: interval,
		Begin:    begin,
		End:      end,
	})
	if err != nil {
		return nil, err
	}
	return result.Bars, nil
}

// notFoundMarker is cached under a symbol's info key after the provider
// confirms the symbol does not exist, so repeated lookups stay local.
var notFoundMarker = []byte("!")

// GetSymbolInfo resolves company name, sector, and exchange for a symbol.
// Lookups go through the byte cache, then the sector store, then the
// provider; provider results are persisted for next time.
func (manager *Manager) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "manager.GetSymbolInfo")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Logger()
	key := fmt.Sprintf("symbolinfo:%s", symbol)

	if bytes, err := common.CacheGet(key); err == nil {
		if string(bytes) == string(notFoundMarker) {
			return nil, ErrSymbolNotFound
		}
		info := &SymbolInfo{}
		if err := json.Unmarshal(bytes, info); err == nil {
			return info, nil
		}
		subLog.Warn().Msg("could not decode cached symbol info; refetching")
	}

	if info, err := manager.store.GetSector(ctx, symbol); err == nil {
		cacheSymbolInfo(key, info)
		return info, nil
	}

	info, err := manager.provider.GetSymbolInfo(ctx, symbol)
	if err != nil {
		if errors.Is(err, ErrSymbolNotFound) {
			if cacheErr := common.CacheSet(key, notFoundMarker); cacheErr != nil {
				subLog.Warn().Err(cacheErr).Msg("could not cache symbol lookup failure")
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "symbol info lookup failed")
		return nil, err
	}

	if info.SectorETF == "" {
		info.SectorETF = SectorETF(info.Sector)
	}

	if err := manager.store.UpsertSector(ctx, info); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not persist symbol info")
	}
	cacheSymbolInfo(key, info)
	return info, nil
}

func cacheSymbolInfo(key string, info *SymbolInfo) {
	bytes, err := json.Marshal(info)
	if err != nil {
		log.Warn().Err(err).Msg("could not encode symbol info for cache")
		return
	}
	if err := common.CacheSet(key, bytes); err != nil {
		log.Warn().Err(err).Msg("could not cache symbol info")
	}
}

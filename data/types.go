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
	"time"

	"github.com/rs/zerolog"
)

// PriceBar is one OHLCV time slice for a symbol at a given interval. Daily
// and coarser bars carry their civil market date at midnight UTC; intraday
// bars carry the true instant in UTC.
type PriceBar struct {
	Symbol        string    `json:"symbol"`
	TS            time.Time `json:"ts"`
	Interval      Interval  `json:"interval"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	AdjustedClose float64   `json:"adjustedClose"`
	Volume        int64     `json:"volume"`
	DataSource    string    `json:"dataSource,omitempty"`
}

// MarshalZerologObject implements the log marshaller interface for zerolog
func (bar *PriceBar) MarshalZerologObject(e *zerolog.Event) {
	e.Str("Symbol", bar.Symbol).Time("TS", bar.TS).Str("Interval", string(bar.Interval)).Float64("Close", bar.Close)
}

// SymbolInfo is cached metadata for a symbol, including its sector and the
// SPDR ETF that proxies the sector.
type SymbolInfo struct {
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Sector    string `json:"sector"`
	SectorETF string `json:"sectorEtf"`
	Industry  string `json:"industry"`
	Exchange  string `json:"exchange"`
}

// UpsertStats reports how an upsert batch landed in the price store.
type UpsertStats struct {
	Inserted int
	Updated  int
}

// HitType records which cache tier satisfied a fetch.
type HitType string

const (
	HitL1    HitType = "l1"
	HitStore HitType = "store"
	HitMiss  HitType = "miss"
)

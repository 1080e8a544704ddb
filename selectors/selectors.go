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

// Package selectors implements the portfolio selection strategies that pick
// which of a day's buy candidates are actually entered. Selectors are pure:
// they see only the candidates, the current exposure, and the configured
// caps.
package selectors

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownSelector = errors.New("unknown portfolio strategy")

// Candidate is one buy signal the agent produced today.
type Candidate struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
	ATRPct float64 `json:"atr_pct"`
	Sector string  `json:"sector"`
}

// Exposure describes the portfolio state the selector must respect.
type Exposure struct {
	OpenPositions    int
	SectorCounts     map[string]int
	MaxPerSector     int // 0 disables the sector cap
	MaxOpenPositions int // 0 disables the position cap
}

// Selector orders and filters the day's candidates.
type Selector interface {
	Name() string
	Select(candidates []Candidate, exposure Exposure) []Candidate
}

// Info describes a registered selector for the discovery endpoint.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SelectorList holds registration order for the discovery endpoint.
var SelectorList = []Info{}

// SelectorMap resolves strategy names to constructors.
var SelectorMap = make(map[string]func() Selector)

// InitializeSelectorMap registers the shipped strategies.
func InitializeSelectorMap() {
	register("none", "enter every candidate in signal order", func() Selector { return &noneSelector{} })
	register("score_sector_low_atr", "score descending, prefer low volatility, sector capped", func() Selector { return &rankedSelector{name: "score_sector_low_atr", lowATRFirst: true} })
	register("score_sector_high_atr", "score descending, prefer high volatility, sector capped", func() Selector { return &rankedSelector{name: "score_sector_high_atr", lowATRFirst: false} })
	register("score_sector_moderate_atr", "prefer the middle volatility tercile, sector capped", func() Selector { return &moderateSelector{} })
}

func register(name, description string, factory func() Selector) {
	SelectorList = append(SelectorList, Info{Name: name, Description: description})
	SelectorMap[name] = factory
}

// New builds the named selector. An empty name selects none.
func New(name string) (Selector, error) {
	if name == "" {
		name = "none"
	}
	factory, ok := SelectorMap[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSelector, name)
	}
	return factory(), nil
}

// noneSelector admits everything in arrival order.
type noneSelector struct{}

func (selector *noneSelector) Name() string {
	return "none"
}

func (selector *noneSelector) Select(candidates []Candidate, _ Exposure) []Candidate {
	return candidates
}

// applyCaps walks an ordered candidate list and admits entries while the
// sector and open-position caps hold.
func applyCaps(ordered []Candidate, exposure Exposure) []Candidate {
	admitted := make([]Candidate, 0, len(ordered))
	open := exposure.OpenPositions
	sectors := make(map[string]int, len(exposure.SectorCounts))
	for sector, count := range exposure.SectorCounts {
		sectors[sector] = count
	}

	for _, candidate := range ordered {
		if exposure.MaxOpenPositions > 0 && open >= exposure.MaxOpenPositions {
			break
		}
		if exposure.MaxPerSector > 0 && candidate.Sector != "" && sectors[candidate.Sector] >= exposure.MaxPerSector {
			continue
		}
		admitted = append(admitted, candidate)
		open++
		if candidate.Sector != "" {
			sectors[candidate.Sector]++
		}
	}
	return admitted
}

// rankedSelector orders by score descending, breaking ties by ATR.
type rankedSelector struct {
	name        string
	lowATRFirst bool
}

func (selector *rankedSelector) Name() string {
	return selector.name
}

func (selector *rankedSelector) Select(candidates []Candidate, exposure Exposure) []Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		if selector.lowATRFirst {
			return ordered[i].ATRPct < ordered[j].ATRPct
		}
		return ordered[i].ATRPct > ordered[j].ATRPct
	})
	return applyCaps(ordered, exposure)
}

// moderateSelector prefers the middle ATR tercile: candidates of moderate
// volatility rank ahead of calm and wild ones, score descending within each
// band.
type moderateSelector struct{}

func (selector *moderateSelector) Name() string {
	return "score_sector_moderate_atr"
}

func (selector *moderateSelector) Select(candidates []Candidate, exposure Exposure) []Candidate {
	if len(candidates) == 0 {
		return nil
	}

	byATR := make([]Candidate, len(candidates))
	copy(byATR, candidates)
	sort.SliceStable(byATR, func(i, j int) bool { return byATR[i].ATRPct < byATR[j].ATRPct })

	tercile := len(byATR) / 3
	band := func(idx int) int {
		switch {
		case idx < tercile:
			return 1 // calm
		case idx >= len(byATR)-tercile:
			return 2 // wild
		default:
			return 0 // moderate
		}
	}

	bands := make(map[string]int, len(byATR))
	for idx, candidate := range byATR {
		bands[candidate.Symbol] = band(idx)
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		bandI, bandJ := bands[ordered[i].Symbol], bands[ordered[j].Symbol]
		if bandI != bandJ {
			return bandI < bandJ
		}
		return ordered[i].Score > ordered[j].Score
	})
	return applyCaps(ordered, exposure)
}

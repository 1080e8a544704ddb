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

// sectorETFs maps GICS sector names to the SPDR sector ETF that tracks
// them. Providers spell a few sectors differently; both spellings map to
// the same ETF.
var sectorETFs = map[string]string{
	"Technology":             "XLK",
	"Information Technology": "XLK",
	"Financial Services":     "XLF",
	"Financials":             "XLF",
	"Healthcare":             "XLV",
	"Health Care":            "XLV",
	"Consumer Cyclical":      "XLY",
	"Consumer Discretionary": "XLY",
	"Consumer Defensive":     "XLP",
	"Consumer Staples":       "XLP",
	"Energy":                 "XLE",
	"Industrials":            "XLI",
	"Basic Materials":        "XLB",
	"Materials":              "XLB",
	"Utilities":              "XLU",
	"Real Estate":            "XLRE",
	"Communication Services": "XLC",
}

// SectorETF returns the SPDR ETF proxy for a sector name, or the empty
// string when the sector is unknown.
func SectorETF(sector string) string {
	return sectorETFs[sector]
}

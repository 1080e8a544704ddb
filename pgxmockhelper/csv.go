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

// Package pgxmockhelper builds pgxmock row sets from CSV fixtures so
// store tests can share realistic price data instead of hand-building
// rows inline.
package pgxmockhelper

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pashagolub/pgxmock"
	"github.com/rs/zerolog/log"
)

type CSVRows struct {
	rows    [][]any
	header  []string
	dateCol int
}

// NewCSVRows reads a CSV fixture and converts each column according to
// typeMap ("date", "float64", "int64"); unmapped columns stay strings.
// Fixtures are test inputs, so any malformed file panics.
func NewCSVRows(csvFn string, typeMap map[string]string) *CSVRows {
	subLog := log.With().Str("CsvFn", csvFn).Logger()

	rows := &CSVRows{
		dateCol: -1,
		rows:    make([][]any, 0),
	}
	rawData, err := os.ReadFile(csvFn)
	if err != nil {
		subLog.Panic().Err(err).Msg("could not read file")
	}

	lines := strings.Split(string(rawData), "\n")

	// need at least a header and a trailing newline
	if len(lines) < 2 {
		subLog.Panic().Int("NumLines", len(lines)).Msg("input file does not have enough lines, need at least 2 (header + trailing new line)")
	}
	if lines[len(lines)-1] != "" {
		subLog.Panic().Msg("input file is missing a trailing new line")
	}

	headerRaw := lines[0]
	lines = lines[1 : len(lines)-1]
	rows.header = strings.Split(headerRaw, ",")

	for _, ll := range lines {
		cols := make([]any, len(rows.header))
		parts := strings.Split(ll, ",")
		for idx, val := range parts {
			colName := rows.header[idx]
			typeConv, ok := typeMap[colName]
			if !ok {
				cols[idx] = val
				continue
			}
			switch typeConv {
			case "date":
				parsed, err := time.Parse("2006-01-02", val)
				if err != nil {
					subLog.Panic().Err(err).Str("Val", val).Msg("could not convert val to datetime of format 2006-01-02")
				}
				cols[idx] = parsed
				rows.dateCol = idx
			case "float64":
				parsed, err := strconv.ParseFloat(val, 64)
				if err != nil {
					subLog.Panic().Err(err).Str("Val", val).Msg("could not convert val to float64")
				}
				cols[idx] = parsed
			case "int64":
				parsed, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					subLog.Panic().Err(err).Str("Val", val).Msg("could not convert val to int64")
				}
				cols[idx] = parsed
			default:
				cols[idx] = val
			}
		}
		rows.rows = append(rows.rows, cols)
	}

	return rows
}

// Between keeps only rows whose date column falls in [a, b], inclusive.
func (csvRows *CSVRows) Between(a time.Time, b time.Time) *CSVRows {
	if len(csvRows.rows) == 0 {
		return csvRows
	}
	if csvRows.dateCol == -1 {
		log.Panic().Time("a", a).Time("b", b).Msg("no date column found")
	}
	newRows := make([][]any, 0, len(csvRows.rows))
	for _, row := range csvRows.rows {
		t := row[csvRows.dateCol].(time.Time)
		if (t.Before(b) || t.Equal(b)) && (t.After(a) || t.Equal(a)) {
			newRows = append(newRows, row)
		}
	}
	csvRows.rows = newRows
	return csvRows
}

func (csvRows *CSVRows) Rows() *pgxmock.Rows {
	r := pgxmock.NewRows(csvRows.header)
	for _, row := range csvRows.rows {
		r.AddRow(row...)
	}
	return r
}

// NewBarRows loads a price-bar fixture with the column layout of the
// price_bars table.
func NewBarRows(csvFn string) *CSVRows {
	return NewCSVRows(csvFn, map[string]string{
		"ts":             "date",
		"open":           "float64",
		"high":           "float64",
		"low":            "float64",
		"close":          "float64",
		"adjusted_close": "float64",
		"volume":         "int64",
	})
}

// MockBarQuery arms db with the transaction and SELECT a bar-range read
// issues, returning the fixture rows between start and end.
func MockBarQuery(db pgxmock.PgxConnIface, csvFn string, start, end time.Time) {
	db.ExpectBegin()
	db.ExpectQuery("SELECT symbol, ts, interval").WillReturnRows(
		NewBarRows(csvFn).Between(start, end).Rows())
	db.ExpectCommit()
}

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

// Package filter builds SQL for the list endpoints' optional query
// filters. Filters arrive as `column=op.value` pairs; columns are
// whitelisted by the caller and sanitized here, values are always bound
// as parameters.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgsql"
	"github.com/jackc/pgx/v4"
)

var (
	ErrEmptyFrom       = errors.New("'from' cannot be empty")
	ErrMalformedClause = errors.New("where clauses must take the form [OP].[value]")
	ErrUnknownOperator = errors.New("unrecognized operator")
)

// BuildQuery assembles a select statement. `rawWhere` clauses are taken
// verbatim (for fixed conditions the caller owns); `where` maps column →
// `op.value` and is fully sanitized.
func BuildQuery(from string, fields []string, rawWhere []string, where map[string]string, order string) (string, []interface{}, error) {
	if from == "" {
		return "", nil, ErrEmptyFrom
	}

	stmt := &pgsql.SelectStatement{}
	for _, field := range fields {
		stmt.Select(pgx.Identifier{field}.Sanitize())
	}

	stmt.From(pgx.Identifier{from}.Sanitize())

	for _, clause := range rawWhere {
		stmt.Where(clause)
	}

	for column, condition := range where {
		parts := strings.SplitN(condition, ".", 2)
		if len(parts) != 2 {
			return "", nil, ErrMalformedClause
		}
		op, val := parts[0], parts[1]
		column = pgx.Identifier{column}.Sanitize()
		switch op {
		case "eq":
			stmt.Where(fmt.Sprintf("%s = ?", column), val)
		case "neq":
			stmt.Where(fmt.Sprintf("%s <> ?", column), val)
		case "gt":
			stmt.Where(fmt.Sprintf("%s > ?", column), val)
		case "gte":
			stmt.Where(fmt.Sprintf("%s >= ?", column), val)
		case "lt":
			stmt.Where(fmt.Sprintf("%s < ?", column), val)
		case "lte":
			stmt.Where(fmt.Sprintf("%s <= ?", column), val)
		case "like":
			stmt.Where(fmt.Sprintf("%s like ?", column), val)
		case "ilike":
			stmt.Where(fmt.Sprintf("%s ilike ?", column), val)
		default:
			return "", nil, ErrUnknownOperator
		}
	}

	if order != "" {
		stmt.Order(order)
	}

	sql, args := pgsql.Build(stmt)
	return sql, args, nil
}

// FromParams extracts the recognized filter parameters from a query-string
// map; columns outside the whitelist are ignored.
func FromParams(params map[string]string, allowed ...string) map[string]string {
	where := make(map[string]string)
	for _, column := range allowed {
		if condition, ok := params[column]; ok && condition != "" {
			where[column] = condition
		}
	}
	return where
}

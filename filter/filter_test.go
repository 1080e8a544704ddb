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

package filter_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arena-quant/aq-api/filter"
)

var _ = Describe("BuildQuery", func() {
	It("errors for an empty from", func() {
		_, _, err := filter.BuildQuery("", nil, nil, nil, "")
		Expect(err).To(MatchError(filter.ErrEmptyFrom))
	})

	It("escapes select identifiers", func() {
		sql, _, err := filter.BuildQuery("my_table", []string{"a\"a", "b"}, nil, nil, "created_at DESC")
		Expect(err).To(BeNil())
		Expect(sql).To(Equal(`select "a""a", "b" from "my_table" order by created_at DESC`))
	})

	It("binds filter values as parameters", func() {
		sql, args, err := filter.BuildQuery("recommendations", []string{"stock"}, nil,
			map[string]string{"recommendation": "eq.LONG"}, "")
		Expect(err).To(BeNil())
		Expect(sql).To(ContainSubstring(`"recommendation" = $1`))
		Expect(args).To(Equal([]interface{}{"LONG"}))
	})

	It("keeps raw clauses verbatim", func() {
		sql, _, err := filter.BuildQuery("recommendations", []string{"stock"},
			[]string{"deleted_at IS NULL"}, nil, "")
		Expect(err).To(BeNil())
		Expect(sql).To(ContainSubstring("deleted_at IS NULL"))
	})

	It("rejects malformed clauses", func() {
		_, _, err := filter.BuildQuery("t", []string{"a"}, nil, map[string]string{"a": "LONG"}, "")
		Expect(err).To(MatchError(filter.ErrMalformedClause))
	})

	It("rejects unknown operators", func() {
		_, _, err := filter.BuildQuery("t", []string{"a"}, nil, map[string]string{"a": "magic.LONG"}, "")
		Expect(err).To(MatchError(filter.ErrUnknownOperator))
	})
})

var _ = Describe("FromParams", func() {
	It("keeps only whitelisted columns", func() {
		where := filter.FromParams(map[string]string{
			"recommendation":   "eq.LONG",
			"confidence_score": "gte.70",
			"limit":            "50",
		}, "recommendation", "confidence_score")
		Expect(where).To(HaveLen(2))
		Expect(where["recommendation"]).To(Equal("eq.LONG"))
		Expect(where).ToNot(HaveKey("limit"))
	})
})

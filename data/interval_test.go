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

package data_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arena-quant/aq-api/data"
)

var _ = Describe("Interval", func() {
	DescribeTable("ParseInterval",
		func(input string, expected data.Interval, expectErr bool) {
			interval, err := data.ParseInterval(input)
			if expectErr {
				Expect(errors.Is(err, data.ErrInvalidInterval)).To(BeTrue())
				return
			}
			Expect(err).To(BeNil())
			Expect(interval).To(Equal(expected))
		},

		Entry("empty string defaults to daily", "", data.Interval1Day, false),
		Entry("daily", "1d", data.Interval1Day, false),
		Entry("one minute", "1m", data.Interval1Min, false),
		Entry("five minute", "5m", data.Interval5Min, false),
		Entry("hourly", "1h", data.Interval1Hour, false),
		Entry("weekly", "1wk", data.Interval1Week, false),
		Entry("monthly", "1mo", data.Interval1Month, false),
		Entry("unknown spelling", "7m", data.Interval(""), true),
		Entry("uppercase is not accepted", "1D", data.Interval(""), true),
	)

	DescribeTable("Intraday",
		func(interval data.Interval, expected bool) {
			Expect(interval.Intraday()).To(Equal(expected))
		},

		Entry("one minute", data.Interval1Min, true),
		Entry("thirty minute", data.Interval30Min, true),
		Entry("hourly", data.Interval1Hour, true),
		Entry("daily", data.Interval1Day, false),
		Entry("weekly", data.Interval1Week, false),
		Entry("monthly", data.Interval1Month, false),
	)
})

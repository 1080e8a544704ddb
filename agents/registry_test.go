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

package agents_test

import (
	"time"

	json "github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arena-quant/aq-api/agents"
)

var _ = Describe("agent registry", func() {
	BeforeEach(func() {
		if len(agents.AgentList) == 0 {
			agents.InitializeAgentMap()
		}
	})

	It("registers the shipped agents with metadata", func() {
		Expect(agents.AgentMap).To(HaveKey("live20"))
		Expect(agents.AgentMap).To(HaveKey("noop"))
		Expect(agents.AgentMap["live20"].Description).ToNot(BeEmpty())
		Expect(agents.AgentMap["live20"].LookbackDays).To(Equal(60))
	})

	It("rejects unknown agent names", func() {
		_, err := agents.New("does-not-exist", nil)
		Expect(err).To(MatchError(agents.ErrUnknownAgent))
	})

	It("builds a live20 agent from raw config", func() {
		agent, err := agents.New("live20", map[string]json.RawMessage{
			"min_buy_score":     json.RawMessage(`80`),
			"scoring_algorithm": json.RawMessage(`"rsi2"`),
		})
		Expect(err).To(BeNil())
		Expect(agent.Name()).To(Equal("live20"))
		Expect(agent.RequiredLookbackDays()).To(Equal(60))
	})

	It("rejects an out-of-range min_buy_score", func() {
		_, err := agents.New("live20", map[string]json.RawMessage{
			"min_buy_score": json.RawMessage(`250`),
		})
		Expect(err).ToNot(BeNil())
	})

	It("holds open positions instead of re-signalling", func() {
		agent, err := agents.New("noop", nil)
		Expect(err).To(BeNil())
		decision, err := agent.Evaluate("AAPL", nil, time.Now(), true)
		Expect(err).To(BeNil())
		Expect(decision.Action).To(Equal(agents.ActionHold))
	})
})

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

package agents

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/arena-quant/aq-api/data"
)

// NoopAgent never signals.
type NoopAgent struct{}

func NewNoopAgent(_ map[string]json.RawMessage) (Agent, error) {
	return &NoopAgent{}, nil
}

func (agent *NoopAgent) Name() string {
	return "noop"
}

func (agent *NoopAgent) RequiredLookbackDays() int {
	return 0
}

func (agent *NoopAgent) Evaluate(_ string, _ []*data.PriceBar, _ time.Time, hasOpenPosition bool) (*Decision, error) {
	if hasOpenPosition {
		return &Decision{Action: ActionHold}, nil
	}
	return &Decision{Action: ActionNoSignal}, nil
}

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
	"embed"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

//go:embed docs/*.toml
var resources embed.FS

var ErrUnknownAgent = errors.New("unknown agent")

// Info describes a registered agent for the discovery endpoint.
type Info struct {
	Name         string  `json:"name" toml:"name"`
	Description  string  `json:"description" toml:"description"`
	LookbackDays int     `json:"lookback_days" toml:"lookback_days"`
	Factory      Factory `json:"-" toml:"-"`
}

// AgentList holds registration order for the discovery endpoint.
var AgentList = []Info{}

// AgentMap resolves agent names to their registration.
var AgentMap = make(map[string]*Info)

// InitializeAgentMap registers the shipped agents.
func InitializeAgentMap() {
	Register("live20", NewLive20Agent)
	Register("noop", NewNoopAgent)
}

// Register adds an agent factory under a name, loading its metadata from the
// embedded docs.
func Register(name string, factory Factory) {
	subLog := log.With().Str("Agent", name).Logger()

	info := Info{Name: name}
	fn := fmt.Sprintf("docs/%s.toml", name)
	file, err := resources.Open(fn)
	if err != nil {
		subLog.Error().Err(err).Str("File", fn).Msg("could not open agent metadata")
	} else {
		defer file.Close()
		doc, err := io.ReadAll(file)
		if err != nil {
			subLog.Error().Err(err).Str("File", fn).Msg("could not read agent metadata")
		} else if err := toml.Unmarshal(doc, &info); err != nil {
			subLog.Error().Err(err).Str("File", fn).Msg("could not parse agent metadata")
		}
	}

	info.Factory = factory
	AgentList = append(AgentList, info)
	AgentMap[name] = &AgentList[len(AgentList)-1]
}

// New builds the named agent from its raw configuration.
func New(name string, config map[string]json.RawMessage) (Agent, error) {
	info, ok := AgentMap[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return info.Factory(config)
}

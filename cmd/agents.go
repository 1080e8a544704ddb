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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arena-quant/aq-api/agents"
	"github.com/arena-quant/aq-api/selectors"
)

func init() {
	rootCmd.AddCommand(agentsCmd)
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered trading agents and portfolio strategies",
	Run: func(_ *cobra.Command, _ []string) {
		agents.InitializeAgentMap()
		selectors.InitializeSelectorMap()

		fmt.Println("Trading agents:")
		for _, agent := range agents.AgentList {
			fmt.Printf("  %-24s %s (lookback %d days)\n", agent.Name, agent.Description, agent.LookbackDays)
		}

		fmt.Println()
		fmt.Println("Portfolio strategies:")
		for _, strategy := range selectors.SelectorList {
			fmt.Printf("  %-24s %s\n", strategy.Name, strategy.Description)
		}
	},
}

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
	"context"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arena-quant/aq-api/agents"
	"github.com/arena-quant/aq-api/arena"
	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/database"
	"github.com/arena-quant/aq-api/selectors"
)

var (
	simulateStart     string
	simulateEnd       string
	simulateCapital   float64
	simulatePosition  float64
	simulateAgentType string
)

func init() {
	simulateCmd.Flags().StringVar(&simulateStart, "start", "", "Simulation start date (YYYY-MM-DD)")
	simulateCmd.Flags().StringVar(&simulateEnd, "end", "", "Simulation end date (YYYY-MM-DD)")
	simulateCmd.Flags().Float64Var(&simulateCapital, "capital", 100_000, "Initial capital")
	simulateCmd.Flags().Float64Var(&simulatePosition, "position-size", 10_000, "Cash committed per position")
	simulateCmd.Flags().StringVar(&simulateAgentType, "agent", "live20", "Trading agent to run")
	simulateCmd.MarkFlagRequired("start")
	simulateCmd.MarkFlagRequired("end")

	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:   "simulate [flags] SYMBOL...",
	Short: "Run one simulation synchronously without the job queue",
	Args:  cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ctx := context.Background()
		common.SetupLogging()
		common.SetupCache()

		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("could not connect to database")
		}
		agents.InitializeAgentMap()
		selectors.InitializeSelectorMap()

		start, err := time.Parse("2006-01-02", simulateStart)
		if err != nil {
			log.Fatal().Str("Start", simulateStart).Msg("start must be formatted YYYY-MM-DD")
		}
		end, err := time.Parse("2006-01-02", simulateEnd)
		if err != nil {
			log.Fatal().Str("End", simulateEnd).Msg("end must be formatted YYYY-MM-DD")
		}

		symbols := append([]string{}, args...)
		common.ArrToUpper(symbols)

		store := arena.NewStore()
		sim, err := store.CreateSimulation(ctx, &arena.Simulation{
			Symbols:        symbols,
			StartDate:      start,
			EndDate:        end,
			InitialCapital: simulateCapital,
			PositionSize:   simulatePosition,
			AgentType:      simulateAgentType,
		})
		if err != nil {
			log.Fatal().Stack().Err(err).Msg("could not create simulation")
		}
		subLog := log.With().Str("SimulationID", sim.ID.String()).Logger()
		subLog.Info().Msg("created simulation")

		manager := data.GetManagerInstance()
		engine := arena.NewEngine(store, manager, manager)

		if err := engine.InitializeSimulation(ctx, sim.ID); err != nil {
			subLog.Fatal().Stack().Err(err).Msg("could not initialize simulation")
		}
		for {
			snapshot, err := engine.StepDay(ctx, sim.ID)
			if err != nil {
				subLog.Fatal().Stack().Err(err).Msg("day step failed")
			}
			if snapshot == nil {
				break
			}
			subLog.Debug().Int("Day", snapshot.DayNumber).Float64("Equity", snapshot.TotalEquity).Msg("completed day")
		}

		final, err := store.GetSimulation(ctx, sim.ID)
		if err != nil {
			subLog.Fatal().Stack().Err(err).Msg("could not load simulation results")
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(final); err != nil {
			subLog.Fatal().Err(err).Msg("could not print results")
		}
		fmt.Println()
	},
}

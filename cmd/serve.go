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
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arena-quant/aq-api/agents"
	"github.com/arena-quant/aq-api/arena"
	"github.com/arena-quant/aq-api/broker"
	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/database"
	"github.com/arena-quant/aq-api/handler"
	"github.com/arena-quant/aq-api/live20"
	"github.com/arena-quant/aq-api/loki"
	"github.com/arena-quant/aq-api/messenger"
	"github.com/arena-quant/aq-api/middleware"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
	"github.com/arena-quant/aq-api/queue"
	"github.com/arena-quant/aq-api/router"
	"github.com/arena-quant/aq-api/selectors"
	"github.com/arena-quant/aq-api/tradecron"
)

func init() {
	viper.BindEnv("server.port", "PORT")
	serveCmd.Flags().IntP("port", "p", 3000, "Port to run application server on")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	serveCmd.Flags().Bool("arena-worker", true, "Run the simulation worker in this process")
	viper.BindPFlag("worker.arena", serveCmd.Flags().Lookup("arena-worker"))

	serveCmd.Flags().Bool("live20-worker", true, "Run the screening worker in this process")
	viper.BindPFlag("worker.live20", serveCmd.Flags().Lookup("live20-worker"))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the aq-api server",
	Long:  `Run the HTTP server, job workers, and stale-job sweeper`,
	Run: func(_ *cobra.Command, _ []string) {
		ctx := context.Background()

		common.SetupLogging()
		if writer, err := loki.NewFromConfig("aqapi"); err != nil {
			log.Warn().Err(err).Msg("could not create loki writer")
		} else if writer != nil {
			log.Logger = log.Output(zerolog.MultiLevelWriter(common.LogWriter(), writer))
			defer writer.Close()
		}
		common.SetupCache()

		if viper.GetString("otlp.endpoint") != "" {
			shutdown, err := opentelemetry.Setup()
			if err != nil {
				log.Warn().Err(err).Msg("could not setup tracing")
			} else {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Warn().Err(err).Msg("could not shutdown tracing")
					}
				}()
			}
		}

		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("could not connect to database")
		}

		agents.InitializeAgentMap()
		selectors.InitializeSelectorMap()

		activeBroker, brokerKind := setupBroker(ctx)
		handler.Initialize(activeBroker, brokerKind)

		natsEnabled := viper.GetString("nats.server") != ""
		if natsEnabled {
			if err := messenger.Initialize(); err != nil {
				log.Warn().Err(err).Msg("continuing without job events")
				natsEnabled = false
			} else {
				defer messenger.Close()
			}
		}

		arenaStore := arena.NewStore()
		live20Store := live20.NewStore()
		manager := data.GetManagerInstance()

		sweeper := queue.NewSweeper(arenaStore, live20Store)
		sweeper.ResetStranded(ctx)
		sweeper.Start()
		defer sweeper.Stop()

		workers := make([]*queue.Worker, 0, 2)
		if viper.GetBool("worker.arena") {
			engine := arena.NewEngine(arenaStore, manager, manager)
			processor := arena.NewProcessor(arenaStore, engine)
			workers = append(workers, queue.NewWorker(arenaStore, processor.Process))
		}
		if viper.GetBool("worker.live20") {
			processor := live20.NewProcessor(live20Store, live20Store, manager, manager)
			workers = append(workers, queue.NewWorker(live20Store, processor.Process))
		}
		for _, worker := range workers {
			if natsEnabled {
				worker.OnTransition(messenger.PublishJobEvent)
			}
			worker.Start(ctx)
		}
		defer func() {
			for _, worker := range workers {
				worker.Stop()
			}
		}()

		go runNightlyPurge(ctx)

		app := fiber.New(fiber.Config{
			JSONEncoder: json.Marshal,
			JSONDecoder: json.Unmarshal,
		})

		// shutdown cleanly on interrupt
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-interrupt
			log.Info().Str("Signal", sig.String()).Msg("shutting down")
			if err := app.Shutdown(); err != nil {
				log.Error().Err(err).Msg("could not shutdown server")
			}
		}()

		app.Use(cors.New(cors.Config{
			AllowHeaders: "*",
			AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH",
		}))
		app.Use(middleware.NewLogger())
		router.SetupRoutes(app)

		if err := app.Listen(":" + viper.GetString("server.port")); err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}
	},
}

// setupBroker builds and validates the configured broker. Misconfiguration
// is fatal; an unreachable gateway is not.
func setupBroker(ctx context.Context) (broker.Broker, string) {
	kind := viper.GetString("broker.type")
	if kind == "" {
		kind = "mock"
	}

	b, err := broker.New(kind)
	if err != nil {
		log.Fatal().Err(err).Str("Broker", kind).Msg("could not create broker")
	}

	if kind == "ib" {
		account := viper.GetString("ib.account")
		if account == "" {
			log.Fatal().Msg("broker.type=ib requires ib.account")
		}
		if port := viper.GetInt("ib.port"); port != 0 {
			if err := broker.ValidatePortForAccount(account, port); err != nil {
				log.Fatal().Err(err).Str("Account", account).Int("Port", port).Msg("invalid broker configuration")
			}
		}
	}

	if err := b.Connect(ctx); err != nil {
		if errors.Is(err, broker.ErrAccountMismatch) {
			log.Fatal().Err(err).Msg("broker account mismatch")
		}
		log.Warn().Err(err).Str("Broker", kind).Msg("broker not connected; continuing")
	}
	return b, kind
}

// runNightlyPurge removes expired terminal jobs at each market close.
func runNightlyPurge(ctx context.Context) {
	schedule, err := tradecron.New("@close", tradecron.RegularHours)
	if err != nil {
		log.Error().Err(err).Msg("could not create purge schedule")
		return
	}

	for {
		next := schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if err := purgeExpired(ctx, purgeMaxAge()); err != nil {
				log.Error().Stack().Err(err).Msg("nightly purge failed")
			}
		}
	}
}

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

package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/database"
)

// Health returns a full health report with process and host statistics.
func Health(c *fiber.Ctx) error {
	status := "ok"
	databaseStatus := "up"
	if err := database.Ping(c.Context()); err != nil {
		status = "degraded"
		databaseStatus = "down"
	}

	report := fiber.Map{
		"status":   status,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  common.BuildVersionString(),
		"database": databaseStatus,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		report["memory_used_pct"] = vm.UsedPercent
	} else {
		log.Warn().Err(err).Msg("could not read memory statistics")
	}
	if avg, err := load.Avg(); err == nil {
		report["load"] = fiber.Map{"1m": avg.Load1, "5m": avg.Load5, "15m": avg.Load15}
	}
	if uptime, err := host.Uptime(); err == nil {
		report["host_uptime_seconds"] = uptime
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(report)
}

// Ready reports whether the process can serve traffic (database reachable).
func Ready(c *fiber.Ctx) error {
	if err := database.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// Live reports process liveness.
func Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

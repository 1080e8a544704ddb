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
	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"

	"github.com/arena-quant/aq-api/broker"
	"github.com/arena-quant/aq-api/database"
)

// AccountStatus summarises the broker session, the market data provider,
// and database connectivity.
func AccountStatus(c *fiber.Ctx) error {
	brokerStatus := broker.StatusDisconnected
	if activeBroker != nil {
		brokerStatus = activeBroker.Status()
	}

	databaseStatus := "up"
	if err := database.Ping(c.Context()); err != nil {
		databaseStatus = "down"
	}

	return c.JSON(fiber.Map{
		"broker": fiber.Map{
			"type":   brokerKind,
			"status": brokerStatus,
		},
		"market_data": fiber.Map{
			"provider": viper.GetString("marketdata.provider"),
		},
		"database": databaseStatus,
	})
}

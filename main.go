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

package main

import (
	"fmt"

	"github.com/arena-quant/aq-api/cmd"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func configureViper() {
	// local .env files take effect before viper reads the environment
	_ = godotenv.Load()

	// read config file
	viper.SetConfigName("config")
	viper.SetConfigType("toml")
	viper.AddConfigPath("/etc/aqapi/")
	viper.AddConfigPath("$HOME/.config/aqapi")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		// a config file is optional; all settings have env bindings
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error reading config file: %w", err))
		}
	}
}

func main() {
	configureViper()
	cmd.Execute()
}

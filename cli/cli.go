/*
Copyright 2017 Crunchy Data Solutions, Inc.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brunopadz/pgwire/config"
	"github.com/brunopadz/pgwire/conn"
	"github.com/brunopadz/pgwire/util/log"
)

var configPath string
var logLevel string
var logFormat string

func init() {
	mainCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	mainCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "log level")
	mainCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "", "plain", "the log output format")
	mainCmd.AddCommand(pingCmd)
	mainCmd.AddCommand(cancelCmd)
}

var mainCmd = &cobra.Command{
	Use:   "pgwire",
	Short: "A PostgreSQL wire protocol client",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.SetLevel(logLevel); err != nil {
			return err
		}
		return log.SetFormat(logFormat)
	},
}

func loadConfig() (conn.ConnectionConfig, error) {
	if configPath != "" {
		config.SetConfigPath(configPath)
	}
	return config.ReadConfig()
}

func Run() {
	if err := mainCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

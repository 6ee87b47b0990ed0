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

package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/brunopadz/pgwire/conn"
	"github.com/brunopadz/pgwire/util/log"
)

func init() {
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetDefault("host", "localhost")
	viper.SetDefault("port", 5432)
	viper.SetDefault("sslmode", "prefer")
}

// Config mirrors the yaml configuration file.
type Config struct {
	Host            string            `mapstructure:"host"`
	Port            uint16            `mapstructure:"port"`
	Database        string            `mapstructure:"database"`
	User            string            `mapstructure:"user"`
	Password        string            `mapstructure:"password,omitempty"`
	SSLMode         string            `mapstructure:"sslmode,omitempty"`
	ApplicationName string            `mapstructure:"application_name,omitempty"`
	Options         map[string]string `mapstructure:"options,omitempty"`
}

func SetConfigPath(path string) {
	viper.SetConfigFile(path)
}

// ReadConfig loads the configuration file and converts it into the
// connection configuration consumed by the protocol core.
func ReadConfig() (conn.ConnectionConfig, error) {
	log.Debugf("Reading configuration file: %s", viper.ConfigFileUsed())

	if err := viper.ReadInConfig(); err != nil {
		return conn.ConnectionConfig{}, err
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		log.Errorf("Error unmarshaling configuration file: %s", viper.ConfigFileUsed())
		return conn.ConnectionConfig{}, err
	}
	return FromFile(c)
}

// FromFile validates the raw file values and produces a ConnectionConfig.
func FromFile(c *Config) (conn.ConnectionConfig, error) {
	if c.User == "" {
		return conn.ConnectionConfig{}, fmt.Errorf("config: user is required")
	}

	sslMode := conn.SSLPrefer
	if c.SSLMode != "" {
		var err error
		if sslMode, err = conn.ParseSSLMode(c.SSLMode); err != nil {
			return conn.ConnectionConfig{}, fmt.Errorf("config: %w", err)
		}
	}

	cfg := conn.DefaultConfig()
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	cfg.Database = c.Database
	cfg.User = c.User
	cfg.Password = c.Password
	cfg.SSLMode = sslMode
	cfg.ApplicationName = c.ApplicationName
	cfg.Options = c.Options
	return cfg, nil
}

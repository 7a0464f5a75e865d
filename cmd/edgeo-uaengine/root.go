// Copyright 2025 Edgeo SCADA
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
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	fixturePath string
	logFormat   string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "edgeo-uaengine",
	Short: "OPC UA subscription engine",
	Long: `Runs the OPC UA subscription and monitored item engine against a
fixture address space.

Examples:
  edgeo-uaengine serve --listen :9464
  edgeo-uaengine subscribe -n "ns=2;s=Boiler.Level" -n "ns=2;s=Boiler.Temperature"
  edgeo-uaengine perms -n "ns=2;s=Boiler.Setpoint" -r Operator
  edgeo-uaengine token --subject alice -r Operator --ttl 1h`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&fixturePath, "fixture", "f", "", "Path to a fixture address space (default: built-in demo plant)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	viper.BindPFlag("fixture", rootCmd.PersistentFlags().Lookup("fixture"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(permsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	setDefaults(viper.GetViper())
	viper.SetEnvPrefix("OPCUA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

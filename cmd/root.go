// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd wires the akari binary's cobra commands: "client" runs the
// Initiator-side HTTP-to-UDP proxy, "server" runs the Responder.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/akariudp/akari/common"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "akari",
	Short: "AKARI-UDP tunnels HTTP request/response pairs over a reliable UDP layer",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := common.GetBuildInfo()
		fmt.Printf("akari %s (git %s, built %s)\n", info.Version, info.GitHash, info.Time)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "akari.yaml", "Configuration file path")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

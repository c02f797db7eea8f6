/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/halibiram/SimpleXray-sub004/chain"
	"github.com/halibiram/SimpleXray-sub004/common"
)

func main() {

	// Define command-line parameters

	var configFilename string
	flag.StringVar(&configFilename, "config", "", "configuration input file")

	var debug bool
	flag.BoolVar(&debug, "debug", false, "emit debug logs")

	var emitStatus bool
	flag.BoolVar(&emitStatus, "status", false, "emit JSON status snapshots to stdout")

	flag.Parse()

	logger := common.NewLogrusLogger(os.Stderr, "console", debug)

	if configFilename == "" {
		logger.WithTrace().Error("configuration file is required")
		os.Exit(1)
	}

	configJSON, err := os.ReadFile(configFilename)
	if err != nil {
		logger.WithTraceFields(common.LogFields{
			"error": err,
		}).Error("error loading configuration file")
		os.Exit(1)
	}

	config, err := chain.LoadConfig(configJSON)
	if err != nil {
		logger.WithTraceFields(common.LogFields{
			"error": err,
		}).Error("error parsing configuration file")
		os.Exit(1)
	}

	err = config.Commit()
	if err != nil {
		logger.WithTraceFields(common.LogFields{
			"error": err,
		}).Error("error committing configuration file")
		os.Exit(1)
	}

	supervisor, err := chain.NewSupervisor(config, logger)
	if err != nil {
		logger.WithTraceFields(common.LogFields{
			"error": err,
		}).Error("error initializing chain supervisor")
		os.Exit(1)
	}

	// Relay status snapshots. Delivery is drop-oldest, so a stalled
	// stdout cannot stall the supervisor.

	subscriberID, statusChannel := supervisor.Subscribe()
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		for status := range statusChannel {
			if emitStatus {
				encoded, err := json.Marshal(status)
				if err == nil {
					fmt.Fprintf(os.Stdout, "%s\n", encoded)
				}
			}
			logger.WithTraceFields(common.LogFields{
				"chain":          status.Name,
				"state":          status.State.String(),
				"overallHealthy": status.OverallHealthy,
			}).Info("chain status")
		}
	}()

	// Accept SIGINT (Ctrl-C) and SIGTERM to stop the chain and exit.

	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)

	err = supervisor.Start()
	if err != nil {
		logger.WithTraceFields(common.LogFields{
			"error": err,
		}).Error("error starting chain")
		supervisor.Unsubscribe(subscriberID)
		<-statusDone
		os.Exit(1)
	}

	logger.WithTraceFields(common.LogFields{
		"chain": config.ChainName,
	}).Info("chain running")

	<-systemStopSignal

	logger.WithTrace().Info("shutdown signal received")

	err = supervisor.Stop()
	if err != nil {
		logger.WithTraceFields(common.LogFields{
			"error": err,
		}).Warning("error stopping chain")
	}

	supervisor.Unsubscribe(subscriberID)
	<-statusDone

	logger.WithTrace().Info("exiting")
}

// thermd is a heater regulation daemon: it samples temperature
// sensors, drives heater outputs with PID or bang-bang control, and
// shuts everything down on sensor faults or thermal runaway.
//
// Usage:
//
//	thermd -config /etc/thermd.cfg [options]
//
// Options:
//
//	-config string   Configuration file (required)
//	-loglevel string Log level: debug, info, warn, error (default "info")
//	-logfile string  Log file path (default: stderr)
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"thermd/pkg/config"
	"thermd/pkg/daemon"
	"thermd/pkg/log"
)

func main() {
	configFile := flag.String("config", "", "Configuration file (required)")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("thermd")
	logger.SetLevel(log.ParseLevel(*logLevel))
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("config: %v", err)
		os.Exit(1)
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("setup: %v", err)
		os.Exit(1)
	}

	if err := d.Start(); err != nil {
		logger.Error("start: %v", err)
		d.Stop("startup_failure")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
		d.Stop(sig.String())
	case err := <-d.ServerErr():
		if err != nil {
			logger.Error("status server: %v", err)
			d.Stop("server_failure")
			os.Exit(1)
		}
	}
}

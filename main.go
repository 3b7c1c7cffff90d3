// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

// vpmem is a userspace daemon exposing a host-backed persistent memory range
// as a byte-addressable device with an explicit durability protocol. The
// range announced by the host is served through memory mappings of a backing
// descriptor and flush requests travel to the host endpoint over a bounded
// command queue.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/vpmem contains the device core and its sub-packages: region
// (physical window access), flush (durability request engine), cmdq (the
// bounded command channel) and hostsim (the in-process host endpoint). See
// the package descriptions in the source code for more details.
//
// - internal/config contains the configuration package shared by the whole
// daemon.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkuro-tii/vpmem/internal/config"
	"github.com/jkuro-tii/vpmem/internal/vpmem"
)

// Parse configuration from file and environment variables, create the vpmem
// device and serve flush requests until SIGINT or SIGTERM asks for a
// graceful stop. SIGUSR1 triggers a manual durability flush, and an optional
// periodic flush loop commits the region on a timer.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	device, err := vpmem.NewWithDefaults()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	registerSigUSR1Handler(device)

	if config.Cfg.Flush.Interval > 0 {
		go flushLoop(device, time.Duration(config.Cfg.Flush.Interval)*time.Second)
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan

	log.Info().Msg("Received interrupt, stopping vpmem device!")

	if err := device.Close(); err != nil {
		log.Warn().Err(err).Send()
	}
}

// Register SIGUSR1 as a trigger for a manual flush.
func registerSigUSR1Handler(device *vpmem.Device) {
	flushChan := make(chan os.Signal, 1)
	signal.Notify(flushChan, syscall.SIGUSR1)

	go func() {
		for range flushChan {
			log.Info().Msg("Manual flush started.")
			if err := device.Flush(); err != nil {
				log.Warn().Err(err).Msg("Manual flush failed.")
				continue
			}
			log.Info().Msg("Manual flush finished.")
		}
	}()
}

// Periodic durability loop. Cheap when nothing was written, hence can run
// regularly.
func flushLoop(device *vpmem.Device, interval time.Duration) {
	for {
		time.Sleep(interval)

		log.Trace().Msg("Periodic flush started.")
		if err := device.Flush(); err != nil {
			log.Warn().Err(err).Msg("Periodic flush failed.")
			continue
		}
		log.Trace().Msg("Periodic flush finished.")
	}
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

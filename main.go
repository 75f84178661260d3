// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// jbs is a userspace daemon running a journaled, versioned block store over
// three local storage regions: a data device, a metadata device and a
// journal device. Higher layers (cluster clients, gateways) talk to the
// engine through its asynchronous operation API; this binary is the host
// harness that configures, runs and gracefully stops one engine instance.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/blockstore contains the engine: the submission loop, the
// journal, the dirty and clean databases, the allocator and the background
// flusher. See the package descriptions in the source code for more details.
//
// - internal/null contains trivial implementation of the engine which does
// nothing but correctly. It can be used for benchmarking the host harness.
// The null implementation is part of jbs because it shares configuration and
// makes benchmarking easier and without code duplication.
//
// - internal/config contains configuration package which is common for both,
// blockstore and null implementations.
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

	"github.com/asch/jbs/internal/blockstore"
	"github.com/asch/jbs/internal/config"
	"github.com/asch/jbs/internal/null"
)

// Engine is what the harness drives: the blockstore or its null stand-in.
type Engine interface {
	EnqueueOp(op *blockstore.Op)
	Run()
	Stop()
	Close()
	IsSafeToStop() bool
	IsStalled() bool
}

// Parse configuration from file and environment variables, open the engine
// and run its loop until SIGINT or SIGTERM asks for a graceful stop.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	engine, err := getEngine(config.Cfg.Null)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	done := make(chan struct{})
	go func() {
		engine.Run()
		close(done)
	}()

	waitForStopSignal()

	// Drain before stopping: the first IsSafeToStop injects a terminal
	// sync when something is still unsynced.
	for !engine.IsSafeToStop() {
		time.Sleep(10 * time.Millisecond)
	}

	engine.Stop()
	<-done
	engine.Close()

	log.Info().Msg("Engine stopped.")
}

// Return null engine if user wants it, otherwise the blockstore, which is
// default.
func getEngine(wantNullEngine bool) (Engine, error) {
	if wantNullEngine {
		return null.NewNull(), nil
	}

	return blockstore.Open(config.Cfg.Disk)
}

// Blocks until SIGINT or SIGTERM comes in.
func waitForStopSignal() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
	log.Info().Msg("Received interrupt, stopping engine.")
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

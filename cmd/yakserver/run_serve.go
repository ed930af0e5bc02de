// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yakdb/yakdb/asyncjob"
	"github.com/yakdb/yakdb/config"
	"github.com/yakdb/yakdb/engine/memengine"
	"github.com/yakdb/yakdb/logserver"
	"github.com/yakdb/yakdb/router"
	"github.com/yakdb/yakdb/tableadmin"
	"github.com/yakdb/yakdb/tablespace"
	"github.com/yakdb/yakdb/workers"
)

// updatePoolSize and readPoolSize mirror DefaultPoolSize but are kept
// as separate named constants since the two pool roles are expected
// to be tuned independently once real workloads are observed.
const (
	updatePoolSize = workers.DefaultPoolSize
	readPoolSize   = workers.DefaultPoolSize
)

func runServe(args []string) {
	opt, err := config.Load(args)
	if err != nil {
		log.New(os.Stderr, "", 0).Fatalf("yakserver: %s", err)
	}

	logSrv, logInput := buildLogServer(opt)
	go logSrv.Run()
	defer logSrv.Stop()

	logger := log.New(os.Stderr, "", log.Lshortfile)

	defaultOpts, err := opt.EngineDefaults()
	if err != nil {
		logger.Fatalf("parsing default table options: %s", err)
	}

	if err := os.MkdirAll(opt.RootDir, 0o755); err != nil {
		logger.Fatalf("creating root dir %s: %s", opt.RootDir, err)
	}

	space := tablespace.New(
		tablespace.WithFactory(memengine.Factory{}),
		tablespace.WithRootDir(opt.RootDir),
		tablespace.WithLogger(logger),
	)
	space.Start()
	defer space.Stop()

	adminSrv := tableadmin.NewServer(space, memengine.Factory{},
		tableadmin.WithLogger(logger),
		tableadmin.WithDefaultOptions(defaultOpts),
	)
	go adminSrv.Run()
	defer adminSrv.Stop()

	apidPath := opt.RootDir + "/next-apid"
	counter, err := asyncjob.OpenAPIDCounter(apidPath)
	if err != nil {
		logger.Fatalf("opening apid counter: %s", err)
	}
	defer counter.Close()

	asyncRouter := asyncjob.NewRouter(counter, asyncjob.WithLogger(logger))
	go asyncRouter.Run()
	defer asyncRouter.Stop()

	deps := router.Deps{
		Space: space,
		Admin: adminSrv.Requests(),
		Async: asyncRouter.Requests(),
	}
	srv, err := router.New(opt.RouterEndpoint, opt.ExternalHWM, deps, logger)
	if err != nil {
		logger.Fatalf("starting router: %s", err)
	}
	defer srv.Close()

	proxy := srv.Deps().Proxy
	updatePool := workers.NewPool(updatePoolSize, proxy)
	readPool := workers.NewPool(readPoolSize, proxy)
	defer updatePool.Stop()
	defer readPool.Stop()
	srv.SetWorkerPools(updatePool, readPool)

	logInput <- logserver.NewRecord(logserver.Info, nowMilli(), "yakserver", "listening on "+opt.RouterEndpoint)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		srv.Stop()
	}()

	if err := srv.Serve(); err != nil {
		logger.Fatalf("serve: %s", err)
	}
}

func buildLogServer(opt *config.Options) (*logserver.Server, chan<- logserver.Record) {
	threshold := logserver.Info
	switch opt.LogLevel {
	case "critical":
		threshold = logserver.Critical
	case "error":
		threshold = logserver.Error
	case "warn":
		threshold = logserver.Warn
	case "info":
		threshold = logserver.Info
	case "debug":
		threshold = logserver.Debug
	case "trace":
		threshold = logserver.Trace
	}

	sinks := []logserver.Sink{logserver.NewStderrSink()}
	if opt.LogFile != "" {
		if fileSink, err := logserver.NewFileSink(opt.LogFile); err == nil {
			sinks = append(sinks, fileSink)
		}
	}
	if opt.ArchiveDir != "" {
		if archiveSink, err := logserver.NewArchiveSink(opt.ArchiveDir, 0); err == nil {
			sinks = append(sinks, archiveSink)
		}
	}
	srv := logserver.New(threshold, sinks...)
	return srv, srv.Input()
}

func nowMilli() int64 { return time.Now().UnixMilli() }

// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a load agent that joins an allocator, periodically reports its
measurement and current allocation, and enforces allocations it receives
subject to a local cap.

For usage details, run load with the command line flag -h or --help.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartgrid-sim/agentcore/agent"
	"github.com/smartgrid-sim/agentcore/clog"
	"github.com/smartgrid-sim/agentcore/codec"
	"github.com/smartgrid-sim/agentcore/config"
	"github.com/smartgrid-sim/agentcore/load"
	"github.com/smartgrid-sim/agentcore/transport"
)

func main() {
	var endpoint, allocatorEndpoint, mode, cfgPath string
	var help, logOutput bool
	var errorRate, pMax float64

	flag.Usage = usage
	flag.StringVar(&endpoint, "e", "127.0.0.1:5100", "local endpoint (host:port) to listen on")
	flag.StringVar(&allocatorEndpoint, "a", "127.0.0.1:5000", "allocator endpoint (host:port) to join")
	flag.StringVar(&mode, "t", "udp", "transport mode: udp or tcp")
	flag.StringVar(&cfgPath, "f", "", "path to a TOML config file overriding timeout/period defaults")
	flag.Float64Var(&errorRate, "r", 1, "ErrorModel keep-rate in [0,1]; 1 disables loss injection")
	flag.Float64Var(&pMax, "p", 3, "initial local cap on active power, kW")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&logOutput, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}
	if logOutput {
		clog.Enable()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.ErrorRate = errorRate

	logger := clog.New("load %s", endpoint)

	var model *transport.ErrorModel
	if cfg.ErrorRate < 1 {
		model = transport.NewErrorModel(cfg.ErrorRate, time.Now().UnixNano())
	}

	var tp transport.Transport
	switch mode {
	case "tcp":
		tp = transport.NewTCP(logger, model)
	case "udp":
		tp = transport.NewUDP(logger, model)
	default:
		fmt.Fprintf(os.Stderr, "unknown transport mode %q\n", mode)
		os.Exit(1)
	}

	rt := agent.New(agent.RoleLoad, codec.Endpoint(endpoint), tp, logger)
	fsm := load.New(rt, logger, cfg.JoinAckTimeout, cfg.UpdateMeasurePeriod, cfg.ReportMeasurePeriod, cfg.GenerateAllocPeriod, codec.Allocation{P: pMax, Duration: cfg.GenerateAllocPeriod.Seconds()})

	// Default callbacks for a standalone run: the local cap is left
	// unchanged every cycle, and the reported measure is a nominal per-unit
	// voltage. Embedding applications wire real measurement/generation
	// logic through these same fields (spec §4.6).
	fsm.GenerateAllocationsFn = func(_ codec.Endpoint, _ codec.Allocation, _ time.Time) codec.Allocation {
		return codec.Allocation{P: pMax, Duration: cfg.GenerateAllocPeriod.Seconds()}
	}
	fsm.UpdateMeasureCBFn = func(_ codec.Allocation, _ codec.Endpoint, _ time.Time) float64 {
		return 1.0
	}
	fsm.JoinedCallbackFn = func(local, remote codec.Endpoint) {
		logger.Printf("joined allocator %s as %s", remote, local)
	}

	rt.SetReceiveHandler(fsm.Receive)

	if err := rt.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed starting load on %s: %v\n", endpoint, err)
		os.Exit(1)
	}

	fsm.SendJoin(codec.Endpoint(allocatorEndpoint))
	fsm.Start()

	fmt.Printf("Load %s joining allocator %s (%s transport)...\n", endpoint, allocatorEndpoint, mode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Terminating load...")
	rt.Stop()
}

func usage() {
	fmt.Printf(`usage: load [-h|--help] [-l] [-e endpoint] [-a allocatorEndpoint] [-t udp|tcp] [-f config.toml]

Starts a load agent that joins an allocator and reports measurements.

Flags:
`)
	flag.PrintDefaults()
}

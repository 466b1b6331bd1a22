// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts an allocator agent that accepts joins from load agents, runs a
PI or OPF-driven controller over their reported voltages, and dispatches
curtailment allocations back to them.

For usage details, run allocator with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartgrid-sim/agentcore/agent"
	"github.com/smartgrid-sim/agentcore/allocator"
	"github.com/smartgrid-sim/agentcore/clog"
	"github.com/smartgrid-sim/agentcore/codec"
	"github.com/smartgrid-sim/agentcore/config"
	"github.com/smartgrid-sim/agentcore/controller"
	"github.com/smartgrid-sim/agentcore/powerflow"
	"github.com/smartgrid-sim/agentcore/transport"
)

// registryDrivenStrategy adapts a controller.Strategy to the allocator's live
// node registry: the standalone binary has no out-of-band fleet config, so
// the controllable set is exactly whichever nodes have joined by the time of
// a given tick (spec §4.5/§4.7), each carrying the nameplate capacity given
// on the command line.
type registryDrivenStrategy struct {
	inner controller.Strategy
	fsm   *allocator.FSM
	pMax  float64
}

func (s *registryDrivenStrategy) Tick(net powerflow.Snapshot, alloc controller.AllocatorHandle, vq *controller.VoltageQueue, dutyCycle time.Duration, maxVM float64) {
	nodes := s.fsm.Nodes()
	controllables := make([]controller.Controllable, 0, len(nodes))
	for ep := range nodes {
		controllables = append(controllables, controller.Controllable{Node: ep, PMax: s.pMax})
	}
	switch strat := s.inner.(type) {
	case *controller.PI:
		strat.Controllables = controllables
	case *controller.OPF:
		strat.Controllables = controllables
	}
	s.inner.Tick(net, alloc, vq, dutyCycle, maxVM)
}

func main() {
	var endpoint, mode, strategy, cfgPath string
	var help, log bool
	var errorRate, maxVM, dutyCycleSec, pMax float64

	flag.Usage = usage
	flag.StringVar(&endpoint, "e", "127.0.0.1:5000", "local endpoint (host:port) to listen on")
	flag.StringVar(&mode, "t", "udp", "transport mode: udp or tcp")
	flag.StringVar(&strategy, "s", "pi", "control strategy: pi or opf")
	flag.StringVar(&cfgPath, "f", "", "path to a TOML config file overriding timeout/period defaults")
	flag.Float64Var(&errorRate, "r", 1, "ErrorModel keep-rate in [0,1]; 1 disables loss injection")
	flag.Float64Var(&maxVM, "v", 1.05, "maximum acceptable voltage, per-unit")
	flag.Float64Var(&dutyCycleSec, "c", 5, "controller duty cycle, seconds")
	flag.Float64Var(&pMax, "p", 10, "nameplate active-power capacity per controllable load, kW")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}
	if log {
		clog.Enable()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.ErrorRate = errorRate

	logger := clog.New("allocator %s", endpoint)

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

	rt := agent.New(agent.RoleAllocator, codec.Endpoint(endpoint), tp, logger)
	fsm := allocator.New(rt, logger, cfg.StopAckTimeout, cfg.AllocAckTimeout)
	rt.SetReceiveHandler(fsm.Receive)

	if err := rt.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed starting allocator on %s: %v\n", endpoint, err)
		os.Exit(1)
	}

	vq := controller.NewVoltageQueue(256, logger)
	fsm.SetAllocationUpdated(func(rec allocator.NodeRecord, src codec.Endpoint) {
		vq.Push(controller.VoltageObservation{Node: src, VPU: rec.Measure})
	})

	var strat controller.Strategy
	switch strategy {
	case "pi":
		strat = controller.NewPI(cfg.ControlSigma, cfg.ControlTau, nil)
	case "opf":
		solver := powerflow.SolverFunc(func(_ powerflow.Snapshot, loads []powerflow.Setpoint) (powerflow.Result, error) {
			return powerflow.Result{Converged: false}, fmt.Errorf("no power-flow solver wired: external collaborator per spec §1")
		})
		strat = controller.NewOPF(solver, nil, true, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown control strategy %q\n", strategy)
		os.Exit(1)
	}

	// The node registry changes while the allocator runs (joins and
	// curr_allocation reports add nodes, leave and stop_ack remove them),
	// so the controllable set is re-derived from it on every tick rather
	// than fixed at startup.
	driven := &registryDrivenStrategy{inner: strat, fsm: fsm, pMax: pMax}

	ctrlCtx, stopCtrl := context.WithCancel(context.Background())
	go controller.Run(ctrlCtx, driven, nil, fsm, vq, time.Duration(dutyCycleSec*float64(time.Second)), maxVM)

	fmt.Printf("Allocator listening on %s (%s transport, %s strategy)...\n", endpoint, mode, strategy)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Terminating allocator, running shutdown sequence...")
	stopCtrl()
	fsm.StopNetwork()
}

func usage() {
	fmt.Printf(`usage: allocator [-h|--help] [-l] [-e endpoint] [-t udp|tcp] [-s pi|opf] [-f config.toml]

Starts an allocator agent accepting joins from load agents.

Flags:
`)
	flag.PrintDefaults()
}

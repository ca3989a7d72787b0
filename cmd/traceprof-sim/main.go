// Copyright 2024 The Traceprof Authors
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
//

// Command traceprof-sim soaks the profiling core against the simulated
// VM: a synthetic workload enters and exits span contexts while emitted
// stack samples flow through start/collect cycles. Collect results and
// internal metrics are the output; there is no real VM and no exporter.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/traceprof-dev/traceprof-agent/pkg/buildinfo"
	"github.com/traceprof-dev/traceprof-agent/pkg/logger"
	"github.com/traceprof-dev/traceprof-agent/pkg/pprof"
	"github.com/traceprof-dev/traceprof-agent/pkg/profiler/cpu"
	"github.com/traceprof-dev/traceprof-agent/pkg/profiler/heap"
	"github.com/traceprof-dev/traceprof-agent/pkg/vm"
	"github.com/traceprof-dev/traceprof-agent/pkg/vm/vmsim"
)

type flags struct {
	LogLevel  string `default:"info" enum:"error,warn,info,debug" help:"Log level."`
	LogFormat string `default:"logfmt" enum:"logfmt,json" help:"Log format."`

	HTTPAddress string `default:":7071" help:"Address to bind HTTP server for metrics."`

	SamplingIntervalMicroseconds int32         `default:"10000" help:"CPU sampling interval forwarded to the simulated VM."`
	CollectInterval              time.Duration `default:"10s" help:"How often to rotate and collect the CPU profile."`
	Duration                     time.Duration `default:"0" help:"Exit after this long; 0 runs until interrupted."`

	MemoryProfiling bool `default:"true" help:"Also run the heap allocation collector."`
	Pprof           bool `default:"false" help:"Convert each collect result to pprof and log the payload size."`
}

func main() {
	f := flags{}
	kong.Parse(&f, kong.Name("traceprof-sim"))

	l := logger.NewLogger(f.LogLevel, f.LogFormat, "traceprof-sim")

	intro := figure.NewColorFigure("Traceprof Sim", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(l).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(l).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if bi, err := buildinfo.FetchBuildInfo(); err == nil {
		level.Info(l).Log("msg", "starting", "revision", bi.VcsRevision, "goos", bi.GoOs, "goarch", bi.GoArch)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := run(l, reg, f); err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
	level.Info(l).Log("msg", "exited")
}

func run(l log.Logger, reg *prometheus.Registry, f flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if f.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.Duration)
		defer cancel()
	}

	var g okrun.Group

	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: f.HTTPAddress, Handler: mux}

		g.Add(func() error {
			level.Info(l).Log("msg", "http server listening", "addr", f.HTTPAddress)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	{
		g.Add(func() error {
			return simulate(ctx, l, reg, f)
		}, func(error) {
			cancel()
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	var serr okrun.SignalError
	if errors.As(err, &serr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// workload is the canned stack corpus the simulated VM samples from.
var workload = [][]vmsim.Frame{
	{
		{Function: "computeDigest", Script: "digest.js", Line: 18, Column: 5},
		{Function: "handleRequest", Script: "server.js", Line: 42, Column: 3},
		{Function: "main", Script: "index.js", Line: 1, Column: 1},
	},
	{
		{Function: "queryUsers", Script: "db.js", Line: 77, Column: 9},
		{Function: "handleRequest", Script: "server.js", Line: 42, Column: 3},
		{Function: "main", Script: "index.js", Line: 1, Column: 1},
	},
	{
		{Function: "", Script: "", Line: 3, Column: 11},
		{Function: "renderTemplate", Script: "view.js", Line: 12, Column: 2},
		{Function: "main", Script: "index.js", Line: 1, Column: 1},
	},
}

// simulate owns all core state. Everything runs on this one goroutine,
// matching the single-threaded contract of the profiler core.
func simulate(ctx context.Context, l log.Logger, reg *prometheus.Registry, f flags) error {
	clock := vm.NewSystemClock()
	engine := vmsim.NewEngine(clock)

	registry := cpu.NewRegistry(l, reg, engine, clock)
	handle, err := registry.Start(cpu.Options{
		Name:                   "traceprof-sim",
		SamplingIntervalMicros: f.SamplingIntervalMicroseconds,
	})
	if err != nil {
		return err
	}

	heapProfiler := engine.HeapProfiler().(*vmsim.HeapProfiler)
	collector := heap.NewCollector(l, reg, heapProfiler, clock)
	if f.MemoryProfiling {
		if err := collector.Start(heap.Options{}); err != nil {
			return err
		}
	}

	sampleInterval := time.Duration(f.SamplingIntervalMicroseconds) * time.Microsecond
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	collectTicker := time.NewTicker(f.CollectInterval)
	defer collectTicker.Stop()

	var (
		tick       uint64
		spanSeq    uint64
		heapSeq    uint64
		inSpan     bool
		contextKey = uint32(1)
	)

	for {
		select {
		case <-ctx.Done():
			if res := registry.Stop(handle); res != nil {
				level.Info(l).Log("msg", "final collect", "stacktraces", len(res.Stacktraces))
			}
			if f.MemoryProfiling {
				collector.Stop()
			}
			return ctx.Err()

		case <-ticker.C:
			tick++

			// Toggle a span roughly every 20 samples so some samples
			// land inside activations and some do not.
			if tick%20 == 0 {
				if inSpan {
					registry.ExitContext(contextKey)
				} else {
					spanSeq++
					traceID := fmt.Sprintf("%032x", spanSeq)
					spanID := fmt.Sprintf("%016x", spanSeq)
					registry.EnterContext(contextKey, traceID, spanID)
				}
				inSpan = !inSpan
			}

			engine.EmitSample(workload[tick%uint64(len(workload))]...)

		case <-collectTicker.C:
			res := registry.Collect(handle)
			if res == nil {
				continue
			}

			matched := 0
			for _, st := range res.Stacktraces {
				if st.TraceID != nil {
					matched++
				}
			}
			level.Info(l).Log(
				"msg", "collected cpu profile",
				"stacktraces", len(res.Stacktraces),
				"matched", matched,
				"start_duration", time.Duration(res.ProfilerStartDuration),
				"stop_duration", time.Duration(res.ProfilerStopDuration),
				"processing_duration", time.Duration(res.ProfilerProcessingStepDuration),
			)

			if f.Pprof {
				p, err := pprof.FromCollectResult(res, sampleInterval)
				if err != nil {
					level.Warn(l).Log("msg", "pprof conversion failed", "err", err)
				} else if raw, err := pprof.Marshal(p); err == nil {
					level.Info(l).Log("msg", "pprof payload", "size", humanize.Bytes(uint64(len(raw))))
				}
			}

			if f.MemoryProfiling {
				heapSeq++
				heapProfiler.SetAllocationProfile(simulatedAllocations(heapSeq))
				if hres := collector.Collect(); hres != nil {
					level.Info(l).Log(
						"msg", "collected heap profile",
						"new_samples", len(hres.Samples),
						"nodes", len(hres.TreeMap),
					)
				}
			}
		}
	}
}

// simulatedAllocations fabricates an allocation profile whose sample
// ids slide forward each cycle, exercising the delta and eviction
// paths.
func simulatedAllocations(seq uint64) *vm.AllocationProfile {
	alloc := &vm.AllocationNode{Name: "allocBuffer", ScriptName: "buffer.js", LineNumber: 12, NodeID: 3}
	handler := &vm.AllocationNode{Name: "handleRequest", ScriptName: "server.js", LineNumber: 42, NodeID: 2, Children: []*vm.AllocationNode{alloc}}
	root := &vm.AllocationNode{Name: "(root)", NodeID: 1, Children: []*vm.AllocationNode{handler}}

	profile := &vm.AllocationProfile{Root: root}
	for i := uint64(0); i < 4; i++ {
		profile.Samples = append(profile.Samples, vm.AllocationSample{
			SampleID: seq + i,
			NodeID:   3,
			Size:     4096,
			Count:    1 + i,
		})
	}
	return profile
}

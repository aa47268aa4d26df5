// Package profilers installs profiling flags on the command line tools.
//
// With -prof the pprof HTTP handlers are served on the given port, with -cpu_profile and -mem_profile
// the CPU and heap profiles are written to files. None is enabled by default.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves the pprof HTTP handlers on the given port, and keeps the program alive at the end.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write CPU profile to `file`.")
	flagMemProfile = flag.String("mem_profile", "", "Write heap profile to `file` at exit.")
)

// Profilers holds the state of the profilers started by Setup.
type Profilers struct {
	ctx          context.Context
	httpAddr     string
	cpuProfile   *os.File
	heapFilePath string
}

// Setup starts the profilers configured by the flags. It should be followed by a deferred call to OnQuit.
func Setup(ctx context.Context) (*Profilers, error) {
	p := &Profilers{ctx: ctx, heapFilePath: *flagMemProfile}
	if *flagProfiler >= 0 {
		p.httpAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
		klog.Infof("Serving profiler on http://%s/debug/pprof", p.httpAddr)
		go func() {
			klog.Errorf("Profiler HTTP server: %v", http.ListenAndServe(p.httpAddr, nil))
		}()
	}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			return nil, errors.Wrapf(err, "creating CPU profile file")
		}
		if err = pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "starting CPU profile")
		}
		p.cpuProfile = f
	}
	return p, nil
}

// OnQuit stops the CPU profile and writes the heap profile. If the HTTP profiler is enabled, it keeps
// the program alive until the context of Setup is done.
func (p *Profilers) OnQuit() {
	if p.cpuProfile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuProfile.Close(); err != nil {
			klog.Errorf("Closing CPU profile: %v", err)
		}
	}
	if p.heapFilePath != "" {
		if err := writeHeapProfile(p.heapFilePath); err != nil {
			klog.Errorf("Heap profile: %v", err)
		}
	}
	if p.httpAddr == "" || p.ctx.Err() != nil {
		return
	}
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	klog.Infof("Program finished: kept alive with profiler at http://%s/debug/pprof, interrupt (Ctrl+C) to exit", p.httpAddr)
	<-p.ctx.Done()
}

func writeHeapProfile(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating heap profile file")
	}
	runtime.GC()
	if err = pprof.WriteHeapProfile(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing heap profile to %q", filePath)
	}
	return f.Close()
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// App is a wrapper around the process manager and event bus concepts defined
// by this pkg. It represents a set of "modules": types that can run workers
// or react to events. Just load up modules with .Add() and then run the
// thing with .Run().
type App struct {
	ProcMgr
	Bus *Bus

	shutdownTimeout time.Duration
	closers         []func(context.Context) error
}

func NewApp(bus *Bus) *App {
	return &App{Bus: bus, shutdownTimeout: 30 * time.Second}
}

func (a *App) Add(mod any) {
	type workableModule interface {
		AttachWorkers(*ProcMgr)
	}
	if m, ok := mod.(workableModule); ok {
		m.AttachWorkers(&a.ProcMgr)
	}

	type subscribingModule interface {
		AttachSubscriptions(*Bus)
	}
	if m, ok := mod.(subscribingModule); ok {
		m.AttachSubscriptions(a.Bus)
	}

	type closableModule interface {
		Close(context.Context) error
	}
	if m, ok := mod.(closableModule); ok {
		a.closers = append(a.closers, m.Close)
	}
}

// Run blocks until ctx is canceled, then closes modules in reverse
// registration order. Each closer gets a bounded slice of the overall
// shutdown budget so one stuck module cannot starve the rest.
func (a *App) Run(ctx context.Context) {
	a.ProcMgr.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		closeCtx, done := context.WithTimeout(shutdownCtx, 5*time.Second)
		if err := a.closers[i](closeCtx); err != nil {
			slog.Error("error while closing module", "error", err)
		}
		done()
	}
	a.Bus.Close()
}

type Proc func(context.Context) error

// ProcMgr is like a fancy implementation of sync.WaitGroup.
type ProcMgr struct {
	procs []Proc
}

func (p *ProcMgr) Add(proc Proc) { p.procs = append(p.procs, proc) }

func (p *ProcMgr) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, proc := range p.procs {
		wg.Add(1)
		go func(proc Proc) {
			defer wg.Done()
			err := proc(ctx)
			if err == nil && ctx.Err() == nil {
				panic("a proc returned unexpectedly!")
			}
			if err != nil && ctx.Err() == nil {
				panic(fmt.Sprintf("proc returned an error: %s", err))
			}
		}(proc)
	}
	wg.Wait()
}

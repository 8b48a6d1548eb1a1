package api

import (
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type loadRunParam struct {
	idx        int
	api        *API
	experiment string
	runID      string
	results    []*RunSummary
	errs       []error
	wg         *sync.WaitGroup
}

func (p *loadRunParam) reset() {
	p.idx = 0
	p.api = nil
	p.experiment = ""
	p.runID = ""
	p.results = nil
	p.errs = nil
	p.wg = nil
}

var loadRunParamPool = &sync.Pool{
	New: func() any { return new(loadRunParam) },
}

func createLoadRunPool(size int) (*ants.PoolWithFunc, error) {
	if size <= 0 {
		return nil, errors.New("pool size must be greater than 0")
	}
	pool, err := ants.NewPoolWithFunc(size, func(args any) {
		param, ok := args.(*loadRunParam)
		if !ok {
			panic("load run pool args type error")
		}
		wg := param.wg
		defer func() {
			wg.Done()
			param.reset()
			loadRunParamPool.Put(param)
		}()
		run, err := param.api.loadRunSummary(param.experiment, param.runID)
		if err != nil {
			param.errs[param.idx] = fmt.Errorf("load run (experiment=%s, run=%s): %w", param.experiment, param.runID, err)
			return
		}
		param.results[param.idx] = run
	})
	if err != nil {
		return nil, fmt.Errorf("create load run pool: %w", err)
	}
	return pool, nil
}

func (a *API) ensureLoadRunPool() error {
	a.poolOnce.Do(func() {
		if a.pool != nil {
			return
		}
		pool, err := createLoadRunPool(a.workers)
		if err != nil {
			a.poolErr = err
			return
		}
		a.pool = pool
	})
	return a.poolErr
}

// loadRuns reads the summaries of runIDs concurrently. Runs that cannot be
// read are logged and left out; the order of runIDs is kept.
func (a *API) loadRuns(experiment string, runIDs []string) ([]*RunSummary, error) {
	if err := a.ensureLoadRunPool(); err != nil {
		return nil, err
	}
	results := make([]*RunSummary, len(runIDs))
	errs := make([]error, len(runIDs))
	var wg sync.WaitGroup
	for i, id := range runIDs {
		param := loadRunParamPool.Get().(*loadRunParam)
		param.idx = i
		param.api = a
		param.experiment = experiment
		param.runID = id
		param.results = results
		param.errs = errs
		param.wg = &wg
		wg.Add(1)
		if err := a.pool.Invoke(param); err != nil {
			wg.Done()
			param.reset()
			loadRunParamPool.Put(param)
			errs[i] = fmt.Errorf("submit load run: %w", err)
		}
	}
	wg.Wait()

	out := make([]*RunSummary, 0, len(runIDs))
	for i, run := range results {
		if errs[i] != nil {
			a.logger.Warn("skipping unreadable run", zap.Error(errs[i]))
			continue
		}
		if run != nil {
			out = append(out, run)
		}
	}
	return out, nil
}

package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sushant-115/gojosched/core/scheduler"
	"github.com/sushant-115/gojosched/core/transaction"
)

// benchConfig shapes a synthetic workload of short transactions.
type benchConfig struct {
	Transactions int
	// Rate is admissions per second; zero admits as fast as possible.
	Rate         float64
	Databases    int
	Resources    int
	WriteRatio   float64
	ItemsPerTxn  int
	ItemDuration time.Duration
}

func defaultBenchConfig() benchConfig {
	return benchConfig{
		Transactions: 1000,
		Databases:    4,
		Resources:    16,
		WriteRatio:   0.25,
		ItemsPerTxn:  2,
		ItemDuration: 100 * time.Microsecond,
	}
}

type benchResult struct {
	Admitted int
	Blocked  int
	Finished int
	Elapsed  time.Duration
}

// Throughput is finished transactions per second.
func (r benchResult) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Finished) / r.Elapsed.Seconds()
}

// runBench admits cfg.Transactions transactions over random resources and waits
// until every admitted one has finished or ctx is done.
func runBench(ctx context.Context, sched *scheduler.Scheduler, cfg benchConfig, rng *rand.Rand) (benchResult, error) {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		res      benchResult
		finished atomic.Int64
		wg       sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < cfg.Transactions; i++ {
		if err := limiter.Wait(ctx); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}

		db := fmt.Sprintf("bench-%d", rng.Intn(cfg.Databases))
		names := make([]string, 1+rng.Intn(3))
		for j := range names {
			names[j] = fmt.Sprintf("r%d", rng.Intn(cfg.Resources))
		}
		mode := transaction.ReadOnly
		if rng.Float64() < cfg.WriteRatio {
			mode = transaction.ReadWrite
		}

		var (
			blocked  bool
			admitErr error
		)
		wg.Add(1)
		done := transaction.FinishFunc(func() {
			finished.Add(1)
			wg.Done()
		})
		err := sched.Do(context.Background(), func(r *scheduler.Registry) {
			var txn *transaction.Transaction
			txn, admitErr = r.AdmitAndDispatch(db, names, mode, benchItem(cfg.ItemDuration), false, nil)
			if admitErr != nil {
				return
			}
			blocked = txn.IsBlocked()
			for k := 1; k < cfg.ItemsPerTxn; k++ {
				txn.Queue.Dispatch(benchItem(cfg.ItemDuration))
			}
			txn.Queue.Finish(done)
		})
		if err == nil {
			err = admitErr
		}
		if err != nil {
			wg.Done()
			res.Elapsed = time.Since(start)
			res.Finished = int(finished.Load())
			return res, err
		}
		res.Admitted++
		if blocked {
			res.Blocked++
		}
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	var err error
	select {
	case <-allDone:
	case <-ctx.Done():
		err = ctx.Err()
	}
	res.Elapsed = time.Since(start)
	res.Finished = int(finished.Load())
	return res, err
}

func benchItem(d time.Duration) transaction.WorkItem {
	return func() {
		if d > 0 {
			time.Sleep(d)
		}
	}
}

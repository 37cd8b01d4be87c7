package main

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Worker executes local operations against one device.
type Worker struct {
	id         int
	device     *Device
	keyGen     *KeyGenerator
	opSelector *OpSelector
	stats      *Stats
	valueSize  int
	retry      bool
	maxRetries int
	rng        *rand.Rand
}

func NewWorker(id int, device *Device, keyGen *KeyGenerator, opSelector *OpSelector, stats *Stats, cfg *Config) *Worker {
	return &Worker{
		id:         id,
		device:     device,
		keyGen:     keyGen,
		opSelector: opSelector,
		stats:      stats,
		valueSize:  cfg.ValueSize,
		retry:      cfg.Retry,
		maxRetries: cfg.MaxRetries,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// Run executes one operation per token received on opsChan.
func (w *Worker) Run(ctx context.Context, opsChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-opsChan:
			if !ok {
				return
			}
			op := w.generateOp(w.opSelector.Select())
			start := time.Now()
			if err := w.executeWithRetry(ctx, op); err != nil {
				w.stats.RecordError(op.Type)
				continue
			}
			w.stats.RecordOp(op.Type, time.Since(start))
		}
	}
}

func (w *Worker) generateOp(t OpType) Operation {
	op := Operation{Type: t, Key: w.keyGen.RandomKey(w.rng)}
	if t == OpPut {
		op.Value = generateValue(w.rng, w.valueSize)
	}
	return op
}

func (w *Worker) executeWithRetry(ctx context.Context, op Operation) error {
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		err = ExecuteOp(ctx, w.device.ex, op)
		if err == nil || !w.retry || !IsRetryableError(err) {
			return err
		}
		w.stats.RecordRetry()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Microsecond):
		}
	}
	return err
}

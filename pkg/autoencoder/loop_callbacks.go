// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"fmt"
	"time"
)

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, metrics []float64) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, metrics)
}

// EveryNSteps registers an OnStep hook on the loop that is called every n steps.
//
// It does not call fn at the last step, except by coincidence.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		n = 1
	}
	eN := &everyNSteps{n: n, fn: fn}
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, eN.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, metrics []float64) error {
	if !p.started {
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, metrics)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an OnStep hook on the loop that is called every period of time.
// The period counts after the execution of fn, so an expensive fn (a checkpoint) doesn't eat into it.
//
// If callOnEnd is set, fn is also called at the end of the loop.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, metrics []float64) error { return p.fn(loop, metrics) })
	}
}

// MetricsHistory collects the metrics of every step.
type MetricsHistory struct {
	Steps   []int
	Metrics [][]float64
}

// RecordMetrics registers an OnStep hook that appends the metrics of each step to the returned history.
func RecordMetrics(loop *Loop) *MetricsHistory {
	history := &MetricsHistory{}
	loop.OnStep("RecordMetrics", 0, func(loop *Loop, metrics []float64) error {
		history.Steps = append(history.Steps, loop.LoopStep)
		history.Metrics = append(history.Metrics, append([]float64(nil), metrics...))
		return nil
	})
	return history
}

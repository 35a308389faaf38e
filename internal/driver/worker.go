// Siteforge is a bare-metal provisioning orchestrator.
// Copyright (C) 2025 The Siteforge Authors
//
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
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package driver

import (
	"context"
	"fmt"
	"time"

	"siteforge/internal/clock"
	"siteforge/internal/metrics"
	"siteforge/internal/store"
	"siteforge/pkg/task"
)

// workerPool is a fixed-size channel semaphore bounding concurrent task
// execution, generalized from the teacher's single-queue worker loop
// into N concurrent slots (spec §5).
type workerPool struct {
	sem  chan struct{}
	size int
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{sem: make(chan struct{}, size), size: size}
}

// Go runs fn on a goroutine once a pool slot is free. Callers that need
// to bound submission itself (rather than just execution) should select
// on ctx.Done() around the call; Go blocks the submitter while the pool
// is saturated.
func (p *workerPool) Go(fn func()) {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		fn()
	}()
}

// runAndPersist runs run under a per-task timeout, times it for metrics,
// and persists the outcome. A run that returns a non-nil error is only
// ever a driver-level failure (design resolution, unknown action) or a
// cancellation — Action Runners report their own outcome by mutating t
// and returning nil (spec §4.3).
func runAndPersist(ctx context.Context, st Store, clk clock.Clock, t *task.Task, timeout time.Duration, run func(context.Context) error) {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := clk.Now()
	err := run(taskCtx)
	metrics.ObserveActionDuration(string(t.Action), clk.Now().Sub(start))

	if err != nil {
		if taskCtx.Err() != nil {
			persistCancelled(ctx, st, t.ID)
			return
		}
		persistFailure(ctx, st, t.ID, err)
		return
	}

	status := task.StatusComplete
	result := t.Result
	detail := t.ResultDetail
	_ = st.UpdateTaskFields(ctx, t.ID, store.FieldUpdate{Status: &status, Result: &result, ResultDetail: &detail})
}

// dependentFailureDetail is the literal detail message a parent records
// when its subtask-poll budget is exhausted with unfinished children
// (spec §4.4, §4.6, Scenario 6).
const dependentFailureDetail = "Some subtasks did not complete before the timeout threshold"

// persistCancelled marks a task Complete/Failure with retry=true and a
// "cancelled" detail, the contract a cooperatively-cancelled task must
// honor at its next suspension point (spec §5).
func persistCancelled(ctx context.Context, st Store, id string) {
	status := task.StatusComplete
	result := task.ResultFailure
	detail := task.ResultDetail{Detail: []string{"cancelled"}, Retry: true}
	_ = st.UpdateTaskFields(ctx, id, store.FieldUpdate{Status: &status, Result: &result, ResultDetail: &detail})
}

func persistFailure(ctx context.Context, st Store, id string, err error) {
	status := task.StatusComplete
	result := task.ResultFailure
	detail := task.ResultDetail{Detail: []string{err.Error()}}
	_ = st.UpdateTaskFields(ctx, id, store.FieldUpdate{Status: &status, Result: &result, ResultDetail: &detail})
}

// aggregateChildren derives a parent Result from its subtasks' results,
// per the worked/failed combination rule in spec §4.6. It is a pure
// function of the multiset of child results, satisfying the
// order-independence invariant (spec §8 I2).
func aggregateChildren(children []*task.Task) task.Result {
	var worked, failed bool
	for _, c := range children {
		if c == nil {
			continue
		}
		if c.Result.Worked() {
			worked = true
		}
		if c.Result.Failed() {
			failed = true
		}
	}
	switch {
	case worked && failed:
		return task.ResultPartialSuccess
	case worked:
		return task.ResultSuccess
	case failed:
		return task.ResultFailure
	default:
		return task.ResultIncomplete
	}
}

// bubbleDetail unions every child's successful/failed node lists and
// detail messages onto one ResultDetail, matching the original's
// task.bubble_results() naming and behavior.
func bubbleDetail(children []*task.Task) task.ResultDetail {
	var out task.ResultDetail
	for _, c := range children {
		if c == nil {
			continue
		}
		for _, n := range c.ResultDetail.SuccessfulNodes {
			out.MarkSuccessful(n)
		}
		for _, n := range c.ResultDetail.FailedNodes {
			out.MarkFailed(n)
		}
		out.Detail = append(out.Detail, c.ResultDetail.Detail...)
	}
	return out
}

func errUnknownAction(a task.Action) error {
	return fmt.Errorf("no runner registered for action %q", a)
}

func errUnknownNode(name string) error {
	return fmt.Errorf("node %q not found in design", name)
}

func errEmptyNodeList(taskID string) error {
	return fmt.Errorf("task %s has an empty node list", taskID)
}

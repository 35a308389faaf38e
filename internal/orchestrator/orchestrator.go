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

// Package orchestrator creates root tasks, routes them to the Driver
// family that owns their action, and exposes the task-tree update
// primitives Drivers and Action Runners rely on (spec §2 item 7, §6).
// It does not run a dispatch loop itself — Node Provisioning and OOB
// Drivers pull their own work from the Task Store independently.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"siteforge/internal/clock"
	"siteforge/internal/ctxkeys"
	"siteforge/internal/store"
	"siteforge/pkg/task"
)

// Family names the Driver a task's action routes to.
type Family string

const (
	FamilyNodeProvisioning Family = "node-provisioning"
	FamilyOOB              Family = "oob"
)

// RouteAction reports which Driver family owns action, per spec §2 item
// 7's "top-level routing to a Driver by action class."
func RouteAction(action task.Action) Family {
	if action.IsOOB() {
		return FamilyOOB
	}
	return FamilyNodeProvisioning
}

// Store is the subset of the Task Store the Orchestrator needs.
type Store interface {
	CreateTask(ctx context.Context, t task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTaskFields(ctx context.Context, id string, upd store.FieldUpdate) error
	AppendTaskEvent(ctx context.Context, id, level, message string) error
}

// Orchestrator creates tasks and waits for Driver-side completion. It
// holds no action-execution logic of its own (spec §2 item 7 vs item 6).
type Orchestrator struct {
	store Store
	clk   clock.Clock
	log   *slog.Logger
}

// New constructs an Orchestrator bound to a Task Store.
func New(st Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: st, clk: clock.New(), log: logger}
}

// CreateTask persists a new root task for action, attaching the
// context's correlation ID if one is already present (spec §2 item 12).
func (o *Orchestrator) CreateTask(ctx context.Context, action task.Action, designRef, siteName string, scope map[string]any, nodeList []string) (*task.Task, error) {
	t := task.New(action, designRef, siteName)
	if cid := ctxkeys.GetCorrelationID(ctx); cid != "" {
		t.CorrelationID = cid
	}
	t.Scope = scope
	t.NodeList = nodeList

	if err := o.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("orchestrator: create task: %w", err)
	}
	_ = o.store.AppendTaskEvent(ctx, t.ID, "info", fmt.Sprintf("task created, routed to %s driver", RouteAction(action)))
	return &t, nil
}

// CreateSubtask persists a child task under parentID. Drivers call this
// to fan a parent out into per-node work (spec §6 create_task, §4.4).
func (o *Orchestrator) CreateSubtask(ctx context.Context, parentID string, action task.Action, designRef, siteName string, scope map[string]any, nodeList []string) (*task.Task, error) {
	t := task.New(action, designRef, siteName)
	t.ParentID = parentID
	if cid := ctxkeys.GetCorrelationID(ctx); cid != "" {
		t.CorrelationID = cid
	}
	t.Scope = scope
	t.NodeList = nodeList

	if err := o.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("orchestrator: create subtask: %w", err)
	}
	return &t, nil
}

// Execute creates a root task for action and blocks until a Driver
// completes it or ctx is canceled, implementing the synchronous
// `execute(task)` call referenced by spec §5's cancellation-threading
// note. The context passed in is the one a Driver's per-task timeout is
// derived from further down the call chain.
func (o *Orchestrator) Execute(ctx context.Context, action task.Action, designRef, siteName string, scope map[string]any, nodeList []string) (*task.Task, error) {
	ctx, cid := ctxkeys.EnsureCorrelationID(ctx)
	o.log.Info("executing task", "action", action, "design_ref", designRef, "site_name", siteName, "correlation_id", cid)

	t, err := o.CreateTask(ctx, action, designRef, siteName, scope, nodeList)
	if err != nil {
		return nil, err
	}
	return o.awaitCompletion(ctx, t.ID)
}

// awaitCompletion polls the Task Store until id reaches Complete or ctx
// is canceled, mirroring the Driver's own parent/subtask poll shape
// (spec §5: "parent observation of subtask status is eventually
// consistent").
func (o *Orchestrator) awaitCompletion(ctx context.Context, id string) (*task.Task, error) {
	const pollInterval = 250 * time.Millisecond
	for {
		t, err := o.store.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: get task: %w", err)
		}
		if t.Status == task.StatusComplete {
			return t, nil
		}
		if ctx.Err() != nil {
			return t, ctx.Err()
		}
		o.clk.Sleep(pollInterval, ctx.Done())
	}
}

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

// Package driver implements the two task-driven dispatch loops: the
// Node Provisioning Driver (MAAS-backed) and the OOB Driver
// (Redfish-backed). Both poll the Task Store for Pending work on their
// own action set, run it on a bounded worker pool, and aggregate
// subtask outcomes back onto the parent.
package driver

import (
	"context"
	"log/slog"
	"time"

	"siteforge/internal/actions"
	"siteforge/internal/clock"
	"siteforge/internal/config"
	"siteforge/internal/design"
	"siteforge/internal/maasapi"
	"siteforge/internal/metrics"
	"siteforge/internal/oobapi"
	"siteforge/internal/store"
	"siteforge/pkg/task"
)

// Store defines the Task Store operations a Driver needs. Narrower than
// *store.Store so drivers can be tested against a hand-rolled fake.
type Store interface {
	ListPendingByAction(ctx context.Context, action task.Action) ([]*task.Task, error)
	ClaimTask(ctx context.Context, id string) (bool, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateTask(ctx context.Context, t task.Task) error
	ListChildren(ctx context.Context, parentID string) ([]*task.Task, error)
	UpdateTaskFields(ctx context.Context, id string, upd store.FieldUpdate) error
	AppendTaskEvent(ctx context.Context, id, level, message string) error
}

// nodeProvisioningActions is the claim order the Node Provisioning
// Driver polls in; fixed (rather than a map range) so tests and logs see
// deterministic behavior.
var nodeProvisioningActions = []task.Action{
	task.ActionValidateNodeServices,
	task.ActionCreateNetworkTemplate,
	task.ActionIdentifyNode,
	task.ActionConfigureHardware,
	task.ActionApplyNodeNetworking,
}

// nodeFanoutBudget names the three Node Provisioning actions that fan
// out one subtask per node and bounds how many 60s ticks the parent
// waits for them, per action (spec §4.4: "Identify = 3, ConfigureHardware
// = 20, ApplyNodeNetworking = 2").
var nodeFanoutBudget = map[task.Action]int{
	task.ActionIdentifyNode:        3,
	task.ActionConfigureHardware:   20,
	task.ActionApplyNodeNetworking: 2,
}

const nodeFanoutPollInterval = 60 * time.Second

// oobActions is the claim order the OOB Driver polls in.
var oobActions = []task.Action{
	task.ActionValidateOobServices,
	task.ActionConfigNodePxe,
	task.ActionSetNodeBoot,
	task.ActionPowerOnNode,
	task.ActionPowerOffNode,
	task.ActionPowerCycleNode,
	task.ActionInterrogateOob,
}

// NodeProvisioningDriver dispatches MAAS-backed tasks. ValidateNodeServices
// and CreateNetworkTemplate run start to finish on one worker;
// IdentifyNode, ConfigureHardware, and ApplyNodeNetworking fan out one
// subtask per node and are orchestrated by runParent like the OOB
// Driver (spec §4.4).
type NodeProvisioningDriver struct {
	store    Store
	resolver design.Resolver
	client   *maasapi.Client
	cfg      config.DriverConfig
	logger   *slog.Logger
	clk      clock.Clock
	pool     *workerPool

	// fanoutPollInterval is the tick awaitChildren sleeps between budget
	// attempts; 60s in production (spec §4.4), shrunk in tests.
	fanoutPollInterval time.Duration
}

// NewNodeProvisioningDriver constructs a Driver bound to one MAAS Remote
// Client, shared across every worker (spec §5: "RC instances may be
// shared across workers iff the underlying HTTP client is safe for
// concurrent use").
func NewNodeProvisioningDriver(st Store, resolver design.Resolver, client *maasapi.Client, cfg config.DriverConfig, logger *slog.Logger) *NodeProvisioningDriver {
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 16
	}
	return &NodeProvisioningDriver{
		store:              st,
		resolver:           resolver,
		client:             client,
		cfg:                cfg,
		logger:             logger,
		clk:                clock.New(),
		pool:               newWorkerPool(poolSize),
		fanoutPollInterval: nodeFanoutPollInterval,
	}
}

// Run polls for Pending MAAS tasks and dispatches them until ctx is
// canceled, following the teacher's `Worker.Run` ticker loop (spec §4.4).
func (d *NodeProvisioningDriver) Run(ctx context.Context) {
	d.logger.Info("node provisioning driver starting", "worker_pool_size", d.pool.size)
	defer d.logger.Info("node provisioning driver stopped")

	pollInterval := d.cfg.DrydockTimeout / 60
	if pollInterval < time.Second {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if d.claimOne(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *NodeProvisioningDriver) claimOne(ctx context.Context) bool {
	for _, action := range nodeProvisioningActions {
		pending, err := d.store.ListPendingByAction(ctx, action)
		if err != nil {
			d.logger.Error("list pending tasks failed", "action", action, "error", err)
			continue
		}
		for _, t := range pending {
			ok, err := d.store.ClaimTask(ctx, t.ID)
			if err != nil {
				d.logger.Error("claim task failed", "task_id", t.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			t.Status = task.StatusRunning
			if _, fansOut := nodeFanoutBudget[action]; fansOut {
				// Parent orchestration only fans out, waits, and
				// aggregates; the pool bounds concurrent per-node MAAS
				// operations dispatched by dispatchChild, not the parent
				// goroutine itself (mirrors OOBDriver.claimOne).
				go d.runParent(ctx, t)
			} else {
				d.pool.Go(func() { d.runTask(ctx, t) })
			}
			return true
		}
	}
	return false
}

// runTask executes ValidateNodeServices and CreateNetworkTemplate, the
// two Node Provisioning actions the spec describes as single-shot /
// single-subtask rather than per-node fan-out (spec §4.4).
func (d *NodeProvisioningDriver) runTask(ctx context.Context, t *task.Task) {
	site, err := d.resolver.Resolve(t.DesignRef)
	if err != nil {
		d.logger.Error("resolve design failed", "task_id", t.ID, "design_ref", t.DesignRef, "error", err)
		persistFailure(ctx, d.store, t.ID, err)
		return
	}
	runner, ok := actions.MaasRunners[t.Action]
	if !ok {
		persistFailure(ctx, d.store, t.ID, errUnknownAction(t.Action))
		return
	}
	runAndPersist(ctx, d.store, d.clk, t, d.cfg.DrydockTimeout, func(taskCtx context.Context) error {
		return runner(taskCtx, t, site, d.client)
	})
}

// runParent fans t out into one subtask per node and polls for their
// completion on a 60s tick, up to the action's poll budget (spec §4.4).
// On budget exhaustion with unfinished subtasks it records
// DependentFailure with the spec's literal detail (Scenario 6); on full
// completion it aggregates per §4.6.
func (d *NodeProvisioningDriver) runParent(ctx context.Context, t *task.Task) {
	site, err := d.resolver.Resolve(t.DesignRef)
	if err != nil {
		d.logger.Error("resolve design failed", "task_id", t.ID, "design_ref", t.DesignRef, "error", err)
		persistFailure(ctx, d.store, t.ID, err)
		return
	}

	if len(t.NodeList) == 0 {
		persistFailure(ctx, d.store, t.ID, errEmptyNodeList(t.ID))
		return
	}

	childIDs := make([]string, 0, len(t.NodeList))
	for _, nodeName := range t.NodeList {
		child := task.New(t.Action, t.DesignRef, t.SiteName)
		child.ParentID = t.ID
		child.Scope = t.Scope
		child.NodeList = []string{nodeName}
		if err := d.store.CreateTask(ctx, child); err != nil {
			d.logger.Error("create subtask failed", "task_id", t.ID, "node", nodeName, "error", err)
			continue
		}
		childIDs = append(childIDs, child.ID)
		d.dispatchChild(ctx, child, site)
	}

	budget := nodeFanoutBudget[t.Action]
	children, onTime := d.awaitChildren(ctx, childIDs, budget)

	if !onTime {
		detail := bubbleDetail(children)
		detail.AddDetail(dependentFailureDetail)
		status := task.StatusComplete
		result := task.ResultDependentFailure
		_ = d.store.UpdateTaskFields(ctx, t.ID, store.FieldUpdate{Status: &status, Result: &result, ResultDetail: &detail})
		metrics.IncSubtasksAggregated(string(t.Action), string(task.ResultDependentFailure))
		return
	}

	result := aggregateChildren(children)
	detail := bubbleDetail(children)
	status := task.StatusComplete
	_ = d.store.UpdateTaskFields(ctx, t.ID, store.FieldUpdate{Status: &status, Result: &result, ResultDetail: &detail})
	metrics.IncSubtasksAggregated(string(t.Action), string(result))
}

func (d *NodeProvisioningDriver) dispatchChild(ctx context.Context, child task.Task, site design.SiteDesign) {
	d.pool.Go(func() {
		runner, ok := actions.MaasRunners[child.Action]
		if !ok {
			persistFailure(ctx, d.store, child.ID, errUnknownAction(child.Action))
			return
		}
		childCopy := child
		runAndPersist(ctx, d.store, d.clk, &childCopy, d.cfg.DrydockTimeout, func(taskCtx context.Context) error {
			return runner(taskCtx, &childCopy, site, d.client)
		})
	})
}

// awaitChildren polls the Task Store for childIDs on a 60s tick, up to
// budget attempts, following spec §4.4's "parent polls subtask statuses
// on a coarse tick (60s)" and its per-action poll-budget table.
func (d *NodeProvisioningDriver) awaitChildren(ctx context.Context, childIDs []string, budget int) ([]*task.Task, bool) {
	for attempt := 0; ; attempt++ {
		children := make([]*task.Task, 0, len(childIDs))
		allDone := true
		for _, id := range childIDs {
			c, err := d.store.GetTask(ctx, id)
			if err != nil {
				allDone = false
				continue
			}
			children = append(children, c)
			if c.Status != task.StatusComplete {
				allDone = false
			}
		}
		if allDone {
			return children, true
		}
		if ctx.Err() != nil || attempt >= budget {
			return children, false
		}
		d.clk.Sleep(d.fanoutPollInterval, ctx.Done())
	}
}

// OOBDriver dispatches Redfish-backed tasks. Every OOB Action Runner
// assumes a single node (spec §4.5.5, DESIGN.md decision 6), so a parent
// task with N nodes is fanned into N single-node subtasks before
// dispatch, and their outcomes are aggregated back per §4.6.
type OOBDriver struct {
	store     Store
	resolver  design.Resolver
	newClient func(node design.BaremetalNode) (oobapi.Client, error)
	cfg       config.DriverConfig
	logger    *slog.Logger
	clk       clock.Clock
	pool      *workerPool
}

// NewOOBDriver constructs a Driver that builds one OOB Remote Client per
// node via newClient, since each node's BMC is a distinct endpoint.
func NewOOBDriver(st Store, resolver design.Resolver, newClient func(node design.BaremetalNode) (oobapi.Client, error), cfg config.DriverConfig, logger *slog.Logger) *OOBDriver {
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 16
	}
	return &OOBDriver{
		store:     st,
		resolver:  resolver,
		newClient: newClient,
		cfg:       cfg,
		logger:    logger,
		clk:       clock.New(),
		pool:      newWorkerPool(poolSize),
	}
}

// Run polls for Pending OOB tasks and dispatches them until ctx is
// canceled.
func (d *OOBDriver) Run(ctx context.Context) {
	d.logger.Info("oob driver starting", "worker_pool_size", d.pool.size)
	defer d.logger.Info("oob driver stopped")

	pollInterval := time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if d.claimOne(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *OOBDriver) claimOne(ctx context.Context) bool {
	for _, action := range oobActions {
		pending, err := d.store.ListPendingByAction(ctx, action)
		if err != nil {
			d.logger.Error("list pending tasks failed", "action", action, "error", err)
			continue
		}
		for _, t := range pending {
			ok, err := d.store.ClaimTask(ctx, t.ID)
			if err != nil {
				d.logger.Error("claim task failed", "task_id", t.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			// Parent orchestration only waits and aggregates; the pool
			// bounds concurrent per-node BMC operations dispatched by
			// dispatchChild below, not the parent goroutine itself
			// (spec §5: "OOB default 16 matching ThreadPoolExecutor").
			go d.runParent(ctx, t)
			return true
		}
	}
	return false
}

// runParent fans t out into one subtask per node, waits for all of them
// (bounded by drydock_timeout), and aggregates the result onto t per
// spec §4.6.
func (d *OOBDriver) runParent(ctx context.Context, t *task.Task) {
	site, err := d.resolver.Resolve(t.DesignRef)
	if err != nil {
		d.logger.Error("resolve design failed", "task_id", t.ID, "design_ref", t.DesignRef, "error", err)
		persistFailure(ctx, d.store, t.ID, err)
		return
	}

	if len(t.NodeList) == 0 {
		persistFailure(ctx, d.store, t.ID, errEmptyNodeList(t.ID))
		return
	}

	childIDs := make([]string, 0, len(t.NodeList))
	for _, nodeName := range t.NodeList {
		child := task.New(t.Action, t.DesignRef, t.SiteName)
		child.ParentID = t.ID
		child.Scope = t.Scope
		child.NodeList = []string{nodeName}
		if err := d.store.CreateTask(ctx, child); err != nil {
			d.logger.Error("create subtask failed", "task_id", t.ID, "node", nodeName, "error", err)
			continue
		}
		childIDs = append(childIDs, child.ID)
		d.dispatchChild(ctx, child, site)
	}

	deadline := d.clk.Now().Add(d.cfg.DrydockTimeout)
	children, onTime := d.awaitChildren(ctx, childIDs, deadline)

	if !onTime {
		detail := bubbleDetail(children)
		detail.Retry = true
		detail.AddDetail(dependentFailureDetail)
		status := task.StatusComplete
		result := task.ResultDependentFailure
		_ = d.store.UpdateTaskFields(ctx, t.ID, store.FieldUpdate{Status: &status, Result: &result, ResultDetail: &detail})
		metrics.IncSubtasksAggregated(string(t.Action), string(task.ResultDependentFailure))
		return
	}

	result := aggregateChildren(children)
	detail := bubbleDetail(children)
	status := task.StatusComplete
	_ = d.store.UpdateTaskFields(ctx, t.ID, store.FieldUpdate{Status: &status, Result: &result, ResultDetail: &detail})
	metrics.IncSubtasksAggregated(string(t.Action), string(result))
}

func (d *OOBDriver) dispatchChild(ctx context.Context, child task.Task, site design.SiteDesign) {
	d.pool.Go(func() {
		node, ok := site.Node(child.NodeList[0])
		if !ok {
			persistFailure(ctx, d.store, child.ID, errUnknownNode(child.NodeList[0]))
			return
		}
		client, err := d.newClient(node)
		if err != nil {
			persistFailure(ctx, d.store, child.ID, err)
			return
		}
		runner, ok := actions.OOBRunners[child.Action]
		if !ok {
			persistFailure(ctx, d.store, child.ID, errUnknownAction(child.Action))
			return
		}
		childCopy := child
		runAndPersist(ctx, d.store, d.clk, &childCopy, d.cfg.DrydockTimeout, func(taskCtx context.Context) error {
			return runner(taskCtx, &childCopy, site, client)
		})
	})
}

// awaitChildren polls the Task Store until every id in childIDs reaches
// Complete, or deadline passes, following the teacher's awaitWebhook
// deadline-poll shape (spec §4.4, §5 "parent polls TS once per tick").
func (d *OOBDriver) awaitChildren(ctx context.Context, childIDs []string, deadline time.Time) ([]*task.Task, bool) {
	const pollInterval = 250 * time.Millisecond
	for {
		children := make([]*task.Task, 0, len(childIDs))
		allDone := true
		for _, id := range childIDs {
			c, err := d.store.GetTask(ctx, id)
			if err != nil {
				allDone = false
				continue
			}
			children = append(children, c)
			if c.Status != task.StatusComplete {
				allDone = false
			}
		}
		if allDone {
			return children, true
		}
		if ctx.Err() != nil || d.clk.Now().After(deadline) {
			return children, false
		}
		d.clk.Sleep(pollInterval, ctx.Done())
	}
}

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

package actions

import (
	"context"
	"fmt"
	"time"

	"siteforge/internal/clock"
	"siteforge/internal/design"
	"siteforge/internal/oobapi"
	"siteforge/pkg/task"
)

// powerPollClock is PowerOnNode/PowerOffNode/PowerCycleNode's time
// source while waiting for the reported power state to settle.
var powerPollClock clock.Clock = clock.New()

const (
	powerStatePollInterval = 10 * time.Second
	powerStatePollBudget   = 18
)

// oobNode returns the single node a leaf OOB task targets. Every OOB
// Action Runner operates against one pre-bound Client for one BMC, so a
// task with more than one node in its NodeList is a caller error: the
// Driver is responsible for splitting per-node subtasks before
// dispatch (mirrors the original driver's one-subtask-per-node fan-out).
func oobNode(t *task.Task, site design.SiteDesign) (design.BaremetalNode, error) {
	if len(t.NodeList) != 1 {
		return design.BaremetalNode{}, fmt.Errorf("OOB task %s must target exactly one node, has %d", t.ID, len(t.NodeList))
	}
	node, ok := site.Node(t.NodeList[0])
	if !ok {
		return design.BaremetalNode{}, fmt.Errorf("node %s not present in design", t.NodeList[0])
	}
	return node, nil
}

// ValidateOobServices probes BMC connectivity and authentication.
func ValidateOobServices(ctx context.Context, t *task.Task, site design.SiteDesign, client oobapi.Client) error {
	var detail task.ResultDetail

	node, err := oobNode(t, site)
	if err != nil {
		errDetail(&detail, "%v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	if err := client.TestConnectivity(ctx); err != nil {
		detail.Retry = true
		detail.MarkFailed(node.Name)
		errDetail(&detail, "BMC connectivity check failed for node %s: %v", node.Name, err)
		complete(t, task.ResultFailure, detail)
		return nil
	}
	if err := client.TestAuthentication(ctx); err != nil {
		detail.MarkFailed(node.Name)
		errDetail(&detail, "BMC authentication check failed for node %s: %v", node.Name, err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	detail.MarkSuccessful(node.Name)
	detail.AddDetail(fmt.Sprintf("BMC connectivity and authentication verified for node %s", node.Name))
	complete(t, task.ResultSuccess, detail)
	return nil
}

// bootImageURL is read from the task's Scope, which the Orchestrator
// populates from the design/operator request when it creates a
// ConfigNodePxe task (the boot image is per-task, not per-node design
// data).
func bootImageURL(t *task.Task) (string, bool) {
	v, ok := t.Scope["boot_image_url"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// ConfigNodePxe mounts the task's boot image as virtual media and sets
// a one-time boot override to CD, the Redfish-backed equivalent of a
// PXE boot request.
func ConfigNodePxe(ctx context.Context, t *task.Task, site design.SiteDesign, client oobapi.Client) error {
	var detail task.ResultDetail

	node, err := oobNode(t, site)
	if err != nil {
		errDetail(&detail, "%v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	isoURL, ok := bootImageURL(t)
	if !ok {
		detail.MarkFailed(node.Name)
		errDetail(&detail, "no boot_image_url in task scope for node %s", node.Name)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	if err := client.MountVirtualMedia(ctx, isoURL); err != nil {
		detail.MarkFailed(node.Name)
		errDetail(&detail, "error mounting virtual media for node %s: %v", node.Name, err)
		complete(t, task.ResultFailure, detail)
		return nil
	}
	if err := client.SetOneTimeBoot(ctx, oobapi.BootDeviceCD); err != nil {
		detail.MarkFailed(node.Name)
		errDetail(&detail, "error setting one-time boot for node %s: %v", node.Name, err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	detail.MarkSuccessful(node.Name)
	detail.AddDetail(fmt.Sprintf("node %s configured to PXE boot from %s", node.Name, isoURL))
	complete(t, task.ResultSuccess, detail)
	return nil
}

// SetNodeBoot sets the one-time boot device named by the task's scope,
// defaulting to PXE (network boot) when unspecified.
func SetNodeBoot(ctx context.Context, t *task.Task, site design.SiteDesign, client oobapi.Client) error {
	var detail task.ResultDetail

	node, err := oobNode(t, site)
	if err != nil {
		errDetail(&detail, "%v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	device := oobapi.BootDevicePXE
	if raw, ok := t.Scope["boot_device"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			device = oobapi.BootDevice(s)
		}
	}

	if err := client.SetOneTimeBoot(ctx, device); err != nil {
		detail.MarkFailed(node.Name)
		errDetail(&detail, "error setting one-time boot for node %s: %v", node.Name, err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	detail.MarkSuccessful(node.Name)
	detail.AddDetail(fmt.Sprintf("node %s one-time boot set to %s", node.Name, device))
	complete(t, task.ResultSuccess, detail)
	return nil
}

// pollPowerState polls until PowerState reports one of want, or the
// poll budget is spent.
func pollPowerState(ctx context.Context, client oobapi.Client, want ...oobapi.PowerState) (oobapi.PowerState, bool, error) {
	var last oobapi.PowerState
	for attempt := 0; attempt < powerStatePollBudget; attempt++ {
		state, err := client.PowerState(ctx)
		if err != nil {
			return last, false, err
		}
		last = state
		for _, w := range want {
			if state == w {
				return state, true, nil
			}
		}
		if ctx.Err() != nil {
			return last, false, ctx.Err()
		}
		powerPollClock.Sleep(powerStatePollInterval, ctx.Done())
	}
	return last, false, nil
}

// PowerOnNode issues a Redfish On reset and waits for the BMC to report
// the system powered on.
func PowerOnNode(ctx context.Context, t *task.Task, site design.SiteDesign, client oobapi.Client) error {
	return powerTransition(ctx, t, site, client, oobapi.ResetOn, oobapi.PowerStateOn)
}

// PowerOffNode issues a Redfish ForceOff reset and waits for the BMC to
// report the system powered off.
func PowerOffNode(ctx context.Context, t *task.Task, site design.SiteDesign, client oobapi.Client) error {
	return powerTransition(ctx, t, site, client, oobapi.ResetForceOff, oobapi.PowerStateOff)
}

// PowerCycleNode issues a Redfish PowerCycle reset and waits for the
// system to come back on.
func PowerCycleNode(ctx context.Context, t *task.Task, site design.SiteDesign, client oobapi.Client) error {
	return powerTransition(ctx, t, site, client, oobapi.ResetPowerCycle, oobapi.PowerStateOn)
}

func powerTransition(ctx context.Context, t *task.Task, site design.SiteDesign, client oobapi.Client, reset oobapi.ResetType, want oobapi.PowerState) error {
	var detail task.ResultDetail

	node, err := oobNode(t, site)
	if err != nil {
		errDetail(&detail, "%v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	if err := client.Reset(ctx, reset); err != nil {
		detail.MarkFailed(node.Name)
		errDetail(&detail, "error issuing %s reset to node %s: %v", reset, node.Name, err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	state, reached, err := pollPowerState(ctx, client, want)
	if err != nil {
		detail.MarkFailed(node.Name)
		errDetail(&detail, "error polling power state for node %s: %v", node.Name, err)
		complete(t, task.ResultFailure, detail)
		return nil
	}
	if !reached {
		detail.Retry = true
		detail.MarkFailed(node.Name)
		errDetail(&detail, "node %s did not reach power state %s within the poll budget (last observed %s)", node.Name, want, state)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	detail.MarkSuccessful(node.Name)
	detail.AddDetail(fmt.Sprintf("node %s reached power state %s", node.Name, want))
	complete(t, task.ResultSuccess, detail)
	return nil
}

// InterrogateOob reads the current power state without changing it, a
// lightweight readiness probe used before other OOB actions run.
func InterrogateOob(ctx context.Context, t *task.Task, site design.SiteDesign, client oobapi.Client) error {
	var detail task.ResultDetail

	node, err := oobNode(t, site)
	if err != nil {
		errDetail(&detail, "%v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	state, err := client.PowerState(ctx)
	if err != nil {
		detail.MarkFailed(node.Name)
		errDetail(&detail, "error reading power state for node %s: %v", node.Name, err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	detail.MarkSuccessful(node.Name)
	detail.AddDetail(fmt.Sprintf("node %s power state: %s", node.Name, state))
	complete(t, task.ResultSuccess, detail)
	return nil
}

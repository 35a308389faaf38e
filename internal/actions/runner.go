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

// Package actions implements the Action Runners: the per-Action logic
// that talks to MAAS or a BMC and decides a task's Result (spec §4.3,
// §4.5).
package actions

import (
	"context"
	"fmt"

	"siteforge/internal/design"
	"siteforge/internal/maasapi"
	"siteforge/internal/oobapi"
	"siteforge/pkg/task"
)

// MaasRunner executes one MAAS-backed task to completion, mutating its
// Status/Result/ResultDetail in place.
type MaasRunner func(ctx context.Context, t *task.Task, site design.SiteDesign, client *maasapi.Client) error

// OOBRunner executes one OOB-backed task to completion.
type OOBRunner func(ctx context.Context, t *task.Task, site design.SiteDesign, client oobapi.Client) error

// MaasRunners maps every MAAS Driver action to its Runner.
var MaasRunners = map[task.Action]MaasRunner{
	task.ActionValidateNodeServices: ValidateNodeServices,
	task.ActionCreateNetworkTemplate: CreateNetworkTemplate,
	task.ActionIdentifyNode:          IdentifyNode,
	task.ActionConfigureHardware:     ConfigureHardware,
	task.ActionApplyNodeNetworking:   ApplyNodeNetworking,
}

// OOBRunners maps every OOB Driver action to its Runner.
var OOBRunners = map[task.Action]OOBRunner{
	task.ActionValidateOobServices: ValidateOobServices,
	task.ActionConfigNodePxe:       ConfigNodePxe,
	task.ActionSetNodeBoot:         SetNodeBoot,
	task.ActionPowerOnNode:         PowerOnNode,
	task.ActionPowerOffNode:        PowerOffNode,
	task.ActionPowerCycleNode:      PowerCycleNode,
	task.ActionInterrogateOob:      InterrogateOob,
}

// complete marks a task Complete with the given result, replacing its
// ResultDetail. Every Runner funnels through this single exit point so
// status/result are always set together.
func complete(t *task.Task, result task.Result, detail task.ResultDetail) {
	t.Status = task.StatusComplete
	t.Result = result
	t.ResultDetail = detail
}

// combine derives a Result from how many nodes worked vs failed,
// matching the worked/failed combination rule used throughout the
// original per-node action loops (spec §4.6, single-level case).
func combine(worked, failed bool) task.Result {
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

func errDetail(detail *task.ResultDetail, format string, args ...any) {
	detail.AddDetail(fmt.Sprintf(format, args...))
}

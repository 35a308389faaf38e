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

// Package task contains the tree-structured task model shared by the
// Orchestrator, Drivers, and Action Runners. Tasks are the only unit of
// state the core publishes; everything else is borrowed for the
// duration of one execution.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task. It is monotone:
// Pending -> Running -> Complete, never backwards.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusRunning  Status = "Running"
	StatusComplete Status = "Complete"
)

// Valid reports whether s is one of the allowed states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusComplete:
		return true
	default:
		return false
	}
}

// Result is the outcome of a Complete task. It is only meaningful once
// Status == StatusComplete.
type Result string

const (
	ResultIncomplete       Result = "Incomplete"
	ResultSuccess          Result = "Success"
	ResultPartialSuccess   Result = "PartialSuccess"
	ResultFailure          Result = "Failure"
	ResultDependentFailure Result = "DependentFailure"
)

// Valid reports whether r is one of the allowed results.
func (r Result) Valid() bool {
	switch r {
	case ResultIncomplete, ResultSuccess, ResultPartialSuccess, ResultFailure, ResultDependentFailure:
		return true
	default:
		return false
	}
}

// Worked reports whether r represents at least partial forward progress,
// used directly by the §4.6 aggregation formula.
func (r Result) Worked() bool {
	return r == ResultSuccess || r == ResultPartialSuccess
}

// Failed reports whether r represents at least partial failure, used
// directly by the §4.6 aggregation formula.
func (r Result) Failed() bool {
	return r == ResultFailure || r == ResultPartialSuccess
}

// Action enumerates the orchestrator action set a Driver dispatches on.
type Action string

const (
	ActionValidateNodeServices  Action = "ValidateNodeServices"
	ActionCreateNetworkTemplate Action = "CreateNetworkTemplate"
	ActionIdentifyNode          Action = "IdentifyNode"
	ActionConfigureHardware     Action = "ConfigureHardware"
	ActionApplyNodeNetworking   Action = "ApplyNodeNetworking"

	ActionValidateOobServices Action = "ValidateOobServices"
	ActionConfigNodePxe       Action = "ConfigNodePxe"
	ActionSetNodeBoot         Action = "SetNodeBoot"
	ActionPowerOnNode         Action = "PowerOnNode"
	ActionPowerOffNode        Action = "PowerOffNode"
	ActionPowerCycleNode      Action = "PowerCycleNode"
	ActionInterrogateOob      Action = "InterrogateOob"
)

// IsOOB reports whether a belongs to the out-of-band driver's action set.
func (a Action) IsOOB() bool {
	switch a {
	case ActionValidateOobServices, ActionConfigNodePxe, ActionSetNodeBoot,
		ActionPowerOnNode, ActionPowerOffNode, ActionPowerCycleNode, ActionInterrogateOob:
		return true
	default:
		return false
	}
}

// ResultDetail is the structured, human-readable breakdown of a
// Complete task's outcome.
type ResultDetail struct {
	Detail          []string `json:"detail"`
	SuccessfulNodes []string `json:"successful_nodes"`
	FailedNodes     []string `json:"failed_nodes"`
	Retry           bool     `json:"retry,omitempty"`
}

// AddDetail appends a message to Detail.
func (d *ResultDetail) AddDetail(msg string) {
	d.Detail = append(d.Detail, msg)
}

// MarkSuccessful records node as successful, avoiding duplicates.
func (d *ResultDetail) MarkSuccessful(node string) {
	if !contains(d.SuccessfulNodes, node) {
		d.SuccessfulNodes = append(d.SuccessfulNodes, node)
	}
}

// MarkFailed records node as failed, avoiding duplicates.
func (d *ResultDetail) MarkFailed(node string) {
	if !contains(d.FailedNodes, node) {
		d.FailedNodes = append(d.FailedNodes, node)
	}
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// Task is a single node in the task tree. The Task Store owns Tasks;
// Action Runners and Drivers borrow one for the duration of execution
// and must never mutate a task other than their own (spec §4.3).
type Task struct {
	ID             string
	ParentID       string // empty for a root task
	Action         Action
	DesignRef      string
	SiteName       string
	Scope          map[string]any
	NodeList       []string
	Status         Status
	Result         Result
	ResultDetail   ResultDetail
	Subtasks       []string
	CorrelationID  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New constructs a root or child Task in Pending status with a fresh
// 128-bit identifier and correlation ID. Callers assign ParentID
// themselves for subtasks.
func New(action Action, designRef, siteName string) Task {
	now := time.Now().UTC()
	id := uuid.NewString()
	return Task{
		ID:            id,
		Action:        action,
		DesignRef:     designRef,
		SiteName:      siteName,
		Status:        StatusPending,
		Result:        ResultIncomplete,
		CorrelationID: id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

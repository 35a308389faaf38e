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

package maasapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"siteforge/internal/design"
)

// Status names as MAAS reports them. New/Broken/Commissioning/Ready are
// the ones the Action Runners inspect.
const (
	StatusNew           = "New"
	StatusCommissioning = "Commissioning"
	StatusReady         = "Ready"
	StatusBroken        = "Broken"
)

// Machine is a MAAS machine (bare-metal node), identified by its
// system_id.
type Machine struct {
	SystemID   string `json:"system_id"`
	Hostname   string `json:"hostname"`
	StatusName string `json:"status_name"`

	ifaces []*Interface

	client *Client
}

func (m *Machine) path() string {
	return fmt.Sprintf("/nodes/%s/", m.SystemID)
}

// Refresh reloads this one machine's state from MAAS.
func (m *Machine) Refresh(ctx context.Context) error {
	return m.client.get(ctx, "machines.get", m.path(), m)
}

// Rename sets this machine's hostname in MAAS to match the design name.
func (m *Machine) Rename(ctx context.Context, hostname string) error {
	form := url.Values{"hostname": {hostname}}
	if err := m.client.put(ctx, "machines.update", m.path(), form, m); err != nil {
		return fmt.Errorf("maasapi: rename machine %s to %s: %w", m.SystemID, hostname, err)
	}
	return nil
}

// Commission triggers MAAS's commissioning workflow for this machine.
func (m *Machine) Commission(ctx context.Context) error {
	return m.client.post(ctx, "machines.commission", m.path(), url.Values{}, m)
}

// IsNewOrBroken reports whether StatusName is one of the two states
// ConfigureHardware should commission. Fixes the original driver's
// `machine.status_name == ['New', 'Broken']` membership check, which
// always evaluated false because Python `==` against a list is never
// true for a scalar left-hand side.
func (m *Machine) IsNewOrBroken() bool {
	return m.StatusName == StatusNew || m.StatusName == StatusBroken
}

// Interfaces returns this machine's network interfaces, refreshing
// them from MAAS first.
func (m *Machine) Interfaces(ctx context.Context) (*Interfaces, error) {
	ifaces := newInterfaces(m.client, m.SystemID)
	if err := ifaces.Refresh(ctx); err != nil {
		return nil, err
	}
	return ifaces, nil
}

// GetNetworkInterface returns the named interface for this machine, or
// nil if it refreshes cleanly but finds no match.
func (m *Machine) GetNetworkInterface(ctx context.Context, deviceName string) (*Interface, error) {
	ifaces, err := m.Interfaces(ctx)
	if err != nil {
		return nil, err
	}
	return ifaces.Singleton(func(i *Interface) bool { return i.Name == deviceName }), nil
}

// Machines is the Machine resource collection.
type Machines struct {
	client *Client
	items  []*Machine
}

// NewMachines constructs an empty, unrefreshed Machines collection.
func NewMachines(c *Client) *Machines {
	return &Machines{client: c}
}

// Refresh repopulates the collection from MAAS.
func (ms *Machines) Refresh(ctx context.Context) error {
	var items []*Machine
	if err := ms.client.get(ctx, "machines.list", "/machines/", &items); err != nil {
		return fmt.Errorf("maasapi: refresh machines: %w", err)
	}
	for _, m := range items {
		m.client = ms.client
	}
	ms.items = items
	return nil
}

// Select returns the machine with the given system ID, or nil.
func (ms *Machines) Select(systemID string) *Machine {
	for _, m := range ms.items {
		if m.SystemID == systemID {
			return m
		}
	}
	return nil
}

// Singleton returns the one machine matching pred, or nil.
func (ms *Machines) Singleton(pred func(*Machine) bool) *Machine {
	for _, m := range ms.items {
		if pred(m) {
			return m
		}
	}
	return nil
}

// Query returns every machine matching pred.
func (ms *Machines) Query(pred func(*Machine) bool) []*Machine {
	var out []*Machine
	for _, m := range ms.items {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out
}

// IdentifyBaremetalNode locates the MAAS machine corresponding to a
// design node, matched by hostname (case-insensitive). When updateName
// is true and a match is found under a different hostname, the MAAS
// machine is renamed to the design's node name.
func (ms *Machines) IdentifyBaremetalNode(ctx context.Context, node design.BaremetalNode, updateName bool) (*Machine, error) {
	m := ms.Singleton(func(m *Machine) bool {
		return strings.EqualFold(m.Hostname, node.Name)
	})
	if m == nil {
		return nil, nil
	}
	if updateName && !strings.EqualFold(m.Hostname, node.Name) {
		if err := m.Rename(ctx, node.Name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

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
	"strconv"
)

// Vlan is a MAAS VLAN scoped to a fabric. VID 0 is always the
// untagged/native VLAN for its fabric.
type Vlan struct {
	ResourceID  int    `json:"id"`
	FabricID    int    `json:"-"`
	Name        string `json:"name"`
	VID         int    `json:"vid"`
	MTU         int    `json:"mtu"`
	DHCPOn      bool   `json:"dhcp_on"`
	PrimaryRack string `json:"primary_rack"`

	client *Client
}

func (v *Vlan) path() string {
	return fmt.Sprintf("/fabrics/%d/vlans/%d/", v.FabricID, v.ResourceID)
}

// SetVID changes the VLAN's tag. Separate from direct field assignment
// to mirror the driver's explicit set_vid call, which also guards
// against clobbering VID 0 (the untagged VLAN).
func (v *Vlan) SetVID(vid int) error {
	if v.VID == 0 {
		return fmt.Errorf("maasapi: cannot retag the untagged VLAN on fabric %d", v.FabricID)
	}
	v.VID = vid
	return nil
}

// Update pushes local field changes back to MAAS.
func (v *Vlan) Update(ctx context.Context) error {
	form := url.Values{
		"name": {v.Name},
		"vid":  {strconv.Itoa(v.VID)},
	}
	if v.MTU > 0 {
		form.Set("mtu", strconv.Itoa(v.MTU))
	}
	if v.DHCPOn {
		form.Set("dhcp_on", "true")
		form.Set("primary_rack", v.PrimaryRack)
	}
	return v.client.put(ctx, "vlans.update", v.path(), form, v)
}

// Vlans is the VLAN resource collection scoped to a single fabric.
type Vlans struct {
	client   *Client
	fabricID int
	items    []*Vlan
}

func newVlans(c *Client, fabricID int) *Vlans {
	return &Vlans{client: c, fabricID: fabricID}
}

// NewVlans constructs an empty, unrefreshed Vlans collection for a fabric.
func NewVlans(c *Client, fabricID int) *Vlans {
	return newVlans(c, fabricID)
}

// Refresh repopulates the collection from MAAS.
func (vs *Vlans) Refresh(ctx context.Context) error {
	var items []*Vlan
	path := fmt.Sprintf("/fabrics/%d/vlans/", vs.fabricID)
	if err := vs.client.get(ctx, "vlans.list", path, &items); err != nil {
		return fmt.Errorf("maasapi: refresh vlans for fabric %d: %w", vs.fabricID, err)
	}
	for _, v := range items {
		v.client = vs.client
		v.FabricID = vs.fabricID
	}
	vs.items = items
	return nil
}

// Select returns the VLAN with the given resource ID, or nil.
func (vs *Vlans) Select(id int) *Vlan {
	for _, v := range vs.items {
		if v.ResourceID == id {
			return v
		}
	}
	return nil
}

// Singleton returns the one VLAN matching pred, or nil.
func (vs *Vlans) Singleton(pred func(*Vlan) bool) *Vlan {
	for _, v := range vs.items {
		if pred(v) {
			return v
		}
	}
	return nil
}

// Query returns every VLAN matching pred.
func (vs *Vlans) Query(pred func(*Vlan) bool) []*Vlan {
	var out []*Vlan
	for _, v := range vs.items {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// Add creates a new VLAN on this fabric.
func (vs *Vlans) Add(ctx context.Context, name string, vid, mtu int) (*Vlan, error) {
	v := &Vlan{Name: name, VID: vid, MTU: mtu, FabricID: vs.fabricID, client: vs.client}
	form := url.Values{"name": {name}, "vid": {strconv.Itoa(vid)}}
	if mtu > 0 {
		form.Set("mtu", strconv.Itoa(mtu))
	}
	path := fmt.Sprintf("/fabrics/%d/vlans/", vs.fabricID)
	if err := vs.client.post(ctx, "vlans.create", path, form, v); err != nil {
		return nil, fmt.Errorf("maasapi: create vlan %s on fabric %d: %w", name, vs.fabricID, err)
	}
	v.client = vs.client
	v.FabricID = vs.fabricID
	vs.items = append(vs.items, v)
	return v, nil
}

// ByVID is a convenience predicate for Singleton/Query.
func ByVID(vid int) func(*Vlan) bool {
	return func(v *Vlan) bool { return v.VID == vid }
}

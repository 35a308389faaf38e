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
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// InterfaceLink describes one subnet link on an interface, as MAAS
// reports it (mirrors the link dicts the original driver rekeys in
// Interface.from_dict).
type InterfaceLink struct {
	ResourceID int    `json:"resource_id"`
	Mode       string `json:"mode"`
	SubnetID   int    `json:"subnet_id"`
	IPAddress  string `json:"ip_address"`
}

// Interface is a MAAS node network interface.
type Interface struct {
	ResourceID   int             `json:"id"`
	SystemID     string          `json:"system_id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	MACAddress   string          `json:"mac_address"`
	VLAN         int             `json:"-"`
	FabricID     int             `json:"-"`
	EffectiveMTU int             `json:"effective_mtu"`
	Links        []InterfaceLink `json:"-"`

	client *Client
}

// UnmarshalJSON rekeys MAAS's wire representation, which nests the VLAN
// and subnet as full objects rather than bare IDs, into the flat
// ResourceID/VLAN/FabricID/Links fields this type exposes. Grounded
// directly on the original driver's Interface.from_dict normalization.
func (i *Interface) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID         int    `json:"id"`
		SystemID   string `json:"system_id"`
		Name       string `json:"name"`
		Type       string `json:"type"`
		MACAddress string `json:"mac_address"`
		Effective  int    `json:"effective_mtu"`
		VLAN       *struct {
			ID       int `json:"id"`
			FabricID int `json:"fabric_id"`
		} `json:"vlan"`
		Links []struct {
			ID     int    `json:"id"`
			Mode   string `json:"mode"`
			Subnet *struct {
				ID int `json:"id"`
			} `json:"subnet"`
			IPAddress string `json:"ip_address"`
		} `json:"links"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	i.ResourceID = wire.ID
	i.SystemID = wire.SystemID
	i.Name = wire.Name
	i.Type = wire.Type
	i.MACAddress = wire.MACAddress
	i.EffectiveMTU = wire.Effective
	if wire.VLAN != nil {
		i.VLAN = wire.VLAN.ID
		i.FabricID = wire.VLAN.FabricID
	}

	i.Links = i.Links[:0]
	for _, l := range wire.Links {
		link := InterfaceLink{ResourceID: l.ID, Mode: l.Mode, IPAddress: l.IPAddress}
		if l.Subnet != nil {
			link.SubnetID = l.Subnet.ID
		}
		i.Links = append(i.Links, link)
	}
	return nil
}

func (i *Interface) path() string {
	return fmt.Sprintf("/nodes/%s/interfaces/%d/", i.SystemID, i.ResourceID)
}

// AttachFabric attaches this interface to the untagged VLAN (VID 0) of
// the named fabric.
func (i *Interface) AttachFabric(ctx context.Context, fabricID int) error {
	fabrics := NewFabrics(i.client)
	if err := fabrics.Refresh(ctx); err != nil {
		return fmt.Errorf("maasapi: attach fabric: %w", err)
	}
	fabric := fabrics.Select(fabricID)
	if fabric == nil {
		return fmt.Errorf("maasapi: fabric %d not found", fabricID)
	}

	fabricVlans := fabric.Vlans()
	if err := fabricVlans.Refresh(ctx); err != nil {
		return fmt.Errorf("maasapi: attach fabric: refresh vlans: %w", err)
	}
	untagged := fabricVlans.Singleton(ByVID(0))
	if untagged == nil {
		return fmt.Errorf("maasapi: cannot locate untagged VLAN on fabric %d", fabricID)
	}

	i.VLAN = untagged.ResourceID
	i.FabricID = fabricID
	form := url.Values{"vlan": {strconv.Itoa(untagged.ResourceID)}}
	return i.client.put(ctx, "interfaces.update", i.path(), form, i)
}

// IsLinked reports whether this interface already has a link to the
// given subnet resource ID.
func (i *Interface) IsLinked(subnetID int) bool {
	for _, l := range i.Links {
		if l.SubnetID == subnetID {
			return true
		}
	}
	return false
}

// LinkSubnetOptions parameterizes LinkSubnet.
type LinkSubnetOptions struct {
	SubnetID   int
	SubnetCIDR string
	IPAddress  string // empty means DHCP
	Primary    bool
}

// LinkSubnet links this interface to a subnet, identified by ID or
// CIDR (ID wins if both are set). A no-op if already linked.
func (i *Interface) LinkSubnet(ctx context.Context, opts LinkSubnetOptions) error {
	subnets := NewSubnets(i.client)
	if err := subnets.Refresh(ctx); err != nil {
		return fmt.Errorf("maasapi: link subnet: %w", err)
	}

	var subnet *Subnet
	switch {
	case opts.SubnetID != 0:
		subnet = subnets.Select(opts.SubnetID)
	case opts.SubnetCIDR != "":
		subnet = subnets.Singleton(ByCIDR(opts.SubnetCIDR))
	default:
		return fmt.Errorf("maasapi: link subnet: must specify SubnetID or SubnetCIDR")
	}
	if subnet == nil {
		return fmt.Errorf("maasapi: link subnet: subnet not found (id=%d cidr=%q)", opts.SubnetID, opts.SubnetCIDR)
	}

	if i.IsLinked(subnet.ResourceID) {
		return nil
	}

	mode := "dhcp"
	if opts.IPAddress != "" {
		mode = "static"
	}
	form := url.Values{
		"subnet":          {strconv.Itoa(subnet.ResourceID)},
		"mode":            {mode},
		"default_gateway": {strconv.FormatBool(opts.Primary)},
	}
	if opts.IPAddress != "" {
		form.Set("ip_address", opts.IPAddress)
	}

	if err := i.client.post(ctx, "interfaces.link_subnet", i.path(), form, nil); err != nil {
		return fmt.Errorf("maasapi: link interface %d to subnet %d: %w", i.ResourceID, subnet.ResourceID, err)
	}

	var refreshed Interface
	if err := i.client.get(ctx, "interfaces.get", i.path(), &refreshed); err == nil {
		refreshed.client = i.client
		*i = refreshed
	}
	return nil
}

// Interfaces is the Interface resource collection scoped to a machine.
type Interfaces struct {
	client   *Client
	systemID string
	items    []*Interface
}

func newInterfaces(c *Client, systemID string) *Interfaces {
	return &Interfaces{client: c, systemID: systemID}
}

// Refresh repopulates the collection from MAAS.
func (is *Interfaces) Refresh(ctx context.Context) error {
	var items []*Interface
	path := fmt.Sprintf("/nodes/%s/interfaces/", is.systemID)
	if err := is.client.get(ctx, "interfaces.list", path, &items); err != nil {
		return fmt.Errorf("maasapi: refresh interfaces for %s: %w", is.systemID, err)
	}
	for _, i := range items {
		i.client = is.client
		i.SystemID = is.systemID
	}
	is.items = items
	return nil
}

// Singleton returns the one interface matching pred, or nil.
func (is *Interfaces) Singleton(pred func(*Interface) bool) *Interface {
	for _, i := range is.items {
		if pred(i) {
			return i
		}
	}
	return nil
}

// CreateVlan creates a new tagged VLAN interface as a child of
// parentName, attached to the VLAN with the given tag on the parent's
// fabric. Returns nil, nil if an interface for that VLAN already
// exists on the node (idempotent, matching the original driver).
func (is *Interfaces) CreateVlan(ctx context.Context, vlanTag int, parentName string, mtu int) (*Interface, error) {
	if err := is.Refresh(ctx); err != nil {
		return nil, err
	}

	parent := is.Singleton(func(i *Interface) bool { return i.Name == parentName })
	if parent == nil {
		return nil, fmt.Errorf("maasapi: cannot locate parent interface %s", parentName)
	}
	if parent.Type != "physical" {
		return nil, fmt.Errorf("maasapi: cannot create VLAN interface on parent of type %s", parent.Type)
	}
	if parent.VLAN == 0 && parent.FabricID == 0 {
		return nil, fmt.Errorf("maasapi: cannot create VLAN interface on disconnected parent %d", parent.ResourceID)
	}

	vlans := NewVlans(is.client, parent.FabricID)
	if err := vlans.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("maasapi: create vlan interface: %w", err)
	}
	vlan := vlans.Singleton(ByVID(vlanTag))
	if vlan == nil {
		return nil, fmt.Errorf("maasapi: cannot locate VLAN %d on fabric %d to attach interface", vlanTag, parent.FabricID)
	}

	if exists := is.Singleton(func(i *Interface) bool { return i.VLAN == vlan.ResourceID }); exists != nil {
		return nil, nil
	}

	form := url.Values{
		"vlan":   {strconv.Itoa(vlan.ResourceID)},
		"parent": {strconv.Itoa(parent.ResourceID)},
	}
	if mtu > 0 {
		form.Set("mtu", strconv.Itoa(mtu))
	}

	path := fmt.Sprintf("/nodes/%s/interfaces/", is.systemID)
	created := &Interface{client: is.client, SystemID: is.systemID}
	if err := is.client.post(ctx, "interfaces.create_vlan", path, form, created); err != nil {
		return nil, fmt.Errorf("maasapi: create vlan interface for vlan %d on %s: %w", vlan.ResourceID, is.systemID, err)
	}
	created.client = is.client
	created.SystemID = is.systemID
	is.items = append(is.items, created)
	return created, nil
}

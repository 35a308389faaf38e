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
	"strings"

	"siteforge/internal/design"
)

// Subnet is a MAAS subnet: a CIDR block attached to a VLAN on a fabric.
type Subnet struct {
	ResourceID int      `json:"id"`
	Name       string   `json:"name"`
	CIDR       string   `json:"cidr"`
	Fabric     int      `json:"fabric"`
	VLAN       int      `json:"vlan"`
	GatewayIP  string   `json:"gateway_ip"`
	DNSServers []string `json:"dns_servers"`

	client *Client
}

func (s *Subnet) path() string {
	return fmt.Sprintf("/subnets/%d/", s.ResourceID)
}

// Update pushes local field changes back to MAAS.
func (s *Subnet) Update(ctx context.Context) error {
	form := url.Values{
		"name":       {s.Name},
		"gateway_ip": {s.GatewayIP},
	}
	if len(s.DNSServers) > 0 {
		form.Set("dns_servers", strings.Join(s.DNSServers, ","))
	}
	return s.client.put(ctx, "subnets.update", s.path(), form, s)
}

// AddAddressRange creates a MAAS IP range (static or dynamic/DHCP)
// on this subnet.
func (s *Subnet) AddAddressRange(ctx context.Context, r design.AddressRange) error {
	rangeType := "reserved"
	if r.Type == "dhcp" {
		rangeType = "dynamic"
	}
	form := url.Values{
		"subnet":   {strconv.Itoa(s.ResourceID)},
		"start_ip": {r.Start},
		"end_ip":   {r.End},
		"type":     {rangeType},
	}
	return s.client.post(ctx, "ipranges.create", "/ipranges/", form, nil)
}

// Subnets is the Subnet resource collection.
type Subnets struct {
	client *Client
	items  []*Subnet
}

// NewSubnets constructs an empty, unrefreshed Subnets collection.
func NewSubnets(c *Client) *Subnets {
	return &Subnets{client: c}
}

// Refresh repopulates the collection from MAAS.
func (ss *Subnets) Refresh(ctx context.Context) error {
	var items []*Subnet
	if err := ss.client.get(ctx, "subnets.list", "/subnets/", &items); err != nil {
		return fmt.Errorf("maasapi: refresh subnets: %w", err)
	}
	for _, s := range items {
		s.client = ss.client
	}
	ss.items = items
	return nil
}

// Select returns the subnet with the given resource ID, or nil.
func (ss *Subnets) Select(id int) *Subnet {
	for _, s := range ss.items {
		if s.ResourceID == id {
			return s
		}
	}
	return nil
}

// Singleton returns the one subnet matching pred, or nil.
func (ss *Subnets) Singleton(pred func(*Subnet) bool) *Subnet {
	for _, s := range ss.items {
		if pred(s) {
			return s
		}
	}
	return nil
}

// Query returns every subnet matching pred.
func (ss *Subnets) Query(pred func(*Subnet) bool) []*Subnet {
	var out []*Subnet
	for _, s := range ss.items {
		if pred(s) {
			out = append(out, s)
		}
	}
	return out
}

// Add creates a new subnet in MAAS on the given fabric/VLAN.
func (ss *Subnets) Add(ctx context.Context, name, cidr string, fabricID, vlanID int, gatewayIP string) (*Subnet, error) {
	s := &Subnet{Name: name, CIDR: cidr, Fabric: fabricID, VLAN: vlanID, GatewayIP: gatewayIP, client: ss.client}
	form := url.Values{
		"name":       {name},
		"cidr":       {cidr},
		"vlan":       {strconv.Itoa(vlanID)},
		"gateway_ip": {gatewayIP},
	}
	if err := ss.client.post(ctx, "subnets.create", "/subnets/", form, s); err != nil {
		return nil, fmt.Errorf("maasapi: create subnet %s: %w", cidr, err)
	}
	s.client = ss.client
	ss.items = append(ss.items, s)
	return s, nil
}

// ByCIDR is a convenience predicate for Singleton/Query.
func ByCIDR(cidr string) func(*Subnet) bool {
	return func(s *Subnet) bool { return s.CIDR == cidr }
}

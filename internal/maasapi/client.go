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

// Package maasapi models the MAAS-style machine-provisioning API: the
// Fabric/VLAN/Subnet/Machine/Interface resource collections and the
// refresh/select/singleton/query/add/update semantics the Node
// Provisioning Action Runners are built on (spec §4.2).
package maasapi

import (
	"context"
	"fmt"
	"net/url"

	"siteforge/internal/remote"
)

// Client is the MAAS-specific face of the Remote Client: plain
// get/post/put helpers plus the one bespoke endpoint (rack controller
// discovery) that doesn't fit the collection model.
type Client struct {
	rc *remote.Client
}

// NewClient wraps a configured Remote Client for MAAS API calls.
func NewClient(rc *remote.Client) *Client {
	return &Client{rc: rc}
}

// RemoteClient exposes the underlying Remote Client for callers that
// need connectivity/authentication checks rather than a resource call.
func (c *Client) RemoteClient() *remote.Client {
	return c.rc
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	return c.rc.Get(ctx, op, path, out)
}

func (c *Client) post(ctx context.Context, op, path string, form url.Values, out any) error {
	return c.rc.Post(ctx, op, path, form, out)
}

func (c *Client) put(ctx context.Context, op, path string, form url.Values, out any) error {
	return c.rc.Put(ctx, op, path, form, out)
}

// RackController is the minimal shape needed to enable DHCP on a VLAN.
type RackController struct {
	SystemID string `json:"system_id"`
}

// RackControllers lists the site's rack controllers. The original
// driver's "use the first and warn" behavior for multi-rack sites is
// preserved explicitly at the call site (internal/actions), not here.
func (c *Client) RackControllers(ctx context.Context) ([]RackController, error) {
	var out []RackController
	if err := c.get(ctx, "rackcontrollers.list", "/rackcontrollers/", &out); err != nil {
		return nil, fmt.Errorf("maasapi: list rack controllers: %w", err)
	}
	return out, nil
}

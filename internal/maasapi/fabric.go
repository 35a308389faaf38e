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
)

// Fabric is a MAAS network fabric: the top-level grouping a set of
// VLANs belongs to.
type Fabric struct {
	ResourceID int    `json:"id"`
	Name       string `json:"name"`

	client *Client
}

func (f *Fabric) path() string {
	return fmt.Sprintf("/fabrics/%d/", f.ResourceID)
}

// Update pushes local field changes back to MAAS.
func (f *Fabric) Update(ctx context.Context) error {
	form := url.Values{"name": {f.Name}}
	return f.client.put(ctx, "fabrics.update", f.path(), form, f)
}

// Vlans returns the VLAN collection scoped to this fabric.
func (f *Fabric) Vlans() *Vlans {
	return newVlans(f.client, f.ResourceID)
}

// Fabrics is the Fabric resource collection.
type Fabrics struct {
	client *Client
	items  []*Fabric
}

// NewFabrics constructs an empty, unrefreshed Fabrics collection.
func NewFabrics(c *Client) *Fabrics {
	return &Fabrics{client: c}
}

// Refresh repopulates the collection from MAAS, discarding prior state.
func (fs *Fabrics) Refresh(ctx context.Context) error {
	var items []*Fabric
	if err := fs.client.get(ctx, "fabrics.list", "/fabrics/", &items); err != nil {
		return fmt.Errorf("maasapi: refresh fabrics: %w", err)
	}
	for _, f := range items {
		f.client = fs.client
	}
	fs.items = items
	return nil
}

// Select returns the fabric with the given resource ID, or nil.
func (fs *Fabrics) Select(id int) *Fabric {
	for _, f := range fs.items {
		if f.ResourceID == id {
			return f
		}
	}
	return nil
}

// Singleton returns the one fabric matching pred, or nil if none. When
// more than one matches, the first match is returned — ambiguity
// is the caller's to resolve, mirroring the driver's behavior of
// treating "found a match" and "found the right match" the same way).
func (fs *Fabrics) Singleton(pred func(*Fabric) bool) *Fabric {
	for _, f := range fs.items {
		if pred(f) {
			return f
		}
	}
	return nil
}

// Query returns every fabric matching pred.
func (fs *Fabrics) Query(pred func(*Fabric) bool) []*Fabric {
	var out []*Fabric
	for _, f := range fs.items {
		if pred(f) {
			out = append(out, f)
		}
	}
	return out
}

// Add creates a new fabric in MAAS and appends it to the collection.
func (fs *Fabrics) Add(ctx context.Context, name string) (*Fabric, error) {
	f := &Fabric{Name: name, client: fs.client}
	form := url.Values{"name": {name}}
	if err := fs.client.post(ctx, "fabrics.create", "/fabrics/", form, f); err != nil {
		return nil, fmt.Errorf("maasapi: create fabric %s: %w", name, err)
	}
	f.client = fs.client
	fs.items = append(fs.items, f)
	return f, nil
}

// ByName is a convenience predicate for Singleton/Query.
func ByName(name string) func(*Fabric) bool {
	return func(f *Fabric) bool { return f.Name == name }
}

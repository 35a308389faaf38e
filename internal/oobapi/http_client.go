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

package oobapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"siteforge/internal/remote"
)

// formValues adapts a flat key/value map to the Remote Client's
// x-www-form-urlencoded POST/PUT convention. Redfish bodies are
// normally JSON; this project's Remote Client standardizes both MAAS
// and OOB traffic on form encoding to share one retry/metrics/auth
// envelope, and real BMC firmware accepts either encoding for these
// simple scalar-valued actions.
func formValues(fields map[string]string) url.Values {
	v := url.Values{}
	for k, val := range fields {
		v.Set(k, val)
	}
	return v
}

type odataID struct {
	OdataID string `json:"@odata.id"`
}

type collection struct {
	Members []odataID `json:"Members"`
}

type serviceRoot struct {
	Systems  odataID `json:"Systems"`
	Managers odataID `json:"Managers"`
}

type system struct {
	PowerState string `json:"PowerState"`
	Links      struct {
		ManagedBy []odataID `json:"ManagedBy"`
	} `json:"Links"`
	VirtualMedia odataID `json:"VirtualMedia"`
}

type manager struct {
	VirtualMedia odataID `json:"VirtualMedia"`
}

type virtualMedia struct {
	MediaTypes []string `json:"MediaTypes"`
	Inserted   bool     `json:"Inserted"`
	Image      string   `json:"Image"`
}

// httpClient is the real Redfish-over-HTTP implementation of Client,
// built on the Remote Client's retry/metrics/logging envelope rather
// than a bespoke transport.
type httpClient struct {
	rc *remote.Client

	mu           sync.Mutex
	systemPath   string
	managerPath  string
	vmPath       string
	discoveredAt time.Time
}

var _ Client = (*httpClient)(nil)

// NewHTTPClient wraps a configured Remote Client for one BMC endpoint.
func NewHTTPClient(rc *remote.Client) Client {
	return &httpClient{rc: rc}
}

func (c *httpClient) ensureDiscovery(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.discoveredAt.IsZero() && time.Since(c.discoveredAt) < 2*time.Minute {
		return nil
	}

	var root serviceRoot
	if err := c.rc.Get(ctx, "oob.discover.root", "/redfish/v1/", &root); err != nil {
		return fmt.Errorf("oobapi: discover service root: %w", err)
	}
	if root.Systems.OdataID == "" {
		return errors.New("oobapi: discover: ServiceRoot.Systems missing")
	}

	var sysColl collection
	if err := c.rc.Get(ctx, "oob.discover.systems", root.Systems.OdataID, &sysColl); err != nil {
		return fmt.Errorf("oobapi: discover systems: %w", err)
	}
	if len(sysColl.Members) == 0 {
		return errors.New("oobapi: discover: no Systems members found")
	}
	systemPath := sysColl.Members[0].OdataID

	var sys system
	if err := c.rc.Get(ctx, "oob.discover.system", systemPath, &sys); err != nil {
		return fmt.Errorf("oobapi: discover system resource: %w", err)
	}

	managerPath := ""
	if len(sys.Links.ManagedBy) > 0 {
		managerPath = sys.Links.ManagedBy[0].OdataID
	}
	if managerPath == "" && root.Managers.OdataID != "" {
		var mgrColl collection
		if err := c.rc.Get(ctx, "oob.discover.managers", root.Managers.OdataID, &mgrColl); err != nil {
			return fmt.Errorf("oobapi: discover managers: %w", err)
		}
		if len(mgrColl.Members) > 0 {
			managerPath = mgrColl.Members[0].OdataID
		}
	}
	if managerPath == "" {
		return errors.New("oobapi: discover: neither ManagedBy nor ServiceRoot.Managers present")
	}

	var mgr manager
	if err := c.rc.Get(ctx, "oob.discover.manager", managerPath, &mgr); err != nil {
		return fmt.Errorf("oobapi: discover manager resource: %w", err)
	}

	vmCollPath := mgr.VirtualMedia.OdataID
	if vmCollPath == "" {
		vmCollPath = sys.VirtualMedia.OdataID
	}
	if vmCollPath == "" {
		return errors.New("oobapi: discover: VirtualMedia collection not found on Manager or System")
	}

	var vmColl collection
	if err := c.rc.Get(ctx, "oob.discover.virtualmedia", vmCollPath, &vmColl); err != nil {
		return fmt.Errorf("oobapi: discover virtual media collection: %w", err)
	}

	vmPath := ""
	for _, m := range vmColl.Members {
		var vmi virtualMedia
		if err := c.rc.Get(ctx, "oob.discover.virtualmedia.instance", m.OdataID, &vmi); err != nil {
			continue
		}
		for _, mt := range vmi.MediaTypes {
			if strings.EqualFold(mt, "CD") || strings.EqualFold(mt, "DVD") {
				vmPath = m.OdataID
				break
			}
		}
		if vmPath != "" {
			break
		}
	}
	if vmPath == "" {
		return errors.New("oobapi: discover: no CD/DVD virtual media instance found")
	}

	c.systemPath = systemPath
	c.managerPath = managerPath
	c.vmPath = vmPath
	c.discoveredAt = time.Now()
	return nil
}

func (c *httpClient) MountVirtualMedia(ctx context.Context, isoURL string) error {
	if err := c.ensureDiscovery(ctx); err != nil {
		return err
	}
	var vm virtualMedia
	if err := c.rc.Get(ctx, "oob.virtualmedia.get", c.vmPath, &vm); err != nil {
		return fmt.Errorf("oobapi: get virtual media: %w", err)
	}
	if strings.EqualFold(vm.Image, isoURL) && vm.Inserted {
		return nil
	}
	if vm.Inserted && !strings.EqualFold(vm.Image, isoURL) {
		if err := c.rc.Post(ctx, "oob.virtualmedia.eject", c.vmPath+"Actions/VirtualMedia.EjectMedia", nil, nil); err != nil {
			return fmt.Errorf("oobapi: eject existing media: %w", err)
		}
	}
	form := formValues(map[string]string{
		"Image":                isoURL,
		"Inserted":             "true",
		"WriteProtected":       "true",
		"TransferProtocolType": "URI",
	})
	if err := c.rc.Post(ctx, "oob.virtualmedia.insert", c.vmPath+"Actions/VirtualMedia.InsertMedia", form, nil); err != nil {
		return fmt.Errorf("oobapi: insert media: %w", err)
	}
	return nil
}

func (c *httpClient) UnmountVirtualMedia(ctx context.Context) error {
	if err := c.ensureDiscovery(ctx); err != nil {
		return err
	}
	if err := c.rc.Post(ctx, "oob.virtualmedia.eject", c.vmPath+"Actions/VirtualMedia.EjectMedia", nil, nil); err != nil {
		return fmt.Errorf("oobapi: eject media: %w", err)
	}
	return nil
}

func (c *httpClient) SetOneTimeBoot(ctx context.Context, device BootDevice) error {
	if err := c.ensureDiscovery(ctx); err != nil {
		return err
	}
	form := formValues(map[string]string{
		"Boot.BootSourceOverrideEnabled": "Once",
		"Boot.BootSourceOverrideTarget":  string(device),
	})
	if err := c.rc.Put(ctx, "oob.boot.override", c.systemPath, form, nil); err != nil {
		return fmt.Errorf("oobapi: set one-time boot: %w", err)
	}
	return nil
}

func (c *httpClient) PowerState(ctx context.Context) (PowerState, error) {
	if err := c.ensureDiscovery(ctx); err != nil {
		return PowerStateUnknown, err
	}
	var sys system
	if err := c.rc.Get(ctx, "oob.power.get", c.systemPath, &sys); err != nil {
		return PowerStateUnknown, fmt.Errorf("oobapi: get power state: %w", err)
	}
	return normalizePowerState(sys.PowerState), nil
}

func (c *httpClient) Reset(ctx context.Context, reset ResetType) error {
	if err := c.ensureDiscovery(ctx); err != nil {
		return err
	}
	form := formValues(map[string]string{"ResetType": string(reset)})
	if err := c.rc.Post(ctx, "oob.power.reset", c.systemPath+"Actions/ComputerSystem.Reset", form, nil); err != nil {
		return fmt.Errorf("oobapi: reset (%s): %w", reset, err)
	}
	return nil
}

func (c *httpClient) TestConnectivity(ctx context.Context) error {
	return c.rc.TestConnectivity(ctx)
}

func (c *httpClient) TestAuthentication(ctx context.Context) error {
	return c.rc.TestAuthentication(ctx, "/redfish/v1/")
}

func normalizePowerState(raw string) PowerState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on":
		return PowerStateOn
	case "off":
		return PowerStateOff
	case "poweringon":
		return PowerStatePoweringOn
	case "poweringoff":
		return PowerStatePoweringOff
	default:
		return PowerStateUnknown
	}
}

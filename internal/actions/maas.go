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
	"siteforge/internal/maasapi"
	"siteforge/pkg/task"
)

// pollClock is ConfigureHardware's time source for its commissioning
// poll loop; tests substitute a clock.FakeClock so the poll budget can
// be exercised without a 20-minute real wait.
var pollClock clock.Clock = clock.New()

const commissioningPollInterval = 60 * time.Second

// ValidateNodeServices probes MAAS connectivity and authentication
// before any task touching it is allowed to run.
func ValidateNodeServices(ctx context.Context, t *task.Task, site design.SiteDesign, client *maasapi.Client) error {
	var detail task.ResultDetail
	rc := client.RemoteClient()

	if err := rc.TestConnectivity(ctx); err != nil {
		detail.Retry = true
		errDetail(&detail, "MAAS connectivity check failed: %v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}
	if err := rc.TestAuthentication(ctx, "/users/"); err != nil {
		errDetail(&detail, "MAAS authentication check failed: %v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}
	detail.AddDetail("MAAS connectivity and authentication verified")
	complete(t, task.ResultSuccess, detail)
	return nil
}

// CreateNetworkTemplate reconciles MAAS's Fabric/VLAN/Subnet state with
// the design's Networks and NetworkLinks (spec §4.5.1).
func CreateNetworkTemplate(ctx context.Context, t *task.Task, site design.SiteDesign, client *maasapi.Client) error {
	var detail task.ResultDetail

	fabrics := maasapi.NewFabrics(client)
	if err := fabrics.Refresh(ctx); err != nil {
		errDetail(&detail, "error accessing MAAS fabrics: %v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}
	subnets := maasapi.NewSubnets(client)
	if err := subnets.Refresh(ctx); err != nil {
		errDetail(&detail, "error accessing MAAS subnets: %v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	for linkName, link := range site.NetworkLinks {
		if err := reconcileLink(ctx, client, site, fabrics, link, &detail); err != nil {
			errDetail(&detail, "error reconciling network link %s: %v", linkName, err)
		}
	}

	// Re-fetch subnets post-reconciliation and score every design
	// network against what MAAS now reports.
	if err := subnets.Refresh(ctx); err != nil {
		errDetail(&detail, "error re-checking MAAS subnets: %v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	// score accumulates +1 per network MAAS now has an exact cidr+name
	// match for, 0 for a network present under a different name, and -1
	// for a network missing entirely. The original driver incremented
	// this counter in every branch (success, rename, and not-found
	// alike), so it always equaled len(design_networks) and
	// PartialSuccess/Failure could never be reached. Here Success needs
	// every network to match on both cidr and name, Failure means no
	// designed cidr is present at all, and anything else (including a
	// name mismatch) is PartialSuccess.
	score := 0
	for _, n := range site.Networks {
		s := subnets.Singleton(maasapi.ByCIDR(n.CIDR))
		switch {
		case s != nil && s.Name == n.Name:
			score++
		case s != nil:
			errDetail(&detail, "network %s exists in MAAS under a different name (%s), not counted as reconciled", n.Name, s.Name)
		default:
			score--
			errDetail(&detail, "network %s has no matching MAAS subnet after reconciliation", n.Name)
		}
	}

	result := task.ResultPartialSuccess
	switch {
	case len(site.Networks) == 0:
		result = task.ResultSuccess
	case score == len(site.Networks):
		result = task.ResultSuccess
	case score == -len(site.Networks):
		result = task.ResultFailure
	}

	complete(t, result, detail)
	return nil
}

func reconcileLink(ctx context.Context, client *maasapi.Client, site design.SiteDesign, fabrics *maasapi.Fabrics, link design.NetworkLink, detail *task.ResultDetail) error {
	subnets := maasapi.NewSubnets(client)
	if err := subnets.Refresh(ctx); err != nil {
		return err
	}

	fabricsFound := map[int]struct{}{}
	for _, netName := range link.AllowedNetworks {
		n, ok := site.Network(netName)
		if !ok {
			continue
		}
		if s := subnets.Singleton(maasapi.ByCIDR(n.CIDR)); s != nil {
			fabricsFound[s.Fabric] = struct{}{}
		}
	}

	var fabric *maasapi.Fabric
	switch len(fabricsFound) {
	case 1:
		var id int
		for k := range fabricsFound {
			id = k
		}
		fabric = fabrics.Select(id)
		if fabric != nil {
			fabric.Name = link.Name
			if err := fabric.Update(ctx); err != nil {
				return fmt.Errorf("rename fabric %d: %w", id, err)
			}
		}
	case 0:
		fabric = fabrics.Singleton(maasapi.ByName(link.Name))
		if fabric == nil {
			created, err := fabrics.Add(ctx, link.Name)
			if err != nil {
				return fmt.Errorf("create fabric %s: %w", link.Name, err)
			}
			fabric = created
		}
	default:
		detail.AddDetail(fmt.Sprintf("MAAS self-discovered networking incompatible with network link %s (spans multiple fabrics)", link.Name))
		return nil
	}
	if fabric == nil {
		return fmt.Errorf("fabric %s should exist but could not be located", link.Name)
	}

	for _, netName := range link.AllowedNetworks {
		n, ok := site.Network(netName)
		if !ok {
			continue
		}
		if err := reconcileSubnet(ctx, client, fabric, n, detail); err != nil {
			return fmt.Errorf("reconcile subnet for network %s: %w", netName, err)
		}
	}
	return nil
}

func reconcileSubnet(ctx context.Context, client *maasapi.Client, fabric *maasapi.Fabric, n design.Network, detail *task.ResultDetail) error {
	subnets := maasapi.NewSubnets(client)
	if err := subnets.Refresh(ctx); err != nil {
		return err
	}

	subnet := subnets.Singleton(maasapi.ByCIDR(n.CIDR))

	vlans := fabric.Vlans()
	if err := vlans.Refresh(ctx); err != nil {
		return err
	}

	var vlan *maasapi.Vlan
	if subnet == nil {
		vlan = vlans.Singleton(maasapi.ByVID(n.VLANIDOrZero()))
		if vlan == nil {
			created, err := vlans.Add(ctx, n.Name, n.VLANIDOrZero(), mtuOrZero(n.MTU))
			if err != nil {
				return err
			}
			vlan = created
			detail.AddDetail(fmt.Sprintf("VLAN %d created for network %s", vlan.ResourceID, n.Name))
		} else {
			vlan.Name = n.Name
			if n.MTU != nil {
				vlan.MTU = *n.MTU
			}
			if err := vlan.Update(ctx); err != nil {
				return err
			}
			detail.AddDetail(fmt.Sprintf("VLAN %d found for network %s, updated attributes", vlan.ResourceID, n.Name))
		}

		createdSubnet, err := subnets.Add(ctx, n.Name, n.CIDR, fabric.ResourceID, vlan.ResourceID, n.GatewayIP)
		if err != nil {
			return err
		}
		subnet = createdSubnet
		detail.AddDetail(fmt.Sprintf("subnet %d created for network %s", subnet.ResourceID, n.Name))
	} else {
		subnet.Name = n.Name
		subnet.DNSServers = n.DNSServers
		detail.AddDetail(fmt.Sprintf("subnet %d found for network %s, updated attributes", subnet.ResourceID, n.Name))

		vlan = vlans.Select(subnet.VLAN)
		if vlan == nil {
			return fmt.Errorf("MAAS subnet %d has no matching VLAN", subnet.ResourceID)
		}
		vlan.Name = n.Name
		if want := n.VLANIDOrZero(); vlan.VID != want {
			if err := vlan.SetVID(want); err != nil {
				return err
			}
		}
		if n.MTU != nil {
			vlan.MTU = *n.MTU
		}
		if err := vlan.Update(ctx); err != nil {
			return err
		}
	}

	subnet.GatewayIP = n.GatewayIP
	if err := subnet.Update(ctx); err != nil {
		return err
	}

	dhcpOn := n.HasDHCPRange()
	for _, r := range n.Ranges {
		if err := subnet.AddAddressRange(ctx, r); err != nil {
			return err
		}
	}

	if dhcpOn && !vlan.DHCPOn {
		racks, err := client.RackControllers(ctx)
		if err != nil {
			return err
		}
		if len(racks) == 0 {
			return fmt.Errorf("no rack controllers available to enable DHCP on VLAN %d", vlan.ResourceID)
		}
		if len(racks) > 1 {
			detail.AddDetail(fmt.Sprintf("multiple rack controllers found for VLAN %d, defaulting to the first", vlan.ResourceID))
		}
		vlan.DHCPOn = true
		vlan.PrimaryRack = racks[0].SystemID
		if err := vlan.Update(ctx); err != nil {
			return err
		}
	}

	return nil
}

func mtuOrZero(mtu *int) int {
	if mtu == nil {
		return 0
	}
	return *mtu
}

// IdentifyNode locates each task node in MAAS (spec §4.5.2).
func IdentifyNode(ctx context.Context, t *task.Task, site design.SiteDesign, client *maasapi.Client) error {
	var detail task.ResultDetail

	machines := maasapi.NewMachines(client)
	if err := machines.Refresh(ctx); err != nil {
		detail.Retry = true
		errDetail(&detail, "error accessing MAAS Machines API: %v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	worked, failed := false, false
	for _, nodeName := range t.NodeList {
		node, ok := site.Node(nodeName)
		if !ok {
			failed = true
			detail.MarkFailed(nodeName)
			errDetail(&detail, "node %s not present in design", nodeName)
			continue
		}
		m, err := machines.IdentifyBaremetalNode(ctx, node, true)
		if err != nil {
			failed = true
			detail.MarkFailed(nodeName)
			errDetail(&detail, "error identifying node %s: %v", nodeName, err)
			continue
		}
		if m != nil {
			worked = true
			detail.MarkSuccessful(nodeName)
			detail.AddDetail(fmt.Sprintf("node %s identified in MAAS", nodeName))
		} else {
			failed = true
			detail.MarkFailed(nodeName)
			detail.AddDetail(fmt.Sprintf("node %s not found in MAAS", nodeName))
		}
	}

	complete(t, combine(worked, failed), detail)
	return nil
}

// ConfigureHardware commissions each task node that MAAS reports as New
// or Broken, polling status until Ready or the poll budget is spent
// (spec §4.5.3, §5).
func ConfigureHardware(ctx context.Context, t *task.Task, site design.SiteDesign, client *maasapi.Client) error {
	var detail task.ResultDetail

	machines := maasapi.NewMachines(client)
	if err := machines.Refresh(ctx); err != nil {
		detail.Retry = true
		errDetail(&detail, "error accessing MAAS Machines API: %v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	const pollBudget = 20
	worked, failed := false, false

	for _, nodeName := range t.NodeList {
		node, ok := site.Node(nodeName)
		if !ok {
			failed = true
			detail.MarkFailed(nodeName)
			errDetail(&detail, "node %s not present in design", nodeName)
			continue
		}
		m, err := machines.IdentifyBaremetalNode(ctx, node, false)
		if err != nil {
			failed = true
			detail.MarkFailed(nodeName)
			errDetail(&detail, "error commissioning node %s: %v", nodeName, err)
			continue
		}
		if m == nil {
			failed = true
			detail.MarkFailed(nodeName)
			detail.AddDetail(fmt.Sprintf("node %s not found in MAAS", nodeName))
			continue
		}

		switch {
		case m.IsNewOrBroken():
			if err := m.Commission(ctx); err != nil {
				failed = true
				detail.MarkFailed(nodeName)
				errDetail(&detail, "error commissioning node %s: %v", nodeName, err)
				continue
			}
			ready := false
			for attempt := 0; attempt < pollBudget; attempt++ {
				if err := m.Refresh(ctx); err != nil {
					continue
				}
				if m.StatusName == maasapi.StatusReady {
					ready = true
					break
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				pollClock.Sleep(commissioningPollInterval, ctx.Done())
			}
			if ready {
				worked = true
				detail.MarkSuccessful(nodeName)
				detail.AddDetail(fmt.Sprintf("node %s commissioned", nodeName))
			} else {
				failed = true
				detail.MarkFailed(nodeName)
				detail.AddDetail(fmt.Sprintf("node %s did not reach Ready within the commissioning poll budget", nodeName))
			}
		case m.StatusName == maasapi.StatusCommissioning:
			worked = true
			detail.MarkSuccessful(nodeName)
			detail.AddDetail(fmt.Sprintf("node %s already being commissioned, skipping", nodeName))
		case m.StatusName == maasapi.StatusReady:
			worked = true
			detail.MarkSuccessful(nodeName)
			detail.AddDetail(fmt.Sprintf("node %s already commissioned, skipping", nodeName))
		default:
			failed = true
			detail.MarkFailed(nodeName)
			detail.AddDetail(fmt.Sprintf("node %s in unexpected MAAS status %s, skipping", nodeName, m.StatusName))
		}
	}

	complete(t, combine(worked, failed), detail)
	return nil
}

// ApplyNodeNetworking links each task node's design interfaces to their
// MAAS fabrics/VLANs/subnets (spec §4.5.4). Unlike every other Action
// Runner, any single node failure forces the whole task to Failure —
// there is no PartialSuccess here, matching the original driver.
func ApplyNodeNetworking(ctx context.Context, t *task.Task, site design.SiteDesign, client *maasapi.Client) error {
	var detail task.ResultDetail

	machines := maasapi.NewMachines(client)
	if err := machines.Refresh(ctx); err != nil {
		detail.Retry = true
		errDetail(&detail, "error accessing MAAS API: %v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}
	fabrics := maasapi.NewFabrics(client)
	if err := fabrics.Refresh(ctx); err != nil {
		detail.Retry = true
		errDetail(&detail, "error accessing MAAS API: %v", err)
		complete(t, task.ResultFailure, detail)
		return nil
	}

	failed := false

	for _, nodeName := range t.NodeList {
		node, ok := site.Node(nodeName)
		if !ok {
			failed = true
			errDetail(&detail, "node %s not present in design", nodeName)
			continue
		}
		m, err := machines.IdentifyBaremetalNode(ctx, node, false)
		if err != nil {
			failed = true
			errDetail(&detail, "error configuring network for node %s: %v", nodeName, err)
			continue
		}
		if m == nil {
			failed = true
			detail.AddDetail(fmt.Sprintf("node %s not found in MAAS", nodeName))
			continue
		}

		switch m.StatusName {
		case maasapi.StatusReady:
			if err := applyInterfaces(ctx, m, site, node, fabrics, &detail); err != nil {
				failed = true
				errDetail(&detail, "error configuring network for node %s: %v", nodeName, err)
			}
		case maasapi.StatusBroken:
			failed = true
			detail.AddDetail(fmt.Sprintf("node %s is Broken, run ConfigureHardware before ApplyNodeNetworking", nodeName))
		default:
			failed = true
			detail.AddDetail(fmt.Sprintf("node %s in unexpected MAAS status %s, skipping", nodeName, m.StatusName))
		}
	}

	result := task.ResultSuccess
	if failed {
		result = task.ResultFailure
	}
	complete(t, result, detail)
	return nil
}

func applyInterfaces(ctx context.Context, m *maasapi.Machine, site design.SiteDesign, node design.BaremetalNode, fabrics *maasapi.Fabrics, detail *task.ResultDetail) error {
	for _, ifaceDesign := range node.Interfaces {
		nl, ok := site.NetworkLink(ifaceDesign.NetworkLink)
		if !ok {
			return fmt.Errorf("no network link %s defined", ifaceDesign.NetworkLink)
		}

		fabric := fabrics.Singleton(maasapi.ByName(nl.Name))
		if fabric == nil {
			return fmt.Errorf("no fabric found for network link %s", nl.Name)
		}

		iface, err := m.GetNetworkInterface(ctx, ifaceDesign.DeviceName)
		if err != nil {
			return err
		}
		if iface == nil {
			detail.AddDetail(fmt.Sprintf("interface %s not found on node %s, skipping configuration", ifaceDesign.DeviceName, m.SystemID))
			continue
		}

		if iface.FabricID != fabric.ResourceID {
			if err := iface.AttachFabric(ctx, fabric.ResourceID); err != nil {
				return err
			}
		}

		for _, netName := range ifaceDesign.Networks {
			n, ok := site.Network(netName)
			if !ok {
				return fmt.Errorf("network %s referenced by interface %s is not defined", netName, ifaceDesign.DeviceName)
			}

			linkIface := iface
			if netName != nl.NativeNetwork {
				ifaces, err := m.Interfaces(ctx)
				if err != nil {
					return err
				}
				created, err := ifaces.CreateVlan(ctx, n.VLANIDOrZero(), iface.Name, mtuOrZero(n.MTU))
				if err != nil {
					return err
				}
				if created == nil {
					// CreateVlan returns nil, nil when an interface for
					// this VLAN tag already exists on the node; locate it
					// by resolving the tag to its VLAN resource ID on the
					// parent's fabric.
					vlans := fabric.Vlans()
					if err := vlans.Refresh(ctx); err != nil {
						return err
					}
					vlan := vlans.Singleton(maasapi.ByVID(n.VLANIDOrZero()))
					if vlan == nil {
						return fmt.Errorf("cannot locate VLAN %d for network %s", n.VLANIDOrZero(), netName)
					}
					created = ifaces.Singleton(func(i *maasapi.Interface) bool { return i.VLAN == vlan.ResourceID })
				}
				if created == nil {
					return fmt.Errorf("could not create or locate VLAN interface for network %s", netName)
				}
				linkIface = created
			}

			address, found := node.AddressFor(netName)
			if !found {
				detail.AddDetail(fmt.Sprintf("no address assigned to network %s for node %s, cannot link", netName, node.Name))
				continue
			}

			opts := maasapi.LinkSubnetOptions{
				SubnetCIDR: n.CIDR,
				Primary:    netName == node.PrimaryNetwork,
			}
			if address != "dhcp" {
				opts.IPAddress = address
			}
			if err := linkIface.LinkSubnet(ctx, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

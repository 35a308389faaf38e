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

// Package oobapi implements the OOB (BMC) Redfish-style client used by
// the OOB Driver: virtual media mount/unmount, one-time boot override,
// and power state read/write/cycle (spec §4.5.5).
package oobapi

import (
	"context"
)

// BootDevice is a one-time boot target.
type BootDevice string

const (
	BootDeviceCD  BootDevice = "Cd"
	BootDevicePXE BootDevice = "Pxe"
	BootDeviceHDD BootDevice = "Hdd"
)

// PowerState mirrors the Redfish PowerState enum, normalized to a small
// closed set the Driver reasons about.
type PowerState string

const (
	PowerStateOn          PowerState = "On"
	PowerStateOff         PowerState = "Off"
	PowerStatePoweringOn  PowerState = "PoweringOn"
	PowerStatePoweringOff PowerState = "PoweringOff"
	PowerStateUnknown     PowerState = "Unknown"
)

// ResetType is a Redfish ComputerSystem.Reset action value.
type ResetType string

const (
	ResetOn             ResetType = "On"
	ResetForceOff       ResetType = "ForceOff"
	ResetGracefulRestart ResetType = "GracefulRestart"
	ResetForceRestart   ResetType = "ForceRestart"
	ResetPowerCycle     ResetType = "PowerCycle"
)

// Client is the minimal Redfish surface the OOB Driver's Action Runners
// need. Implementations discover ServiceRoot -> Systems -> Managers ->
// VirtualMedia lazily and cache the resolved paths.
type Client interface {
	// MountVirtualMedia inserts an ISO URL into a CD/DVD virtual media slot.
	MountVirtualMedia(ctx context.Context, isoURL string) error

	// UnmountVirtualMedia ejects media from the CD/DVD virtual media slot.
	UnmountVirtualMedia(ctx context.Context) error

	// SetOneTimeBoot sets the one-time boot override device.
	SetOneTimeBoot(ctx context.Context, device BootDevice) error

	// PowerState reads the current system power state.
	PowerState(ctx context.Context) (PowerState, error)

	// Reset issues a ComputerSystem.Reset action (power on/off/cycle).
	Reset(ctx context.Context, reset ResetType) error

	// TestConnectivity probes that the BMC endpoint is reachable.
	TestConnectivity(ctx context.Context) error

	// TestAuthentication probes that the configured credentials are accepted.
	TestAuthentication(ctx context.Context) error
}

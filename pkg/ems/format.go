// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import (
	"fmt"
	"strings"
)

// Common type ids understood by every device
const (
	TypeName        = 0x01
	TypeDeviceError = 0xBE
	TypeSystemError = 0xBF
	TypeMenuConfig  = 0xF7
	TypeValueConfig = 0xF9
)

// FormatTelegram renders a telegram the way the bus log shows it, e.g.
// "boiler(0x08) W me(0x0B), UBADevices(0x07), data: 0B 80 00"
func FormatTelegram(t *Telegram, busID uint8) string {
	src := FormatDevice(t.Src(), busID)
	dest := FormatDevice(t.Dest(), busID)
	typ := fmt.Sprintf("%s(0x%02X)", FormatType(t.TypeID()), t.TypeID())

	var sb strings.Builder
	switch {
	case t.Operation() == OpRxRead:
		length := 0
		if len(t.data) > 0 {
			length = int(t.data[0])
		}
		fmt.Fprintf(&sb, "%s R %s, %s, length: %d", src, dest, typ, length)
		if len(t.data) > 1 {
			sb.WriteString(", data: " + HexString(t.data[1:]))
		}
	case t.Dest() == BroadcastID:
		fmt.Fprintf(&sb, "%s B %s, %s, data: %s", src, dest, typ, t.MessageString())
	default:
		fmt.Fprintf(&sb, "%s W %s, %s, data: %s", src, dest, typ, t.MessageString())
	}
	if t.Offset() > 0 {
		fmt.Fprintf(&sb, " (offset %d)", t.Offset())
	}
	return sb.String()
}

// FormatDevice names a device id, "me" being busID
func FormatDevice(id, busID uint8) string {
	id &= addressMask
	name := DeviceName(id)
	if id == busID {
		name = "me"
	}
	return fmt.Sprintf("%s(0x%02X)", name, id)
}

// DeviceName returns the role usually found at a device id
func DeviceName(id uint8) string {
	switch {
	case id == BroadcastID:
		return "all"
	case id == BoilerID:
		return "boiler"
	case id == 0x09:
		return "controller"
	case id == 0x0A:
		return "terminal"
	case id == 0x0B:
		return "servicekey"
	case id == 0x0C:
		return "cascade"
	case id == 0x0D:
		return "easycom"
	case id == 0x0E:
		return "converter"
	case id == 0x0F:
		return "clock"
	case id == 0x10 || id == 0x17 || id == 0x18 || id >= 0x37 && id <= 0x3F:
		return "thermostat"
	case id == 0x11:
		return "switch"
	case id == 0x12:
		return "alert"
	case id == 0x15:
		return "extension"
	case id >= 0x20 && id <= 0x27:
		return "mixer"
	case id >= 0x28 && id <= 0x2F:
		return "water"
	case id == 0x30:
		return "solar"
	case id == 0x40:
		return "rfsensor"
	case id == 0x48:
		return "gateway"
	case id == 0x50:
		return "rfbase"
	case id >= 0x60 && id <= 0x6F:
		return "ahs"
	case id >= 0x70:
		return "heatsource"
	default:
		return "?"
	}
}

// FormatType names the common type ids
func FormatType(typeID uint16) string {
	switch typeID {
	case TypeName:
		return "DeviceName"
	case TypeVersion:
		return "Version"
	case TypeUBADevices:
		return "UBADevices"
	case TypeDeviceError:
		return "DeviceError"
	case TypeSystemError:
		return "SystemError"
	case TypeMenuConfig:
		return "MenuConfig"
	case TypeValueConfig:
		return "ValueConfig"
	default:
		return "?"
	}
}

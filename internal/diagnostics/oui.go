package diagnostics

import (
	"fmt"
	"net"
)

const unknownVendor = "Unknown"

// Chipsets seen in DIY lock builds, keyed by the 24-bit OUI.
var ouiVendors = map[uint32]string{
	0xB827EB: "Raspberry Pi",
	0xDCA632: "Raspberry Pi",
	0xE45F01: "Raspberry Pi",
	0x240AC4: "Espressif",
	0x30AEA4: "Espressif",
	0x0045E2: "Intel",
	0x3C58C2: "Intel",
	0x00E04C: "Realtek",
	0x001A7D: "Cambridge Silicon Radio",
}

// oui extracts the prefix of a public 48-bit address. Platform-opaque
// identities such as CoreBluetooth UUIDs have none.
func oui(identity string) (uint32, bool) {
	hw, err := net.ParseMAC(identity)
	if err != nil || len(hw) != 6 {
		return 0, false
	}
	return uint32(hw[0])<<16 | uint32(hw[1])<<8 | uint32(hw[2]), true
}

func formatOUI(p uint32) string {
	return fmt.Sprintf("%02X:%02X:%02X", byte(p>>16), byte(p>>8), byte(p))
}

func vendorOf(p uint32) string {
	if v, ok := ouiVendors[p]; ok {
		return v
	}
	return unknownVendor
}

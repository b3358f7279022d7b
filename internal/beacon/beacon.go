package beacon

import (
	"fmt"
	"strings"
)

// Beacon is a fixed BLE beacon with a surveyed position. Immutable after
// registry load; coordinates are metres in the site frame.
type Beacon struct {
	ID      string  `json:"id"`      // canonical identity, see CanonicalID
	X       float64 `json:"x"`       // metres
	Y       float64 `json:"y"`       // metres
	TxPower int     `json:"txPower"` // calibrated RSSI at 1 m, dBm
	Name    string  `json:"name,omitempty"`
	Major   int     `json:"major,omitempty"`
	Minor   int     `json:"minor,omitempty"`
}

// CanonicalID normalises a beacon identity. Beacons are addressed either by
// MAC address or by iBeacon UUID+major+minor; both collapse to a single
// canonical key so the rest of the pipeline never branches on identity kind.
//
// MAC addresses are upper-cased with ":" separators; UUID triplets become
// "uuid/major/minor" with the UUID lower-cased.
func CanonicalID(mac, uuid string, major, minor int) (string, error) {
	if mac != "" {
		return NormalizeMAC(mac)
	}
	if uuid != "" {
		return fmt.Sprintf("%s/%d/%d", strings.ToLower(strings.TrimSpace(uuid)), major, minor), nil
	}
	return "", fmt.Errorf("beacon identity requires a macAddress or a uuid")
}

// NormalizeMAC canonicalises a MAC address string: upper case, ":" separated
// octets. Accepts ":"-, "-"- or unseparated forms.
func NormalizeMAC(mac string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(mac))
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 12 {
		return "", fmt.Errorf("invalid MAC address %q", mac)
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", fmt.Errorf("invalid MAC address %q", mac)
		}
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String(), nil
}

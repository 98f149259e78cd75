package machine

import (
	"crypto/rand"
	"fmt"
	"net"
	"regexp"
	"slices"
	"strconv"

	"github.com/machined/machined/daemon/machine/property"
)

// nicKeys are the attributes a NIC may carry.
var nicKeys = []string{
	"allow_dhcp_spoofing",
	"allow_ip_spoofing",
	"allow_mac_spoofing",
	"allow_restricted_traffic",
	"allowed_ips",
	"gateway",
	"gateways",
	"interface",
	"ip",
	"ips",
	"mac",
	"model",
	"mtu",
	"netmask",
	"network_uuid",
	"nic_tag",
	"primary",
	"vlan_id",
}

// vethName matches the names the container backend gives its own veth
// links inside a machine.
var vethName = regexp.MustCompile(`^vc[0-9]+$`)

// generateMAC returns a random unicast, locally administered address.
func generateMAC() (string, error) {
	hw := make(net.HardwareAddr, 6)
	if _, err := rand.Read(hw[1:]); err != nil {
		return "", err
	}
	hw[0] = 0x02
	return hw.String(), nil
}

func nicError(i int, format string, args ...any) error {
	return property.Disallowed("nics", "nics[%d]: %s", i, fmt.Sprintf(format, args...))
}

// normalizeNICs checks a NIC list and fills in what may be generated: MAC
// addresses, interface names and, for a single NIC, the primary flag. The
// list is modified in place.
func normalizeNICs(nics []map[string]any) error {
	macs := make(map[string]int, len(nics))
	names := make(map[string]int, len(nics))
	for i, nic := range nics {
		for k := range nic {
			if !slices.Contains(nicKeys, k) {
				return nicError(i, "unknown property %q", k)
			}
		}
		if err := checkNICValues(i, nic); err != nil {
			return err
		}
		if v, ok := nic["mac"]; ok {
			s, _ := v.(string)
			hw, err := net.ParseMAC(s)
			if err != nil || len(hw) != 6 {
				return nicError(i, "invalid mac %v", v)
			}
			mac := hw.String()
			if j, dup := macs[mac]; dup {
				return nicError(i, "mac %s already used by nics[%d]", mac, j)
			}
			macs[mac] = i
			nic["mac"] = mac
		}
		if v, ok := nic["interface"]; ok {
			s, _ := v.(string)
			if s == "" || len(s) > 15 {
				return nicError(i, "invalid interface name %v", v)
			}
			if vethName.MatchString(s) {
				return nicError(i, "interface name %s is reserved", s)
			}
			if j, dup := names[s]; dup {
				return nicError(i, "interface %s already used by nics[%d]", s, j)
			}
			names[s] = i
		}
	}

	for i, nic := range nics {
		if _, ok := nic["mac"]; !ok {
			for {
				mac, err := generateMAC()
				if err != nil {
					return err
				}
				if _, dup := macs[mac]; !dup {
					macs[mac] = i
					nic["mac"] = mac
					break
				}
			}
		}
		if _, ok := nic["interface"]; !ok {
			for n := i; ; n++ {
				name := "net" + strconv.Itoa(n)
				if _, dup := names[name]; !dup {
					names[name] = i
					nic["interface"] = name
					break
				}
			}
		}
	}

	return electPrimary(nics)
}

// electPrimary enforces that exactly one NIC of a non-empty list is
// primary. A single NIC becomes primary when none is marked.
func electPrimary(nics []map[string]any) error {
	var primaries []int
	for i, nic := range nics {
		if nic["primary"] == true {
			primaries = append(primaries, i)
		} else {
			delete(nic, "primary")
		}
	}
	switch {
	case len(nics) == 0:
		return nil
	case len(primaries) == 1:
		return nil
	case len(primaries) == 0 && len(nics) == 1:
		nics[0]["primary"] = true
		return nil
	case len(primaries) == 0:
		return property.Disallowed("nics", "no primary NIC among %d", len(nics))
	}
	return property.Disallowed("nics", "%d NICs marked primary", len(primaries))
}

func checkNICValues(i int, nic map[string]any) error {
	for _, k := range []string{"interface", "mac", "nic_tag", "ip", "netmask", "gateway", "network_uuid", "model"} {
		if v, ok := nic[k]; ok {
			if _, isString := v.(string); !isString {
				return nicError(i, "%s must be a string", k)
			}
		}
	}
	for _, k := range []string{"ips", "gateways", "allowed_ips"} {
		if v, ok := nic[k]; ok {
			if !isStringList(v) {
				return nicError(i, "%s must be a list of strings", k)
			}
		}
	}
	if v, ok := nic["primary"]; ok {
		if _, isBool := v.(bool); !isBool {
			return nicError(i, "primary must be a boolean")
		}
	}
	if v, ok := nic["vlan_id"]; ok {
		if n, isNum := number(v); !isNum || n < 0 || n > 4095 {
			return nicError(i, "vlan_id %v is not within [0, 4095]", v)
		}
	}
	if v, ok := nic["mtu"]; ok {
		if n, isNum := number(v); !isNum || n < 576 || n > 9000 {
			return nicError(i, "mtu %v is not within [576, 9000]", v)
		}
	}
	return nil
}

func isStringList(v any) bool {
	switch l := v.(type) {
	case []string:
		return true
	case []any:
		for _, e := range l {
			if _, ok := e.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

package nspawn

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// readyFlag is created in the container root once its interfaces are
// configured. The init stand-in waits for it before exec'ing the real init.
const readyFlag = ".machined-netready"

// link describes one declared NIC as attached by systemd-nspawn.
type link struct {
	// Host and Container are the veth names nspawn creates.
	Host      string
	Container string

	Name     string
	MAC      string
	Tag      string
	MTU      string
	Addrs    []string
	Gateways []string
	Primary  bool
}

func hostVeth(uuid string, idx int) string {
	return "vh" + strings.ReplaceAll(uuid, "-", "")[:8] + strconv.Itoa(idx)
}

func containerVeth(idx int) string {
	return "vc" + strconv.Itoa(idx)
}

// links computes the rename and addressing directives for every NIC.
func links(uuid string, nics []map[string]any) ([]link, error) {
	out := make([]link, 0, len(nics))
	for i, nic := range nics {
		l := link{
			Host:      hostVeth(uuid, i),
			Container: containerVeth(i),
			Name:      str(nic, "interface"),
			MAC:       str(nic, "mac"),
			Tag:       str(nic, "nic_tag"),
			Primary:   nic["primary"] == true,
		}
		if l.Name == "" || l.MAC == "" {
			return nil, fmt.Errorf("nics[%d]: interface and mac are required", i)
		}
		if mtu, ok := nic["mtu"]; ok {
			l.MTU = fmt.Sprint(mtu)
		}
		addrs, err := nicAddrs(nic)
		if err != nil {
			return nil, fmt.Errorf("nics[%d]: %w", i, err)
		}
		l.Addrs = addrs
		l.Gateways = strs(nic, "gateways")
		if gw := str(nic, "gateway"); gw != "" && len(l.Gateways) == 0 {
			l.Gateways = []string{gw}
		}
		out = append(out, l)
	}
	return out, nil
}

// nicAddrs returns the static addresses of a NIC in CIDR form. Dynamic
// address sources are left to the payload.
func nicAddrs(nic map[string]any) ([]string, error) {
	ips := strs(nic, "ips")
	if len(ips) == 0 {
		if ip := str(nic, "ip"); ip != "" {
			if mask := str(nic, "netmask"); mask != "" && !strings.Contains(ip, "/") {
				m := net.ParseIP(mask).To4()
				if m == nil {
					return nil, fmt.Errorf("invalid netmask %q", mask)
				}
				ones, _ := net.IPMask(m).Size()
				ip += "/" + strconv.Itoa(ones)
			}
			ips = []string{ip}
		}
	}
	var out []string
	for _, ip := range ips {
		switch ip {
		case "dhcp", "addrconf":
			continue
		}
		if _, _, err := net.ParseCIDR(ip); err != nil {
			if net.ParseIP(ip) == nil {
				return nil, fmt.Errorf("invalid address %q", ip)
			}
		}
		out = append(out, ip)
	}
	return out, nil
}

// netscript renders the post-start hook that makes the container's
// interfaces match the declared NIC list, then releases the init stand-in.
func netscript(uuid, root string, ls []link, routes map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/sh\n# Generated by machined for %s. Do not edit.\nset -e\n\n", uuid)
	if len(ls) > 0 {
		fmt.Fprintf(&b, "leader=$(machinectl show --property=Leader --value %s)\n\n", uuid)
		for _, l := range ls {
			if l.Tag != "" {
				fmt.Fprintf(&b, "ip link set dev %s master %s\n", l.Host, l.Tag)
			}
			fmt.Fprintf(&b, "ip link set dev %s up\n", l.Host)
		}
		b.WriteString("\nnsenter --target \"$leader\" --net sh -e <<'EOF'\n")
		for _, l := range ls {
			fmt.Fprintf(&b, "ip link set dev %s down\n", l.Container)
			fmt.Fprintf(&b, "ip link set dev %s name %s\n", l.Container, l.Name)
			fmt.Fprintf(&b, "ip link set dev %s address %s\n", l.Name, l.MAC)
			if l.MTU != "" {
				fmt.Fprintf(&b, "ip link set dev %s mtu %s\n", l.Name, l.MTU)
			}
			fmt.Fprintf(&b, "ip link set dev %s up\n", l.Name)
			for _, a := range l.Addrs {
				fmt.Fprintf(&b, "ip addr add %s dev %s\n", a, l.Name)
			}
		}
		for _, l := range ls {
			if l.Primary && len(l.Gateways) > 0 {
				fmt.Fprintf(&b, "ip route add default via %s dev %s\n", l.Gateways[0], l.Name)
			}
		}
		for _, r := range routeLines(ls, routes) {
			b.WriteString(r + "\n")
		}
		b.WriteString("EOF\n\n")
	}
	fmt.Fprintf(&b, "touch %s\n", root+"/"+readyFlag)
	return b.String()
}

// routeLines renders static routes. A gateway of the form "nics[N]" routes
// the destination directly over that NIC.
func routeLines(ls []link, routes map[string]any) []string {
	dests := make([]string, 0, len(routes))
	for d := range routes {
		dests = append(dests, d)
	}
	sort.Strings(dests)

	var out []string
	for _, dest := range dests {
		gw, _ := routes[dest].(string)
		if gw == "" {
			continue
		}
		if !strings.Contains(dest, "/") {
			dest += "/32"
		}
		if idx, ok := strings.CutPrefix(gw, "nics["); ok {
			n, err := strconv.Atoi(strings.TrimSuffix(idx, "]"))
			if err != nil || n < 0 || n >= len(ls) {
				continue
			}
			out = append(out, fmt.Sprintf("ip route add %s dev %s", dest, ls[n].Name))
			continue
		}
		out = append(out, fmt.Sprintf("ip route add %s via %s", dest, gw))
	}
	return out
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func strs(m map[string]any, key string) []string {
	switch l := m[key].(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

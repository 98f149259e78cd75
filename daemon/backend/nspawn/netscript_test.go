package nspawn

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestLinks(t *testing.T) {
	ls, err := links(testUUID, []map[string]any{
		{"interface": "net0", "mac": "02:00:00:00:00:01", "ip": "192.168.1.10", "netmask": "255.255.255.0", "gateway": "192.168.1.1", "mtu": int64(1500)},
		{"interface": "net1", "mac": "02:00:00:00:00:02", "ips": []string{"dhcp", "fd00::5/64"}, "primary": true},
	})
	assert.NilError(t, err)
	assert.Assert(t, is.Len(ls, 2))

	assert.Check(t, is.Equal(ls[0].Host, "vh8a4b5c6d0"))
	assert.Check(t, is.Equal(ls[1].Container, "vc1"))
	assert.Check(t, is.DeepEqual(ls[0].Addrs, []string{"192.168.1.10/24"}))
	assert.Check(t, is.DeepEqual(ls[0].Gateways, []string{"192.168.1.1"}))
	assert.Check(t, is.Equal(ls[0].MTU, "1500"))
	assert.Check(t, is.DeepEqual(ls[1].Addrs, []string{"fd00::5/64"}))
	assert.Check(t, ls[1].Primary)
}

func TestLinksInvalid(t *testing.T) {
	_, err := links(testUUID, []map[string]any{{"interface": "net0"}})
	assert.Check(t, is.ErrorContains(err, "nics[0]"))

	_, err = links(testUUID, []map[string]any{{"interface": "net0", "mac": "02:00:00:00:00:01", "ips": []string{"not-an-ip"}}})
	assert.Check(t, is.ErrorContains(err, "invalid address"))
}

func TestNetscriptWithoutNICs(t *testing.T) {
	s := netscript(testUUID, "/zones/x/root", nil, nil)
	assert.Check(t, !strings.Contains(s, "nsenter"))
	assert.Check(t, is.Contains(s, "touch /zones/x/root/"+readyFlag))
}

func TestNetscriptReadyFlagLast(t *testing.T) {
	ls, err := links(testUUID, []map[string]any{{"interface": "net0", "mac": "02:00:00:00:00:01", "ips": []string{"10.0.0.2/24"}}})
	assert.NilError(t, err)
	s := strings.TrimSpace(netscript(testUUID, "/r", ls, nil))
	lines := strings.Split(s, "\n")
	assert.Check(t, is.Equal(lines[len(lines)-1], "touch /r/"+readyFlag))
}

func TestRouteLines(t *testing.T) {
	ls := []link{{Name: "net0"}, {Name: "net1"}}
	got := routeLines(ls, map[string]any{
		"10.5.0.0/16": "nics[1]",
		"10.1.1.1":    "10.0.0.1",
		"10.9.0.0/16": "nics[7]",
	})
	assert.Check(t, is.DeepEqual(got, []string{
		"ip route add 10.1.1.1/32 via 10.0.0.1",
		"ip route add 10.5.0.0/16 dev net1",
	}))
}

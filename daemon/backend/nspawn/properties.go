package nspawn

import (
	"github.com/docker/go-units"
	"github.com/machined/machined/daemon/backend"
)

// Sections of the generated files.
const (
	sectionUnit    = "Unit"
	sectionService = "Service"
	sectionInstall = "Install"
	sectionExec    = "Exec"
	sectionNetwork = "Network"
)

// newProperties returns the mapping of machine attributes onto the service
// unit and nspawn settings. Attributes listed with no Key are known to the
// machine but have no representation here yet.
func newProperties() *backend.Table {
	return backend.NewTable(
		&backend.Property{Name: "alias", Key: "Description", ServiceSection: sectionUnit, Codec: backend.String{}},
		&backend.Property{Name: "uuid", Key: "MachineID", NspawnSection: sectionExec, Codec: backend.MachineID{}},
		&backend.Property{Name: "hostname", Key: "Hostname", NspawnSection: sectionExec, Codec: backend.String{}},

		&backend.Property{Name: "cpu_shares", Key: "CPUWeight", ServiceSection: sectionService, Codec: backend.Integer{}, Runtime: true},
		&backend.Property{Name: "cpu_cap", Key: "CPUQuota", DBusKey: "CPUQuotaPerSecUSec", ServiceSection: sectionService, Codec: backend.CPUCap{}, Runtime: true},
		&backend.Property{Name: "max_physical_memory", Key: "MemoryMax", ServiceSection: sectionService, Codec: backend.Integer{Scale: units.MiB}, Runtime: true},
		&backend.Property{Name: "max_swap", Key: "MemorySwapMax", ServiceSection: sectionService, Codec: backend.Integer{Scale: units.MiB}, Runtime: true},
		&backend.Property{Name: "max_lwps", Key: "TasksMax", ServiceSection: sectionService, Codec: backend.Integer{}, Runtime: true},
		&backend.Property{Name: "zfs_io_priority", Key: "IOWeight", ServiceSection: sectionService, Codec: backend.Integer{}, Runtime: true},
		&backend.Property{Name: "max_locked_memory", Key: "LimitMEMLOCK", NspawnSection: sectionExec, Codec: backend.Integer{Scale: units.MiB}},

		&backend.Property{Name: "pid", Key: "MainPID", Codec: backend.Integer{}, ReadOnly: true},
		&backend.Property{Name: "boot_timestamp", Key: "ExecMainStartTimestamp", Codec: backend.String{}, ReadOnly: true},

		&backend.Property{Name: "resolvers"},
		&backend.Property{Name: "dns_domain"},
		&backend.Property{Name: "firewall_enabled"},
	)
}

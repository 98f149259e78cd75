package config

import "github.com/spf13/pflag"

// InstallFlags adds flags for every configuration directive, using conf's
// current values as defaults.
func InstallFlags(flags *pflag.FlagSet, conf *Config) {
	flags.StringVar(&conf.ConfigDir, "config-dir", conf.ConfigDir, "Directory of machine configuration records")
	flags.StringVar(&conf.ImageDir, "image-dir", conf.ImageDir, "Directory of installed image manifests")
	flags.StringVar(&conf.UnitDir, "unit-dir", conf.UnitDir, "Directory generated service units are written to")
	flags.StringVar(&conf.NspawnDir, "nspawn-dir", conf.NspawnDir, "Directory generated .nspawn files are written to")
	flags.StringVar(&conf.NetscriptDir, "netscript-dir", conf.NetscriptDir, "Directory generated network setup scripts are written to")
	flags.StringVar(&conf.MachinesDir, "machines-dir", conf.MachinesDir, "Directory of container root links")
	flags.StringVar(&conf.Root, "root", conf.Root, "Prefix for dataset mountpoints")
	flags.StringVar(&conf.DefaultZpool, "default-zpool", conf.DefaultZpool, "Pool used for machines created without one")
	flags.BoolVar(&conf.Strict, "strict", conf.Strict, "Reject unknown machine attributes")
	flags.Var(&conf.CacheTTL, "cache-ttl", "Lifetime of cached machines")
	flags.Var(&conf.Rescan, "rescan-interval", "How often to look for machines changed by other processes (0 disables)")
	flags.StringVarP(&conf.LogLevel, "log-level", "l", conf.LogLevel, `Set the logging level ("debug"|"info"|"warn"|"error"|"fatal")`)
	flags.StringVar((*string)(&conf.LogFormat), "log-format", string(conf.LogFormat), `Set the logging format ("text"|"json")`)
	flags.StringVar(&conf.MetricsAddr, "metrics-addr", conf.MetricsAddr, "Set default address and port to serve the metrics api on")
}

// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/vpmem/config.toml"
)

var Cfg Config

// Configuration structure for the daemon. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	QueueDepth int `toml:"queue_depth" env:"VPMEM_QUEUEDEPTH" env-default:"16" env-description:"Depth of the flush command queue towards the host."`

	Backing struct {
		Path   string `toml:"path" env:"VPMEM_BACKING_PATH" env-default:"/var/lib/vpmem/pmem.img" env-description:"Backing file standing in for the persistent memory range."`
		Size   int64  `toml:"size" env:"VPMEM_BACKING_SIZE" env-default:"64" env-description:"Region size in MB."`
		Offset int64  `toml:"offset" env:"VPMEM_BACKING_OFFSET" env-default:"0" env-description:"Start of the region within the backing file."`
		Create bool   `toml:"create" env:"VPMEM_BACKING_CREATE" env-default:"true" env-description:"Create and size the backing file when it does not exist."`
	} `toml:"backing"`

	Descriptor string `toml:"descriptor" env:"VPMEM_DESCRIPTOR" env-default:"" env-description:"Path to a 16 byte little-endian region descriptor as exposed by the host. Overrides backing offset and size."`

	Flush struct {
		Interval int64 `toml:"interval" env:"VPMEM_FLUSH_INTERVAL" env-default:"0" env-description:"Periodic durability flush interval in seconds. 0 disables the loop."`
	} `toml:"flush"`

	Log struct {
		Level  int  `toml:"level" env:"VPMEM_LOG_LEVEL" env-default:"-1" env-description:"Log level."`
		Pretty bool `toml:"pretty" env:"VPMEM_LOG_PRETTY" env-default:"true" env-description:"Pretty logging."`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"VPMEM_PROFILER" env-default:"false" env-description:"Enable golang web profiler."`
	ProfilerPort int  `toml:"profiler_port" env:"VPMEM_PROFILER_PORT" env-default:"6060" env-description:"Port to listen on."`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Backing.Size *= 1024 * 1024

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("vpmem", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}

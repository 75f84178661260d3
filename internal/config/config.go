// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/jbs/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Null bool `toml:"null" env:"JBS_NULL" env-default:"false" env-description:"Use null engine, i.e. immediate acknowledge of every operation. For benchmarking the host harness."`

	Disk Disk `toml:"disk"`

	Log struct {
		Level  int  `toml:"level" env:"JBS_LOG_LEVEL" env-default:"1" env-description:"Log level."`
		Pretty bool `toml:"pretty" env:"JBS_LOG_PRETTY" env-default:"true" env-description:"Pretty logging."`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"JBS_PROFILER" env-default:"false" env-description:"Enable golang web profiler."`
	ProfilerPort int  `toml:"profiler_port" env:"JBS_PROFILER_PORT" env-default:"6060" env-description:"Port to listen on."`
}

// Disk describes one engine instance: the three devices, their geometry and
// the engine knobs. Tests construct several independent engines by filling
// this structure directly; the daemon uses the global Cfg.Disk.
type Disk struct {
	MetaDevice    string `toml:"meta_device" env:"JBS_META_DEVICE" env-default:"" env-description:"Metadata device or file path."`
	DataDevice    string `toml:"data_device" env:"JBS_DATA_DEVICE" env-default:"" env-description:"Data device or file path."`
	JournalDevice string `toml:"journal_device" env:"JBS_JOURNAL_DEVICE" env-default:"" env-description:"Journal device or file path. May equal the metadata device at a different offset."`

	MetaOffset    uint64 `toml:"meta_offset" env:"JBS_META_OFFSET" env-default:"0" env-description:"Byte offset of the metadata region."`
	DataOffset    uint64 `toml:"data_offset" env:"JBS_DATA_OFFSET" env-default:"0" env-description:"Byte offset of the data region."`
	JournalOffset uint64 `toml:"journal_offset" env:"JBS_JOURNAL_OFFSET" env-default:"0" env-description:"Byte offset of the journal region."`
	JournalSize   uint64 `toml:"journal_size" env:"JBS_JOURNAL_SIZE" env-default:"16777216" env-description:"Journal region size in bytes."`

	MetaBlockSize     uint32 `toml:"meta_block_size" env:"JBS_META_BLOCK_SIZE" env-default:"4096" env-description:"Metadata block size. Also the journal sector size."`
	DataBlockSize     uint32 `toml:"data_block_size" env:"JBS_DATA_BLOCK_SIZE" env-default:"131072" env-description:"Data block size. Power of two, multiple of disk_alignment."`
	BitmapGranularity uint32 `toml:"bitmap_granularity" env:"JBS_BITMAP_GRANULARITY" env-default:"4096" env-description:"Sub-block allocation granularity tracked in the clean entry bitmap."`
	DiskAlignment     uint32 `toml:"disk_alignment" env:"JBS_DISK_ALIGNMENT" env-default:"4096" env-description:"Required alignment of client offsets and lengths."`

	BlockCount uint64 `toml:"block_count" env:"JBS_BLOCK_COUNT" env-default:"0" env-description:"Number of data blocks. Zero derives the count from the data device size."`

	FlusherCount int `toml:"flusher_count" env:"JBS_FLUSHER_COUNT" env-default:"8" env-description:"Number of background flusher workers."`
	QueueDepth   int `toml:"queue_depth" env:"JBS_QUEUE_DEPTH" env-default:"128" env-description:"I/O ring queue depth."`

	Readonly         bool `toml:"readonly" env:"JBS_READONLY" env-default:"false" env-description:"Refuse writes, deletes and syncs; accept reads and lists."`
	InmemoryMetadata bool `toml:"inmemory_metadata" env:"JBS_INMEMORY_METADATA" env-default:"false" env-description:"Cache the whole metadata region in memory."`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	return parse()
}

// Parse the configuration file and reads the environment variable. Unknown
// keys in the configuration file are rejected.
func parse() error {
	if err := checkUnknownKeys(Cfg.ConfigPath); err != nil {
		return err
	}

	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	return nil
}

// Re-decodes the configuration file with the toml parser directly and fails
// on any key the Config structure does not recognize.
func checkUnknownKeys(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	md, err := toml.DecodeFile(path, &Config{})
	if err != nil {
		return err
	}

	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	sort.Strings(keys)

	return fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("jbs", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}

// Validate checks the disk geometry for internal consistency.
func (d *Disk) Validate() error {
	if d.DataDevice == "" {
		return fmt.Errorf("data_device is required")
	}
	if d.MetaDevice == "" {
		return fmt.Errorf("meta_device is required")
	}
	if d.JournalDevice == "" {
		return fmt.Errorf("journal_device is required")
	}

	for _, p := range []struct {
		name  string
		value uint32
	}{
		{"meta_block_size", d.MetaBlockSize},
		{"data_block_size", d.DataBlockSize},
		{"bitmap_granularity", d.BitmapGranularity},
		{"disk_alignment", d.DiskAlignment},
	} {
		if p.value == 0 || p.value&(p.value-1) != 0 {
			return fmt.Errorf("%s must be a power of two", p.name)
		}
	}

	if d.DataBlockSize%d.DiskAlignment != 0 {
		return fmt.Errorf("data_block_size must be a multiple of disk_alignment")
	}
	if d.DataBlockSize%d.BitmapGranularity != 0 {
		return fmt.Errorf("data_block_size must be a multiple of bitmap_granularity")
	}
	if d.JournalSize%uint64(d.MetaBlockSize) != 0 {
		return fmt.Errorf("journal_size must be a multiple of meta_block_size")
	}
	if d.JournalSize < 4*uint64(d.MetaBlockSize) {
		return fmt.Errorf("journal_size is too small")
	}
	if d.FlusherCount <= 0 {
		return fmt.Errorf("flusher_count must be positive")
	}
	if d.QueueDepth < 16 {
		return fmt.Errorf("queue_depth must be at least 16")
	}
	if uint64(d.DataBlockSize)/uint64(d.MetaBlockSize)+2 > uint64(d.QueueDepth) {
		return fmt.Errorf("queue_depth is too small for data_block_size/meta_block_size")
	}

	return nil
}

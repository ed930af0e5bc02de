// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config is the ambient options record and loader: the single
// options record spec.md §6 describes (log-file path, per-role
// endpoints, HWMs, default table options, static-file root), loaded
// the way cmd/snellerd/run_daemon.go parses its daemon flags, with an
// optional YAML overlay read the way tableadmin persists table config.
package config

import (
	"flag"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/yakdb/yakdb/engine"
)

// Options is the fixed record governing one yakserver process.
type Options struct {
	// LogFile is where the stderr-mirroring file sink writes; empty
	// disables the file sink.
	LogFile string
	// LogLevel is the Log Server's filtering threshold name (critical,
	// error, warn, info, debug, trace).
	LogLevel string
	// ArchiveDir, if non-empty, enables the zstd-archived rotating log
	// sink under that directory.
	ArchiveDir string

	// RouterEndpoint is where the ROUTER (request/reply) socket binds.
	RouterEndpoint string
	// PullEndpoint names a pull (push/pull) socket endpoint. It is
	// parsed but no component reads it: the router binds only the
	// ROUTER socket.
	PullEndpoint string
	// SubEndpoint names a subscribe socket endpoint. It is parsed but
	// no component reads it: no subscribe socket is bound.
	SubEndpoint string

	// ExternalHWM bounds the external ROUTER socket's send/receive
	// queue depth.
	ExternalHWM int
	// InternalHWM is an internal channel buffer depth. It is parsed but
	// no component reads it: the worker pools, table-admin and
	// async-job router each size their channels themselves.
	InternalHWM int

	// IPv4Only is an IPv4-only bind toggle. It is parsed but no
	// component reads it.
	IPv4Only bool

	// RootDir is the tablespace's on-disk root directory.
	RootDir string

	// Default table engine options, applied when a table is opened
	// on-the-fly or with no explicit options.
	DefaultLRUCacheSize      int64
	DefaultBlockSize         int64
	DefaultWriteBufferSize   int64
	DefaultBloomBitsPerKey   int
	DefaultCompression       string
	DefaultMergeOperator     string
	// DefaultPutBatchSize is parsed but no component reads it: the
	// update workers commit each Put request as a single batch.
	DefaultPutBatchSize int
	// StaticRoot is the filesystem root served by the optional HTTP
	// façade (not implemented in this module; kept so a façade
	// collaborator has a ready-made config field).
	StaticRoot string
}

// EngineDefaults converts the default-option fields into an
// engine.Options, the form tableadmin.NewServer(WithDefaultOptions)
// expects.
func (o *Options) EngineDefaults() (engine.Options, error) {
	cc, err := engine.ParseCompressionCode(o.DefaultCompression)
	if err != nil {
		return engine.Options{}, fmt.Errorf("config: default compression: %w", err)
	}
	mc, err := engine.ParseMergeOperatorCode(o.DefaultMergeOperator)
	if err != nil {
		return engine.Options{}, fmt.Errorf("config: default merge operator: %w", err)
	}
	return engine.Options{
		LRUCacheSize:      o.DefaultLRUCacheSize,
		BlockSize:         o.DefaultBlockSize,
		WriteBufferSize:   o.DefaultWriteBufferSize,
		BloomBitsPerKey:   o.DefaultBloomBitsPerKey,
		CompressionCode:   cc,
		MergeOperatorCode: mc,
	}, nil
}

// defaults mirrors the zero-options behavior the rest of the module
// already assumes: no compression, no merge operator, modest cache
// sizing.
func defaults() Options {
	return Options{
		LogLevel:               "info",
		RouterEndpoint:         "tcp://127.0.0.1:7100",
		ExternalHWM:            250,
		InternalHWM:            250,
		RootDir:                "/var/lib/yakdb",
		DefaultLRUCacheSize:    8 << 20,
		DefaultBlockSize:       4096,
		DefaultWriteBufferSize: 4 << 20,
		DefaultBloomBitsPerKey: 10,
		DefaultCompression:     "none",
		DefaultMergeOperator:   "replace",
		DefaultPutBatchSize:    256,
	}
}

// Load parses args the way cmd/snellerd/run_daemon.go parses its
// daemon flags (flag.NewFlagSet, ExitOnError), starting from
// process-default Options, then — if -config names a file — overlays
// it via sigs.k8s.io/yaml, the library tableadmin persists table
// config with. The file overrides built-in defaults, and any flag the
// caller actually set on the command line overrides the file.
func Load(args []string) (*Options, error) {
	fs := flag.NewFlagSet("yakserver", flag.ExitOnError)
	opt := defaults()

	configPath := fs.String("config", "", "path to a YAML config file overlay")
	fs.StringVar(&opt.LogFile, "log-file", opt.LogFile, "mirror log output to this file in addition to stderr")
	fs.StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "log level threshold (critical, error, warn, info, debug, trace)")
	fs.StringVar(&opt.ArchiveDir, "log-archive-dir", opt.ArchiveDir, "directory for rotating zstd-compressed log archives")
	fs.StringVar(&opt.RouterEndpoint, "router-endpoint", opt.RouterEndpoint, "ZeroMQ endpoint for the request/reply ROUTER socket")
	fs.StringVar(&opt.PullEndpoint, "pull-endpoint", opt.PullEndpoint, "ZeroMQ endpoint for the push/pull consumer socket")
	fs.StringVar(&opt.SubEndpoint, "sub-endpoint", opt.SubEndpoint, "ZeroMQ endpoint for the reserved subscribe socket")
	fs.IntVar(&opt.ExternalHWM, "external-hwm", opt.ExternalHWM, "external socket send/receive high-water-mark")
	fs.IntVar(&opt.InternalHWM, "internal-hwm", opt.InternalHWM, "internal channel high-water-mark")
	fs.BoolVar(&opt.IPv4Only, "ipv4-only", opt.IPv4Only, "restrict socket binds to IPv4 endpoints")
	fs.StringVar(&opt.RootDir, "root-dir", opt.RootDir, "tablespace root directory")
	fs.Int64Var(&opt.DefaultLRUCacheSize, "default-lru-cache-size", opt.DefaultLRUCacheSize, "default per-table LRU cache size in bytes")
	fs.Int64Var(&opt.DefaultBlockSize, "default-block-size", opt.DefaultBlockSize, "default per-table block size in bytes")
	fs.Int64Var(&opt.DefaultWriteBufferSize, "default-write-buffer-size", opt.DefaultWriteBufferSize, "default per-table write buffer size in bytes")
	fs.IntVar(&opt.DefaultBloomBitsPerKey, "default-bloom-bits-per-key", opt.DefaultBloomBitsPerKey, "default per-table bloom filter bits per key")
	fs.StringVar(&opt.DefaultCompression, "default-compression", opt.DefaultCompression, "default per-table compression codec")
	fs.StringVar(&opt.DefaultMergeOperator, "default-merge-operator", opt.DefaultMergeOperator, "default per-table merge operator")
	fs.IntVar(&opt.DefaultPutBatchSize, "put-batch-size", opt.DefaultPutBatchSize, "maximum keys accumulated per update-worker batch")
	fs.StringVar(&opt.StaticRoot, "static-root", opt.StaticRoot, "static-file root for the optional HTTP façade")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := overlayFile(&opt, *configPath); err != nil {
			return nil, err
		}
		// Re-parse so any flag explicitly passed on the command line
		// wins over the file, which in turn wins over the built-in
		// defaults.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}
	return &opt, nil
}

func overlayFile(opt *Options, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, opt); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

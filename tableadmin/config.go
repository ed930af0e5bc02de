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

// Package tableadmin implements the table-admin server: the single
// serialized task that owns table lifecycle (open, close, truncate,
// list) and the per-table persisted configuration file.
package tableadmin

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"sigs.k8s.io/yaml"

	"github.com/yakdb/yakdb/engine"
	"github.com/yakdb/yakdb/protocol"
)

// configFileName is the name of the persisted per-table config file,
// stored alongside the engine's own on-disk state.
const configFileName = "yakdb-table.yaml"

// persistedConfig is the YAML-serializable form of engine.Options,
// plus a checksum trailer line that guards against loading a
// truncated or corrupted file rather than silently trusting it.
type persistedConfig struct {
	LRUCacheSize      int64  `json:"lruCacheSize,omitempty"`
	BlockSize         int64  `json:"blockSize,omitempty"`
	WriteBufferSize   int64  `json:"writeBufferSize,omitempty"`
	BloomBitsPerKey   int    `json:"bloomBitsPerKey,omitempty"`
	CompressionCode   string `json:"compressionCode,omitempty"`
	MergeOperatorCode string `json:"mergeOperatorCode,omitempty"`
}

func toPersisted(o engine.Options) persistedConfig {
	return persistedConfig{
		LRUCacheSize:      o.LRUCacheSize,
		BlockSize:         o.BlockSize,
		WriteBufferSize:   o.WriteBufferSize,
		BloomBitsPerKey:   o.BloomBitsPerKey,
		CompressionCode:   o.CompressionCode.String(),
		MergeOperatorCode: o.MergeOperatorCode.String(),
	}
}

func (p persistedConfig) toOptions() (engine.Options, error) {
	cc, err := engine.ParseCompressionCode(p.CompressionCode)
	if err != nil {
		return engine.Options{}, err
	}
	mc, err := engine.ParseMergeOperatorCode(p.MergeOperatorCode)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		LRUCacheSize:      p.LRUCacheSize,
		BlockSize:         p.BlockSize,
		WriteBufferSize:   p.WriteBufferSize,
		BloomBitsPerKey:   p.BloomBitsPerKey,
		CompressionCode:   cc,
		MergeOperatorCode: mc,
	}, nil
}

// saveConfig writes opts to dir/configFileName as YAML followed by a
// checksum trailer line ("# checksum <hex>") over the YAML body, so a
// future load can detect truncation or bit-rot before trusting stale
// settings.
func saveConfig(dir string, opts engine.Options) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tableadmin: creating table dir: %w", err)
	}
	body, err := yaml.Marshal(toPersisted(opts))
	if err != nil {
		return fmt.Errorf("tableadmin: marshaling config: %w", err)
	}
	sum := protocol.ChecksumHex(body)
	out := append(append([]byte{}, body...), []byte("# checksum "+sum+"\n")...)
	return os.WriteFile(filepath.Join(dir, configFileName), out, 0o644)
}

// loadConfig reads dir/configFileName, falling back to def (the
// process default options) if no config file exists yet: a freshly
// on-the-fly-opened table has nothing persisted until the first
// explicit table-admin Open with options.
func loadConfig(dir string, def engine.Options) (engine.Options, error) {
	path := filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return def, nil
		}
		return engine.Options{}, fmt.Errorf("tableadmin: reading config: %w", err)
	}
	body, wantSum, err := splitChecksumTrailer(raw)
	if err != nil {
		return engine.Options{}, err
	}
	gotSum := protocol.ChecksumHex(body)
	if wantSum != "" && gotSum != wantSum {
		return engine.Options{}, fmt.Errorf("tableadmin: config checksum mismatch in %s: stored %s computed %s", path, wantSum, gotSum)
	}
	var p persistedConfig
	if err := yaml.Unmarshal(body, &p); err != nil {
		return engine.Options{}, fmt.Errorf("tableadmin: parsing config: %w", err)
	}
	return p.toOptions()
}

func splitChecksumTrailer(raw []byte) (body []byte, sum string, err error) {
	const marker = "# checksum "
	i := lastIndex(raw, []byte("\n"+marker))
	if i < 0 {
		// Legacy/foreign file with no trailer; treat the whole thing
		// as the body and skip verification.
		return raw, "", nil
	}
	body = raw[:i+1]
	line := string(raw[i+1+1:]) // skip the leading newline
	line = trimSuffixNewline(line)
	if len(line) < len(marker) {
		return nil, "", fmt.Errorf("tableadmin: malformed checksum trailer")
	}
	sum = line[len(marker):]
	return body, sum, nil
}

func lastIndex(haystack, needle []byte) int {
	for i := len(haystack) - len(needle); i >= 0; i-- {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

func trimSuffixNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}

// mergeOptions lays every field explicitly set in request over
// persisted. open applies it twice to get the precedence rule
// persisted file < process default < request: first the defaults over
// the file, then the request over that. "Explicitly set" for the numeric
// fields means non-zero; request-provided zero values are
// indistinguishable from "not specified" and fall through, matching
// the simple request-options wire encoding (an empty/zero frame means
// unset).
func mergeOptions(persisted, request engine.Options) engine.Options {
	out := persisted
	if request.LRUCacheSize != 0 {
		out.LRUCacheSize = request.LRUCacheSize
	}
	if request.BlockSize != 0 {
		out.BlockSize = request.BlockSize
	}
	if request.WriteBufferSize != 0 {
		out.WriteBufferSize = request.WriteBufferSize
	}
	if request.BloomBitsPerKey != 0 {
		out.BloomBitsPerKey = request.BloomBitsPerKey
	}
	if request.CompressionCode != 0 {
		out.CompressionCode = request.CompressionCode
	}
	if request.MergeOperatorCode != 0 {
		out.MergeOperatorCode = request.MergeOperatorCode
	}
	return out
}

// optionsFromStringMap parses the wire string-map form of table-open
// options (as produced by protocol.Reader.StringMap) into an
// engine.Options, applying only the keys present.
func optionsFromStringMap(m map[string]string) (engine.Options, error) {
	var o engine.Options
	var err error
	if v, ok := m["lruCacheSize"]; ok {
		o.LRUCacheSize, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return o, fmt.Errorf("tableadmin: lruCacheSize: %w", err)
		}
	}
	if v, ok := m["blockSize"]; ok {
		o.BlockSize, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return o, fmt.Errorf("tableadmin: blockSize: %w", err)
		}
	}
	if v, ok := m["writeBufferSize"]; ok {
		o.WriteBufferSize, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return o, fmt.Errorf("tableadmin: writeBufferSize: %w", err)
		}
	}
	if v, ok := m["bloomBitsPerKey"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("tableadmin: bloomBitsPerKey: %w", err)
		}
		o.BloomBitsPerKey = n
	}
	if v, ok := m["compression"]; ok {
		o.CompressionCode, err = engine.ParseCompressionCode(v)
		if err != nil {
			return o, err
		}
	}
	if v, ok := m["mergeOperator"]; ok {
		o.MergeOperatorCode, err = engine.ParseMergeOperatorCode(v)
		if err != nil {
			return o, err
		}
	}
	return o, nil
}

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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	opt, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opt.RouterEndpoint == "" || opt.ExternalHWM == 0 {
		t.Fatalf("expected non-zero defaults, got %+v", opt)
	}
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	opt, err := Load([]string{"-router-endpoint", "tcp://0.0.0.0:9999", "-external-hwm", "500"})
	if err != nil {
		t.Fatal(err)
	}
	if opt.RouterEndpoint != "tcp://0.0.0.0:9999" || opt.ExternalHWM != 500 {
		t.Fatalf("got %+v", opt)
	}
}

func TestLoadConfigFileOverlayThenFlagWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yakdb.yaml")
	body := "routerEndpoint: tcp://0.0.0.0:8100\nexternalHwm: 111\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	opt, err := Load([]string{"-config", path, "-external-hwm", "999"})
	if err != nil {
		t.Fatal(err)
	}
	if opt.RouterEndpoint != "tcp://0.0.0.0:8100" {
		t.Fatalf("expected file overlay to apply, got %q", opt.RouterEndpoint)
	}
	if opt.ExternalHWM != 999 {
		t.Fatalf("expected explicit flag to win over file, got %d", opt.ExternalHWM)
	}
}

func TestEngineDefaultsParsesCodecs(t *testing.T) {
	opt := defaults()
	eo, err := opt.EngineDefaults()
	if err != nil {
		t.Fatal(err)
	}
	if eo.CompressionCode.String() != "none" {
		t.Fatalf("got compression %s", eo.CompressionCode)
	}
}

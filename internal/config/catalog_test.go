package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCatalog = `
regions:
  - id: us-east
    country_code: US
  - id: eu-west
    country_code: DE
    egress:
      proxy: socks5://eu.example:1080
  - id: ap-south
    country_code: SG
    disabled: true
platforms:
  - name: youtube
    rate_limit_per_minute: 30
    priority_weight: 90
    preferred_regions: [us-east, eu-west]
  - name: reddit
    rate_limit_per_minute: 0
    priority_weight: 10
high_value_hosts:
  - piracy.example
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}

	if len(c.Regions) != 3 {
		t.Fatalf("regions = %d, want 3", len(c.Regions))
	}
	if !c.Regions[0].Active || c.Regions[2].Active {
		t.Errorf("active flags = %v %v, want true false", c.Regions[0].Active, c.Regions[2].Active)
	}
	if c.Regions[1].EgressConfig["proxy"] != "socks5://eu.example:1080" {
		t.Errorf("egress = %v", c.Regions[1].EgressConfig)
	}

	if len(c.Platforms) != 2 {
		t.Fatalf("platforms = %d, want 2", len(c.Platforms))
	}
	yt := c.Platforms[0]
	if yt.Name != "youtube" || yt.RateLimitPerMinute != 30 || yt.PriorityWeight != 90 {
		t.Errorf("youtube = %+v", yt)
	}
	if len(yt.PreferredRegions) != 2 || yt.PreferredRegions[0] != "us-east" {
		t.Errorf("preferred regions = %v", yt.PreferredRegions)
	}
	if len(c.HighValueHosts) != 1 || c.HighValueHosts[0] != "piracy.example" {
		t.Errorf("high value hosts = %v", c.HighValueHosts)
	}
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "regions:\n  - id: a\n    colour: red\nplatforms:\n  - name: p\n", "colour"},
		{"no regions", "platforms:\n  - name: p\n", "at least one region"},
		{"no platforms", "regions:\n  - id: a\n", "at least one platform"},
		{"duplicate region", "regions:\n  - id: a\n  - id: a\nplatforms:\n  - name: p\n", "duplicate region"},
		{"undefined preferred region", "regions:\n  - id: a\nplatforms:\n  - name: p\n    preferred_regions: [b]\n", `"b" is not defined`},
		{"negative rate", "regions:\n  - id: a\nplatforms:\n  - name: p\n    rate_limit_per_minute: -1\n", "must not be negative"},
		{"missing name", "regions:\n  - id: a\nplatforms:\n  - priority_weight: 3\n", "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog(\"\"): %v", err)
	}
	if len(c.Regions) == 0 || len(c.Platforms) == 0 {
		t.Error("default catalog is empty")
	}
	if err := c.check(); err != nil {
		t.Errorf("default catalog invalid: %v", err)
	}

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err = LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog(file): %v", err)
	}
	if len(c.Platforms) != 2 {
		t.Errorf("platforms = %d, want 2", len(c.Platforms))
	}

	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

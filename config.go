package shelf

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

type Config struct {
	HTTP     *HTTPConfig     `hcl:"http,block"`
	Database *DatabaseConfig `hcl:"database,block"`
	Index    *IndexConfig    `hcl:"index,block"`

	// Admins lists user ids that resolve to the admin role. Everything else
	// about who a user is lives in the external auth layer.
	Admins []string `hcl:"admins,optional"`
}

type HTTPConfig struct {
	Bind   string `hcl:"bind"`
	Secret string `hcl:"secret"`
	URL    string `hcl:"url,optional"`
}

type DatabaseConfig struct {
	Path string `hcl:"path,optional"`
}

func (d *DatabaseConfig) DatabasePath() string {
	if d == nil || d.Path == "" {
		return "shelf.db"
	}
	return d.Path
}

type IndexConfig struct {
	ScanInterval string   `hcl:"scan_interval,optional"`
	MaxDepth     int      `hcl:"max_depth,optional"`
	Ignore       []string `hcl:"ignore,optional"`
}

const defaultScanDepth = 10

// Directories that are never worth indexing.
var defaultIgnoreDirs = []string{"node_modules", "Library"}

func (i *IndexConfig) ScanDepth() int {
	if i == nil || i.MaxDepth <= 0 {
		return defaultScanDepth
	}
	return i.MaxDepth
}

func (i *IndexConfig) RescanInterval() time.Duration {
	if i == nil || i.ScanInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(i.ScanInterval)
	if err != nil {
		return 0
	}
	return d
}

func (i *IndexConfig) IgnoreNames() map[string]struct{} {
	ignore := make(map[string]struct{})
	for _, name := range defaultIgnoreDirs {
		ignore[name] = struct{}{}
	}
	if i != nil {
		for _, name := range i.Ignore {
			ignore[name] = struct{}{}
		}
	}
	return ignore
}

func newHCLEvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{},
		Functions: map[string]function.Function{},
	}
}

func LoadConfig(path string) (*Config, error) {
	var cfg Config
	evalCtx := newHCLEvalContext()
	err := hclsimple.DecodeFile(path, evalCtx, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

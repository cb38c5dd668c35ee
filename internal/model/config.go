package model

import (
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	OutputInherit = "inherit"
	OutputAppend  = "append"

	FailureHold     = "hold"
	FailureCascade  = "cascade"
	FailureShutdown = "shutdown"

	AnchorFirstConsidered = "first_considered"
	AnchorDependenciesMet = "dependencies_met"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultFastInterval    = 1 * time.Second
	DefaultSlowInterval    = 5 * time.Second
	DefaultBackoffInterval = 10 * time.Second
	DefaultSharedDir       = "generated_files"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version     int        `json:"version" yaml:"version"` // fixed 0 for now
	Directories []string   `json:"directories,omitempty" yaml:"directories,omitempty"`
	Workers     []Worker   `json:"workers" yaml:"workers"`
	Supervisor  Supervisor `json:"supervisor" yaml:"supervisor"`
	Status      *Status    `json:"status,omitempty" yaml:"status,omitempty"`
	History     *History   `json:"history,omitempty" yaml:"history,omitempty"`
}

// Worker is the immutable specification of one supervised program.
type Worker struct {
	Name         string            `json:"name" yaml:"name"`
	Command      []string          `json:"command" yaml:"command"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Delay        Duration          `json:"delay,omitempty" yaml:"delay,omitempty"`
	Output       Output            `json:"output" yaml:"output,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir          string            `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Environ returns the worker environment: the supervisor environment
// followed by the worker overrides. Values starting with $ are expanded.
func (w Worker) Environ() []string {
	env := os.Environ()
	for k, v := range w.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

// Output is the I/O redirection policy of a worker. The zero value
// inherits the supervisor streams.
type Output struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"` // "inherit" | "append"
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // required for "append"
}

func (o Output) IsZero() bool {
	return o.Mode == "" && o.Path == ""
}

// Appends reports whether combined output goes to a log file.
func (o Output) Appends() bool {
	return o.Mode == OutputAppend
}

type Supervisor struct {
	FastInterval    Duration `json:"fast_interval,omitempty" yaml:"fast_interval,omitempty"`
	SlowInterval    Duration `json:"slow_interval,omitempty" yaml:"slow_interval,omitempty"`
	BackoffInterval Duration `json:"backoff_interval,omitempty" yaml:"backoff_interval,omitempty"`
	FailurePolicy   string   `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	DelayAnchor     string   `json:"delay_anchor,omitempty" yaml:"delay_anchor,omitempty"`
	Verbose         bool     `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log             string   `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
}

// WithDefaults fills the zero fields.
func (s Supervisor) WithDefaults() Supervisor {
	if s.FastInterval == 0 {
		s.FastInterval = Duration(DefaultFastInterval)
	}
	if s.SlowInterval == 0 {
		s.SlowInterval = Duration(DefaultSlowInterval)
	}
	if s.BackoffInterval == 0 {
		s.BackoffInterval = Duration(DefaultBackoffInterval)
	}
	if s.FailurePolicy == "" {
		s.FailurePolicy = FailureHold
	}
	if s.DelayAnchor == "" {
		s.DelayAnchor = AnchorFirstConsidered
	}
	if s.Log == "" {
		s.Log = LogStderr
	}
	return s
}

// Status configures publication of supervisor snapshots.
type Status struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Every   string `json:"every,omitempty" yaml:"every,omitempty"`
	Cron    string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Dir     string `json:"dir,omitempty" yaml:"dir,omitempty"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
}

// History configures the sqlite run history.
type History struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SharedDirs returns directories which must exist before workers start.
func (c Config) SharedDirs() []string {
	if c.Directories == nil {
		return []string{DefaultSharedDir}
	}
	return c.Directories
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("conductor.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DefaultConfig returns the resource allocation pipeline: a data producer,
// a feature processor, a trainer, a deployer, a drift detector, an alerter,
// an allocator and a dashboard.
func DefaultConfig() Config {
	py := func(script string) []string { return []string{"python", script} }
	delay := Duration(3 * time.Second)
	return Config{
		Version:     0,
		Directories: []string{DefaultSharedDir},
		Workers: []Worker{
			{Name: "producer", Command: py("producer.py")},
			{Name: "processor", Command: py("processor.py"), Dependencies: []string{"producer"}, Delay: delay},
			{Name: "trainer", Command: py("trainer.py"), Dependencies: []string{"processor"}, Delay: delay},
			{Name: "deployer", Command: py("deployer.py"), Dependencies: []string{"trainer", "processor"}, Delay: delay},
			{
				Name:         "drift_detector",
				Command:      py("drift_detector.py"),
				Dependencies: []string{"deployer", "processor"},
				Delay:        delay,
				Output: Output{
					Mode: OutputAppend,
					Path: DefaultSharedDir + "/drift_detector_output.log",
				},
			},
			{Name: "alerter", Command: py("alerter.py"), Dependencies: []string{"drift_detector"}, Delay: delay},
			{Name: "allocator", Command: py("allocator.py"), Dependencies: []string{"deployer"}, Delay: delay},
			{
				Name:         "ui",
				Command:      []string{"streamlit", "run", "ui.py"},
				Dependencies: []string{"processor", "deployer", "alerter", "allocator"},
				Delay:        delay,
			},
		},
		Supervisor: Supervisor{
			FailurePolicy: FailureHold,
			DelayAnchor:   AnchorFirstConsidered,
			Log:           LogStderr,
		},
	}
}

package dllbisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type jobYaml struct {
	Donor    string `yaml:"donor"`
	Target   string `yaml:"target"`
	Snapshot string `yaml:"snapshot"`

	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`

	OnlyDiffering bool `yaml:"onlyDiffering"`
	Checksums     bool `yaml:"checksums"`

	MaxIterations int `yaml:"maxIterations" default:"10"`
	ProbeTimeout  int `yaml:"probeTimeout" default:"600"` // Seconds

	NoCache      bool `yaml:"noCache"`
	Approximate  bool `yaml:"approximate"`
	SkipBaseline bool `yaml:"skipBaseline"`
	Workers      int  `yaml:"workers" default:"4"`

	Probe probeYaml `yaml:"probe"`
}

type probeYaml struct {
	Type string `yaml:"type" default:"command"`

	Command string `yaml:"command"`
	Dir     string `yaml:"dir"`

	Image     string   `yaml:"image"`
	Cmd       []string `yaml:"cmd"`
	MountPath string   `yaml:"mountPath" default:"/target"`

	Healthcheck *healthcheckYaml `yaml:"healthcheck"`

	Retries int `yaml:"retries"`

	Backoff          int `yaml:"backoff" default:"1000"` // Milliseconds
	BackoffIncrement int `yaml:"backoffIncrement" default:"100"`
	MaxBackoff       int `yaml:"maxBackoff" default:"2000"`
}

type healthcheckYaml struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path" default:"/"`

	Retries int `yaml:"retries" default:"10"`

	Backoff          int `yaml:"backoff" default:"1000"` // Milliseconds
	BackoffIncrement int `yaml:"backoffIncrement" default:"100"`
	MaxBackoff       int `yaml:"maxBackoff" default:"2000"`
}

// GetJobFromConfig reads in a job config in yaml format from a reader and initializes the corresponding job struct
func GetJobFromConfig(r io.Reader) (*Job, error) {
	var config jobYaml

	// Read in yaml
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	if config.Donor == "" || config.Target == "" {
		return nil, errors.Join(ErrInvalidJob, fmt.Errorf("both donor and target have to be set"))
	}

	probe, err := config.Probe.toProbe()
	if err != nil {
		return nil, err
	}

	// Convert to Job struct
	job := Job{
		DonorRoot: config.Donor,
		Target:    NewTargetHandle(config.Target, config.Snapshot),

		Include: config.Include,
		Exclude: config.Exclude,

		OnlyDiffering: config.OnlyDiffering,
		Checksums:     config.Checksums,

		MaxIterations: config.MaxIterations,
		ProbeTimeout:  time.Duration(config.ProbeTimeout) * time.Second,

		Cache:        !config.NoCache,
		Approximate:  config.Approximate,
		SkipBaseline: config.SkipBaseline,
		Workers:      config.Workers,

		Probe: probe,
	}

	return &job, nil
}

// toProbe converts the probe config into the probe it describes
func (p probeYaml) toProbe() (Probe, error) {
	var probe Probe
	switch strings.ToLower(p.Type) {
	case "command":
		if p.Command == "" {
			return nil, errors.Join(ErrInvalidJob, fmt.Errorf("command probe without command"))
		}
		probe = &CommandProbe{
			Command: p.Command,
			Dir:     p.Dir,
		}
	case "docker":
		if p.Image == "" {
			return nil, errors.Join(ErrInvalidJob, fmt.Errorf("docker probe without image"))
		}
		dockerProbe := &DockerProbe{
			Image:     p.Image,
			Command:   p.Cmd,
			MountPath: p.MountPath,
		}
		if check := p.Healthcheck; check != nil {
			if err := defaults.Set(check); err != nil {
				return nil, err
			}
			if check.Port == 0 {
				return nil, errors.Join(ErrInvalidJob, fmt.Errorf("healthcheck without port"))
			}
			dockerProbe.Healthcheck = &Healthcheck{
				Port: check.Port,
				Path: check.Path,
				Config: RetryConfig{
					Retries: check.Retries,

					Backoff: time.Duration(check.Backoff) * time.Millisecond,

					BackoffIncrement: time.Duration(check.BackoffIncrement) * time.Millisecond,
					MaxBackoff:       time.Duration(check.MaxBackoff) * time.Millisecond,
				},
			}
		}
		probe = dockerProbe
	case "manual":
		// Humans don't flake, retries make no sense here
		return NewManualProbe(), nil
	default:
		return nil, errors.Join(ErrInvalidJob, fmt.Errorf("invalid probe type %q", p.Type))
	}

	if p.Retries > 0 {
		probe = &RetryProbe{
			Inner: probe,
			Config: RetryConfig{
				Retries: p.Retries,

				Backoff: time.Duration(p.Backoff) * time.Millisecond,

				BackoffIncrement: time.Duration(p.BackoffIncrement) * time.Millisecond,
				MaxBackoff:       time.Duration(p.MaxBackoff) * time.Millisecond,
			},
		}
	}
	return probe, nil
}

// A Job describes one bisection of a donor installation against a broken target.
type Job struct {
	DonorRoot string       // The root of the known-good installation
	Target    TargetHandle // The broken installation and its pristine snapshot

	Include []string // Doublestar patterns of donor files to consider. All files if empty
	Exclude []string // Doublestar patterns of donor files to ignore

	OnlyDiffering bool // Whether donor files identical to the target's are left out of the universe
	Checksums     bool // Whether donor file digests are computed for the report

	MaxIterations int           // The iteration budget. Defaults to [DefaultMaxIterations]
	ProbeTimeout  time.Duration // Timeout of a single trial, or 0 for none

	Cache        bool // Whether verdicts of identical candidate sets are reused
	Approximate  bool // Whether passing halves are promoted as a whole instead of bisected further, see [Engine]
	SkipBaseline bool // Whether to skip probing the target without donor files first
	Workers      int  // How many files are copied concurrently during materialization

	Probe Probe // The probe deciding whether a materialized target works

	Log     *logrus.Logger // The log to which information gets printed to
	Metrics *Metrics       // Optional metrics updated during the run

	OnStart func(*Report) // Called with the report of the run before the first trial, e.g. to serve it while the run is going on
}

// ManualProbe returns the job's manual probe, or nil if the job is probed automatically
func (j *Job) ManualProbe() *ManualProbe {
	manual, _ := j.Probe.(*ManualProbe)
	return manual
}

// Run enumerates the donor files and bisects them on the target.
//
// If the job can't be started, because its probe, donor or snapshot is missing or the donor can't be enumerated,
// the returned report is nil. Otherwise see [Engine.Run] for the meaning of the returned values.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	// Init the logger
	if j.Log == nil {
		j.Log = mutedEntry().Logger
	}

	if j.Probe == nil {
		return nil, errors.Join(ErrInvalidJob, fmt.Errorf("job without probe"))
	}
	if _, err := os.Stat(j.DonorRoot); err != nil {
		return nil, errors.Join(ErrInvalidJob, fmt.Errorf("donor %s not accessible", j.DonorRoot), err)
	}
	if _, err := os.Stat(j.Target.Snapshot); err != nil {
		return nil, errors.Join(ErrMaterialize, ErrSnapshotMissing, fmt.Errorf("no snapshot of target %s at %s, create one with the snapshot command", j.Target.Root, j.Target.Snapshot))
	}

	j.Log.Info("Enumerating donor files...")
	opts := EnumerateOptions{
		Include:   j.Include,
		Exclude:   j.Exclude,
		Checksums: j.Checksums,
	}
	if j.OnlyDiffering {
		// Compare against the pristine state, the target root may hold leftovers of an earlier run
		opts.CompareRoot = j.Target.Snapshot
	}
	universe, err := EnumerateDonor(j.DonorRoot, opts)
	if err != nil {
		return nil, err
	}
	j.Log.Infof("Found %d donor files", len(universe))

	setProbeLog(j.Probe, logrus.NewEntry(j.Log).WithField("target", j.Target.ID))

	engine := Engine{
		Materializer: DirMaterializer{
			DonorRoot: j.DonorRoot,
			Target:    j.Target,
			Workers:   j.Workers,
		},
		Probe:  j.Probe,
		Target: j.Target,

		MaxIterations: j.MaxIterations,
		ProbeTimeout:  j.ProbeTimeout,
		Cache:         j.Cache,
		Approximate:   j.Approximate,
		SkipBaseline:  j.SkipBaseline,

		Log:     j.Log,
		Metrics: j.Metrics,

		OnStart: j.OnStart,
	}
	return engine.Run(ctx, universe)
}

// setProbeLog hands the log to probes which write to one
func setProbeLog(probe Probe, log *logrus.Entry) {
	switch p := probe.(type) {
	case *CommandProbe:
		p.Log = log
	case *DockerProbe:
		p.Log = log
	case *RetryProbe:
		p.Log = log
		setProbeLog(p.Inner, log)
	}
}

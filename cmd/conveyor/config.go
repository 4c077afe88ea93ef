package main

import (
	"fmt"
	"os"
	"time"

	"github.com/lattice-ci/conveyor/pkg/pipeline"
	"github.com/lattice-ci/conveyor/pkg/security"
	"github.com/lattice-ci/conveyor/pkg/timer"
	"github.com/lattice-ci/conveyor/pkg/types"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of a replica's configuration. Parsing
// tenant/pipeline/job layout into the already-built structs the core
// packages operate on is explicitly out of the scheduling core's scope
// (spec §9, §1 "the pipeline manager receives already-parsed
// tenant/layout structs"); this file is that parsing boundary, living in
// cmd/conveyor rather than any pkg/ package.
type fileConfig struct {
	ClusterID string `yaml:"cluster-id"`

	Node struct {
		ID       string `yaml:"id"`
		BindAddr string `yaml:"bind-addr"`
		APIAddr  string `yaml:"api-addr"`
		DataDir  string `yaml:"data-dir"`
	} `yaml:"node"`

	MetricsAddr string `yaml:"metrics-addr"`

	Merger struct {
		Addr          string `yaml:"addr"`
		ClientTLSName string `yaml:"client-tls-name"`
	} `yaml:"merger"`

	Connections []connectionConfig `yaml:"connections"`
	Tenants     []tenantConfig     `yaml:"tenants"`
	Pipelines   []pipelineConfig   `yaml:"pipelines"`
	Reporters   []reporterConfig   `yaml:"reporters"`

	Nodepool struct {
		Root string  `yaml:"root"`
		QPS  float64 `yaml:"qps"`
		Burst int    `yaml:"burst"`
	} `yaml:"nodepool"`

	Executor struct {
		Root string `yaml:"root"`
	} `yaml:"executor"`
}

type connectionConfig struct {
	Name          string            `yaml:"name"`
	Driver        string            `yaml:"driver"` // "gerrit", "gitlab", "timer"
	Server        string            `yaml:"server,omitempty"`
	Port          int               `yaml:"port,omitempty"`
	User          string            `yaml:"user,omitempty"`
	BaseURL       string            `yaml:"baseurl,omitempty"`
	CredentialRef string            `yaml:"credential,omitempty"`
	PollInterval  string            `yaml:"poll-interval,omitempty"`
	RateLimitQPS  float64           `yaml:"rate-limit-qps,omitempty"`
	RateLimitBurst int              `yaml:"rate-limit-burst,omitempty"`
	MaxDependencies int             `yaml:"max-dependencies,omitempty"`

	// WebhookSecretRef and Projects apply only to driver: gitlab.
	WebhookSecretRef string   `yaml:"webhook-secret,omitempty"`
	WebhookPath      string   `yaml:"webhook-path,omitempty"`
	Projects         []string `yaml:"projects,omitempty"`

	// TimerSchedules and SourceConnection apply only to driver: timer;
	// SourceConnection names the real connection whose GetRefSha/GetGitURL
	// this timer connection borrows (pkg/timer has no git access of its
	// own).
	TimerSchedules   []timer.ProjectSchedule `yaml:"schedules,omitempty"`
	SourceConnection string                  `yaml:"source-connection,omitempty"`
}

func (c connectionConfig) toType() types.Connection {
	return types.Connection{
		Name:           c.Name,
		Kind:           types.ConnectionKind(c.Driver),
		Server:         c.Server,
		Port:           c.Port,
		User:           c.User,
		BaseURL:        c.BaseURL,
		CredentialRef:  c.CredentialRef,
		PollInterval:   c.PollInterval,
		RateLimitQPS:   c.RateLimitQPS,
		RateLimitBurst: c.RateLimitBurst,
	}
}

type projectRefConfig struct {
	Connection        string   `yaml:"connection"`
	Name              string   `yaml:"name"`
	IncludedPipelines []string `yaml:"pipelines,omitempty"`
}

type tenantConfig struct {
	Name               string             `yaml:"name"`
	Projects           []projectRefConfig `yaml:"projects"`
	Pipelines          []string           `yaml:"pipelines"`
	MaxNodesPerProject int                `yaml:"max-nodes-per-project,omitempty"`
}

func (t tenantConfig) toType() *types.Tenant {
	projects := make([]types.ProjectRef, 0, len(t.Projects))
	for _, p := range t.Projects {
		projects = append(projects, types.ProjectRef{
			Connection:        p.Connection,
			Name:              p.Name,
			IncludedPipelines: p.IncludedPipelines,
		})
	}
	return &types.Tenant{
		Name:               t.Name,
		Projects:           projects,
		Pipelines:          t.Pipelines,
		MaxNodesPerProject: t.MaxNodesPerProject,
	}
}

type triggerConfig struct {
	Connection string `yaml:"connection"`
	EventKind  string `yaml:"event"`
	Ref        string `yaml:"ref,omitempty"`
}

type windowConfig struct {
	Initial        int    `yaml:"initial"`
	Floor          int    `yaml:"floor"`
	Ceiling        int    `yaml:"ceiling"`
	IncreaseType   string `yaml:"increase-type"`
	IncreaseFactor int    `yaml:"increase-factor"`
	DecreaseFactor int    `yaml:"decrease-factor"`
}

type reporterRefConfig struct {
	Name  string `yaml:"name"`
	Phase string `yaml:"phase"`
}

type jobTemplateConfig struct {
	Name         string            `yaml:"name"`
	Nodeset      string            `yaml:"nodeset"`
	Zone         string            `yaml:"zone,omitempty"`
	Variables    map[string]string `yaml:"variables,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
}

type pipelineConfig struct {
	Name                 string              `yaml:"name"`
	Tenant               string              `yaml:"tenant"`
	Manager              string              `yaml:"manager"` // "independent", "dependent", "serial", "supercedent"
	Triggers             []triggerConfig     `yaml:"triggers"`
	Reporters            []reporterRefConfig `yaml:"reporters"`
	Precedence           string              `yaml:"precedence,omitempty"`
	Window               windowConfig        `yaml:"window"`
	DequeueOnNewPatchset bool                `yaml:"dequeue-on-new-patchset,omitempty"`
	AllowCycles          bool                `yaml:"allow-cycles,omitempty"`
	MaxDependencies      int                 `yaml:"max-dependencies,omitempty"`
	Jobs                 []jobTemplateConfig `yaml:"jobs"`
}

func (p pipelineConfig) toType() *types.Pipeline {
	triggers := make([]types.Trigger, 0, len(p.Triggers))
	for _, t := range p.Triggers {
		triggers = append(triggers, types.Trigger{Connection: t.Connection, EventKind: t.EventKind, Ref: t.Ref})
	}
	reporters := make([]types.ReporterRef, 0, len(p.Reporters))
	for _, r := range p.Reporters {
		reporters = append(reporters, types.ReporterRef{Name: r.Name, Phase: types.ReportPhase(r.Phase)})
	}
	precedence := types.PrecedenceNormal
	if p.Precedence != "" {
		precedence = types.PrecedenceClass(p.Precedence)
	}
	return &types.Pipeline{
		Name:    p.Name,
		Tenant:  p.Tenant,
		Manager: types.ManagerKind(p.Manager),
		Triggers: triggers,
		Reporters: reporters,
		Precedence: precedence,
		Window: types.WindowPolicy{
			Initial:        p.Window.Initial,
			Floor:          p.Window.Floor,
			Ceiling:        p.Window.Ceiling,
			IncreaseType:   p.Window.IncreaseType,
			IncreaseFactor: p.Window.IncreaseFactor,
			DecreaseFactor: p.Window.DecreaseFactor,
		},
		DequeueOnNewPatchset: p.DequeueOnNewPatchset,
		AllowCycles:          p.AllowCycles,
		MaxDependencies:      p.MaxDependencies,
	}
}

func (p pipelineConfig) jobTemplates() []pipeline.JobTemplate {
	templates := make([]pipeline.JobTemplate, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		templates = append(templates, pipeline.JobTemplate{
			Name:         j.Name,
			Nodeset:      j.Nodeset,
			Zone:         j.Zone,
			Variables:    j.Variables,
			Dependencies: j.Dependencies,
		})
	}
	return templates
}

type reporterConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // "review", "sql", "mqtt", "smtp"

	// review
	Connection string `yaml:"connection,omitempty"`

	// sql
	DSN   string `yaml:"dsn,omitempty"`
	Table string `yaml:"table,omitempty"`

	// mqtt
	Topic string `yaml:"topic,omitempty"`

	// smtp
	SMTPAddr string   `yaml:"smtp-addr,omitempty"`
	From     string   `yaml:"from,omitempty"`
	To       []string `yaml:"to,omitempty"`
}

func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Nodepool.Root == "" {
		cfg.Nodepool.Root = "/zuul/nodepool/requests"
	}
	if cfg.Executor.Root == "" {
		cfg.Executor.Root = "/zuul/executor"
	}
	return &cfg, nil
}

// loadCredential decrypts the secret file referenced by ref (a path on
// disk holding ciphertext produced by sm.EncryptSecret) using sm. An
// empty ref is not an error: some connections (a timer with no native
// upstream, a local merger over plaintext gRPC) need none.
func loadCredential(sm *security.SecretsManager, ref string) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read credential %s: %w", ref, err)
	}
	secret := &types.Secret{Name: ref, Data: data}
	return sm.GetSecretData(secret)
}

const defaultMetricsInterval = 15 * time.Second

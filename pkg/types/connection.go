package types

// ConnectionKind selects which source driver handles a Connection.
type ConnectionKind string

const (
	ConnGerrit ConnectionKind = "gerrit"
	ConnGitLab ConnectionKind = "gitlab"
	ConnTimer  ConnectionKind = "timer"
)

// Connection configures one source-driver instance (spec §6). Credential
// material is referenced by name, not embedded, and is resolved through
// pkg/security at startup.
type Connection struct {
	Name string         `yaml:"name"`
	Kind ConnectionKind `yaml:"driver"`

	Server   string `yaml:"server,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	BaseURL  string `yaml:"baseurl,omitempty"`

	// CredentialRef names a secret held by pkg/security (an SSH key for
	// Gerrit, a personal access token for GitLab).
	CredentialRef string `yaml:"credential,omitempty"`

	// PollInterval drives the timer connection's cron-equivalent
	// scheduling (spec §6 "Timer driver"); for event-stream connections
	// it sets the reconnect/settling poll cadence instead.
	PollInterval string `yaml:"poll-interval,omitempty"`

	// RateLimitQPS and Burst bound outbound API calls to the remote
	// review system (spec §6 edge case, ambient rate limiting).
	RateLimitQPS float64 `yaml:"rate-limit-qps,omitempty"`
	RateLimitBurst int   `yaml:"rate-limit-burst,omitempty"`
}

// Secret is one piece of encrypted credential material managed by
// pkg/security.SecretsManager, referenced by Connection.CredentialRef
// (an SSH private key for Gerrit, a personal access token for GitLab).
type Secret struct {
	ID   string
	Name string
	Data []byte // AES-256-GCM ciphertext, nonce prepended
}

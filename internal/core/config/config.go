package config

import (
	"time"

	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
	"github.com/bendavidsteel/what-for-where/internal/infra/fetch"
	redisclient "github.com/bendavidsteel/what-for-where/internal/infra/redis"
	"github.com/bendavidsteel/what-for-where/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Run      RunConfig          `yaml:"run"`
	Engine   EngineConfig       `yaml:"engine"`
	Cluster  ClusterConfig      `yaml:"cluster"`
	Fetch    fetch.Config       `yaml:"fetch"`
	Worker   WorkerConfig       `yaml:"worker"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
	Logging  LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the metrics/health server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// RunConfig describes what one run probes and where its archive goes.
type RunConfig struct {
	Method           string `yaml:"method"`   // cluster, local
	Strategy         string `yaml:"strategy"` // generation strategy, names the combinations file
	CombinationsFile string `yaml:"combinations_file"`
	StartTime        string `yaml:"start_time"` // RFC3339
	NumTime          int    `yaml:"num_time"`
	TimeUnit         string `yaml:"time_unit"` // ms, s, m, h
	OutputDir        string `yaml:"output_dir"`
}

// EngineConfig holds the execution engine parameters.
type EngineConfig struct {
	MaxTries            int           `yaml:"max_tries"`
	Workers             int           `yaml:"workers"` // concurrency of the local method
	BatchSize           int           `yaml:"batch_size"`
	SubBatchSize        int           `yaml:"sub_batch_size"`
	TaskConcurrency     int           `yaml:"task_concurrency"`
	TaskTimeout         time.Duration `yaml:"task_timeout"`
	RequestsPerIdentity int           `yaml:"requests_per_identity"`
	ErrorRatio          float64       `yaml:"error_ratio_threshold"`
	MinRequests         int           `yaml:"min_requests"`
	MaxRecoveries       int           `yaml:"max_recoveries"`
}

// ClusterConfig selects and sizes the worker fleet.
type ClusterConfig struct {
	Type              string             `yaml:"type"` // local, hosts, elastic
	Workers           int                `yaml:"workers"`
	ReadyTimeout      time.Duration      `yaml:"ready_timeout"`
	DrainTimeout      time.Duration      `yaml:"drain_timeout"`
	HealthTimeout     time.Duration      `yaml:"health_timeout"`
	ProvisionAttempts int                `yaml:"provision_attempts"`
	Hosts             []cluster.HostSpec `yaml:"hosts"`
	Elastic           ElasticConfig      `yaml:"elastic"`
}

// ElasticConfig configures the process provisioner.
type ElasticConfig struct {
	Binary string   `yaml:"binary"` // empty runs the current executable
	Args   []string `yaml:"args"`
}

// WorkerConfig configures the `prober worker` daemon.
type WorkerConfig struct {
	ResetCommand    string        `yaml:"reset_command"`    // shell command that obtains a new egress identity
	IdentityCommand string        `yaml:"identity_command"` // prints the current identity, e.g. the public IP
	ResetTimeout    time.Duration `yaml:"reset_timeout"`
}

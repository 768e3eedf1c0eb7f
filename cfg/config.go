package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// EndpointType identifies a database engine
type EndpointType string

const (
	EndpointPostgreSQL EndpointType = "postgresql"
	EndpointMySQL      EndpointType = "mysql"
)

// ConflictStrategy selects the winner when both sides modify the same row
type ConflictStrategy string

const (
	ConflictLastWriteWins  ConflictStrategy = "last_write_wins"
	ConflictSourcePriority ConflictStrategy = "source_priority"
	ConflictTargetPriority ConflictStrategy = "target_priority"
)

// LoopGuardMode selects how applied changes are kept out of re-capture
type LoopGuardMode string

const (
	// LoopGuardSession marks the apply session at the engine (sql_log_bin=0
	// on MySQL, session_replication_role='replica' plus a replication origin
	// on PostgreSQL) and additionally suppresses echoes at the relay.
	LoopGuardSession LoopGuardMode = "session"
	// LoopGuardOriginColumn stamps each applied row's _origin column and
	// drops captured events whose origin differs from the endpoint's own id.
	LoopGuardOriginColumn LoopGuardMode = "origin_column"
)

// EndpointConfiguration describes one database endpoint
type EndpointConfiguration struct {
	ID       string       `toml:"id"` // stable identifier, used by the loop guard
	Type     EndpointType `toml:"type"`
	Host     string       `toml:"host"`
	Port     int          `toml:"port"`
	Database string       `toml:"database"`
	User     string       `toml:"user"`
	Password string       `toml:"password"`

	// PostgreSQL only
	SlotName    string `toml:"slot_name"`
	Publication string `toml:"publication"`
	Plugin      string `toml:"plugin"` // "pgoutput" (default) or "wal2json"

	// MySQL only. 0 auto-derives a stable id from the machine id.
	ServerID uint32 `toml:"server_id"`
}

// SyncConfiguration controls replication behavior
type SyncConfiguration struct {
	EnableBidirectional       bool             `toml:"enable_bidirectional"`
	ConflictResolution        ConflictStrategy `toml:"conflict_resolution"`
	LoopGuard                 LoopGuardMode    `toml:"loop_guard"`
	Tables                    []string         `toml:"tables"`
	BatchSize                 int              `toml:"batch_size"`
	MaxRetries                int              `toml:"max_retries"`
	CheckpointIntervalSeconds int              `toml:"checkpoint_interval_seconds"`
	ConflictWindowSeconds     int              `toml:"conflict_window_seconds"`
	InitialSnapshot           bool             `toml:"initial_snapshot"`
	SkipPoison                bool             `toml:"skip_poison"`
}

// StorageConfiguration locates persisted pipeline state
type StorageConfiguration struct {
	OffsetStoragePath string `toml:"offset_storage_path"`
	SchemaStoragePath string `toml:"schema_storage_path"`
	DeadLetterPath    string `toml:"dead_letter_path"`
}

// SinkConfiguration describes one applied-event fan-out destination
type SinkConfiguration struct {
	Type        string   `toml:"type"` // "nats" or "kafka"
	NatsURL     string   `toml:"nats_url"`
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	Tables      []string `toml:"tables"` // glob patterns, empty matches all
	Format      string   `toml:"format"` // "msgpack" (default) or "json"
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// AdminConfiguration for the status/metrics HTTP listener
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// PrometheusConfiguration for metrics export
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the validated record the core consumes
type Configuration struct {
	EndpointA EndpointConfiguration `toml:"endpoint_a"`
	EndpointB EndpointConfiguration `toml:"endpoint_b"`

	Sync       SyncConfiguration       `toml:"sync"`
	Storage    StorageConfiguration    `toml:"storage"`
	Sinks      []SinkConfiguration     `toml:"sink"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Admin      AdminConfiguration      `toml:"admin"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "sqlbridge.toml", "Path to configuration file")
	OffsetDirFlag  = flag.String("offset-dir", "", "Offset storage path (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	EndpointA: EndpointConfiguration{
		ID:          "a",
		Type:        EndpointPostgreSQL,
		Host:        "localhost",
		Port:        5432,
		SlotName:    "sqlbridge_slot",
		Publication: "sqlbridge_pub",
		Plugin:      "pgoutput",
	},
	EndpointB: EndpointConfiguration{
		ID:   "b",
		Type: EndpointMySQL,
		Host: "localhost",
		Port: 3306,
	},
	Sync: SyncConfiguration{
		EnableBidirectional:       true,
		ConflictResolution:        ConflictLastWriteWins,
		LoopGuard:                 LoopGuardSession,
		BatchSize:                 1000,
		MaxRetries:                3,
		CheckpointIntervalSeconds: 5,
		ConflictWindowSeconds:     5,
		InitialSnapshot:           false,
		SkipPoison:                false,
	},
	Storage: StorageConfiguration{
		OffsetStoragePath: "./data/offsets",
		SchemaStoragePath: "./data/schemas",
		DeadLetterPath:    "./data/deadletter",
	},
	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},
	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8980,
	},
	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *OffsetDirFlag != "" {
		Config.Storage.OffsetStoragePath = *OffsetDirFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-derive a MySQL server_id where one is not configured
	for _, ep := range []*EndpointConfiguration{&Config.EndpointA, &Config.EndpointB} {
		if ep.Type == EndpointMySQL && ep.ServerID == 0 {
			id, err := generateServerID(ep.ID)
			if err != nil {
				return fmt.Errorf("failed to generate server_id for endpoint %s: %w", ep.ID, err)
			}
			ep.ServerID = id
			log.Info().Str("endpoint", ep.ID).Uint32("server_id", id).Msg("Auto-generated server_id")
		}
	}

	for _, dir := range []string{
		Config.Storage.OffsetStoragePath,
		Config.Storage.SchemaStoragePath,
		Config.Storage.DeadLetterPath,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	return nil
}

// generateServerID derives a stable replica server id from the machine id.
// server_id must be unique across all replication participants, so the
// endpoint id is mixed into the hash.
func generateServerID(endpointID string) (uint32, error) {
	id, err := machineid.ProtectedID("sqlbridge")
	if err != nil {
		return 0, err
	}

	h := fnv.New32a()
	h.Write([]byte(id))
	h.Write([]byte(endpointID))
	v := h.Sum32()
	if v == 0 {
		v = 1
	}
	return v, nil
}

// Validate checks configuration for errors
func Validate() error {
	for _, ep := range []*EndpointConfiguration{&Config.EndpointA, &Config.EndpointB} {
		if err := validateEndpoint(ep); err != nil {
			return err
		}
	}

	if Config.EndpointA.ID == Config.EndpointB.ID {
		return fmt.Errorf("endpoints must have distinct ids, both are %q", Config.EndpointA.ID)
	}

	if len(Config.Sync.Tables) == 0 {
		return fmt.Errorf("no tables configured for synchronization")
	}

	switch Config.Sync.ConflictResolution {
	case ConflictLastWriteWins, ConflictSourcePriority, ConflictTargetPriority:
	default:
		return fmt.Errorf("invalid conflict_resolution: %s", Config.Sync.ConflictResolution)
	}

	switch Config.Sync.LoopGuard {
	case LoopGuardSession, LoopGuardOriginColumn:
	default:
		return fmt.Errorf("invalid loop_guard: %s", Config.Sync.LoopGuard)
	}

	if Config.Sync.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1")
	}

	if Config.Sync.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}

	if Config.Sync.CheckpointIntervalSeconds < 0 {
		return fmt.Errorf("checkpoint_interval_seconds must be >= 0")
	}

	if Config.Sync.ConflictWindowSeconds < 0 {
		return fmt.Errorf("conflict_window_seconds must be >= 0")
	}

	for i, sink := range Config.Sinks {
		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %d: nats sink requires nats_url", i)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %d: kafka sink requires brokers", i)
			}
		default:
			return fmt.Errorf("sink %d: unknown sink type %q", i, sink.Type)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

func validateEndpoint(ep *EndpointConfiguration) error {
	if ep.ID == "" {
		return fmt.Errorf("endpoint id is required")
	}

	switch ep.Type {
	case EndpointPostgreSQL:
		if ep.SlotName == "" {
			return fmt.Errorf("endpoint %s: slot_name is required for postgresql", ep.ID)
		}
		if ep.Publication == "" {
			return fmt.Errorf("endpoint %s: publication is required for postgresql", ep.ID)
		}
		switch ep.Plugin {
		case "", "pgoutput", "wal2json":
		default:
			return fmt.Errorf("endpoint %s: unknown logical decoding plugin %q", ep.ID, ep.Plugin)
		}
	case EndpointMySQL:
	default:
		return fmt.Errorf("endpoint %s: invalid type %q", ep.ID, ep.Type)
	}

	if ep.Host == "" {
		return fmt.Errorf("endpoint %s: host is required", ep.ID)
	}
	if ep.Port < 1 || ep.Port > 65535 {
		return fmt.Errorf("endpoint %s: invalid port %d", ep.ID, ep.Port)
	}
	if ep.Database == "" {
		return fmt.Errorf("endpoint %s: database is required", ep.ID)
	}
	if ep.User == "" {
		return fmt.Errorf("endpoint %s: user is required", ep.ID)
	}
	return nil
}

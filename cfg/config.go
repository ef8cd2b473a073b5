package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// ConflictStrategy selects the default winner for active-active conflicts.
type ConflictStrategy string

const (
	// LastWriteWins lets the write with the higher DR timestamp win;
	// the higher cluster id breaks ties.
	LastWriteWins ConflictStrategy = "last_write_wins"

	// RejectRemote keeps local state and only reports the conflict.
	RejectRemote ConflictStrategy = "reject_remote"
)

// StorageConfiguration controls tuple block storage.
type StorageConfiguration struct {
	BlockSizeBytes      int     `toml:"block_size_bytes"`     // Tuple block slab size
	TupleLimit          int     `toml:"tuple_limit"`          // Per-table visible row cap, <0 = unlimited
	CompactionThreshold float64 `toml:"compaction_threshold"` // Fraction of wasted slots that triggers compaction
}

// DRConfiguration controls the replication stream.
type DRConfiguration struct {
	Enabled            bool     `toml:"enabled"`
	BufferCapacity     int      `toml:"buffer_capacity_bytes"`           // Primary stream block capacity
	SecondaryCapacity  int      `toml:"secondary_buffer_capacity_bytes"` // Large-transaction overflow block
	RowBudget          int64    `toml:"row_budget"`                      // Max rows one transaction may emit
	Tables             []string `toml:"tables"`                          // Glob patterns of DR-enabled table names
	CompressFlush      bool     `toml:"compress_flush"`                  // s2-compress blocks handed to the topend
	ConflictResolution string   `toml:"conflict_resolution"`             // last_write_wins or reject_remote
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure.
type Configuration struct {
	ClusterID      uint8 `toml:"cluster_id"`
	PartitionCount int32 `toml:"partition_count"`

	Storage    StorageConfiguration    `toml:"storage"`
	DR         DRConfiguration         `toml:"dr"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	ClusterIDFlag  = flag.Uint("cluster-id", 0, "Cluster ID (overrides config, 0=auto)")
)

// Default configuration
var Config = &Configuration{
	ClusterID:      0, // Auto-generate
	PartitionCount: 8,

	Storage: StorageConfiguration{
		BlockSizeBytes:      2 * 1024 * 1024, // 2 MiB slabs
		TupleLimit:          -1,              // unlimited
		CompactionThreshold: 0.95,
	},

	DR: DRConfiguration{
		Enabled:            true,
		BufferCapacity:     2 * 1024 * 1024,
		SecondaryCapacity:  45*1024*1024 + 4096,
		RowBudget:          -1, // unlimited
		Tables:             []string{"*"},
		CompressFlush:      false,
		ConflictResolution: string(LastWriteWins),
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides.
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

	if *ClusterIDFlag != 0 {
		Config.ClusterID = uint8(*ClusterIDFlag)
	}

	if Config.ClusterID == 0 {
		var err error
		Config.ClusterID, err = generateClusterID()
		if err != nil {
			return fmt.Errorf("failed to generate cluster ID: %w", err)
		}
		log.Info().Uint8("cluster_id", Config.ClusterID).Msg("Auto-generated cluster ID")
	}

	return nil
}

// generateClusterID derives a cluster id from the machine id. The DR
// timestamp format reserves 8 bits for it, so the hash is folded down.
func generateClusterID() (uint8, error) {
	id, err := machineid.ProtectedID("cascade")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	folded := uint8(h.Sum64() % 127)
	if folded == 0 {
		folded = 1
	}
	return folded, nil
}

// Validate checks configuration for errors.
func Validate() error {
	if Config.Storage.BlockSizeBytes < 4096 {
		return fmt.Errorf("storage block size must be >= 4096 bytes: %d", Config.Storage.BlockSizeBytes)
	}

	if Config.Storage.CompactionThreshold <= 0 || Config.Storage.CompactionThreshold > 1 {
		return fmt.Errorf("compaction threshold must be in (0, 1]: %f", Config.Storage.CompactionThreshold)
	}

	if Config.PartitionCount < 1 {
		return fmt.Errorf("partition count must be >= 1")
	}

	if Config.DR.BufferCapacity < 512 {
		return fmt.Errorf("DR buffer capacity must be >= 512 bytes: %d", Config.DR.BufferCapacity)
	}

	if Config.DR.SecondaryCapacity != 0 && Config.DR.SecondaryCapacity < Config.DR.BufferCapacity {
		return fmt.Errorf("DR secondary capacity must be 0 or >= primary capacity")
	}

	switch ConflictStrategy(Config.DR.ConflictResolution) {
	case LastWriteWins, RejectRemote:
	default:
		return fmt.Errorf("invalid conflict resolution strategy: %s", Config.DR.ConflictResolution)
	}

	if _, err := CompileDRTableMatcher(); err != nil {
		return err
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid Prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}

// DRTableMatcher reports whether a table name is DR-enabled by pattern.
type DRTableMatcher struct {
	globs []glob.Glob
}

// CompileDRTableMatcher compiles the configured DR table patterns.
func CompileDRTableMatcher() (*DRTableMatcher, error) {
	m := &DRTableMatcher{}
	for _, pattern := range Config.DR.Tables {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid DR table pattern %q: %w", pattern, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Match reports whether the table name matches any configured pattern.
func (m *DRTableMatcher) Match(tableName string) bool {
	for _, g := range m.globs {
		if g.Match(tableName) {
			return true
		}
	}
	return false
}

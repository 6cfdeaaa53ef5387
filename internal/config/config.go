// Package config resolves memvault configuration at startup.
//
// Precedence, lowest to highest: built-in defaults, user config
// (~/.config/memvault/config.yaml), project config (.memvault.yaml in the
// project root), MEMVAULT_* environment variables. Unknown keys are warned
// about, never fatal; invalid values for known keys fail startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"memvault/internal/errors"
)

// Backend names accepted for storage.backend.
const (
	BackendEmbedded     = "embedded"
	BackendNetworkedSQL = "networked-sql"
)

// Vector mode names accepted for storage.vector.
const (
	VectorBuiltin  = "builtin"
	VectorExternal = "external"
)

// StateDirName is the per-project state directory.
const StateDirName = ".memvault"

// Config is the complete memvault configuration.
type Config struct {
	Storage         StorageConfig         `yaml:"storage"`
	ChunkSize       int                   `yaml:"chunk_size"`
	ChunkOverlap    int                   `yaml:"chunk_overlap"`
	Retrieval       RetrievalConfig       `yaml:"retrieval"`
	Retention       RetentionConfig       `yaml:"retention"`
	Graph           GraphConfig           `yaml:"graph"`
	DeadEndBoost    float64               `yaml:"dead_end_boost"`
	QualityScoring  QualityScoringConfig  `yaml:"quality_scoring"`
	SensitiveFilter SensitiveFilterConfig `yaml:"sensitive_filter"`
	Embeddings      EmbeddingsConfig      `yaml:"embeddings"`
	LogLevel        string                `yaml:"log_level"`
}

// StorageConfig selects the relational backend and vector mode.
type StorageConfig struct {
	Backend        string               `yaml:"backend"`
	Vector         string               `yaml:"vector"`
	Embedded       EmbeddedConfig       `yaml:"embedded"`
	NetworkedSQL   NetworkedSQLConfig   `yaml:"networked_sql"`
	ExternalVector ExternalVectorConfig `yaml:"external_vector"`
}

// EmbeddedConfig configures the single-file embedded engine.
type EmbeddedConfig struct {
	// Path is the project database file. Empty means
	// <project>/.memvault/memvault.db.
	Path string `yaml:"path"`
	// GlobalPath is the shared database file. Empty means
	// ~/.memvault/global.db.
	GlobalPath string `yaml:"global_path"`
	// WALMode enables write-ahead logging (default true).
	WALMode *bool `yaml:"wal_mode"`
	// BusyTimeoutMS is the lock-contention timeout in milliseconds.
	BusyTimeoutMS int `yaml:"busy_timeout"`
}

// NetworkedSQLConfig configures the networked SQL engine.
type NetworkedSQLConfig struct {
	// ConnectionString takes precedence over the discrete fields.
	ConnectionString string `yaml:"connection_string"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Database         string `yaml:"database"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	SSL              bool   `yaml:"ssl"`
	PoolSize         int    `yaml:"pool_size"`
}

// ExternalVectorConfig configures the external vector engine.
type ExternalVectorConfig struct {
	URL              string `yaml:"url"`
	APIKey           string `yaml:"api_key"`
	CollectionPrefix string `yaml:"collection_prefix"`
	SearchEf         int    `yaml:"search_ef"`
	UseQuantization  bool   `yaml:"use_quantization"`
}

// RetrievalConfig tunes hybrid search.
type RetrievalConfig struct {
	DefaultTopK           int     `yaml:"default_top_k"`
	BM25Alpha             float64 `yaml:"bm25_alpha"`
	TemporalAutoSkip      bool    `yaml:"temporal_auto_skip"`
	QualityBoostEnabled   bool    `yaml:"quality_boost_enabled"`
	QualityBoostWeight    float64 `yaml:"quality_boost_weight"`
	MMREnabled            bool    `yaml:"mmr_enabled"`
	MMRLambda             float64 `yaml:"mmr_lambda"`
	QueryExpansionEnabled bool    `yaml:"query_expansion_enabled"`
	QueryExpansionMode    string  `yaml:"query_expansion_mode"`
}

// RetentionConfig tunes memory decay and the retention sweep.
type RetentionConfig struct {
	Enabled             bool    `yaml:"enabled"`
	DecayRate           float64 `yaml:"decay_rate"`
	AccessWeight        float64 `yaml:"access_weight"`
	MaxAccessBoost      float64 `yaml:"max_access_boost"`
	KeepThreshold       float64 `yaml:"keep_threshold"`
	DeleteThreshold     float64 `yaml:"delete_threshold"`
	DefaultQualityScore float64 `yaml:"default_quality_score"`
	UseTemporalDecay    bool    `yaml:"use_temporal_decay"`
}

// GraphConfig tunes the memory graph.
type GraphConfig struct {
	Centrality CentralityConfig `yaml:"centrality"`
}

// CentralityConfig tunes the centrality ranking boost.
type CentralityConfig struct {
	Enabled bool    `yaml:"enabled"`
	Weight  float64 `yaml:"weight"`
}

// QualityScoringConfig tunes memory quality scoring.
type QualityScoringConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
}

// SensitiveFilterConfig tunes the sensitive-content filter.
type SensitiveFilterConfig struct {
	Enabled    bool `yaml:"enabled"`
	AutoRedact bool `yaml:"auto_redact"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Endpoint is the HTTP embedding endpoint (Ollama-compatible).
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// Dimensions is fixed at first write; 0 means auto-detect.
	Dimensions int `yaml:"dimensions"`
	BatchSize  int `yaml:"batch_size"`
	CacheSize  int `yaml:"cache_size"`
	// TimeoutSeconds is the per-call timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Default returns the built-in defaults.
func Default() *Config {
	wal := true
	return &Config{
		Storage: StorageConfig{
			Backend: BackendEmbedded,
			Vector:  VectorBuiltin,
			Embedded: EmbeddedConfig{
				WALMode:       &wal,
				BusyTimeoutMS: 5000,
			},
			NetworkedSQL: NetworkedSQLConfig{
				Port:     5432,
				PoolSize: 10,
			},
			ExternalVector: ExternalVectorConfig{
				CollectionPrefix: "memvault",
				SearchEf:         128,
			},
		},
		ChunkSize:    500,
		ChunkOverlap: 50,
		Retrieval: RetrievalConfig{
			DefaultTopK:         10,
			BM25Alpha:           0.5,
			TemporalAutoSkip:    true,
			QualityBoostEnabled: true,
			QualityBoostWeight:  0.3,
			MMREnabled:          true,
			MMRLambda:           0.7,
		},
		Retention: RetentionConfig{
			Enabled:             true,
			DecayRate:           0.01,
			AccessWeight:        0.1,
			MaxAccessBoost:      1.5,
			KeepThreshold:       0.6,
			DeleteThreshold:     0.2,
			DefaultQualityScore: 0.5,
			UseTemporalDecay:    true,
		},
		Graph: GraphConfig{
			Centrality: CentralityConfig{Enabled: true, Weight: 0.1},
		},
		DeadEndBoost: 0.15,
		QualityScoring: QualityScoringConfig{
			Enabled:   true,
			Threshold: 0.3,
		},
		Embeddings: EmbeddingsConfig{
			Endpoint:       "http://localhost:11434",
			Model:          "embeddinggemma",
			BatchSize:      32,
			CacheSize:      1000,
			TimeoutSeconds: 60,
		},
		LogLevel: "info",
	}
}

// knownTopLevelKeys are the recognized top-level YAML keys; anything else
// is warned about and ignored.
var knownTopLevelKeys = map[string]struct{}{
	"storage": {}, "chunk_size": {}, "chunk_overlap": {}, "retrieval": {},
	"retention": {}, "graph": {}, "dead_end_boost": {}, "quality_scoring": {},
	"sensitive_filter": {}, "embeddings": {}, "log_level": {},
}

// Load resolves configuration for a project directory.
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	if userPath := UserConfigPath(); userPath != "" {
		if err := cfg.loadYAML(userPath, true); err != nil {
			return nil, err
		}
	}

	for _, name := range []string{".memvault.yaml", ".memvault.yml"} {
		path := filepath.Join(projectDir, name)
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadYAML(path, false); err != nil {
				return nil, err
			}
			break
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UserConfigPath returns the user config path, or "" when absent.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".config", "memvault", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// loadYAML merges one YAML file into the config. Missing files are only
// tolerated for the optional user config.
func (c *Config) loadYAML(path string, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return errors.Config(fmt.Sprintf("cannot read config file %s", path), err)
	}

	warnUnknownKeys(path, data)

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Config(fmt.Sprintf("cannot parse config file %s", path), err)
	}
	return nil
}

// warnUnknownKeys logs unrecognized top-level keys without failing.
func warnUnknownKeys(path string, data []byte) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return // parse errors are reported by the typed unmarshal
	}
	for key := range raw {
		if _, ok := knownTopLevelKeys[key]; !ok {
			slog.Warn("unknown config key",
				slog.String("file", path),
				slog.String("key", key))
		}
	}
}

// applyEnvOverrides applies MEMVAULT_* environment variables, the highest
// precedence layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEMVAULT_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("MEMVAULT_STORAGE_VECTOR"); v != "" {
		c.Storage.Vector = v
	}
	if v := os.Getenv("MEMVAULT_SQL_CONNECTION_STRING"); v != "" {
		c.Storage.NetworkedSQL.ConnectionString = v
	}
	if v := os.Getenv("MEMVAULT_GLOBAL_DB_PATH"); v != "" {
		c.Storage.Embedded.GlobalPath = v
	}
	if v := os.Getenv("MEMVAULT_VECTOR_URL"); v != "" {
		c.Storage.ExternalVector.URL = v
	}
	if v := os.Getenv("MEMVAULT_VECTOR_API_KEY"); v != "" {
		c.Storage.ExternalVector.APIKey = v
	}
	if v := os.Getenv("MEMVAULT_EMBED_ENDPOINT"); v != "" {
		c.Embeddings.Endpoint = v
	}
	if v := os.Getenv("MEMVAULT_EMBED_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("MEMVAULT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MEMVAULT_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Retrieval.DefaultTopK = k
		}
	}
}

// Validate checks the resolved configuration. Failures here are fatal at
// startup.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendEmbedded:
	case BackendNetworkedSQL:
		ns := c.Storage.NetworkedSQL
		if ns.ConnectionString == "" && (ns.Host == "" || ns.Database == "") {
			return errors.Config("networked-sql backend requires connection_string or host+database", nil)
		}
	default:
		return errors.Config(fmt.Sprintf("unknown storage.backend %q (want embedded or networked-sql)", c.Storage.Backend), nil)
	}

	switch c.Storage.Vector {
	case VectorBuiltin:
	case VectorExternal:
		if c.Storage.ExternalVector.URL == "" {
			return errors.Config("external vector mode requires storage.external_vector.url", nil)
		}
		if !strings.Contains(c.Storage.ExternalVector.URL, ":") {
			return errors.Config(fmt.Sprintf("malformed vector engine URL %q", c.Storage.ExternalVector.URL), nil)
		}
	default:
		return errors.Config(fmt.Sprintf("unknown storage.vector %q (want builtin or external)", c.Storage.Vector), nil)
	}

	if c.ChunkSize <= 0 {
		return errors.Config("chunk_size must be positive", nil)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return errors.Config("chunk_overlap must be in [0, chunk_size)", nil)
	}
	if l := c.Retrieval.MMRLambda; l < 0 || l > 1 {
		return errors.Config("retrieval.mmr_lambda must be in [0,1]", nil)
	}
	if c.Retrieval.DefaultTopK <= 0 {
		return errors.Config("retrieval.default_top_k must be positive", nil)
	}
	return nil
}

// StateDir returns the project state directory for a project root.
func StateDir(projectRoot string) string {
	return filepath.Join(projectRoot, StateDirName)
}

// GlobalStateDir returns the global state directory (~/.memvault).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), StateDirName)
	}
	return filepath.Join(home, StateDirName)
}

// EmbeddedDBPath resolves the project database file path.
func (c *Config) EmbeddedDBPath(projectRoot string) string {
	if c.Storage.Embedded.Path != "" {
		return c.Storage.Embedded.Path
	}
	return filepath.Join(StateDir(projectRoot), "memvault.db")
}

// EmbeddedGlobalDBPath resolves the global database file path.
func (c *Config) EmbeddedGlobalDBPath() string {
	if c.Storage.Embedded.GlobalPath != "" {
		return c.Storage.Embedded.GlobalPath
	}
	return filepath.Join(GlobalStateDir(), "global.db")
}

// ConnString builds the networked SQL connection string.
func (c *Config) ConnString() string {
	ns := c.Storage.NetworkedSQL
	if ns.ConnectionString != "" {
		return ns.ConnectionString
	}
	ssl := "disable"
	if ns.SSL {
		ssl = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		ns.User, ns.Password, ns.Host, ns.Port, ns.Database, ssl, ns.PoolSize)
}

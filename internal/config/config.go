// Package config provides configuration loading and structs for matome.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Lexical   LexicalConfig   `yaml:"lexical"`
	LLM       LLMConfig       `yaml:"llm"`
	Merge     MergeConfig     `yaml:"merge"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the collection snapshot, index snapshots, and the round archive.
type StorageConfig struct {
	CollectionPath   string `yaml:"collection_path"`
	VectorIndexPath  string `yaml:"vector_index_path"`
	LexicalIndexPath string `yaml:"lexical_index_path"`
	ArchivePath      string `yaml:"archive_path"`
}

// EmbeddingConfig selects and configures the sentence embedder.
type EmbeddingConfig struct {
	// Provider is "onnx", "openai", or "mock".
	Provider   string `yaml:"provider"`
	ModelPath  string `yaml:"model_path"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
}

// VectorConfig holds the vector pre-filter settings.
type VectorConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	InitialCapacity     int     `yaml:"initial_capacity"`
	GrowChunk           int     `yaml:"grow_chunk"`
}

// LexicalConfig selects the BM25 backend.
type LexicalConfig struct {
	// Backend is "bm25" (in-process) or "bleve".
	Backend string `yaml:"backend"`
	TopK    int    `yaml:"top_k"`
}

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	// Provider is "openai" or "anthropic".
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	// MaxAttempts, MinBackoff and MaxBackoff override the provider's retry policy when set.
	MaxAttempts int           `yaml:"max_attempts"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// LLMConfig holds the shared limiter settings and per-role providers.
type LLMConfig struct {
	Concurrency       int     `yaml:"concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// Roles maps a call site ("relation", "cluster", "summarize", "judge") to a provider.
	// Missing roles use Default.
	Default ProviderConfig            `yaml:"default"`
	Roles   map[string]ProviderConfig `yaml:"roles"`
}

// MergeConfig holds MergeEngine decision thresholds.
type MergeConfig struct {
	IdenticalThreshold int `yaml:"identical_threshold"`
	// SimilarThreshold enables the SIMILAR band when > 0 and below IdenticalThreshold.
	SimilarThreshold int  `yaml:"similar_threshold"`
	GeneralityGate   bool `yaml:"generality_gate"`
}

// ClusterConfig holds ClusterEngine settings.
type ClusterConfig struct {
	NumIterations    int     `yaml:"num_iterations"`
	DupThreshold     float64 `yaml:"dup_threshold"`
	CohesionMin      int     `yaml:"cohesion_min"`
	MinClusterSize   int     `yaml:"min_cluster_size"`
	Namespace        string  `yaml:"namespace"`
	ShuffleSeed      int64   `yaml:"shuffle_seed"`
	NoShuffle        bool    `yaml:"no_shuffle"`
	LabelInteresting bool    `yaml:"label_interesting"`
	UserName         string  `yaml:"user_name"`
}

// WatchConfig holds inbox watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to false when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return false
}

// Role returns the provider config for a call site, falling back to Default
// for any field the role leaves empty.
func (l *LLMConfig) Role(name string) ProviderConfig {
	r, ok := l.Roles[name]
	if !ok {
		return l.Default
	}
	d := l.Default
	if r.Provider == "" {
		r.Provider = d.Provider
	}
	if r.Model == "" && r.Provider == d.Provider {
		r.Model = d.Model
	}
	if r.APIKey == "" && r.Provider == d.Provider {
		r.APIKey = d.APIKey
	}
	if r.BaseURL == "" && r.Provider == d.Provider {
		r.BaseURL = d.BaseURL
	}
	if r.Timeout == 0 {
		r.Timeout = d.Timeout
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = d.MaxTokens
	}
	return r
}

// Load reads and parses the config file at path, applies defaults, then
// environment API keys, and expands paths.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	ApplyEnv(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.CollectionPath = expandPath(cfg.Storage.CollectionPath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Storage.LexicalIndexPath = expandPath(cfg.Storage.LexicalIndexPath, configDir)
	cfg.Storage.ArchivePath = expandPath(cfg.Storage.ArchivePath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ApplyEnv fills empty API keys from OPENAI_API_KEY / ANTHROPIC_API_KEY.
func ApplyEnv(cfg *Config) {
	fill := func(p *ProviderConfig) {
		if p.APIKey != "" {
			return
		}
		switch p.Provider {
		case "openai":
			p.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			p.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	fill(&cfg.LLM.Default)
	for name, r := range cfg.LLM.Roles {
		fill(&r)
		cfg.LLM.Roles[name] = r
	}
	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// Validate rejects threshold combinations the engines cannot honour.
func (c *Config) Validate() error {
	if c.Vector.SimilarityThreshold <= 0 || c.Vector.SimilarityThreshold > 1 {
		return fmt.Errorf("vector.similarity_threshold must be in (0, 1], got %v", c.Vector.SimilarityThreshold)
	}
	if c.Merge.SimilarThreshold >= c.Merge.IdenticalThreshold {
		return fmt.Errorf("merge.similar_threshold (%d) must be below identical_threshold (%d)",
			c.Merge.SimilarThreshold, c.Merge.IdenticalThreshold)
	}
	if c.Cluster.DupThreshold < 0 || c.Cluster.DupThreshold > 1 {
		return fmt.Errorf("cluster.dup_threshold must be in [0, 1], got %v", c.Cluster.DupThreshold)
	}
	switch c.Lexical.Backend {
	case "bm25", "bleve":
	default:
		return fmt.Errorf("unknown lexical backend: %s (supported: bm25, bleve)", c.Lexical.Backend)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

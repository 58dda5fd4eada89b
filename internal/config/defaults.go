package config

import "time"

// Default decision constants.
const (
	DefaultSimilarityThreshold = 0.8
	DefaultTopK                = 3
	DefaultIdenticalThreshold  = 7
	DefaultCohesionMin         = 6
	DefaultDupThreshold        = 0.9
	DefaultNumIterations       = 10
	DefaultMinClusterSize      = 2
	DefaultConcurrency         = 16
	DefaultShuffleSeed         = 123
	DefaultClusterNamespace    = "c"
)

// Default returns a config with every default applied, for drivers that run without a file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	ApplyEnv(cfg)
	return cfg
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.CollectionPath == "" {
		cfg.Storage.CollectionPath = "./data/collection.json"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "./data/indices/vectors.bin"
	}
	if cfg.Storage.LexicalIndexPath == "" {
		cfg.Storage.LexicalIndexPath = "./data/indices/lexical.msgpack"
	}
	if cfg.Storage.ArchivePath == "" {
		cfg.Storage.ArchivePath = "./data/archive.db"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "onnx"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "./data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Vector.SimilarityThreshold == 0 {
		cfg.Vector.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Vector.InitialCapacity == 0 {
		cfg.Vector.InitialCapacity = 1024
	}
	if cfg.Vector.GrowChunk == 0 {
		cfg.Vector.GrowChunk = 10000
	}
	if cfg.Lexical.Backend == "" {
		cfg.Lexical.Backend = "bm25"
	}
	if cfg.Lexical.TopK == 0 {
		cfg.Lexical.TopK = DefaultTopK
	}
	if cfg.LLM.Concurrency == 0 {
		cfg.LLM.Concurrency = DefaultConcurrency
	}
	if cfg.LLM.Default.Provider == "" {
		cfg.LLM.Default.Provider = "openai"
	}
	if cfg.LLM.Default.Model == "" {
		cfg.LLM.Default.Model = "gpt-4.1"
	}
	if cfg.LLM.Default.Timeout == 0 {
		cfg.LLM.Default.Timeout = 120 * time.Second
	}
	if cfg.Merge.IdenticalThreshold == 0 {
		cfg.Merge.IdenticalThreshold = DefaultIdenticalThreshold
	}
	if cfg.Cluster.NumIterations == 0 {
		cfg.Cluster.NumIterations = DefaultNumIterations
	}
	if cfg.Cluster.DupThreshold == 0 {
		cfg.Cluster.DupThreshold = DefaultDupThreshold
	}
	if cfg.Cluster.CohesionMin == 0 {
		cfg.Cluster.CohesionMin = DefaultCohesionMin
	}
	if cfg.Cluster.MinClusterSize == 0 {
		cfg.Cluster.MinClusterSize = DefaultMinClusterSize
	}
	if cfg.Cluster.Namespace == "" {
		cfg.Cluster.Namespace = DefaultClusterNamespace
	}
	if cfg.Cluster.ShuffleSeed == 0 {
		cfg.Cluster.ShuffleSeed = DefaultShuffleSeed
	}
	if cfg.Cluster.UserName == "" {
		cfg.Cluster.UserName = "the user"
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".json"}
	}
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Milvus    MilvusConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	Ledger    LedgerConfig
	Matching  MatchingConfig
	Lifecycle LifecycleConfig
	Vault     VaultConfig
	Anchor    AnchorConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type MilvusConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type LedgerConfig struct {
	Endpoint   string
	TimeoutSec int
}

// MatchingConfig carries the cross-camera matching policy. Threshold and
// margin are deployment tunables, not model constants.
type MatchingConfig struct {
	Threshold              float64
	AmbiguityMargin        float64
	SameCameraExclusionSec int
	CandidateLimit         int
	EmbeddingDim           int
	MinFeatureQuality      float64
}

type LifecycleConfig struct {
	LostTimeoutSec          int
	ExitTimeoutSec          int
	SweepIntervalSec        int
	TrajectoryMinDistancePx float64
	TrajectoryMinIntervalMs int
}

type VaultConfig struct {
	MasterKey         string
	RotationBatchSize int
}

type AnchorConfig struct {
	MaxAttempts          int
	InitialDelayMs       int
	QueuePollIntervalSec int
	SeverityThreshold    string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/tourist-safety")

	viper.SetEnvPrefix("TOURIST_SAFETY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.path", "./data/tourist.db")

	viper.SetDefault("milvus.enabled", false)
	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "tourist_features")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("neo4j.enabled", false)
	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("ledger.endpoint", "http://localhost:9090/anchor")
	viper.SetDefault("ledger.timeoutSec", 10)

	viper.SetDefault("matching.threshold", 0.85)
	viper.SetDefault("matching.ambiguityMargin", 0.15)
	viper.SetDefault("matching.sameCameraExclusionSec", 60)
	viper.SetDefault("matching.candidateLimit", 10)
	viper.SetDefault("matching.embeddingDim", 512)
	viper.SetDefault("matching.minFeatureQuality", 0.5)

	viper.SetDefault("lifecycle.lostTimeoutSec", 30)
	viper.SetDefault("lifecycle.exitTimeoutSec", 300)
	viper.SetDefault("lifecycle.sweepIntervalSec", 5)
	viper.SetDefault("lifecycle.trajectoryMinDistancePx", 20.0)
	viper.SetDefault("lifecycle.trajectoryMinIntervalMs", 500)

	viper.SetDefault("vault.rotationBatchSize", 50)

	viper.SetDefault("anchor.maxAttempts", 3)
	viper.SetDefault("anchor.initialDelayMs", 200)
	viper.SetDefault("anchor.queuePollIntervalSec", 15)
	viper.SetDefault("anchor.severityThreshold", "high")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}

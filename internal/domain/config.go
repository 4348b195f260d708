package domain

// Config holds the complete Talon configuration. Every threshold the decision
// pipeline consults lives here and is passed into component constructors;
// there is no package-level settings state.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Edition determines infrastructure availability
	Edition Edition `json:"edition"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Decision pipeline tuning
	Safety       SafetyConfig       `json:"safety"`
	Abuse        AbuseConfig        `json:"abuse"`
	Segmentation SegmentationConfig `json:"segmentation"`
	Tiers        TierConfig         `json:"tiers"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Edition represents the product edition.
type Edition string

const (
	// EditionCommunity is the free edition with SQLite + channels
	EditionCommunity Edition = "community"

	// EditionPro is the paid edition with PostgreSQL + NATS + Redis
	EditionPro Edition = "pro"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// SafetyConfig tunes the profit-safety gate.
type SafetyConfig struct {
	// DefaultHouseEdge applies to game types missing from HouseEdges.
	DefaultHouseEdge float64 `json:"defaultHouseEdge"`

	// HouseEdges maps a game type to its house edge fraction.
	HouseEdges map[string]float64 `json:"houseEdges"`

	// Per-player reward value caps over trailing windows.
	MaxDailyReward   float64 `json:"maxDailyReward"`
	MaxWeeklyReward  float64 `json:"maxWeeklyReward"`
	MaxMonthlyReward float64 `json:"maxMonthlyReward"`

	// LookbackDays is the wager-history window used to project
	// expected future wagering.
	LookbackDays int `json:"lookbackDays"`
}

// AbuseConfig tunes the abuse detectors and penalty thresholds.
type AbuseConfig struct {
	// WithdrawalWindowHours is how soon after a reward issuance a
	// withdrawal counts as immediate.
	WithdrawalWindowHours int `json:"withdrawalWindowHours"`

	// Bet manipulation detection.
	BetSampleSize    int     `json:"betSampleSize"`
	MinBetsForSpread int     `json:"minBetsForSpread"`
	BetSpreadRatio   float64 `json:"betSpreadRatio"`

	// Abnormal win rate detection.
	WinRateThreshold     float64 `json:"winRateThreshold"`
	MinWageredForWinRate float64 `json:"minWageredForWinRate"`

	// Penalty score bands, inclusive lower bounds.
	BlockScore             int `json:"blockScore"`
	IncreasedWageringScore int `json:"increasedWageringScore"`
	ReducedRewardsScore    int `json:"reducedRewardsScore"`
}

// SegmentationConfig holds the cutoffs used to classify players
// into behavioral segments.
type SegmentationConfig struct {
	NewPlayerWagerThreshold float64 `json:"newPlayerWagerThreshold"`
	VIPWagerThreshold       float64 `json:"vipWagerThreshold"`
	VIPSessionThreshold     int     `json:"vipSessionThreshold"`

	// BreakevenTolerance is the |net PnL| / wagered fraction under
	// which a player counts as breakeven.
	BreakevenTolerance float64 `json:"breakevenTolerance"`
}

// TierConfig holds lifetime-LP thresholds for loyalty tier promotion.
type TierConfig struct {
	SilverLP   float64 `json:"silverLp"`
	GoldLP     float64 `json:"goldLp"`
	PlatinumLP float64 `json:"platinumLp"`
	DiamondLP  float64 `json:"diamondLp"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// DefaultConfig returns a default configuration for the Community edition.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Edition: EditionCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./talon.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Safety: SafetyConfig{
			DefaultHouseEdge: 0.05,
			HouseEdges: map[string]float64{
				"slots":     0.05,
				"roulette":  0.027,
				"blackjack": 0.005,
				"poker":     0.05, // rake approximation
			},
			MaxDailyReward:   1000.0,
			MaxWeeklyReward:  5000.0,
			MaxMonthlyReward: 20000.0,
			LookbackDays:     30,
		},
		Abuse: AbuseConfig{
			WithdrawalWindowHours:  24,
			BetSampleSize:          20,
			MinBetsForSpread:       10,
			BetSpreadRatio:         10.0,
			WinRateThreshold:       1.2,
			MinWageredForWinRate:   1000.0,
			BlockScore:             81,
			IncreasedWageringScore: 61,
			ReducedRewardsScore:    31,
		},
		Segmentation: SegmentationConfig{
			NewPlayerWagerThreshold: 1000.0,
			VIPWagerThreshold:       100000.0,
			VIPSessionThreshold:     100,
			BreakevenTolerance:      0.05,
		},
		Tiers: TierConfig{
			SilverLP:   1000,
			GoldLP:     10000,
			PlatinumLP: 50000,
			DiamondLP:  200000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "talon",
		},
	}
}

// ProConfig returns a configuration for the Pro edition.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Edition = EditionPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "talon",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

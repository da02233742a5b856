package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Band maps a token-count ceiling to a fixed PT charge.
type Band struct {
	Name      string `mapstructure:"name"`
	MaxTokens int64  `mapstructure:"maxTokens"`
	PT        int64  `mapstructure:"pt"`
}

// BufferConfig holds the adaptive-buffer risk components as fractions.
type BufferConfig struct {
	BloatSimple        float64 `mapstructure:"bloatSimple"`
	BloatModerate      float64 `mapstructure:"bloatModerate"`
	BloatComplex       float64 `mapstructure:"bloatComplex"`
	RetryMin           float64 `mapstructure:"retryMin"`
	RetryMax           float64 `mapstructure:"retryMax"`
	RetryDefault       float64 `mapstructure:"retryDefault"`
	ModerationText     float64 `mapstructure:"moderationText"`
	ModerationCode     float64 `mapstructure:"moderationCode"`
	ModerationMixed    float64 `mapstructure:"moderationMixed"`
	ToolPerIntegration float64 `mapstructure:"toolPerIntegration"`
	ToolCap            float64 `mapstructure:"toolCap"`
	Variance           float64 `mapstructure:"variance"`
}

// BurnEscalation maps a trailing-window burn fraction to a throttle duration.
type BurnEscalation struct {
	Threshold float64 `mapstructure:"threshold"`
	Minutes   int     `mapstructure:"minutes"`
}

type BurnRateConfig struct {
	WindowHours    int     `mapstructure:"windowHours"`
	WarnThreshold  float64 `mapstructure:"warnThreshold"`
	BlockThreshold float64 `mapstructure:"blockThreshold"`
	MaxMultiplier  int     `mapstructure:"maxMultiplier"`
}

// MeteringConfig is the runtime-tunable metering policy. Structure (tier
// entitlements, routing rules) stays in code; this holds the numbers.
type MeteringConfig struct {
	Buffers   BufferConfig      `mapstructure:"buffers"`
	Bands     map[string][]Band `mapstructure:"bands"`
	BurnRate  BurnRateConfig    `mapstructure:"burnRate"`
	BurnCools []BurnEscalation  `mapstructure:"burnCooldowns"`

	SoftCaps        map[string]float64 `mapstructure:"softCaps"`
	HardCapDelta    float64            `mapstructure:"hardCapDelta"`
	HardCapMinutes  int                `mapstructure:"hardCapMinutes"`
	OverflowFactor  float64            `mapstructure:"overflowFactor"`
	BalanceFloorPT  map[string]int64   `mapstructure:"balanceFloorPT"`
	MarginFloor     float64            `mapstructure:"marginFloor"`
	EmergencyWindow int                `mapstructure:"emergencyWindowHours"`

	AdaptiveNarrowBudget   float64 `mapstructure:"adaptiveNarrowBudget"`
	AdaptiveWidenBudget    float64 `mapstructure:"adaptiveWidenBudget"`
	AdaptiveNarrowProject  float64 `mapstructure:"adaptiveNarrowProjection"`
	AdaptiveWidenUsage     float64 `mapstructure:"adaptiveWidenUsage"`
	AdaptiveWidenDaysLeft  int     `mapstructure:"adaptiveWidenDaysLeft"`
	PricingStalenessMinute int     `mapstructure:"pricingStalenessMinutes"`
}

func DefaultMeteringConfig() MeteringConfig {
	return MeteringConfig{
		Buffers: BufferConfig{
			BloatSimple:        0.15,
			BloatModerate:      0.20,
			BloatComplex:       0.25,
			RetryMin:           0.05,
			RetryMax:           0.15,
			RetryDefault:       0.05,
			ModerationText:     0.03,
			ModerationCode:     0.05,
			ModerationMixed:    0.08,
			ToolPerIntegration: 0.02,
			ToolCap:            0.10,
			Variance:           0.07,
		},
		Bands: map[string][]Band{
			"core": {
				{Name: "short", MaxTokens: 1500, PT: 1},
				{Name: "medium", MaxTokens: 4200, PT: 3},
				{Name: "long", MaxTokens: 7800, PT: 6},
			},
			"advanced": {
				{Name: "short", MaxTokens: 1200, PT: 2},
				{Name: "medium", MaxTokens: 3500, PT: 7},
				{Name: "long", MaxTokens: 6500, PT: 13},
			},
		},
		BurnRate: BurnRateConfig{
			WindowHours:    72,
			WarnThreshold:  0.30,
			BlockThreshold: 0.40,
			MaxMultiplier:  4,
		},
		BurnCools: []BurnEscalation{
			{Threshold: 0.80, Minutes: 1440},
			{Threshold: 0.60, Minutes: 120},
			{Threshold: 0.40, Minutes: 30},
		},
		SoftCaps: map[string]float64{
			"freemium":   0,
			"entry":      0.20,
			"pro":        0.25,
			"pro_plus":   0.25,
			"business":   0.30,
			"enterprise": 0.30,
		},
		HardCapDelta:   0.05,
		HardCapMinutes: 60,
		OverflowFactor: 2.0,
		BalanceFloorPT: map[string]int64{
			"core":     3,
			"advanced": 7,
		},
		MarginFloor:            0.40,
		EmergencyWindow:        12,
		AdaptiveNarrowBudget:   0.15,
		AdaptiveWidenBudget:    0.30,
		AdaptiveNarrowProject:  0.90,
		AdaptiveWidenUsage:     0.50,
		AdaptiveWidenDaysLeft:  15,
		PricingStalenessMinute: 60,
	}
}

type MeteringConfigHolder struct {
	current atomic.Value // holds MeteringConfig
}

func NewMeteringConfigHolder() (*MeteringConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("metering")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/ptmeter/config") // Volume-mounted config
	v.AddConfigPath("/etc/ptmeter")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	v.SetEnvPrefix("PTMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultMeteringConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		if err := v.UnmarshalKey("metering", &cfg); err != nil {
			return nil, err
		}
	}
	if err := validateMeteringConfig(cfg); err != nil {
		return nil, err
	}

	holder := &MeteringConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultMeteringConfig()
		if err := v.UnmarshalKey("metering", &updated); err != nil {
			log.Printf("[metering-config] reload failed: %v", err)
			return
		}
		if err := validateMeteringConfig(updated); err != nil {
			log.Printf("[metering-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[metering-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticMeteringConfigHolder wraps a fixed config; used by tests.
func NewStaticMeteringConfigHolder(cfg MeteringConfig) *MeteringConfigHolder {
	holder := &MeteringConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *MeteringConfigHolder) Get() MeteringConfig {
	return h.current.Load().(MeteringConfig)
}

func validateMeteringConfig(cfg MeteringConfig) error {
	if len(cfg.Bands["core"]) == 0 || len(cfg.Bands["advanced"]) == 0 {
		return errors.New("metering.bands must define core and advanced")
	}
	if len(cfg.BurnCools) == 0 {
		return errors.New("metering.burnCooldowns cannot be empty")
	}
	if cfg.BurnRate.BlockThreshold <= cfg.BurnRate.WarnThreshold {
		return errors.New("metering.burnRate blockThreshold must exceed warnThreshold")
	}
	if cfg.OverflowFactor < 1 {
		return errors.New("metering.overflowFactor must be >= 1")
	}
	return nil
}

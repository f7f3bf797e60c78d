package reliability

import "time"

// Dependency names registered at startup.
const (
	ServiceStripe      = "stripe"
	ServiceOpenAI      = "openai"
	ServiceStorage     = "storage"
	ServiceDatabase    = "database"
	ServiceAgentBridge = "agent-bridge"
)

// BreakerConfig tunes the state machine of one breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Timeout          time.Duration
}

// RetryConfig tunes the retry policy layered on top of the breaker.
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// Settings bundles the breaker and retry configuration for one dependency.
type Settings struct {
	Breaker BreakerConfig
	Retry   RetryConfig
}

// StripeSettings is deliberately conservative: a single retry and no jitter,
// because duplicate charges are worse than a failed refund attempt.
func StripeSettings() Settings {
	return Settings{
		Breaker: BreakerConfig{
			Name:             ServiceStripe,
			FailureThreshold: 3,
			RecoveryTimeout:  60 * time.Second,
			Timeout:          30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:      1,
			BaseDelay:       2 * time.Second,
			MaxDelay:        5 * time.Second,
			ExponentialBase: 2,
			Jitter:          false,
		},
	}
}

// OpenAISettings allows the long tail of AI completions before timing out.
func OpenAISettings() Settings {
	return Settings{
		Breaker: BreakerConfig{
			Name:             ServiceOpenAI,
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
			Timeout:          60 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:      2,
			BaseDelay:       time.Second,
			MaxDelay:        10 * time.Second,
			ExponentialBase: 2,
			Jitter:          true,
		},
	}
}

// StorageSettings covers object storage uploads and downloads.
func StorageSettings() Settings {
	return Settings{
		Breaker: BreakerConfig{
			Name:             ServiceStorage,
			FailureThreshold: 5,
			RecoveryTimeout:  15 * time.Second,
			Timeout:          30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			BaseDelay:       500 * time.Millisecond,
			MaxDelay:        5 * time.Second,
			ExponentialBase: 2,
			Jitter:          true,
		},
	}
}

// DatabaseSettings tolerates transient blips and recovers fast.
func DatabaseSettings() Settings {
	return Settings{
		Breaker: BreakerConfig{
			Name:             ServiceDatabase,
			FailureThreshold: 10,
			RecoveryTimeout:  5 * time.Second,
			Timeout:          15 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:      2,
			BaseDelay:       200 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			ExponentialBase: 2,
			Jitter:          true,
		},
	}
}

// AgentBridgeSettings covers the internal agent bridge RPCs.
func AgentBridgeSettings() Settings {
	return Settings{
		Breaker: BreakerConfig{
			Name:             ServiceAgentBridge,
			FailureThreshold: 5,
			RecoveryTimeout:  20 * time.Second,
			Timeout:          45 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			BaseDelay:       time.Second,
			MaxDelay:        8 * time.Second,
			ExponentialBase: 2,
			Jitter:          true,
		},
	}
}

// DefaultSettings returns the full set registered at process startup.
func DefaultSettings() []Settings {
	return []Settings{
		StripeSettings(),
		OpenAISettings(),
		StorageSettings(),
		DatabaseSettings(),
		AgentBridgeSettings(),
	}
}

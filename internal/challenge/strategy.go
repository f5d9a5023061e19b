package challenge

import (
	"fmt"
	"time"
)

// Strategy is the configured reaction to a detected challenge.
type Strategy string

// Supported strategies.
const (
	StrategyManual   Strategy = "manual"
	StrategyAutoWait Strategy = "auto_wait"
	StrategyAPI      Strategy = "api"
	StrategySmart    Strategy = "smart"
)

const (
	autoWaitWindow = 15 * time.Second
	smartWindow    = 30 * time.Second
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyManual, StrategyAutoWait, StrategyAPI, StrategySmart:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown captcha strategy %q", s)
	}
}

// Policy pairs a strategy with its configured timeout.
type Policy struct {
	Strategy Strategy
	Timeout  time.Duration
}

// WaitBudget returns how long to wait for a challenge to clear. Zero means
// escalate immediately.
func (p Policy) WaitBudget() time.Duration {
	switch p.Strategy {
	case StrategyManual:
		return p.Timeout
	case StrategyAutoWait:
		return minDuration(autoWaitWindow, p.Timeout)
	case StrategySmart:
		return minDuration(smartWindow, p.Timeout)
	default:
		return 0
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if b > 0 && b < a {
		return b
	}
	return a
}

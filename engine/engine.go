// Package engine derives an update status from the running version and a platform policy.
//
// Evaluation is pure: the same version and policy always produce the same status. The only
// side effect is a log line when the running version cannot be parsed.
package engine

import (
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/internal/logging"
	"github.com/stepherg/manup/version"
)

const (
	MessageUpdateAvailable = "There is an update available."
	MessageUnsupported     = "This version is no longer supported. Please update to the latest version."
	MessageMaintenance     = "The app is currently in maintenance, please check again shortly."
)

// Evaluator evaluates versions against policies. The zero value is ready to use.
type Evaluator struct {
	Logger pslog.Logger
}

// New returns an Evaluator that logs through logger.
func New(logger pslog.Logger) *Evaluator {
	return &Evaluator{Logger: logging.WithSubsystem(logger, "engine")}
}

var defaultEvaluator Evaluator

// Evaluate applies the rules with a silent logger.
func Evaluate(current string, policy *manup.PlatformPolicy) manup.Status {
	return defaultEvaluator.Evaluate(current, policy)
}

// Evaluate returns the status of current under policy. Rules apply in order:
//
//  1. no policy for the platform: Latest
//  2. policy disabled: Disabled, whatever the version
//  3. current unparseable: Unsupported
//  4. current >= latest and >= minimum: Latest
//  5. current >= minimum: Supported
//  6. otherwise Unsupported
func (e *Evaluator) Evaluate(current string, policy *manup.PlatformPolicy) manup.Status {
	if policy == nil {
		return manup.StatusLatest
	}
	if !policy.Enabled {
		return manup.StatusDisabled
	}
	v, err := version.Parse(current)
	if err != nil {
		e.logger().Warn("engine.version.parse_failed", "version", current, "error", err)
		return manup.StatusUnsupported
	}
	meetsLatest, err := version.AtLeast(v, policy.Latest)
	if err != nil {
		e.logger().Warn("engine.policy.latest_invalid", "latest", policy.Latest, "error", err)
		return manup.StatusUnsupported
	}
	meetsMinimum, err := version.AtLeast(v, policy.Minimum)
	if err != nil {
		e.logger().Warn("engine.policy.minimum_invalid", "minimum", policy.Minimum, "error", err)
		return manup.StatusUnsupported
	}
	switch {
	case meetsLatest && meetsMinimum:
		return manup.StatusLatest
	case meetsMinimum:
		return manup.StatusSupported
	default:
		return manup.StatusUnsupported
	}
}

// EvaluateConfig selects platform from cfg and evaluates it. The selected policy is
// returned for callers that expose it; it is nil when the platform is absent.
func (e *Evaluator) EvaluateConfig(current, platform string, cfg *manup.Configuration) (manup.Status, *manup.PlatformPolicy) {
	p, ok := cfg.Policy(platform)
	if !ok {
		return e.Evaluate(current, nil), nil
	}
	return e.Evaluate(current, &p), &p
}

// Message returns the user-facing text for status.
func Message(status manup.Status) string {
	switch status {
	case manup.StatusSupported:
		return MessageUpdateAvailable
	case manup.StatusUnsupported:
		return MessageUnsupported
	case manup.StatusDisabled:
		return MessageMaintenance
	default:
		return ""
	}
}

func (e *Evaluator) logger() pslog.Logger {
	return logging.Ensure(e.Logger)
}

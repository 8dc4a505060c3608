// Package decay computes time-decayed confidence, trust and scope transitions
// for memory nodes. Every function here is pure: for a fixed (node, now) pair
// it returns the same value and touches nothing.
//
// Decay is computed in Go rather than SQL since modernc.org/sqlite has no pow().
package decay

import (
	"math"
	"time"

	"github.com/rcliao/agent-turns/internal/config"
	"github.com/rcliao/agent-turns/internal/model"
)

const day = 24 * time.Hour

// Profile maps a content type to its daily decay rate.
type Profile struct {
	Rates       map[model.ContentType]float64
	DefaultRate float64
}

// DefaultProfile is the stock decay table.
func DefaultProfile() Profile {
	return Profile{
		Rates: map[model.ContentType]float64{
			model.ContentAvailability: 0.20,
			model.ContentPrice:        0.10,
			model.ContentSpec:         0.03,
			model.ContentPreference:   0.005,
		},
		DefaultRate: 0.05,
	}
}

// Rate returns the daily decay rate for ct, clamped to [0, 1].
func (p Profile) Rate(ct model.ContentType) float64 {
	if r, ok := p.Rates[ct]; ok {
		return model.Clamp01(r)
	}
	return model.Clamp01(p.DefaultRate)
}

// Rule is a promotion threshold into a scope.
type Rule struct {
	MinTrust float64
	MinUsage int
	MinAge   time.Duration
}

// Rules holds the thresholds into the user and global scopes.
type Rules struct {
	User   Rule
	Global Rule
}

// DefaultRules are the stock promotion thresholds.
func DefaultRules() Rules {
	return Rules{
		User:   Rule{MinTrust: 0.50, MinUsage: 3, MinAge: time.Hour},
		Global: Rule{MinTrust: 0.80, MinUsage: 10, MinAge: day},
	}
}

// Weights blend the trust inputs.
type Weights struct {
	Success         float64
	Usage           float64
	Age             float64
	UsageSaturation int
	AgeSaturation   time.Duration
}

// DefaultWeights favour validated success over raw usage.
func DefaultWeights() Weights {
	return Weights{Success: 0.6, Usage: 0.3, Age: 0.1, UsageSaturation: 10, AgeSaturation: 7 * day}
}

// Engine evaluates confidence, trust and scope.
type Engine struct {
	profile Profile
	weights Weights
	rules   Rules
}

// NewEngine builds an engine from explicit parts.
func NewEngine(p Profile, w Weights, r Rules) *Engine {
	return &Engine{profile: p, weights: w, rules: r}
}

// FromConfig builds an engine from configuration.
func FromConfig(cfg *config.Config) *Engine {
	p := Profile{Rates: map[model.ContentType]float64{}, DefaultRate: cfg.Decay.DefaultRate}
	for ct, r := range cfg.Decay.Rates {
		p.Rates[model.ContentType(ct)] = r
	}
	w := Weights{
		Success:         cfg.Trust.SuccessWeight,
		Usage:           cfg.Trust.UsageWeight,
		Age:             cfg.Trust.AgeWeight,
		UsageSaturation: cfg.Trust.UsageSaturation,
		AgeSaturation:   cfg.Trust.AgeSaturationDuration(),
	}
	r := Rules{
		User:   Rule{MinTrust: cfg.Promotion.User.MinTrust, MinUsage: cfg.Promotion.User.MinUsage, MinAge: cfg.Promotion.User.Duration()},
		Global: Rule{MinTrust: cfg.Promotion.Global.MinTrust, MinUsage: cfg.Promotion.Global.MinUsage, MinAge: cfg.Promotion.Global.Duration()},
	}
	return NewEngine(p, w, r)
}

// Default is an engine with the stock profile, weights and rules.
func Default() *Engine {
	return NewEngine(DefaultProfile(), DefaultWeights(), DefaultRules())
}

// Profile returns the engine's decay table.
func (e *Engine) Profile() Profile { return e.profile }

// Confidence is base * (1 - rate)^age_days, clamped to [0, 1], where age runs
// from the node's last verification.
func (e *Engine) Confidence(n *model.MemoryNode, now time.Time) float64 {
	days := ageDays(n.LastVerifiedAt, now)
	rate := e.profile.Rate(n.ContentType)
	return model.Clamp01(model.Clamp01(n.BaseConfidence) * math.Pow(1-rate, days))
}

// Trust blends validation success ratio, usage and age. A node that was never
// used has zero trust. The result is non-decreasing in both success ratio and
// usage count.
func (e *Engine) Trust(n *model.MemoryNode, now time.Time) float64 {
	if n.UsageCount <= 0 {
		return 0
	}
	w := e.weights

	ratio := float64(n.ValidationSuccess) / float64(max(n.ValidationTotal, 1))
	ratio = model.Clamp01(ratio)

	sat := max(w.UsageSaturation, 1)
	usage := math.Log1p(float64(n.UsageCount)) / math.Log1p(float64(sat))
	usage = model.Clamp01(usage)

	var age float64
	if w.AgeSaturation > 0 {
		age = model.Clamp01(float64(now.Sub(n.CreatedAt)) / float64(w.AgeSaturation))
	}

	return model.Clamp01(w.Success*ratio + w.Usage*usage + w.Age*age)
}

// Metrics are the inputs to a scope decision.
type Metrics struct {
	Trust float64
	Usage int
	Age   time.Duration
}

// Metrics computes the scope inputs for n at now. Age runs from creation.
func (e *Engine) Metrics(n *model.MemoryNode, now time.Time) Metrics {
	age := now.Sub(n.CreatedAt)
	if age < 0 {
		age = 0
	}
	return Metrics{Trust: e.Trust(n, now), Usage: n.UsageCount, Age: age}
}

// Transition is the result of a scope evaluation.
type Transition struct {
	From    model.Scope `json:"from"`
	To      model.Scope `json:"to"`
	Metrics Metrics     `json:"metrics"`
}

// Changed reports whether the scope moves.
func (t Transition) Changed() bool { return t.From != t.To }

// EvaluateScope decides n's scope at now. It moves at most one level.
func (e *Engine) EvaluateScope(n *model.MemoryNode, now time.Time) Transition {
	m := e.Metrics(n, now)
	from := n.Scope
	if from == "" {
		from = model.ScopeNew
	}
	return Transition{From: from, To: NextScope(from, m, e.rules), Metrics: m}
}

// NextScope applies the promotion rules to one scope. Demotion mirrors
// promotion: a node that no longer meets the threshold of its current scope
// drops one level.
func NextScope(current model.Scope, m Metrics, r Rules) model.Scope {
	switch current {
	case model.ScopeGlobal:
		if !r.Global.Meets(m) {
			return model.ScopeUser
		}
		return model.ScopeGlobal
	case model.ScopeUser:
		if r.Global.Meets(m) {
			return model.ScopeGlobal
		}
		if !r.User.Meets(m) {
			return model.ScopeNew
		}
		return model.ScopeUser
	default:
		if r.User.Meets(m) {
			return model.ScopeUser
		}
		return model.ScopeNew
	}
}

// Meets reports whether m satisfies the rule.
func (r Rule) Meets(m Metrics) bool {
	if m.Usage <= 0 {
		return false
	}
	return m.Trust >= r.MinTrust && m.Usage >= r.MinUsage && m.Age >= r.MinAge
}

func ageDays(from, now time.Time) float64 {
	if from.IsZero() {
		return 0
	}
	d := now.Sub(from)
	if d < 0 {
		return 0
	}
	return float64(d) / float64(day)
}

// Package reasoning invokes an external reasoning capability through a narrow
// contract: a budgeted input pack goes in, schema-checked JSON comes out.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/compress"
	"github.com/rcliao/agent-turns/internal/config"
	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/logging"
)

// Tier selects how capable (and costly) a model the call needs.
type Tier string

const (
	TierFast     Tier = "fast"
	TierStandard Tier = "standard"
	TierDeep     Tier = "deep"
)

// Request is one backend call.
type Request struct {
	Tier   Tier
	Model  string
	Schema string // schema name, used by scripted backends to pick a reply
	System string
	Prompt string
}

// Backend completes a request with raw text.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Pack is the input of one invocation. Parts are compressed to fit the
// invocation limit; protected parts are never touched.
type Pack struct {
	Instruction string
	Parts       []compress.Part
}

// Options configure an Invoker.
type Options struct {
	Models  map[Tier]string
	Limit   int
	Timeout time.Duration
	Retries int
}

// OptionsFromConfig reads the reasoning and budget sections.
func OptionsFromConfig(cfg *config.Config) Options {
	o := Options{
		Models:  map[Tier]string{},
		Limit:   cfg.Budgets.InvocationLimit,
		Timeout: cfg.ReasoningTimeout(),
		Retries: cfg.Reasoning.SchemaRetries,
	}
	for tier, m := range cfg.Reasoning.Models {
		o.Models[Tier(tier)] = m
	}
	return o
}

// Invoker runs budgeted, schema-checked invocations.
type Invoker struct {
	backend  Backend
	compress *compress.Service
	opts     Options
	logger   *zap.Logger
}

// NewInvoker creates an invoker.
func NewInvoker(b Backend, c *compress.Service, opts Options, logger *zap.Logger) *Invoker {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Invoker{backend: b, compress: c, opts: opts, logger: logging.OrNop(logger).Named("reasoning")}
}

// Invoke sends pack to the backend at tier and returns output matching
// schema. Invalid output is retried up to the configured count with the
// problem fed back; after that the call halts with an intervention record.
// A call that outlives its timeout is a Timeout fault and is not retried.
func (iv *Invoker) Invoke(ctx context.Context, tier Tier, pack Pack, schema Schema) (gjson.Result, error) {
	const op = "reasoning.Invoke"

	system := pack.Instruction + "\n\n" + schema.Describe()
	parts, err := iv.fit(pack.Parts, len(system), schema.Name)
	if err != nil {
		return gjson.Result{}, err
	}

	req := Request{
		Tier:   tier,
		Model:  iv.opts.Models[tier],
		Schema: schema.Name,
		System: system,
		Prompt: renderParts(parts),
	}

	attempts := iv.opts.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := iv.complete(ctx, req)
		if err != nil {
			return gjson.Result{}, err
		}
		out, err := schema.Validate(raw)
		if err == nil {
			iv.logger.Debug("invocation ok", zap.String("schema", schema.Name), zap.Int("attempt", attempt))
			return out, nil
		}
		lastErr = err
		iv.logger.Warn("schema validation failed",
			zap.String("schema", schema.Name), zap.Int("attempt", attempt), zap.Error(err))
		feedback := "\n\n## previous output rejected\n" + err.Error() + "\nReply with a single JSON object only."
		retryParts, ferr := iv.fit(parts, len(system)+len(feedback), schema.Name)
		if ferr != nil {
			return gjson.Result{}, ferr
		}
		req.Prompt = renderParts(retryParts) + feedback
	}

	fe := fault.New(fault.KindSchemaValidation, op, fmt.Errorf("%s: %w", schema.Name, lastErr))
	fe.Intervention = fault.NewIntervention(fault.KindSchemaValidation, "",
		fmt.Sprintf("%s output invalid after %d attempts: %v", schema.Name, attempts, lastErr), attempts)
	return gjson.Result{}, fe
}

func (iv *Invoker) complete(ctx context.Context, req Request) (string, error) {
	callCtx := ctx
	if iv.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, iv.opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	raw, err := iv.backend.Complete(callCtx, req)
	if err == nil {
		iv.logger.Debug("backend call", zap.String("schema", req.Schema), zap.String("model", req.Model),
			zap.Duration("elapsed", time.Since(start)))
		return raw, nil
	}
	switch {
	case ctx.Err() != nil:
		return "", fault.New(fault.KindCancelled, "reasoning.Invoke", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
		return "", fault.Newf(fault.KindTimeout, "reasoning.Invoke", "%s call exceeded %s", req.Schema, iv.opts.Timeout)
	}
	return "", fmt.Errorf("reasoning backend (%s): %w", req.Schema, err)
}

// fit compresses parts so that the rendered prompt plus reserved bytes of
// system prompt and feedback stay within the invocation limit.
func (iv *Invoker) fit(parts []compress.Part, reserved int, schema string) ([]compress.Part, error) {
	if iv.opts.Limit <= 0 {
		return parts, nil
	}
	out, reports, err := iv.compress.Payload(parts, iv.opts.Limit-reserved-renderOverhead(parts))
	if err != nil {
		return nil, fmt.Errorf("reasoning.Invoke %s: %w", schema, err)
	}
	for _, r := range reports {
		iv.logger.Debug("payload part compressed", zap.String("schema", schema),
			zap.String("part", r.Name), zap.Int("saved", r.Saved), zap.String("strategy", string(r.Strategy)))
	}
	return out, nil
}

// renderOverhead is what renderParts adds around the part texts.
func renderOverhead(parts []compress.Part) int {
	n := 0
	for i, p := range parts {
		if i > 0 {
			n += 2
		}
		n += len("## ") + len(p.Name) + 1
	}
	return n
}

func renderParts(parts []compress.Part) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(p.Name)
		b.WriteString("\n")
		b.WriteString(p.Text)
	}
	return b.String()
}

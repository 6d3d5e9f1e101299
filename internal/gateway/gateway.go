// Package gateway runs every input through the decision cache, the rule
// detector and, on the allow path, the generator. It owns the audit log and
// the metrics collector for the requests it serves.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/l0p7/promptguard/internal/audit"
	"github.com/l0p7/promptguard/internal/cache"
	"github.com/l0p7/promptguard/internal/decision"
	"github.com/l0p7/promptguard/internal/detector"
	"github.com/l0p7/promptguard/internal/generator"
	"github.com/l0p7/promptguard/internal/metrics"
	"github.com/l0p7/promptguard/internal/rules"
	"github.com/l0p7/promptguard/internal/templates"
)

// DefaultContext labels requests that arrive without one.
const DefaultContext = "SOC Analysis"

const (
	allowedReason   = "Input passed all security checks"
	unsafeReason    = "UNSAFE MODE: No security checks performed"
	rateLimitReason = "Generator rate limit exceeded"
	previewLimit    = 100
	traceMatchLimit = 50
	receivedStep    = "Input received for "
)

// Options wires a Gateway. Rules is required; every other field has a
// working default.
type Options struct {
	Rules     *rules.RuleSet
	Cache     *cache.DecisionCache
	Metrics   *metrics.Collector
	Audit     *audit.Log
	Generator generator.Generator
	Messages  *templates.Messages
	Params    generator.Params
	// Now overrides the timestamp clock.
	Now func() time.Time
}

// Gateway is safe for concurrent use. The rule set is swapped atomically on
// Reload; cache and metrics guard their own state.
type Gateway struct {
	base      *slog.Logger
	logger    *slog.Logger
	detector  atomic.Pointer[detector.Detector]
	cache     *cache.DecisionCache
	metrics   *metrics.Collector
	audit     *audit.Log
	generator generator.Generator
	messages  *templates.Messages
	fallback  *templates.Messages
	params    generator.Params
	now       func() time.Time
}

// New builds a Gateway over opts.Rules and fills defaults for the rest.
func New(logger *slog.Logger, opts Options) (*Gateway, error) {
	if opts.Rules == nil {
		return nil, errors.New("gateway: rule set required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Gateway{
		base:      logger,
		logger:    logger.With(slog.String("agent", "gateway")),
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		generator: opts.Generator,
		messages:  opts.Messages,
		fallback:  templates.DefaultMessages(),
		params:    opts.Params,
		now:       opts.Now,
	}
	if g.cache == nil {
		g.cache = cache.New(logger, nil, cache.Options{})
	}
	if g.metrics == nil {
		g.metrics = metrics.NewCollector()
	}
	if g.audit == nil {
		g.audit = audit.New(logger, nil)
	}
	if g.generator == nil {
		g.generator = generator.NewMock()
	}
	if g.messages == nil {
		g.messages = g.fallback
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.detector.Store(detector.New(logger, opts.Rules))
	return g, nil
}

// Analyze classifies text and, when it is allowed, returns the generator's
// analysis. It never fails: generator problems come back as ERROR or
// WARNING decisions.
func (g *Gateway) Analyze(ctx context.Context, text, label string) decision.Decision {
	return g.analyze(ctx, text, label, nil)
}

// AnalyzeStream is Analyze with the generation streamed. Each fragment is
// passed to onFragment as it arrives; cached and blocked results are
// delivered as a single fragment holding the full output.
func (g *Gateway) AnalyzeStream(ctx context.Context, text, label string, onFragment func(string) error) decision.Decision {
	if onFragment == nil {
		onFragment = func(string) error { return nil }
	}
	return g.analyze(ctx, text, label, onFragment)
}

func (g *Gateway) analyze(ctx context.Context, text, label string, onFragment func(string) error) decision.Decision {
	start := time.Now()
	label = contextLabel(label)
	reqLogger := g.logger.With(slog.String("context", label), slog.Bool("stream", onFragment != nil))
	reqLogger.Debug("analysis started", slog.String("input_preview", decision.Truncate(text, previewLimit)))

	if cached, ok := g.cache.Get(ctx, text); ok {
		d := g.stamp(cached, start, label, onFragment != nil)
		if onFragment != nil {
			g.deliver(reqLogger, onFragment, d.Output)
		}
		g.metrics.Record(d)
		g.logCompleted(reqLogger, d)
		return d
	}

	verdict := g.detector.Load().Check(text)
	var d decision.Decision
	if verdict.Blocked {
		d = g.blockDecision(reqLogger, verdict, label)
		if onFragment != nil {
			g.deliver(reqLogger, onFragment, d.Output)
		}
	} else {
		d = g.generate(ctx, reqLogger, text, label, verdict, onFragment)
	}
	d = g.stamp(d, start, label, onFragment != nil)

	if cacheable(d) {
		g.cache.Put(ctx, text, d)
	}
	g.audit.Append(text, d)
	g.metrics.Record(d)
	g.logCompleted(reqLogger, d)
	return d
}

// AnalyzeUnsafe sends the raw text to the generator with no cache and no
// rule check. The result is audited but leaves the counters and the cache
// untouched.
func (g *Gateway) AnalyzeUnsafe(ctx context.Context, text, label string) decision.Decision {
	start := time.Now()
	label = contextLabel(label)
	reqLogger := g.logger.With(slog.String("context", label), slog.Bool("unsafe_mode", true))
	reqLogger.Warn("unsafe analysis requested, security checks bypassed")

	d := decision.Decision{
		Severity:   decision.SeverityUnsafe,
		Reason:     unsafeReason,
		Action:     decision.ActionAllow,
		UnsafeMode: true,
		ReasoningTrace: []string{
			"UNSAFE MODE ACTIVATED",
			"Input received",
			"Security checks BYPASSED",
			"Raw input sent directly to generator",
			"Response returned without filtering",
		},
	}
	out, err := g.generator.Generate(ctx, text, g.params)
	if err != nil {
		reqLogger.Error("unsafe generation failed", slog.Any("error", err))
		d.Severity = decision.SeverityError
		d.Reason = "generator error: " + err.Error()
		d.Output = "Generator Error\n\n" + err.Error()
		d.ReasoningTrace = []string{"UNSAFE MODE ACTIVATED", "Input received", "Security checks BYPASSED", "Unsafe generator call failed: " + err.Error()}
	} else {
		d.Output = out
	}
	d = g.stamp(d, start, label, false)
	g.audit.Append(text, d)
	g.logCompleted(reqLogger, d)
	return d
}

func (g *Gateway) blockDecision(logger *slog.Logger, v detector.Verdict, label string) decision.Decision {
	data := templates.BlockData{
		RuleID:   v.RuleID,
		RuleName: v.RuleName,
		Severity: string(v.Severity),
		Reason:   v.Reason,
		Context:  label,
	}
	output, err := g.messages.Block(data)
	if err != nil {
		logger.Warn("block message render failed, using default", slog.Any("error", err))
		output, _ = g.fallback.Block(data)
	}
	return decision.Decision{
		Blocked:     true,
		RuleID:      v.RuleID,
		RuleName:    v.RuleName,
		Severity:    v.Severity,
		Reason:      v.Reason,
		MatchedText: v.MatchedText,
		Action:      v.Action,
		Output:      output,
		ReasoningTrace: []string{
			receivedStep + label,
			"Constitutional rule check initiated",
			fmt.Sprintf("Rule %s triggered", v.RuleID),
			fmt.Sprintf("Pattern matched: %s...", decision.Truncate(v.MatchedText, traceMatchLimit)),
			fmt.Sprintf("Action: %s", v.Action),
			"Request blocked - no LLM invocation",
		},
	}
}

func (g *Gateway) generate(ctx context.Context, logger *slog.Logger, text, label string, v detector.Verdict, onFragment func(string) error) decision.Decision {
	data := templates.PromptData{Text: text, Context: label}
	prompt, err := g.messages.Prompt(data)
	if err != nil {
		logger.Warn("prompt render failed, using default", slog.Any("error", err))
		prompt, _ = g.fallback.Prompt(data)
	}

	var output string
	if onFragment == nil {
		output, err = g.generator.Generate(ctx, prompt, g.params)
	} else {
		var b strings.Builder
		err = g.generator.Stream(ctx, prompt, g.params, func(fragment string) error {
			b.WriteString(fragment)
			return onFragment(fragment)
		})
		output = b.String()
	}

	trace := []string{
		receivedStep + label,
		"Constitutional rule check initiated",
		"No security violations detected",
		"Input forwarded to generator",
	}
	d := decision.Decision{Action: v.Action}
	switch {
	case err == nil:
		d.Severity = decision.SeverityNone
		d.Reason = allowedReason
		d.Output = output
		d.ReasoningTrace = append(trace, "Response generated successfully", "Output returned to user")
	case generator.IsRateLimited(err):
		logger.Warn("generator rate limited", slog.Any("error", err))
		d.Severity = decision.SeverityWarning
		d.Reason = rateLimitReason
		d.Output = rateLimitOutput(err)
		d.ReasoningTrace = append(trace, "Rate limit exceeded: "+err.Error())
	default:
		logger.Error("generation failed", slog.String("provider", g.generator.Name()), slog.Any("error", err))
		d.Severity = decision.SeverityError
		d.Reason = "generator error: " + err.Error()
		d.Output = errorOutput(g.generator.Name(), err)
		d.ReasoningTrace = append(trace, "Generator call failed: "+err.Error())
	}
	return d
}

func (g *Gateway) deliver(logger *slog.Logger, onFragment func(string) error, output string) {
	if output == "" {
		return
	}
	if err := onFragment(output); err != nil {
		logger.Debug("fragment delivery failed", slog.Any("error", err))
	}
}

// stamp fills the per-call fields. Replayed cache entries get the current
// context and stream mode, including the trace's opening step.
func (g *Gateway) stamp(d decision.Decision, start time.Time, label string, streamed bool) decision.Decision {
	d.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	d.Timestamp = g.now().UTC()
	d.Context = label
	d.Streamed = streamed
	if len(d.ReasoningTrace) > 0 && strings.HasPrefix(d.ReasoningTrace[0], receivedStep) {
		d.ReasoningTrace = slices.Clone(d.ReasoningTrace)
		d.ReasoningTrace[0] = receivedStep + label
	}
	return d
}

func (g *Gateway) logCompleted(logger *slog.Logger, d decision.Decision) {
	logger.Info("analysis completed",
		slog.Bool("blocked", d.Blocked),
		slog.String("severity", string(d.Severity)),
		slog.String("rule_id", d.RuleID),
		slog.Bool("from_cache", d.FromCache),
		slog.Float64("latency_ms", d.LatencyMS),
	)
}

// Metrics returns the current counters.
func (g *Gateway) Metrics() metrics.Snapshot { return g.metrics.Snapshot() }

// ResetMetrics zeroes the counters and restarts the uptime clock.
func (g *Gateway) ResetMetrics() {
	g.metrics.Reset()
	g.logger.Info("metrics reset")
}

// RuleSet returns the rules currently in force.
func (g *Gateway) RuleSet() *rules.RuleSet { return g.detector.Load().RuleSet() }

// CacheSize reports the number of cached decisions.
func (g *Gateway) CacheSize(ctx context.Context) int64 { return g.cache.Size(ctx) }

// Reload puts rs in force and purges cached decisions made under the old
// rules. A nil rs is ignored.
func (g *Gateway) Reload(ctx context.Context, rs *rules.RuleSet) {
	if rs == nil {
		return
	}
	g.detector.Store(detector.New(g.base, rs))
	if err := g.cache.Purge(ctx); err != nil {
		g.logger.Warn("cache purge after reload failed", slog.Any("error", err))
	}
	meta := rs.Metadata()
	g.logger.Info("rules reloaded",
		slog.String("event", "rules_reload"),
		slog.Int("rules", rs.Len()),
		slog.String("version", meta.Version),
		slog.Any("inert_rules", rs.Inert()),
	)
}

// Close flushes the audit log and releases the cache backend.
func (g *Gateway) Close(ctx context.Context) error {
	return errors.Join(g.cache.Close(ctx), g.audit.Close())
}

func contextLabel(label string) string {
	if trimmed := strings.TrimSpace(label); trimmed != "" {
		return trimmed
	}
	return DefaultContext
}

// cacheable excludes failures so a retry after an outage reaches the
// generator again.
func cacheable(d decision.Decision) bool {
	return d.Severity != decision.SeverityError && d.Severity != decision.SeverityWarning
}

func rateLimitOutput(err error) string {
	return "Rate Limit Exceeded\n\n" +
		"The generator is experiencing high traffic. Your request passed security checks but couldn't be processed due to rate limiting.\n\n" +
		"Suggestions:\n" +
		"- Wait a few seconds and try again\n" +
		"- Reduce the number of concurrent requests\n\n" +
		"Error: " + err.Error()
}

func errorOutput(provider string, err error) string {
	return fmt.Sprintf("Generator Error\n\nUnable to reach the %s generator. Error: %v\n\n"+
		"Your input passed security checks but the analysis service is temporarily unavailable. "+
		"Please try again or contact your administrator.", provider, err)
}

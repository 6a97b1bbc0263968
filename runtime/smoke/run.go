package smoke

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/mcp-smoke/runtime/mcp"
)

type (
	// RunOption configures Run.
	RunOption func(*runConfig)

	runConfig struct {
		observers []Observer
		limiter   *rate.Limiter
		tools     []mcp.ToolDescriptor
		checkArgs bool
		runID     string
	}
)

const instrumentationName = "goa.design/mcp-smoke/runtime/smoke"

// WithObserver registers an observer notified before and after each case.
func WithObserver(o Observer) RunOption {
	return func(c *runConfig) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithLimiter paces invocations: Run waits on l before each call.
func WithLimiter(l *rate.Limiter) RunOption {
	return func(c *runConfig) { c.limiter = l }
}

// WithTools provides the tools advertised by the server. Run logs a warning
// for cases that target a tool not in the list; the call is still made so the
// server's answer is recorded.
func WithTools(tools []mcp.ToolDescriptor) RunOption {
	return func(c *runConfig) { c.tools = tools }
}

// WithArgumentCheck validates the arguments of each case against the input
// schema of its tool before invoking it. Requires WithTools. A case whose
// arguments are rejected fails without being invoked.
func WithArgumentCheck() RunOption {
	return func(c *runConfig) { c.checkArgs = true }
}

// WithRunID sets the run identifier. Defaults to a random UUID.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// Run executes the cases of plan in order against inv, one at a time, and
// returns a report with exactly one outcome per executed case.
//
// Tool level failures are recorded and the run continues. Any other error,
// including transport and protocol failures and cancellation of ctx, aborts
// the run: Run returns the partial report (Completed is false) together with
// the error. Nothing is retried.
func Run(ctx context.Context, inv Invoker, plan Plan, opts ...RunOption) (*Report, error) {
	if inv == nil {
		return nil, errors.New("invoker is required")
	}
	var cfg runConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	ctx = log.With(ctx, log.KV{K: "run_id", V: cfg.runID})
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "smoke.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("smoke.run_id", cfg.runID),
		attribute.String("smoke.plan", plan.Name),
		attribute.Int("smoke.cases", len(plan.Cases)))

	report := &Report{
		RunID:    cfg.runID,
		Plan:     plan.Name,
		Outcomes: make([]Outcome, 0, len(plan.Cases)),
		Started:  time.Now(),
	}
	listed := make(map[string]bool, len(cfg.tools))
	for _, t := range cfg.tools {
		listed[t.Name] = true
	}
	var checker *argumentChecker
	if cfg.checkArgs {
		checker = newArgumentChecker(cfg.tools)
	}

	for i, tc := range plan.Cases {
		if err := ctx.Err(); err != nil {
			return abort(ctx, report, span, err)
		}
		if cfg.tools != nil && !listed[tc.Tool] {
			log.Warn(ctx,
				log.KV{K: "msg", V: "tool not advertised by server"},
				log.KV{K: "case", V: tc.Name},
				log.KV{K: "tool", V: tc.Tool})
		}
		for _, o := range cfg.observers {
			o.CaseStarted(i, tc)
		}
		outcome, err := runCase(ctx, inv, i, tc, cfg.limiter, checker)
		if err != nil {
			return abort(ctx, report, span, err)
		}
		report.Outcomes = append(report.Outcomes, outcome)
		for _, o := range cfg.observers {
			o.CaseFinished(outcome)
		}
	}
	report.Completed = true
	report.Elapsed = time.Since(report.Started)
	counts := report.Counts()
	log.Info(ctx,
		log.KV{K: "msg", V: "plan completed"},
		log.KV{K: "plan", V: plan.Name},
		log.KV{K: "passed", V: counts[StatusPass]},
		log.KV{K: "failed", V: len(report.Outcomes) - counts[StatusPass]})
	return report, nil
}

func abort(ctx context.Context, report *Report, span trace.Span, err error) (*Report, error) {
	report.Elapsed = time.Since(report.Started)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error(ctx, err,
		log.KV{K: "msg", V: "run aborted"},
		log.KV{K: "executed", V: len(report.Outcomes)})
	return report, err
}

// runCase executes a single case. It returns an error only when the run must
// abort.
func runCase(ctx context.Context, inv Invoker, index int, tc TestCase, limiter *rate.Limiter, checker *argumentChecker) (Outcome, error) {
	outcome := Outcome{Index: index, Name: tc.Name, Tool: tc.Tool}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return outcome, ctx.Err()
			}
			return outcome, fmt.Errorf("rate limit: %w", err)
		}
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "smoke.case",
		trace.WithAttributes(attribute.String("smoke.case", tc.Name), attribute.String("mcp.tool", tc.Tool)))
	defer span.End()
	start := time.Now()

	if checker != nil {
		if err := checker.check(ctx, tc.Tool, tc.Arguments); err != nil {
			outcome.Status = StatusFail
			outcome.Message = "Arguments rejected: " + err.Error()
			outcome.Err = err
			return finish(ctx, span, outcome, start), nil
		}
	}

	call := tc.Call()
	res, err := inv.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		var invErr *mcp.ToolInvocationError
		if !errors.As(err, &invErr) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return outcome, err
		}
		outcome.Err = err
		switch invErr.Kind {
		case mcp.KindTimeout:
			outcome.Status = StatusTimeout
			outcome.Message = "Timed out: " + invErr.Message
		case mcp.KindRejected:
			outcome.Status = StatusError
			outcome.Message = "Call rejected: " + invErr.Message
		case mcp.KindToolError:
			outcome.Status = StatusError
			outcome.Message = "Tool reported an error: " + invErr.Message
		default:
			outcome.Status = StatusError
			outcome.Message = "Invalid reply: " + invErr.Message
		}
		return finish(ctx, span, outcome, start), nil
	}

	expect := tc.Expect
	if expect == nil {
		expect = AnyJSON{}
	}
	payload, err := res.Payload()
	if err != nil {
		outcome.Status = StatusFail
		outcome.Message = "Undecodable payload: " + err.Error()
		outcome.Err = err
		return finish(ctx, span, outcome, start), nil
	}
	verdict, err := expect.Check(payload)
	if err != nil {
		outcome.Status = StatusFail
		outcome.Message = "Unexpected payload: " + err.Error()
		outcome.Err = err
		return finish(ctx, span, outcome, start), nil
	}
	outcome.Status = StatusFail
	if verdict.Pass {
		outcome.Status = StatusPass
	}
	outcome.Message = verdict.Message
	outcome.Details = verdict.Details
	return finish(ctx, span, outcome, start), nil
}

func finish(ctx context.Context, span trace.Span, o Outcome, start time.Time) Outcome {
	o.Duration = time.Since(start)
	span.SetAttributes(attribute.String("smoke.status", string(o.Status)))
	if o.Status != StatusPass {
		span.SetStatus(codes.Error, o.Message)
	}
	log.Debug(ctx,
		log.KV{K: "msg", V: "case finished"},
		log.KV{K: "case", V: o.Name},
		log.KV{K: "status", V: string(o.Status)},
		log.KV{K: "duration", V: o.Duration.String()})
	return o
}

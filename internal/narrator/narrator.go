// Package narrator turns a prompt into short prose using a chain of model
// providers. Each model in the chain is tried in order with every provider
// that serves it; the first non-empty answer wins.
package narrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/basket/go-rooms/internal/otel"
)

const defaultTimeout = 30 * time.Second

// Request is a single narration call. Timeout bounds the whole chain.
type Request struct {
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTurns     int
	Timeout      time.Duration
}

type Result struct {
	OK     bool
	Output string
	Model  string
	Err    error
}

// Provider generates text with a named model.
type Provider interface {
	Name() string
	Supports(model string) bool
	Generate(ctx context.Context, model string, req Request) (string, error)
}

type Config struct {
	// Models is the fallback chain appended after the request's own model.
	Models    []string
	Providers []Provider
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

type Narrator struct {
	models    []string
	providers []Provider
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(cfg Config) *Narrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelPkg.NoopTracer()
	}
	return &Narrator{
		models:    cfg.Models,
		providers: cfg.Providers,
		logger:    logger.With("component", "narrator"),
		tracer:    tracer,
	}
}

// Narrate walks the model chain until a provider answers. A provider that
// accepts any model (the agent CLI) is also tried once with its default model
// after the named models are exhausted.
func (n *Narrator) Narrate(ctx context.Context, req Request) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := otelPkg.StartSpan(ctx, n.tracer, "narrator.narrate", otelPkg.AttrModel.String(req.Model))
	defer span.End()

	var errs []error
	for _, model := range n.chain(req.Model) {
		for _, p := range n.providers {
			if !p.Supports(model) {
				continue
			}
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				return n.fail(span, errs)
			}
			out, err := p.Generate(ctx, model, req)
			out = strings.TrimSpace(out)
			if err == nil && out != "" {
				span.SetAttributes(otelPkg.AttrModel.String(model))
				return Result{OK: true, Output: out, Model: modelLabel(p, model)}
			}
			if err == nil {
				err = errors.New("empty response")
			}
			n.logger.Debug("narration attempt failed", "provider", p.Name(), "model", model, "error", err)
			errs = append(errs, fmt.Errorf("%s/%s: %w", p.Name(), modelLabel(p, model), err))
		}
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no narration provider configured"))
	}
	return n.fail(span, errs)
}

func (n *Narrator) fail(span trace.Span, errs []error) Result {
	err := errors.Join(errs...)
	span.SetStatus(codes.Error, "narration failed")
	span.RecordError(err)
	return Result{Err: err}
}

// chain returns the request model followed by the configured fallbacks,
// deduplicated, with "" last for providers that have a default model.
func (n *Narrator) chain(first string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range append([]string{first}, n.models...) {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return append(out, "")
}

func modelLabel(p Provider, model string) string {
	if model == "" {
		return p.Name()
	}
	return model
}

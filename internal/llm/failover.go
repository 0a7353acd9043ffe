package llm

import (
	"context"
	"log/slog"
)

// FailoverProvider tries the primary provider first and falls back to the
// deterministic template provider on any primary failure. Fallback is data,
// not an error: the result is tagged with the path taken and the cause, so
// callers can surface a degraded generation instead of failing the step.
type FailoverProvider struct {
	primary  Provider
	fallback Provider
	logger   *slog.Logger
}

// NewFailoverProvider wraps primary with fallback. If fallback is nil a
// TemplateProvider is used.
func NewFailoverProvider(primary, fallback Provider, logger *slog.Logger) *FailoverProvider {
	if fallback == nil {
		fallback = NewTemplateProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{primary: primary, fallback: fallback, logger: logger}
}

// Available reports whether the primary backend is reachable. The failover
// provider as a whole can always generate.
func (p *FailoverProvider) Available(ctx context.Context) bool {
	if p.primary == nil {
		return false
	}
	return p.primary.Available(ctx)
}

// Generate runs the request against the primary and, on failure, re-runs it
// against the fallback. The fallback result carries the primary's error as
// FallbackCause.
func (p *FailoverProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if p.primary != nil {
		res, err := p.primary.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("primary provider failed, using fallback", "error", err)

		fres, ferr := p.fallback.Generate(ctx, req)
		if ferr != nil {
			return nil, ferr
		}
		fres.Path = PathFallback
		fres.FallbackCause = err.Error()
		return fres, nil
	}

	res, err := p.fallback.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	res.Path = PathFallback
	res.FallbackCause = "no primary provider configured"
	return res, nil
}

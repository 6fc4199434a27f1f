package service

import (
	"context"
	"strings"

	"cpjudge/internal/judge/dispatcher"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/judge/verdict"
	"cpjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// JudgeBackend judges submissions for one external platform. An error means the
// backend could not run at all; judging failures are reported through the outcome.
type JudgeBackend interface {
	Name() string
	Judge(ctx context.Context, sub *model.Submission, problem *model.Problem) (model.Outcome, error)
}

// Registry maps platform names to backends, case-insensitively.
type Registry struct {
	backends map[string]JudgeBackend
}

// NewRegistry registers backends under their lower-cased names. Later backends
// replace earlier ones with the same name.
func NewRegistry(backends ...JudgeBackend) *Registry {
	r := &Registry{backends: make(map[string]JudgeBackend, len(backends))}
	for _, b := range backends {
		if b == nil {
			continue
		}
		r.backends[normalizePlatform(b.Name())] = b
	}
	return r
}

// Lookup returns the backend for a problem's judge platform.
func (r *Registry) Lookup(platform string) (JudgeBackend, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizePlatform(platform)
	if key == "" {
		return nil, false
	}
	b, ok := r.backends[key]
	return b, ok
}

// Names lists the registered platforms.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

func normalizePlatform(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// KattisPlatform is the judge name of problems submitted through the Kattis CLI client.
const KattisPlatform = "kattis"

// KattisBackend submits through the Kattis command line client and scrapes its output.
type KattisBackend struct {
	dispatcher dispatcher.Dispatcher
}

// NewKattisBackend creates the Kattis backend.
func NewKattisBackend(d dispatcher.Dispatcher) *KattisBackend {
	return &KattisBackend{dispatcher: d}
}

func (b *KattisBackend) Name() string { return KattisPlatform }

// Judge runs the client. A failed run is an execution error; a run whose output lacks
// the submission id or URL is a failed submission; otherwise the last verdict line wins.
func (b *KattisBackend) Judge(ctx context.Context, sub *model.Submission, problem *model.Problem) (model.Outcome, error) {
	res, err := b.dispatcher.Dispatch(ctx, dispatcher.Request{
		Code:              sub.Code,
		Language:          sub.Language,
		ProblemIdentifier: problem.Identifier(),
	})
	if err != nil {
		return model.Outcome{}, err
	}
	transcript := &model.Transcript{
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		ExitSuccess: res.ExitSuccess,
		Backend:     b.Name(),
	}

	if !res.ExitSuccess {
		logger.Error(ctx, "judge client execution failed",
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut),
			zap.String("stderr", res.Stderr),
		)
		return model.Outcome{Status: model.StatusExecutionError, Transcript: transcript}, nil
	}

	id, url, ok := verdict.ExtractSubmissionRef(res.Stdout)
	if !ok {
		logger.Error(ctx, "judge output has no submission reference",
			zap.String("stdout", res.Stdout),
			zap.String("stderr", res.Stderr),
		)
		return model.Outcome{Status: model.StatusSubmissionFailed, Transcript: transcript}, nil
	}

	parsed := verdict.Parse(res.Stdout)
	return model.Outcome{
		Status:                parsed.Status,
		ExternalSubmissionID:  &id,
		ExternalSubmissionURL: &url,
		ExecutionTime:         parsed.ExecutionTime,
		Transcript:            transcript,
	}, nil
}

package health

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	defaultTimeout     = 10 * time.Second
)

// Request is everything needed to probe one service
type Request struct {
	Service    types.ServiceID
	Version    string
	Started    time.Time
	Checks     []types.HealthCheckDef
	Containers []types.ContainerSpec
	Volumes    []types.VolumeMount
}

// Runner executes all configured probes of a service
type Runner struct {
	concurrency int
	timeout     time.Duration
	execer      Execer
	logger      zerolog.Logger
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithConcurrency bounds how many probes of one service run at once
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithDefaultTimeout applies to checks that do not set their own timeout
func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithExecer sets the executor used by exec checks
func WithExecer(e Execer) RunnerOption {
	return func(r *Runner) {
		if e != nil {
			r.execer = e
		}
	}
}

// NewRunner creates a probe runner
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		concurrency: defaultConcurrency,
		timeout:     defaultTimeout,
		execer:      HostExecer{},
		logger:      log.WithComponent("probe"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunAll runs every check in req and returns one result per check id. A
// probe that cannot be built or executed is reported as a failure; RunAll
// itself never fails.
func (r *Runner) RunAll(ctx context.Context, req Request) types.HealthResults {
	results := make(types.HealthResults, len(req.Checks))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, def := range req.Checks {
		def := def
		g.Go(func() error {
			res := r.runOne(ctx, req, def)
			mu.Lock()
			results[def.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Runner) runOne(ctx context.Context, req Request, def types.HealthCheckDef) (res types.HealthCheckResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("service_id", string(req.Service)).
				Str("check", string(def.ID)).
				Interface("panic", p).
				Msg("Health probe panicked")
			res = types.Failure(fmt.Sprintf("probe panicked: %v", p))
		}
		metrics.ProbeResultsTotal.WithLabelValues(string(res.Result)).Inc()
	}()

	checker, err := r.build(req, def)
	if err != nil {
		return types.Failure(err.Error())
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := checker.Check(checkCtx)
	metrics.ProbeDuration.WithLabelValues(string(checker.Type())).Observe(out.Duration.Seconds())

	return out.HealthCheckResult()
}

// build creates the checker for a definition
func (r *Runner) build(req Request, def types.HealthCheckDef) (Checker, error) {
	switch def.Type {
	case types.HealthCheckHTTP:
		target, err := httpTarget(req, def)
		if err != nil {
			return nil, err
		}
		checker := NewHTTPChecker(target)
		if def.Timeout > 0 {
			checker.WithTimeout(def.Timeout)
		}
		return checker, nil

	case types.HealthCheckTCP:
		address, err := tcpTarget(req, def)
		if err != nil {
			return nil, err
		}
		checker := NewTCPChecker(address)
		if def.Timeout > 0 {
			checker.WithTimeout(def.Timeout)
		}
		return checker, nil

	case types.HealthCheckExec:
		if len(def.Command) == 0 {
			return nil, fmt.Errorf("exec check %s has no command", def.ID)
		}
		container := def.Container
		if container == "" && len(req.Containers) == 1 {
			container = req.Containers[0].Name
		}
		checker := NewExecChecker(def.Command).
			WithContainer(container).
			WithExecer(r.execer).
			WithEnv(probeEnv(req)...)
		if def.Timeout > 0 {
			checker.WithTimeout(def.Timeout)
		}
		return checker, nil

	default:
		return nil, fmt.Errorf("unsupported health check type: %s", def.Type)
	}
}

// container resolves the container a check targets. An unnamed target is
// allowed when the service has exactly one container.
func container(req Request, name string) (types.ContainerSpec, error) {
	if name == "" {
		if len(req.Containers) == 1 {
			return req.Containers[0], nil
		}
		return types.ContainerSpec{}, fmt.Errorf("check does not name a container and service has %d", len(req.Containers))
	}
	for _, c := range req.Containers {
		if c.Name == name {
			return c, nil
		}
	}
	return types.ContainerSpec{}, fmt.Errorf("unknown container: %s", name)
}

func httpTarget(req Request, def types.HealthCheckDef) (string, error) {
	if strings.HasPrefix(def.Endpoint, "http://") || strings.HasPrefix(def.Endpoint, "https://") {
		if _, err := url.Parse(def.Endpoint); err != nil {
			return "", fmt.Errorf("invalid endpoint %q: %w", def.Endpoint, err)
		}
		return def.Endpoint, nil
	}

	c, err := container(req, def.Container)
	if err != nil {
		return "", err
	}
	if c.Address == "" {
		return "", fmt.Errorf("container %s has no address", c.Name)
	}
	target := fmt.Sprintf("http://%s%s", c.Address, def.Endpoint)
	if _, err := url.Parse(target); err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", def.Endpoint, err)
	}
	return target, nil
}

func tcpTarget(req Request, def types.HealthCheckDef) (string, error) {
	if def.Endpoint == "" {
		return "", fmt.Errorf("tcp check %s has no endpoint", def.ID)
	}
	if !strings.HasPrefix(def.Endpoint, ":") {
		return def.Endpoint, nil
	}
	c, err := container(req, def.Container)
	if err != nil {
		return "", err
	}
	if c.Address == "" {
		return "", fmt.Errorf("container %s has no address", c.Name)
	}
	return c.Address + def.Endpoint, nil
}

// probeEnv describes the service to exec checks
func probeEnv(req Request) []string {
	env := []string{
		"KEEPER_SERVICE_ID=" + string(req.Service),
		"KEEPER_VERSION=" + req.Version,
		"KEEPER_STARTED_AT=" + req.Started.UTC().Format(time.RFC3339),
	}
	for _, v := range req.Volumes {
		env = append(env, fmt.Sprintf("KEEPER_VOLUME_%s=%s", envName(v.Source), v.Target))
	}
	return env
}

func envName(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, s)
}

package registry

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/config"
	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/provider/bitbucket"
	"github.com/drewdunne/forgesync/internal/provider/github"
	"github.com/drewdunne/forgesync/internal/provider/gitlab"
	"github.com/drewdunne/forgesync/internal/retry"
)

// ErrUnsupportedProvider is returned for provider names outside the configured set.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Constructor builds a client authenticated with a repository credential.
type Constructor func(credential string) (provider.Provider, error)

// Factory maps provider names to client constructors.
type Factory struct {
	constructors map[string]Constructor
	exec         *retry.Executor
}

// Option configures a Factory.
type Option func(*Factory)

// WithConstructor registers or replaces the constructor for name.
func WithConstructor(name string, c Constructor) Option {
	return func(f *Factory) {
		f.constructors[name] = c
	}
}

// WithExecutor sets the retry executor wrapped around every client.
func WithExecutor(exec *retry.Executor) Option {
	return func(f *Factory) {
		f.exec = exec
	}
}

// New creates a factory for the providers enabled in cfg.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Factory, error) {
	f := &Factory{
		constructors: make(map[string]Constructor),
	}

	for _, name := range cfg.Providers.Enabled {
		c, err := builtin(name, cfg.Providers)
		if err != nil {
			return nil, err
		}
		f.constructors[name] = c
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.exec == nil {
		f.exec = retry.New(retry.Config{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay(),
			MaxDelay:       cfg.Retry.MaxDelay(),
			AttemptTimeout: cfg.Retry.AttemptTimeout(),
		}, retry.WithLogger(logger))
	}

	return f, nil
}

// NewWithConstructors creates a factory from explicit constructors (tests).
func NewWithConstructors(exec *retry.Executor, constructors map[string]Constructor) *Factory {
	f := &Factory{constructors: make(map[string]Constructor), exec: exec}
	for name, c := range constructors {
		f.constructors[name] = c
	}
	if f.exec == nil {
		f.exec = retry.New(retry.DefaultConfig())
	}
	return f
}

func builtin(name string, cfg config.ProvidersConfig) (Constructor, error) {
	switch name {
	case provider.GitHub:
		return func(credential string) (provider.Provider, error) {
			var opts []github.Option
			if cfg.GitHub.BaseURL != "" {
				opts = append(opts, github.WithBaseURL(cfg.GitHub.BaseURL))
			}
			return github.New(credential, opts...), nil
		}, nil
	case provider.GitLab:
		return func(credential string) (provider.Provider, error) {
			var opts []gitlab.Option
			if cfg.GitLab.BaseURL != "" {
				opts = append(opts, gitlab.WithBaseURL(cfg.GitLab.BaseURL))
			}
			return gitlab.New(credential, opts...)
		}, nil
	case provider.Bitbucket:
		return func(credential string) (provider.Provider, error) {
			var opts []bitbucket.Option
			if cfg.Bitbucket.BaseURL != "" {
				opts = append(opts, bitbucket.WithBaseURL(cfg.Bitbucket.BaseURL))
			}
			return bitbucket.New(credential, opts...), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
}

// Client returns a retry-wrapped client for providerName.
func (f *Factory) Client(providerName, credential string) (provider.Provider, error) {
	c, ok := f.constructors[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, providerName)
	}
	client, err := c(credential)
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", providerName, err)
	}
	return retry.Wrap(client, f.exec), nil
}

// IsSupported reports whether providerName has a constructor.
func (f *Factory) IsSupported(providerName string) bool {
	_, ok := f.constructors[providerName]
	return ok
}

// Supported returns all configured provider names.
func (f *Factory) Supported() []string {
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

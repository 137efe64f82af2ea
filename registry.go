package datacopy

import (
	stderrors "errors"
	"strings"
	"sync"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-errors"
)

// Registry error codes.
const (
	ErrCodeNilCommand             = "NIL_COMMAND"
	ErrCodeDuplicateCommand       = "DUPLICATE_COMMAND"
	ErrCodeRegistryInitialized    = "REGISTRY_ALREADY_INITIALIZED"
	ErrCodeRegistryNotInitialized = "REGISTRY_NOT_INITIALIZED"
	ErrCodeCronSchedulerNotSet    = "CRON_SCHEDULER_NOT_SET"
	ErrCodeCronRegistration       = "CRON_REGISTRATION_FAILED"
)

// CronCommand is a maintenance task run on a schedule.
type CronCommand interface {
	CronHandler() func() error
	CronOptions() HandlerConfig
}

// CLICommand is a task exposed as a subcommand. CLIHandler returns the kong
// command value, whose Run method receives the bindings of the parse.
type CLICommand interface {
	CLIHandler() any
	CLIOptions() CLIConfig
}

type CLIConfig struct {
	Name        string
	Description string
	Group       string
	Aliases     []string
	Hidden      bool
}

// BuildTags renders the kong struct tags for a dynamic command.
func (c CLIConfig) BuildTags() []string {
	tags := make([]string, 0, 2)
	if len(c.Aliases) > 0 {
		tags = append(tags, "aliases:"+strings.Join(c.Aliases, ","))
	}
	if c.Hidden {
		tags = append(tags, `hidden:""`)
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// CronRegisterFunc hands one scheduled task to a scheduler.
type CronRegisterFunc func(opts HandlerConfig, handler any) error

// NilCronRegister accepts and drops every task. The CLI uses it to discover
// subcommands before any scheduler exists.
func NilCronRegister(HandlerConfig, any) error {
	return nil
}

// Registry collects maintenance tasks and, on Initialize, feeds the
// scheduled ones to the cron register and the rest to the CLI parser.
// A task may be both.
type Registry struct {
	mu           sync.RWMutex
	pending      []any
	sealed       bool
	cronRegister CronRegisterFunc
	cliNames     map[string]bool
	cli          []kong.Option
}

func NewRegistry() *Registry {
	return &Registry{cliNames: make(map[string]bool)}
}

// SetCronRegister sets where scheduled tasks go and returns r.
func (r *Registry) SetCronRegister(fn CronRegisterFunc) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cronRegister = fn
	return r
}

// RegisterCommand queues a task. Values that are neither CronCommand nor
// CLICommand are accepted and ignored on Initialize.
func (r *Registry) RegisterCommand(cmd any) error {
	if cmd == nil {
		return errors.New("command cannot be nil", errors.CategoryBadInput).
			WithTextCode(ErrCodeNilCommand)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errors.New("cannot register commands after registry has been initialized", errors.CategoryConflict).
			WithTextCode(ErrCodeRegistryInitialized)
	}
	r.pending = append(r.pending, cmd)
	return nil
}

// Initialize wires every queued task. CLI commands are collected first so a
// scheduler failure never hides a subcommand. Failures are joined and the
// registry is sealed either way.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errors.New("registry already initialized", errors.CategoryConflict).
			WithTextCode(ErrCodeRegistryInitialized)
	}
	r.sealed = true

	var errs []error
	for _, cmd := range r.pending {
		if c, ok := cmd.(CLICommand); ok {
			if err := r.addCLI(c); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, cmd := range r.pending {
		if c, ok := cmd.(CronCommand); ok {
			if err := r.addCron(c); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return stderrors.Join(errs...)
}

func (r *Registry) addCLI(c CLICommand) error {
	opts := c.CLIOptions()
	if r.cliNames[opts.Name] {
		return errors.New("command name already registered", errors.CategoryConflict).
			WithTextCode(ErrCodeDuplicateCommand).
			WithMetadata(map[string]any{"name": opts.Name})
	}
	r.cliNames[opts.Name] = true
	r.cli = append(r.cli, kong.DynamicCommand(opts.Name, opts.Description, opts.Group, c.CLIHandler(), opts.BuildTags()...))
	return nil
}

func (r *Registry) addCron(c CronCommand) error {
	if r.cronRegister == nil {
		return errors.New("cron scheduler not provided during initialization", errors.CategoryBadInput).
			WithTextCode(ErrCodeCronSchedulerNotSet)
	}
	opts := c.CronOptions()
	if err := r.cronRegister(opts, c.CronHandler()); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "cron scheduler registration failed").
			WithTextCode(ErrCodeCronRegistration).
			WithMetadata(map[string]any{"rule": opts.Rule, "expression": opts.Expression})
	}
	return nil
}

// GetCLIOptions returns the kong options for every CLI task. The slice is a
// copy.
func (r *Registry) GetCLIOptions() ([]kong.Option, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.sealed {
		return nil, errors.New("registry not initialized", errors.CategoryConflict).
			WithTextCode(ErrCodeRegistryNotInitialized)
	}
	return append([]kong.Option(nil), r.cli...), nil
}

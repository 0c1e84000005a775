// Package process launches services as local processes. The service's
// entrypoint and command form the argv; the image and every container-only
// field are ignored.
package process

import (
	"context"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/matgreaves/run"
	"go.uber.org/zap"

	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/spec"
)

// killedCode is reported for a process that was terminated by a signal.
const killedCode = 137

// ErrNoCommand is returned by Start for a service with no entrypoint or command.
var ErrNoCommand = errors.New("service has no command")

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(b *Backend) { b.log = l } }

// WithOutput sends process output to stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(b *Backend) { b.stdout, b.stderr = stdout, stderr }
}

// WithDir resolves relative working directories against dir.
func WithDir(dir string) Option { return func(b *Backend) { b.dir = dir } }

type instance struct {
	proc   run.Process
	cancel context.CancelFunc
	done   chan struct{}
	code   int
	err    error
}

func (i *instance) exited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Backend implements backend.Backend with matgreaves/run processes.
type Backend struct {
	log            *zap.Logger
	stdout, stderr io.Writer
	dir            string

	mu        sync.Mutex
	instances map[string]*instance
}

var _ backend.Backend = (*Backend)(nil)

// New creates a process backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		log:       zap.NewNop(),
		stdout:    io.Discard,
		stderr:    io.Discard,
		instances: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// environ overlays the service environment on the host's.
func environ(svc spec.Service) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	maps.Copy(env, svc.Environment)
	return env
}

func (b *Backend) workDir(svc spec.Service) string {
	switch {
	case svc.WorkingDir == "":
		return b.dir
	case b.dir != "" && !filepath.IsAbs(svc.WorkingDir):
		return filepath.Join(b.dir, svc.WorkingDir)
	}
	return svc.WorkingDir
}

// Start implements backend.Backend. The process outlives ctx; it runs until
// Stop or until it exits on its own.
func (b *Backend) Start(ctx context.Context, project string, svc spec.Service) (backend.Handle, error) {
	argv := append(append([]string{}, svc.Entrypoint...), svc.Command...)
	if len(argv) == 0 {
		return backend.Handle{}, errors.Wrapf(ErrNoCommand, "%s", svc.Name)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return backend.Handle{}, errors.Wrapf(err, "%s", svc.Name)
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &instance{
		proc: run.Process{
			Name:   svc.Name,
			Path:   path,
			Dir:    b.workDir(svc),
			Args:   argv[1:],
			Env:    environ(svc),
			Stdout: b.stdout,
			Stderr: b.stderr,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h := backend.Handle{ID: project + "-" + svc.Name + "-" + uuid.NewString()[:8], Service: svc.Name}

	b.mu.Lock()
	b.instances[h.ID] = inst
	b.mu.Unlock()

	go func() {
		defer close(inst.done)
		inst.code, inst.err = exitCode(inst.proc.Run(pctx))
		b.log.Debug("process exited", zap.String("service", svc.Name), zap.Int("code", inst.code), zap.Error(inst.err))
	}()
	return h, nil
}

// exitCode maps the error returned by a finished process to its exit
// status. The returned error is non-nil only when no status exists.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return killedCode, nil
	}
	if errors.Is(err, context.Canceled) {
		return killedCode, nil
	}
	return -1, err
}

func (b *Backend) lookup(h backend.Handle) (*instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[h.ID]
	if !ok {
		return nil, errors.Wrapf(backend.ErrNotFound, "process %s", h.ID)
	}
	return inst, nil
}

// Stop implements backend.Backend.
func (b *Backend) Stop(ctx context.Context, h backend.Handle) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}
	inst.cancel()
	select {
	case <-inst.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	delete(b.instances, h.ID)
	b.mu.Unlock()
	return nil
}

// ExitCode implements backend.Backend.
func (b *Backend) ExitCode(ctx context.Context, h backend.Handle) (int, bool, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return 0, false, err
	}
	if !inst.exited() {
		return 0, false, nil
	}
	return inst.code, true, inst.err
}

// IsRunning implements backend.Backend.
func (b *Backend) IsRunning(ctx context.Context, h backend.Handle) (bool, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return false, err
	}
	return !inst.exited(), nil
}

// Wait implements backend.Backend.
func (b *Backend) Wait(ctx context.Context, h backend.Handle) (int, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return 0, err
	}
	select {
	case <-inst.done:
		return inst.code, inst.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Exec implements backend.Backend by running argv on the host with the
// service's environment and working directory.
func (b *Backend) Exec(ctx context.Context, h backend.Handle, argv []string) (int, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return 0, err
	}
	if len(argv) == 0 {
		return 0, ErrNoCommand
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return 0, errors.Wrap(err, "exec")
	}
	p := run.Process{
		Name:   inst.proc.Name + "-exec",
		Path:   path,
		Dir:    inst.proc.Dir,
		Args:   argv[1:],
		Env:    inst.proc.Env,
		Stdout: io.Discard,
		Stderr: io.Discard,
	}
	code, err := exitCode(p.Run(ctx))
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return code, err
}

// Package docker launches services as Docker containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"maps"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/matgreaves/run/onexit"
	"go.uber.org/zap"

	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/spec"
)

// Labels applied to everything the backend creates.
const (
	LabelProject = "io.stackup.project"
	LabelService = "io.stackup.service"
	LabelManaged = "io.stackup.managed"
)

// stopTimeout is how long a container gets to exit after SIGTERM.
const stopTimeout = 10

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(b *Backend) { b.log = l } }

// WithOutput streams container logs to stdout and stderr, each line
// prefixed with the service name.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(b *Backend) { b.stdout, b.stderr = stdout, stderr }
}

// WithClient uses cli instead of the shared client.
func WithClient(cli *client.Client) Option { return func(b *Backend) { b.cli = cli } }

// Backend implements backend.Backend on the Docker Engine API.
type Backend struct {
	cli            *client.Client
	log            *zap.Logger
	stdout, stderr io.Writer

	mu        sync.Mutex
	backstops map[string]func() error
}

var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Provisioner = (*Backend)(nil)
	_ backend.Lister      = (*Backend)(nil)
	_ backend.Detacher    = (*Backend)(nil)
)

// New creates a Docker backend. The daemon is not contacted until the first
// call.
func New(opts ...Option) *Backend {
	b := &Backend{
		log:       zap.NewNop(),
		backstops: make(map[string]func() error),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) client() (*client.Client, error) {
	if b.cli != nil {
		return b.cli, nil
	}
	cli, err := Client()
	if err != nil {
		return nil, errors.Wrap(err, "docker client")
	}
	return cli, nil
}

// ContainerName returns the container name for svc: its container_name if
// set, otherwise "<project>-<service>-1".
func ContainerName(project string, svc spec.Service) string {
	if svc.ContainerName != "" {
		return svc.ContainerName
	}
	return fmt.Sprintf("%s-%s-1", project, svc.Name)
}

// Start implements backend.Backend. It pulls the image if missing, replaces
// a stale container of the same name left by an earlier run of the project
// and starts a new one.
func (b *Backend) Start(ctx context.Context, project string, svc spec.Service) (backend.Handle, error) {
	cli, err := b.client()
	if err != nil {
		return backend.Handle{}, err
	}
	if _, err := cli.Ping(ctx); err != nil {
		return backend.Handle{}, errors.Wrap(err, "cannot connect to Docker daemon (is Docker running?)")
	}
	if err := b.ensureImage(ctx, cli, svc.Image); err != nil {
		return backend.Handle{}, err
	}

	name := ContainerName(project, svc)
	if err := b.removeStale(ctx, cli, project, name); err != nil {
		return backend.Handle{}, err
	}

	cfg, hostCfg, netCfg, extraNets, err := containerConfig(project, svc)
	if err != nil {
		return backend.Handle{}, err
	}
	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return backend.Handle{}, errors.Wrapf(err, "create container %s", name)
	}
	id := resp.ID
	for _, w := range resp.Warnings {
		b.log.Warn("container create", zap.String("service", svc.Name), zap.String("warning", w))
	}

	// Backstop so the container is removed even if this process is killed.
	if cancel, err := onexit.OnExitF("docker rm -f %s", id); err == nil {
		b.guard(id, cancel)
	}

	fail := func(err error) (backend.Handle, error) {
		b.remove(context.WithoutCancel(ctx), cli, id)
		return backend.Handle{}, err
	}
	for _, n := range extraNets {
		es := &network.EndpointSettings{Aliases: []string{svc.Name}}
		if err := cli.NetworkConnect(ctx, n, id, es); err != nil {
			return fail(errors.Wrapf(err, "connect %s to network %s", name, n))
		}
	}
	if err := cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fail(errors.Wrapf(err, "start container %s", name))
	}
	if b.stdout != nil {
		go b.streamLogs(context.WithoutCancel(ctx), cli, id, svc.Name)
	}

	b.log.Debug("container started", zap.String("service", svc.Name), zap.String("container", name), zap.String("id", id))
	return backend.Handle{ID: id, Service: svc.Name}, nil
}

func (b *Backend) ensureImage(ctx context.Context, cli *client.Client, ref string) error {
	if _, _, err := cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return errors.Wrapf(err, "inspect image %s", ref)
	}

	b.log.Info("pulling image", zap.String("image", ref))
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pull %s", ref)
	}
	defer rc.Close()
	// The pull is not done until the response body is fully read.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errors.Wrapf(err, "pull %s", ref)
	}
	return nil
}

// removeStale removes a container called name left over by an earlier run
// of the same project. A container of that name owned by anything else is
// an error.
func (b *Backend) removeStale(ctx context.Context, cli *client.Client, project, name string) error {
	info, err := cli.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "inspect container %s", name)
	}
	if info.Config == nil || info.Config.Labels[LabelProject] != project {
		return errors.Newf("container name %q is already in use by %s", name, info.ID)
	}
	b.log.Info("removing stale container", zap.String("container", name))
	if err := cli.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return errors.Wrapf(err, "remove stale container %s", name)
	}
	return nil
}

// containerConfig translates a resolved service into Docker create
// arguments. The first network is joined at create time; the rest are
// returned for NetworkConnect.
func containerConfig(project string, svc spec.Service) (*container.Config, *container.HostConfig, *network.NetworkingConfig, []string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(svc.Ports)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrapf(err, "ports of %s", svc.Name)
	}

	env := make([]string, 0, len(svc.Environment))
	for _, k := range slices.Sorted(maps.Keys(svc.Environment)) {
		env = append(env, k+"="+svc.Environment[k])
	}

	cfg := &container.Config{
		Image:        svc.Image,
		Env:          env,
		Cmd:          svc.Command,
		Entrypoint:   svc.Entrypoint,
		WorkingDir:   svc.WorkingDir,
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelProject: project,
			LabelService: svc.Name,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		CapAdd:       svc.CapAdd,
		CapDrop:      svc.CapDrop,
		ExtraHosts:   svc.ExtraHosts,
	}
	for _, m := range svc.Volumes {
		typ := mount.TypeVolume
		if m.Bind {
			typ = mount.TypeBind
		}
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if svc.Logging != nil {
		hostCfg.LogConfig = container.LogConfig{Type: svc.Logging.Driver, Config: svc.Logging.Options}
	}
	// On Linux, host.docker.internal only resolves when mapped explicitly.
	if runtime.GOOS == "linux" && !hasHost(svc.ExtraHosts, "host.docker.internal") {
		hostCfg.ExtraHosts = append(slices.Clone(svc.ExtraHosts), "host.docker.internal:host-gateway")
	}

	var netCfg *network.NetworkingConfig
	var extra []string
	if len(svc.Networks) > 0 {
		hostCfg.NetworkMode = container.NetworkMode(svc.Networks[0])
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				svc.Networks[0]: {Aliases: []string{svc.Name}},
			},
		}
		extra = svc.Networks[1:]
	}
	return cfg, hostCfg, netCfg, extra, nil
}

func hasHost(hosts []string, name string) bool {
	return slices.ContainsFunc(hosts, func(h string) bool {
		return strings.HasPrefix(h, name+":") || strings.HasPrefix(h, name+"=")
	})
}

// streamLogs copies the container's output to the configured writers until
// the container exits.
func (b *Backend) streamLogs(ctx context.Context, cli *client.Client, id, service string) {
	rc, err := cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		b.log.Warn("attach logs", zap.String("service", service), zap.Error(err))
		return
	}
	defer rc.Close()
	stdout := newPrefixWriter(b.stdout, service)
	stderr := newPrefixWriter(b.stderr, service)
	stdcopy.StdCopy(stdout, stderr, rc)
	stdout.Flush()
	stderr.Flush()
}

func (b *Backend) remove(ctx context.Context, cli *client.Client, id string) error {
	err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	b.release(id)
	if errdefs.IsNotFound(err) {
		return errors.Wrapf(backend.ErrNotFound, "container %s", id)
	}
	return err
}

// Stop implements backend.Backend: the container is stopped, then removed.
func (b *Backend) Stop(ctx context.Context, h backend.Handle) error {
	cli, err := b.client()
	if err != nil {
		return err
	}
	timeout := stopTimeout
	if err := cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return errors.Wrapf(backend.ErrNotFound, "container %s", h.ID)
		}
		return errors.Wrapf(err, "stop %s", h.Service)
	}
	return b.remove(ctx, cli, h.ID)
}

// ExitCode implements backend.Backend.
func (b *Backend) ExitCode(ctx context.Context, h backend.Handle) (int, bool, error) {
	state, err := b.inspectState(ctx, h)
	if err != nil {
		return 0, false, err
	}
	if state.Running || state.Restarting {
		return 0, false, nil
	}
	return state.ExitCode, true, nil
}

// IsRunning implements backend.Backend.
func (b *Backend) IsRunning(ctx context.Context, h backend.Handle) (bool, error) {
	state, err := b.inspectState(ctx, h)
	if err != nil {
		return false, err
	}
	return state.Running, nil
}

type containerState struct {
	Running    bool
	Restarting bool
	ExitCode   int
}

func (b *Backend) inspectState(ctx context.Context, h backend.Handle) (containerState, error) {
	cli, err := b.client()
	if err != nil {
		return containerState{}, err
	}
	info, err := cli.ContainerInspect(ctx, h.ID)
	if errdefs.IsNotFound(err) {
		return containerState{}, errors.Wrapf(backend.ErrNotFound, "container %s", h.ID)
	}
	if err != nil {
		return containerState{}, errors.Wrapf(err, "inspect %s", h.Service)
	}
	if info.State == nil {
		return containerState{}, errors.Newf("inspect %s: no state", h.Service)
	}
	return containerState{
		Running:    info.State.Running,
		Restarting: info.State.Restarting,
		ExitCode:   info.State.ExitCode,
	}, nil
}

// Wait implements backend.Backend.
func (b *Backend) Wait(ctx context.Context, h backend.Handle) (int, error) {
	cli, err := b.client()
	if err != nil {
		return 0, err
	}
	waitCh, errCh := cli.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.Error != nil && res.Error.Message != "" {
			return int(res.StatusCode), errors.Newf("wait %s: %s", h.Service, res.Error.Message)
		}
		return int(res.StatusCode), nil
	case err := <-errCh:
		if errdefs.IsNotFound(err) {
			return 0, errors.Wrapf(backend.ErrNotFound, "container %s", h.ID)
		}
		return 0, errors.Wrapf(err, "wait %s", h.Service)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Exec implements backend.Backend with docker exec. Output is discarded.
func (b *Backend) Exec(ctx context.Context, h backend.Handle, argv []string) (int, error) {
	cli, err := b.client()
	if err != nil {
		return 0, err
	}
	exec, err := cli.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return 0, errors.Wrapf(backend.ErrNotFound, "container %s", h.ID)
		}
		return 0, errors.Wrap(err, "exec create")
	}

	resp, err := cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "exec attach")
	}
	_, err = stdcopy.StdCopy(io.Discard, io.Discard, resp.Reader)
	resp.Close()
	if err != nil {
		return 0, errors.Wrap(err, "exec read output")
	}

	// The stream can close slightly before the exec is reported finished.
	for {
		inspect, err := cli.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return 0, errors.Wrap(err, "exec inspect")
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// List implements backend.Lister using the project label.
func (b *Backend) List(ctx context.Context, project string) ([]backend.Handle, error) {
	cli, err := b.client()
	if err != nil {
		return nil, err
	}
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject+"="+project)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "list containers")
	}
	out := make([]backend.Handle, 0, len(containers))
	for _, c := range containers {
		out = append(out, backend.Handle{ID: c.ID, Service: c.Labels[LabelService]})
	}
	return out, nil
}

// Detach implements backend.Detacher: the daemon takes over the restart
// policy and the container outlives this process.
func (b *Backend) Detach(ctx context.Context, h backend.Handle, policy spec.RestartPolicy) error {
	cli, err := b.client()
	if err != nil {
		return err
	}
	_, err = cli.ContainerUpdate(ctx, h.ID, container.UpdateConfig{RestartPolicy: restartPolicy(policy)})
	if err != nil {
		return errors.Wrapf(err, "update restart policy of %s", h.Service)
	}
	b.release(h.ID)
	return nil
}

func (b *Backend) guard(id string, cancel func() error) {
	b.mu.Lock()
	b.backstops[id] = cancel
	b.mu.Unlock()
}

// release drops the exit backstop for a container that has been removed
// or handed to the daemon.
func (b *Backend) release(id string) {
	b.mu.Lock()
	cancel := b.backstops[id]
	delete(b.backstops, id)
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	if err := cancel(); err != nil {
		b.log.Debug("cancel exit backstop", zap.String("container", id), zap.Error(err))
	}
}

func restartPolicy(p spec.RestartPolicy) container.RestartPolicy {
	switch p.Policy {
	case spec.RestartAlways:
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case spec.RestartUnlessStopped:
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	case spec.RestartOnFailure:
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure, MaximumRetryCount: p.MaxRetries}
	}
	return container.RestartPolicy{Name: container.RestartPolicyDisabled}
}

// EnsureNetwork implements backend.Provisioner.
func (b *Backend) EnsureNetwork(ctx context.Context, name string, n spec.Network) error {
	cli, err := b.client()
	if err != nil {
		return err
	}
	if _, err := cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return errors.Wrapf(err, "inspect network %s", name)
	}
	_, err = cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: n.Driver,
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil && !errdefs.IsConflict(err) {
		return errors.Wrapf(err, "create network %s", name)
	}
	b.log.Debug("network ready", zap.String("network", name))
	return nil
}

// EnsureVolume implements backend.Provisioner.
func (b *Backend) EnsureVolume(ctx context.Context, name string, v spec.Volume) error {
	cli, err := b.client()
	if err != nil {
		return err
	}
	if _, err := cli.VolumeInspect(ctx, name); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return errors.Wrapf(err, "inspect volume %s", name)
	}
	_, err = cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: v.Driver,
		Labels: map[string]string{LabelManaged: "true"},
	})
	return errors.Wrapf(err, "create volume %s", name)
}

// RemoveNetwork implements backend.Provisioner.
func (b *Backend) RemoveNetwork(ctx context.Context, name string) error {
	cli, err := b.client()
	if err != nil {
		return err
	}
	err = cli.NetworkRemove(ctx, name)
	if errdefs.IsNotFound(err) {
		return errors.Wrapf(backend.ErrNotFound, "network %s", name)
	}
	return errors.Wrapf(err, "remove network %s", name)
}

// RemoveVolume implements backend.Provisioner.
func (b *Backend) RemoveVolume(ctx context.Context, name string) error {
	cli, err := b.client()
	if err != nil {
		return err
	}
	err = cli.VolumeRemove(ctx, name, false)
	if errdefs.IsNotFound(err) {
		return errors.Wrapf(backend.ErrNotFound, "volume %s", name)
	}
	return errors.Wrapf(err, "remove volume %s", name)
}

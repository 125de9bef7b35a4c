package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/everydev1618/shopkeep"
)

const (
	LabelSite      = "shopkeep.site"
	LabelRole      = "shopkeep.role"
	LabelManagedBy = "shopkeep.managed-by"
	ManagedBy      = "shopkeep"

	DefaultExecTimeout = 2 * time.Minute
	stopGracePeriod    = 10
)

// Manager is the container lifecycle adapter over the Docker Engine API.
type Manager struct {
	client      *client.Client
	execTimeout time.Duration
	available   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithExecTimeout bounds every Exec that does not carry its own timeout.
func WithExecTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.execTimeout = d
		}
	}
}

// WithClient uses an existing Docker client instead of discovering one.
func WithClient(cli *client.Client) ManagerOption {
	return func(m *Manager) {
		m.client = cli
	}
}

// NewManager creates a new container manager.
// If Docker is unavailable, it returns a Manager with available=false; every
// lifecycle call then fails with shopkeep.ErrExternal.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{execTimeout: DefaultExecTimeout}
	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		cli, err := createDockerClient()
		if err != nil {
			return m, nil
		}
		m.client = cli
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.client.Ping(ctx); err != nil {
		return m, nil
	}

	m.available = true
	return m, nil
}

// createDockerClient creates a Docker client, trying multiple socket locations
// for compatibility with Docker Desktop on macOS.
func createDockerClient() (*client.Client, error) {
	// First try with environment settings (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock", // Docker Desktop macOS
		"unix:///var/run/docker.sock",                               // Linux default
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",     // Colima
	}

	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()

		if err == nil {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("could not connect to Docker daemon")
}

// IsAvailable returns whether Docker is available.
func (m *Manager) IsAvailable() bool {
	return m.available
}

// Ping checks the daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.check("ping"); err != nil {
		return err
	}
	if _, err := m.client.Ping(ctx); err != nil {
		return external("ping", err)
	}
	return nil
}

func (m *Manager) check(op string) error {
	if !m.available {
		return shopkeep.NewError(shopkeep.ErrExternal, op, "", errors.New("docker not available"))
	}
	return nil
}

func external(op string, err error) error {
	return shopkeep.NewError(shopkeep.ErrExternal, op, "", err)
}

// CreateNetwork creates a bridge network. A network already carrying the
// name is a shopkeep.ErrResourceConflict, never silently reused.
func (m *Manager) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	if err := m.check("create network"); err != nil {
		return "", err
	}

	existing, err := m.findNetwork(ctx, name)
	if err != nil {
		return "", external("create network", err)
	}
	if existing != "" {
		return "", shopkeep.NewError(shopkeep.ErrResourceConflict, "create network", "",
			fmt.Errorf("network %s already exists", name))
	}

	resp, err := m.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: withManagedLabel(labels),
	})
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", shopkeep.NewError(shopkeep.ErrResourceConflict, "create network", "", err)
		}
		return "", external("create network", err)
	}
	return resp.ID, nil
}

// NetworkLabels returns the labels of a network, or shopkeep.ErrNotFound.
func (m *Manager) NetworkLabels(ctx context.Context, name string) (map[string]string, error) {
	if err := m.check("inspect network"); err != nil {
		return nil, err
	}
	res, err := m.client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, shopkeep.NewError(shopkeep.ErrNotFound, "inspect network", "", err)
		}
		return nil, external("inspect network", err)
	}
	return res.Labels, nil
}

// RemoveNetwork removes a network. A missing network is not an error.
func (m *Manager) RemoveNetwork(ctx context.Context, name string) error {
	if err := m.check("remove network"); err != nil {
		return err
	}
	if err := m.client.NetworkRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return external("remove network", err)
	}
	return nil
}

// findNetwork returns the ID of the network with exactly this name.
func (m *Manager) findNetwork(ctx context.Context, name string) (string, error) {
	networks, err := m.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", err
	}
	for _, n := range networks {
		if n.Name == name {
			return n.ID, nil
		}
	}
	return "", nil
}

// ContainerSpec describes a container to run on a shop network.
type ContainerSpec struct {
	Name    string
	Image   string
	Network string
	Aliases []string
	Env     []string
	Labels  map[string]string
	Cmd     []string

	// PublishPort is a container port such as "80/tcp". HostPort "" lets
	// Docker pick a free host port.
	PublishPort string
	HostPort    string
}

// RunContainer pulls the image if needed, then creates and starts the container.
// An existing container of the same name is a shopkeep.ErrResourceConflict.
func (m *Manager) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := m.check("run container"); err != nil {
		return "", err
	}

	if id, err := m.getContainer(ctx, spec.Name); err == nil && id != "" {
		return "", shopkeep.NewError(shopkeep.ErrResourceConflict, "run container", "",
			fmt.Errorf("container %s already exists", spec.Name))
	}

	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return "", external("pull image "+spec.Image, err)
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Cmd:    spec.Cmd,
		Labels: withManagedLabel(spec.Labels),
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		NetworkMode: container.NetworkMode(spec.Network),
	}

	if spec.PublishPort != "" {
		port, err := nat.NewPort(splitProto(spec.PublishPort))
		if err != nil {
			return "", external("run container", err)
		}
		containerCfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: spec.HostPort}},
		}
	}

	var networkCfg *network.NetworkingConfig
	if spec.Network != "" {
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", shopkeep.NewError(shopkeep.ErrResourceConflict, "create container", "", err)
		}
		return "", external("create container", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, external("start container", err)
	}

	return resp.ID, nil
}

func splitProto(p string) (proto, port string) {
	port, proto, ok := strings.Cut(p, "/")
	if !ok {
		proto = "tcp"
	}
	return proto, port
}

// RemoveContainer stops and removes a container. A missing container is not an error.
func (m *Manager) RemoveContainer(ctx context.Context, name string) error {
	if err := m.check("remove container"); err != nil {
		return err
	}

	timeout := stopGracePeriod
	// Force removal below kills it if the stop fails.
	_ = m.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})

	err := m.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return external("remove container", err)
	}
	return nil
}

// ContainerStatus is the observed state of a container.
type ContainerStatus struct {
	ID       string
	Running  bool
	ExitCode int
	HostPort int
	Labels   map[string]string
}

// Inspect returns the status of a container, or shopkeep.ErrNotFound.
func (m *Manager) Inspect(ctx context.Context, name string) (ContainerStatus, error) {
	if err := m.check("inspect container"); err != nil {
		return ContainerStatus{}, err
	}

	insp, err := m.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerStatus{}, shopkeep.NewError(shopkeep.ErrNotFound, "inspect container", "", err)
		}
		return ContainerStatus{}, external("inspect container", err)
	}

	st := ContainerStatus{ID: insp.ID}
	if insp.State != nil {
		st.Running = insp.State.Running
		st.ExitCode = insp.State.ExitCode
	}
	if insp.Config != nil {
		st.Labels = insp.Config.Labels
	}
	if insp.NetworkSettings != nil {
		for _, bindings := range insp.NetworkSettings.Ports {
			for _, b := range bindings {
				if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
					st.HostPort = p
					break
				}
			}
			if st.HostPort > 0 {
				break
			}
		}
	}
	return st, nil
}

// ListSiteContainers returns the names of every managed container labelled for site.
func (m *Manager) ListSiteContainers(ctx context.Context, site string) ([]string, error) {
	if err := m.check("list containers"); err != nil {
		return nil, err
	}

	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+ManagedBy),
			filters.Arg("label", LabelSite+"="+site),
		),
	})
	if err != nil {
		return nil, external("list containers", err)
	}

	var names []string
	for _, c := range containers {
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
	}
	return names, nil
}

// ExecSpec describes a command to run inside a container.
type ExecSpec struct {
	Cmd     []string
	Env     []string
	WorkDir string
	User    string
	Timeout time.Duration
}

// ExecResult is the typed outcome of an in-container command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// OK reports a zero exit status within the time limit.
func (r ExecResult) OK() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Err describes a failed result, or returns nil for a successful one.
func (r ExecResult) Err() error {
	switch {
	case r.TimedOut:
		return fmt.Errorf("timed out after %s", r.Duration.Round(time.Millisecond))
	case r.ExitCode != 0:
		msg := strings.TrimSpace(r.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(r.Stdout)
		}
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("exit code %d: %s", r.ExitCode, msg)
	}
	return nil
}

// Exec runs a command in a container and waits for it within the timeout.
// Exceeding the timeout yields a result with TimedOut set, not an error.
func (m *Manager) Exec(ctx context.Context, name string, spec ExecSpec) (ExecResult, error) {
	if err := m.check("exec"); err != nil {
		return ExecResult{}, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = m.execTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	started := time.Now()

	execCfg := container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkDir,
		User:         spec.User,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := m.client.ContainerExecCreate(execCtx, name, execCfg)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return ExecResult{TimedOut: true, Duration: time.Since(started)}, nil
		}
		return ExecResult{}, external("exec create", err)
	}

	attachResp, err := m.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return ExecResult{TimedOut: true, Duration: time.Since(started)}, nil
		}
		return ExecResult{}, external("exec attach", err)
	}
	defer attachResp.Close()

	// The hijacked connection ignores the context; closing it unblocks the copy.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-execCtx.Done():
			attachResp.Close()
		case <-done:
		}
	}()

	var stdout, stderr strings.Builder
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)

	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if execCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, nil
	}
	if copyErr != nil {
		return res, external("exec read output", copyErr)
	}

	inspectResp, err := m.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return res, external("exec inspect", err)
	}
	res.ExitCode = inspectResp.ExitCode
	return res, nil
}

// WriteFile copies data into the container at the absolute path dst.
// The parent directory must exist.
func (m *Manager) WriteFile(ctx context.Context, name, dst string, data []byte, mode int64) error {
	if err := m.check("write file"); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    path.Base(dst),
		Mode:    mode,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return external("write file", err)
	}
	if _, err := tw.Write(data); err != nil {
		return external("write file", err)
	}
	if err := tw.Close(); err != nil {
		return external("write file", err)
	}

	err := m.client.CopyToContainer(ctx, name, path.Dir(dst), &buf, container.CopyToContainerOptions{})
	if err != nil {
		return external("copy to container", err)
	}
	return nil
}

// ReadFile returns the content of a file inside the container, or
// shopkeep.ErrNotFound when it does not exist.
func (m *Manager) ReadFile(ctx context.Context, name, src string) ([]byte, error) {
	res, err := m.Exec(ctx, name, ExecSpec{Cmd: []string{"cat", src}})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		if strings.Contains(res.Stderr, "No such file") {
			return nil, shopkeep.NewError(shopkeep.ErrNotFound, "read file", "", fmt.Errorf("%s does not exist", src))
		}
		return nil, external("read file", res.Err())
	}
	return []byte(res.Stdout), nil
}

// getContainer finds a container by name.
func (m *Manager) getContainer(ctx context.Context, name string) (string, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("name", name),
		),
	})
	if err != nil {
		return "", err
	}

	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}

	return "", fmt.Errorf("container not found: %s", name)
}

// ensureImage pulls an image if not present locally.
func (m *Manager) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := m.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil // Image exists
	}

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Consume the reader to complete the pull
	_, err = io.Copy(io.Discard, reader)
	return err
}

func withManagedLabel(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[LabelManagedBy] = ManagedBy
	return out
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

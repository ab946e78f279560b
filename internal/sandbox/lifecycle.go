package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
)

const (
	// NetworkName is the internal bridge the workers live on. Internal means
	// no route to the outside world: workers can only talk to this process.
	NetworkName = "runner-worker-net"

	// NamePrefix prefixes every worker container name.
	NamePrefix = "runner-worker-"

	// ExecutorPort is the port the executor listens on inside each worker.
	ExecutorPort = 8000

	readyAttempts = 30
	readyInterval = 500 * time.Millisecond

	stopGraceSeconds = 5
)

// Worker describes one spawned sandbox container.
type Worker struct {
	Name string
	ID   string
	Addr string // "ip:port" on the worker network
	Port int
}

// Options bounds the resources each worker container may use.
type Options struct {
	Memory    int64 // bytes
	NanoCPUs  int64
	PidsLimit int64
}

// Manager owns the Docker client and the set of worker containers it spawned.
type Manager struct {
	cli  *client.Client
	opts Options

	mu      sync.Mutex
	workers []Worker
}

// NewManager connects to the Docker daemon using the standard environment
// variables.
func NewManager(opts Options) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if opts.PidsLimit == 0 {
		opts.PidsLimit = 50
	}
	return &Manager{cli: cli, opts: opts}, nil
}

// Close releases the Docker client. Containers are not touched; use Teardown.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// EnsureNetwork creates the internal worker network if it does not exist.
func (m *Manager) EnsureNetwork(ctx context.Context) error {
	if _, err := m.cli.NetworkInspect(ctx, NetworkName, types.NetworkInspectOptions{}); err == nil {
		slog.Debug("worker network already exists", "network", NetworkName)
		return nil
	}

	_, err := m.cli.NetworkCreate(ctx, NetworkName, types.NetworkCreate{
		Driver:         "bridge",
		Internal:       true,
		CheckDuplicate: true,
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", NetworkName, err)
	}
	slog.Info("created worker network", "network", NetworkName, "internal", true)
	return nil
}

// AttachSelf connects this process's own container to the worker network so
// the internal bridge is reachable. Outside a container (local development
// against the Docker host network) there is nothing to attach.
func (m *Manager) AttachSelf(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	if _, err := m.cli.ContainerInspect(ctx, hostname); err != nil {
		slog.Debug("not running in a container, skipping network attach", "hostname", hostname)
		return nil
	}

	err = m.cli.NetworkConnect(ctx, NetworkName, hostname, &network.EndpointSettings{})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("attach %s to %s: %w", hostname, NetworkName, err)
	}
	slog.Info("attached to worker network", "container", hostname)
	return nil
}

// CleanupStale force-removes leftover worker containers from a previous run.
// Names are stable across restarts, so a crashed process would otherwise
// collide on the first spawn.
func (m *Manager) CleanupStale(ctx context.Context) error {
	containers, err := m.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", NamePrefix)),
	})
	if err != nil {
		return fmt.Errorf("list stale workers: %w", err)
	}

	for _, c := range containers {
		if err := m.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove stale worker", "id", c.ID[:12], "error", err)
			continue
		}
		slog.Info("removed stale worker", "id", c.ID[:12], "names", c.Names)
	}
	return nil
}

// SpawnAll starts count workers concurrently and waits for each to answer its
// health endpoint. Individual failures are logged and tolerated; an error is
// returned only when not a single worker came up.
func (m *Manager) SpawnAll(ctx context.Context, count int) ([]Worker, error) {
	var wg sync.WaitGroup
	results := make([]*Worker, count)

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := m.spawn(ctx, i)
			if err != nil {
				slog.Error("failed to spawn worker", "index", i, "error", err)
				return
			}
			results[i] = w
		}(i)
	}
	wg.Wait()

	var workers []Worker
	for _, w := range results {
		if w != nil {
			workers = append(workers, *w)
		}
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("no workers could be started (wanted %d)", count)
	}
	if len(workers) < count {
		slog.Warn("pool started degraded", "wanted", count, "got", len(workers))
	}

	m.mu.Lock()
	m.workers = append(m.workers, workers...)
	m.mu.Unlock()
	return workers, nil
}

// spawn creates, starts, and readiness-checks one worker container.
func (m *Manager) spawn(ctx context.Context, index int) (*Worker, error) {
	name := fmt.Sprintf("%s%d", NamePrefix, index)

	resp, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image: ImageTag,
			Env: []string{
				fmt.Sprintf("PORT=%d", ExecutorPort),
				"PYTHONDONTWRITEBYTECODE=1",
				"PYTHONUNBUFFERED=1",
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(NetworkName),
			Resources: container.Resources{
				Memory:    m.opts.Memory,
				NanoCPUs:  m.opts.NanoCPUs,
				PidsLimit: &m.opts.PidsLimit,
			},
			CapDrop:     strslice.StrSlice{"ALL"},
			SecurityOpt: []string{"no-new-privileges:true"},
			Tmpfs: map[string]string{
				"/tmp": "rw,noexec,nosuid,size=16m",
			},
		},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	// Give the network endpoint a moment to settle before inspecting.
	time.Sleep(500 * time.Millisecond)

	insp, err := m.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}
	endpoint, ok := insp.NetworkSettings.Networks[NetworkName]
	if !ok || endpoint.IPAddress == "" {
		return nil, fmt.Errorf("%s has no address on %s", name, NetworkName)
	}

	w := &Worker{
		Name: name,
		ID:   resp.ID,
		Addr: fmt.Sprintf("%s:%d", endpoint.IPAddress, ExecutorPort),
		Port: ExecutorPort,
	}
	if err := m.waitReady(ctx, w); err != nil {
		return nil, err
	}

	slog.Info("worker ready", "name", name, "addr", w.Addr, "id", resp.ID[:12])
	return w, nil
}

// waitReady polls the worker's executor until it answers or attempts run out.
func (m *Manager) waitReady(ctx context.Context, w *Worker) error {
	url := fmt.Sprintf("http://%s/health", w.Addr)
	httpc := &http.Client{Timeout: readyInterval}

	for attempt := 0; attempt < readyAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := httpc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyInterval):
		}
	}
	return fmt.Errorf("%s never became ready at %s", w.Name, w.Addr)
}

// Teardown stops every spawned worker with a short grace period, then
// force-removes it.
func (m *Manager) Teardown(ctx context.Context) {
	m.mu.Lock()
	workers := m.workers
	m.workers = nil
	m.mu.Unlock()

	grace := stopGraceSeconds
	for _, w := range workers {
		if err := m.cli.ContainerStop(ctx, w.ID, container.StopOptions{Timeout: &grace}); err != nil {
			slog.Warn("failed to stop worker", "name", w.Name, "error", err)
		}
		if err := m.cli.ContainerRemove(ctx, w.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove worker", "name", w.Name, "error", err)
			continue
		}
		slog.Info("worker removed", "name", w.Name)
	}
}

// Package sandbox manages one isolated execution container per conversation.
// Containers are created on first use, reaped after five idle minutes, and
// all removed on shutdown. Executed code can only write to the conversation
// volume mounted at /workspace; the root filesystem is read-only and /tmp is
// a size-capped tmpfs.
package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/logger"
)

const (
	idleTTL       = 5 * time.Minute
	execTimeout   = 5 * time.Minute
	memoryLimit   = 1 << 30 // 1 GiB, no swap on top
	nanoCPUs      = 2_000_000_000
	pidsLimit     = 100
	networkName   = "switchboard-sandbox"
	containerStop = 10 * time.Second
)

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Sanitize maps an arbitrary identifier to a name safe for container names
// and filesystem paths.
func Sanitize(s string) string {
	s = sanitizeRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "default"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

type entry struct {
	containerID   string
	containerName string
	userID        string
	volumePath    string
	lastActivity  time.Time
	reapTimer     *time.Timer
}

// Manager owns the per-conversation container map. External code interacts
// only through its methods.
type Manager struct {
	cli      *client.Client
	dataRoot string
	image    string

	mu        sync.Mutex
	entries   map[string]*entry
	networkID string
}

// NewManager connects to the container runtime from the environment.
func NewManager(dataRoot, image string) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create container runtime client")
	}
	return &Manager{
		cli:      cli,
		dataRoot: dataRoot,
		image:    image,
		entries:  make(map[string]*entry),
	}, nil
}

// VolumePath returns (and creates) the host-side volume directory for a
// conversation. The layout is {data-root}/{sanitized-user}/{sanitized-conv}/volume.
func (m *Manager) VolumePath(convID, userID string) (string, error) {
	p := filepath.Join(m.dataRoot, Sanitize(userID), Sanitize(convID), "volume")
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create conversation volume")
	}
	return p, nil
}

func containerName(convID string) string {
	return "sandbox-" + Sanitize(convID)
}

// GetOrCreate returns the running container for the conversation, creating
// it (and removing any orphan of the same name) when necessary.
func (m *Manager) GetOrCreate(ctx context.Context, convID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(ctx, convID, userID)
}

func (m *Manager) getOrCreateLocked(ctx context.Context, convID, userID string) (string, error) {
	log := logger.G(ctx).WithField("conversation_id", convID)

	if e, ok := m.entries[convID]; ok {
		insp, err := m.cli.ContainerInspect(ctx, e.containerID)
		if err == nil && insp.State != nil && insp.State.Running {
			m.touchLocked(convID)
			return e.containerID, nil
		}
		// Tracked container died underneath us; drop the entry and recreate.
		log.Warn("tracked sandbox container is gone, recreating")
		e.reapTimer.Stop()
		delete(m.entries, convID)
	}

	name := containerName(convID)
	if err := m.removeOrphan(ctx, name); err != nil {
		return "", err
	}

	volume, err := m.VolumePath(convID, userID)
	if err != nil {
		return "", err
	}

	netID, err := m.ensureNetworkLocked(ctx)
	if err != nil {
		return "", err
	}

	pids := int64(pidsLimit)
	hostCfg := &container.HostConfig{
		Binds:          []string{volume + ":/workspace"},
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp":     "rw,noexec,nosuid,size=128m",
			"/var/tmp": "rw,noexec,nosuid,size=32m",
		},
		NetworkMode: container.NetworkMode(networkName),
		Resources: container.Resources{
			Memory:     memoryLimit,
			MemorySwap: memoryLimit, // swap = memory means no swap
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pids,
		},
	}

	created, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      m.image,
			Cmd:        strslice.StrSlice{"sleep", "infinity"},
			WorkingDir: "/workspace",
		},
		hostCfg,
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkName: {NetworkID: netID},
			},
		},
		nil, name)
	if err != nil {
		return "", errors.Wrap(err, "failed to create sandbox container")
	}

	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", errors.Wrap(err, "failed to start sandbox container")
	}

	e := &entry{
		containerID:   created.ID,
		containerName: name,
		userID:        userID,
		volumePath:    volume,
		lastActivity:  time.Now(),
	}
	e.reapTimer = time.AfterFunc(idleTTL, func() { m.reap(convID, e.containerID) })
	m.entries[convID] = e

	log.WithField("container", name).Info("sandbox container created")
	return created.ID, nil
}

// removeOrphan force-removes a container of the deterministic name left over
// from a previous process run.
func (m *Manager) removeOrphan(ctx context.Context, name string) error {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return errors.Wrap(err, "failed to list containers")
	}
	for _, c := range list {
		logger.L.WithField("container", name).Warn("removing orphan sandbox container")
		if err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return errors.Wrap(err, "failed to remove orphan container")
		}
	}
	return nil
}

func (m *Manager) ensureNetworkLocked(ctx context.Context) (string, error) {
	if m.networkID != "" {
		return m.networkID, nil
	}
	list, err := m.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", networkName)),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to list networks")
	}
	for _, n := range list {
		if n.Name == networkName {
			m.networkID = n.ID
			return n.ID, nil
		}
	}
	resp, err := m.cli.NetworkCreate(ctx, networkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", errors.Wrap(err, "failed to create sandbox network")
	}
	m.networkID = resp.ID
	return resp.ID, nil
}

// Touch refreshes the idle timer for a conversation's container.
func (m *Manager) Touch(convID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(convID)
}

func (m *Manager) touchLocked(convID string) {
	if e, ok := m.entries[convID]; ok {
		e.lastActivity = time.Now()
		e.reapTimer.Reset(idleTTL)
	}
}

// reap removes an idle container. The id guard protects against reaping a
// replacement container that reused the conversation slot.
func (m *Manager) reap(convID, containerID string) {
	m.mu.Lock()
	e, ok := m.entries[convID]
	if !ok || e.containerID != containerID {
		m.mu.Unlock()
		return
	}
	delete(m.entries, convID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.L.WithField("conversation_id", convID).Info("reaping idle sandbox container")
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logger.L.WithError(err).Warn("failed to remove idle sandbox container")
	}
}

// Stats describes the tracked container for a conversation.
type Stats struct {
	ContainerName string    `json:"container_name"`
	Running       bool      `json:"running"`
	LastActivity  time.Time `json:"last_activity"`
	VolumePath    string    `json:"volume_path"`
}

// ContainerStats reports the tracked entry for a conversation, if any.
func (m *Manager) ContainerStats(ctx context.Context, convID string) (*Stats, error) {
	m.mu.Lock()
	e, ok := m.entries[convID]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no sandbox container for conversation %s", convID)
	}
	insp, err := m.cli.ContainerInspect(ctx, e.containerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect sandbox container")
	}
	return &Stats{
		ContainerName: e.containerName,
		Running:       insp.State != nil && insp.State.Running,
		LastActivity:  e.lastActivity,
		VolumePath:    e.volumePath,
	}, nil
}

// Shutdown stops and removes every managed container within a short grace
// period. Called on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = v
		v.reapTimer.Stop()
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for convID, e := range entries {
		wg.Add(1)
		go func(convID string, e *entry) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(ctx, containerStop)
			defer cancel()
			seconds := int(containerStop.Seconds())
			_ = m.cli.ContainerStop(stopCtx, e.containerID, container.StopOptions{Timeout: &seconds})
			if err := m.cli.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true}); err != nil {
				logger.L.WithError(err).WithField("conversation_id", convID).Warn("failed to remove sandbox container on shutdown")
			}
		}(convID, e)
	}
	wg.Wait()
	logger.L.WithField("count", len(entries)).Info("sandbox containers reaped")
}

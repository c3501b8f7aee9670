package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/health"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// prober judges readiness of a freshly deployed container: HTTP GET for
// probe-able services, running-and-stable for the non-HTTP allow-list.
type prober struct {
	// Hostname where the container's host ports are reachable:
	// localhost for the local daemon, the record hostname for remotes.
	hostname string
}

func (p *prober) probe(
	ctx context.Context,
	client dockerapi.Client,
	d *deploy.Descriptor,
	containerID string,
	spec health.Probe,
	mode portMode,
	cancelled func() bool,
) error {
	if !spec.HTTP {
		return p.probeRunning(ctx, client, containerID, spec.MinUptime)
	}

	hostPort := firstHostPort(d, mode)
	if hostPort == "" {
		// Nothing to probe over HTTP without a host binding; fall back to
		// the container-state contract.
		return p.probeRunning(ctx, client, containerID, 2*time.Second)
	}

	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(p.hostname, hostPort), spec.Endpoint)
	timeout := time.Duration(d.HealthcheckTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	retries := d.HealthcheckRetries
	if retries <= 0 {
		retries = 10
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if cancelled != nil && cancelled() {
			return opserr.New(opserr.KindProbeFailed, "probe interrupted by cancellation")
		}
		if attempt > 0 {
			select {
			case <-time.After(probeSpacing):
			case <-ctx.Done():
				return opserr.Wrap(ctx.Err(), opserr.KindProbeTimeout, "probe of %s timed out", url)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := httpGet(attemptCtx, url)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err
	}

	return opserr.Wrap(lastErr, opserr.KindProbeFailed, "%s did not become healthy after %d attempts", url, retries)
}

// probeRunning is the readiness contract for services that never answer
// HTTP: state running for at least minUptime with no restart observed.
func (p *prober) probeRunning(ctx context.Context, client dockerapi.Client, containerID string, minUptime time.Duration) error {
	if minUptime <= 0 {
		minUptime = 2 * time.Second
	}

	before, err := client.ContainerInspect(ctx, containerID)
	if err != nil {
		return err
	}
	restartsBefore := before.RestartCount

	select {
	case <-time.After(minUptime):
	case <-ctx.Done():
		return opserr.Wrap(ctx.Err(), opserr.KindProbeTimeout, "readiness wait interrupted")
	}

	info, err := client.ContainerInspect(ctx, containerID)
	if err != nil {
		return err
	}

	if info.State == nil || !info.State.Running {
		return opserr.New(opserr.KindProbeFailed, "container %s is not running", containerID)
	}
	if info.RestartCount > restartsBefore {
		return opserr.New(opserr.KindProbeFailed, "container %s restarted during readiness window", containerID)
	}

	return nil
}

func httpGet(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return nil
}

// firstHostPort picks the lowest host port of the descriptor, adjusted
// for the probe offset when the container was created in probe mode.
func firstHostPort(d *deploy.Descriptor, mode portMode) string {
	if len(d.PortBindings) == 0 {
		return ""
	}

	ports := make([]string, 0, len(d.PortBindings))
	for _, hostPort := range d.PortBindings {
		ports = append(ports, hostPort)
	}
	sort.Slice(ports, func(i, j int) bool {
		a, _ := strconv.Atoi(ports[i])
		b, _ := strconv.Atoi(ports[j])
		if a != b {
			return a < b
		}
		return ports[i] < ports[j]
	})

	return hostPortFor(ports[0], mode)
}

package driver

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/st3v3nmw/faultline/pkg/threadsafe"
)

// Docker drives a local docker engine through the docker CLI. Every resource
// name is prefixed with the run ID so parallel scenario runs on the same host
// never collide.
type Docker struct {
	run       string
	binary    string
	opTimeout time.Duration

	created *threadsafe.Map[string, bool] // namespaced resources we own
}

var _ Driver = (*Docker)(nil)

// NewDocker creates a docker driver scoped to the given run ID.
func NewDocker(run string, opTimeout time.Duration) *Docker {
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}

	return &Docker{
		run:       run,
		binary:    "docker",
		opTimeout: opTimeout,
		created:   threadsafe.NewMap[string, bool](),
	}
}

// scoped namespaces a node or network name with the run ID.
func (d *Docker) scoped(name string) string {
	return fmt.Sprintf("fl-%s-%s", d.run, name)
}

func (d *Docker) CreateNetwork(ctx context.Context, name, subnet string) error {
	scoped := d.scoped(name)
	_, err := d.command(ctx, "network.create", scoped,
		"network", "create", "--subnet", subnet, scoped)
	if err == nil {
		d.created.Set(scoped, true)
	}

	return err
}

func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	scoped := d.scoped(name)
	_, err := d.command(ctx, "network.rm", scoped, "network", "rm", scoped)
	if err == nil {
		d.created.Delete(scoped)
	}

	return err
}

func (d *Docker) CreateNode(ctx context.Context, spec NodeSpec) error {
	scoped := d.scoped(spec.Name)

	// docker create accepts a single --network; the scheduler attaches the
	// rest through AttachNetwork before starting the container. The primary
	// network is the lexically first one so interface numbering stays
	// deterministic.
	args := []string{"create", "--name", scoped}
	networks := make([]string, 0, len(spec.Attachments))
	for network := range spec.Attachments {
		networks = append(networks, network)
	}
	sort.Strings(networks)
	if len(networks) > 0 {
		first := networks[0]
		args = append(args, "--network", d.scoped(first), "--ip", spec.Attachments[first])
	}
	args = append(args, spec.Image)

	_, err := d.command(ctx, "create", scoped, args...)
	if err == nil {
		d.created.Set(scoped, true)
	}

	return err
}

func (d *Docker) StartNode(ctx context.Context, name string) error {
	scoped := d.scoped(name)
	_, err := d.command(ctx, "start", scoped, "start", scoped)
	return err
}

func (d *Docker) StopNode(ctx context.Context, name string) error {
	scoped := d.scoped(name)
	_, err := d.command(ctx, "stop", scoped, "stop", "--time", "5", scoped)
	return err
}

func (d *Docker) RemoveNode(ctx context.Context, name string) error {
	scoped := d.scoped(name)
	_, err := d.command(ctx, "rm", scoped, "rm", "--force", scoped)
	if err == nil {
		d.created.Delete(scoped)
	}

	return err
}

func (d *Docker) AttachNetwork(ctx context.Context, node, network, address string) error {
	_, err := d.command(ctx, "network.connect", d.scoped(node),
		"network", "connect", "--ip", address, d.scoped(network), d.scoped(node))
	return err
}

func (d *Docker) DetachNetwork(ctx context.Context, node, network string) error {
	_, err := d.command(ctx, "network.disconnect", d.scoped(node),
		"network", "disconnect", d.scoped(network), d.scoped(node))
	return err
}

func (d *Docker) Exec(ctx context.Context, node string, cmd []string) (string, error) {
	args := append([]string{"exec", d.scoped(node)}, cmd...)
	return d.command(ctx, "exec", d.scoped(node), args...)
}

// Leaked returns namespaced resources this driver created and has not removed,
// in sorted order. The scheduler reports them after teardown so a failed rm
// never goes unnoticed.
func (d *Docker) Leaked() []string {
	var leaked []string
	d.created.Range(func(name string, _ bool) bool {
		leaked = append(leaked, name)
		return true
	})
	sort.Strings(leaked)

	return leaked
}

// command runs one docker CLI invocation bounded by the op timeout.
func (d *Docker) command(ctx context.Context, op, target string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, args...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))

	if err != nil {
		wrapped := fmt.Errorf("%w: %s", err, output)
		return output, &Error{
			Op:        op,
			Target:    target,
			Transient: transientOutput(ctx, output),
			Err:       wrapped,
		}
	}

	return output, nil
}

// transientOutput classifies docker CLI failures worth retrying.
func transientOutput(ctx context.Context, output string) bool {
	if ctx.Err() != nil {
		// The op timeout fired; the engine may just be slow.
		return true
	}

	lowered := strings.ToLower(output)
	for _, marker := range []string{
		"connection refused",
		"temporarily unavailable",
		"network is busy",
		"has active endpoints",
		"device or resource busy",
		"timeout exceeded",
		"i/o timeout",
	} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}

	return false
}

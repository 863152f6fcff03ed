package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/banshee-data/gantry.build/internal/security"
)

// containerWorkdir is where the step's working directory is mounted inside
// the container.
const containerWorkdir = "/workspace"

// Docker executes steps in throwaway containers on the local daemon. Only
// Linux instances are routed here; the image is chosen per runner label.
type Docker struct {
	cli *client.Client

	// Images maps a platform name to the image run for it.
	Images map[string]string
	// DefaultImage runs labels with no Images entry.
	DefaultImage string
	// AlwaysPull refreshes the image before every step.
	AlwaysPull bool

	Logger Logger
}

// NewDocker connects to the local Docker daemon.
func NewDocker(images map[string]string, defaultImage string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	if defaultImage == "" {
		return nil, fmt.Errorf("docker runner needs a default image")
	}
	return &Docker{
		cli:          cli,
		Images:       images,
		DefaultImage: defaultImage,
		Logger:       nopLogger{},
	}, nil
}

// SetLogger sets the debug logger for the runner.
func (d *Docker) SetLogger(logger Logger) {
	if logger != nil {
		d.Logger = logger
	}
}

// Close releases the daemon connection.
func (d *Docker) Close() error { return d.cli.Close() }

// imageFor picks the container image for a runner label.
func (d *Docker) imageFor(label string) string {
	if img, ok := d.Images[label]; ok {
		return img
	}
	return d.DefaultImage
}

// containerName derives a daemon-safe name for one step's container.
func containerName(spec StepSpec) string {
	return fmt.Sprintf("gantry-%s-%s",
		security.SanitizeName(spec.RunID), security.SanitizeName(spec.InstanceID))
}

// Run executes the step's script inside a fresh container and removes the
// container afterwards.
func (d *Docker) Run(ctx context.Context, spec StepSpec) (StepResult, error) {
	if spec.Script == "" {
		return StepResult{}, fmt.Errorf("step %q has no script", spec.Name)
	}
	image := d.imageFor(spec.Platform)

	if d.AlwaysPull {
		if err := d.pull(ctx, image); err != nil {
			return StepResult{}, err
		}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cfg := &container.Config{
		Image:      image,
		Cmd:        []string{"sh", "-ec", spec.Script},
		Env:        env,
		WorkingDir: containerWorkdir,
	}
	hostCfg := &container.HostConfig{}
	if spec.WorkingDir != "" {
		hostCfg.Binds = []string{spec.WorkingDir + ":" + containerWorkdir}
	}

	name := containerName(spec)
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if !client.IsErrNotFound(err) {
			return StepResult{}, fmt.Errorf("creating container: %w", err)
		}
		// Image missing locally; pull and retry once.
		if err := d.pull(ctx, image); err != nil {
			return StepResult{}, err
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if err != nil {
			return StepResult{}, fmt.Errorf("creating container: %w", err)
		}
	}
	id := created.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
			d.Logger.Debugf("Removing container %s: %v", id[:12], err)
		}
	}()

	started := time.Now()
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return StepResult{}, fmt.Errorf("starting container: %w", err)
	}
	d.Logger.Debugf("Step %q running in container %s (image %s)", spec.Name, id[:12], image)

	waitCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case <-ctx.Done():
		return StepResult{Started: started, Duration: time.Since(started)}, ctx.Err()
	case err := <-errCh:
		return StepResult{Started: started, Duration: time.Since(started)},
			fmt.Errorf("waiting for container: %w", err)
	case status := <-waitCh:
		if status.Error != nil {
			return StepResult{Started: started, Duration: time.Since(started)},
				fmt.Errorf("container wait: %s", status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	}

	output, err := d.collectLogs(ctx, id, spec.LogSink)
	if err != nil {
		return StepResult{ExitCode: exitCode, Started: started, Duration: time.Since(started)}, err
	}
	return StepResult{
		ExitCode: exitCode,
		Output:   output,
		Started:  started,
		Duration: time.Since(started),
	}, nil
}

func (d *Docker) pull(ctx context.Context, image string) error {
	d.Logger.Debugf("Pulling image %s", image)
	rc, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", image, err)
	}
	defer rc.Close()
	// The pull stream must be drained for the pull to complete.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling %s: %w", image, err)
	}
	return nil
}

// collectLogs demultiplexes the container's log stream into plain text.
func (d *Docker) collectLogs(ctx context.Context, id string, sink func(string)) (string, error) {
	logs, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", fmt.Errorf("demuxing container logs: %w", err)
	}
	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += stderr.String()
	}
	if sink != nil && out != "" {
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			sink(line)
		}
	}
	return out, nil
}

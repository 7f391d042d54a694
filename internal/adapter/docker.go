package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"media-jobs-service/internal/entity"
)

// containerAreaRoot is where the job area is mounted inside the container.
const containerAreaRoot = "/job"

// DockerAPI is the part of the docker client the adapter needs.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// NewDockerClient connects to the local daemon using DOCKER_HOST and friends.
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

type DockerConfig struct {
	Image string
	// GPUs requests all host GPUs for the container.
	GPUs        bool
	Preprocess  bool
	StopTimeout time.Duration
}

// Docker runs the model program inside a container with the job area
// bind-mounted at /job.
type Docker struct {
	spec KindSpec
	cfg  DockerConfig
	cli  DockerAPI
	log  logrus.FieldLogger
	stat func(string) (os.FileInfo, error)
}

func NewDocker(spec KindSpec, cfg DockerConfig, cli DockerAPI, log logrus.FieldLogger) *Docker {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Docker{
		spec: spec,
		cfg:  cfg,
		cli:  cli,
		log:  log.WithField("adapter", "docker").WithField("kind", spec.Kind),
		stat: os.Stat,
	}
}

func (d *Docker) Ready(ctx context.Context) error {
	if d.cfg.Image == "" {
		return fmt.Errorf("%w: no image for %s", ErrNotConfigured, d.spec.Kind)
	}
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, d.cfg.Image); err != nil {
		return fmt.Errorf("model image %s not available: %w", d.cfg.Image, err)
	}
	return nil
}

func (d *Docker) ValidateInputs(_ context.Context, inputs map[string]string) error {
	return d.spec.ValidateInputs(inputs)
}

func (d *Docker) Preprocess(ctx context.Context, req Request) error {
	if !d.cfg.Preprocess {
		return nil
	}
	return d.exec(ctx, req, StagePreprocess, nil)
}

func (d *Docker) Run(ctx context.Context, req Request, onProgress ProgressFunc) (string, error) {
	if err := d.exec(ctx, req, StageInfer, onProgress); err != nil {
		return "", err
	}
	if _, err := d.stat(req.OutputPath); err != nil {
		return "", entity.NewError(entity.CodeInference, "output file not created", err)
	}
	return req.OutputPath, nil
}

func (d *Docker) exec(ctx context.Context, req Request, stage string, onProgress ProgressFunc) error {
	if d.cfg.Image == "" {
		return entity.NewError(entity.CodeAdapterNotReady, "model not loaded", ErrNotConfigured)
	}

	log := d.log.WithFields(logrus.Fields{"job_id": req.JobID.String(), "stage": stage})
	start := time.Now()

	hostCfg := &container.HostConfig{
		Binds: []string{req.AreaRoot + ":" + containerAreaRoot},
	}
	if d.cfg.GPUs {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.cfg.Image,
		Cmd:        programArgs(req, stage, d.containerPath(req.AreaRoot)),
		WorkingDir: d.containerPath(req.AreaRoot)(req.WorkDir),
		Tty:        false,
		Labels: map[string]string{
			"mediajobs.job_id": req.JobID.String(),
			"mediajobs.stage":  stage,
		},
	}, hostCfg, nil, nil, fmt.Sprintf("mediajobs-%s-%s", req.JobID, stage))
	if err != nil {
		return entity.NewError(entity.CodeInference, "model container failed", err)
	}
	id := resp.ID

	defer func() {
		// ctx may already be cancelled; removal must still happen.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.WithError(err).Warn("remove container")
		}
	}()

	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return entity.NewError(entity.CodeInference, "model container failed", err)
	}
	log.WithField("container_id", shortID(id)).Debug("container started")

	out := newOutputs(onProgress)
	logsDone := make(chan struct{})
	logs, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		close(logsDone)
		log.WithError(err).Warn("attach container logs")
	} else {
		go func() {
			defer close(logsDone)
			defer logs.Close()
			_, _ = stdcopy.StdCopy(out.stdout, out.stderr, logs)
		}()
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var status container.WaitResponse
	select {
	case <-ctx.Done():
		d.stop(id, log)
		return ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			d.stop(id, log)
			return ctx.Err()
		}
		return entity.NewError(entity.CodeInference, "model container failed", err)
	case status = <-statusCh:
	}

	select {
	case <-logsDone:
	case <-time.After(5 * time.Second):
		log.Warn("container log stream did not close")
	}
	out.flush()

	log = log.WithFields(logrus.Fields{
		"exit_code":   status.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if status.Error != nil && status.Error.Message != "" {
		return entity.NewError(entity.CodeInference, "model container failed", errors.New(status.Error.Message))
	}
	if status.StatusCode != 0 {
		log.WithField("stderr", out.errs.String()).Warn("model container failed")
		return exitError(int(status.StatusCode), out.errs.last())
	}
	log.Debug("model container finished")
	return nil
}

func (d *Docker) stop(id string, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StopTimeout+5*time.Second)
	defer cancel()
	secs := int(d.cfg.StopTimeout / time.Second)
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		log.WithError(err).Warn("stop container")
	}
}

// containerPath rewrites host paths below areaRoot to their /job location.
func (d *Docker) containerPath(areaRoot string) func(string) string {
	return func(p string) string {
		rel, err := filepath.Rel(areaRoot, p)
		if err != nil {
			return p
		}
		return path.Join(containerAreaRoot, filepath.ToSlash(rel))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-jobs-service/internal/entity"
)

type fakeDocker struct {
	mu sync.Mutex

	pingErr  error
	imageErr error

	stdout   string
	stderr   string
	exitCode int64
	// block makes ContainerWait hang until ctx is done
	block bool
	// onStart runs when the container starts (e.g. to create the output file)
	onStart func()

	created *container.Config
	host    *container.HostConfig
	stopped bool
	removed bool
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) { return types.Ping{}, f.pingErr }

func (f *fakeDocker) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, f.imageErr
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = cfg
	f.host = host
	return container.CreateResponse{ID: "0123456789abcdef"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, types.ContainerStartOptions) error {
	if f.onStart != nil {
		f.onStart()
	}
	return nil
}

func (f *fakeDocker) ContainerLogs(context.Context, string, types.ContainerLogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.block {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerStop(context.Context, string, container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeDocker) ContainerRemove(context.Context, string, types.ContainerRemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func TestDocker_RunSuccess(t *testing.T) {
	req := lipSyncRequest(t)
	fake := &fakeDocker{
		stdout:  "PROGRESS 20 Processing video\nPROGRESS 90 Finalizing output video\n",
		onStart: func() { _ = os.WriteFile(req.OutputPath, []byte("mp4"), 0o644) },
	}
	d := NewDocker(Specs(DefaultLimits())[entity.KindLipSync],
		DockerConfig{Image: "musetalk:latest", GPUs: true}, fake, quietLogger())

	var progress progressLog
	out, err := d.Run(context.Background(), req, progress.fn)
	require.NoError(t, err)
	assert.Equal(t, req.OutputPath, out)
	assert.Equal(t, []int{20, 90}, progress.points)

	require.NotNil(t, fake.created)
	assert.Equal(t, "musetalk:latest", fake.created.Image)
	assert.Contains(t, fake.created.Cmd, "/job/work/raw.mp4")
	assert.Contains(t, fake.created.Cmd, "video=/job/inputs/video_a.mp4")
	assert.Equal(t, "/job/work", fake.created.WorkingDir)
	assert.Equal(t, []string{req.AreaRoot + ":/job"}, fake.host.Binds)
	assert.Len(t, fake.host.DeviceRequests, 1)
	assert.True(t, fake.removed)
}

func TestDocker_DomainExit(t *testing.T) {
	fake := &fakeDocker{stderr: "No faces detected in video\n", exitCode: 3}
	d := NewDocker(Specs(DefaultLimits())[entity.KindLipSync],
		DockerConfig{Image: "musetalk", Preprocess: true}, fake, quietLogger())

	err := d.Preprocess(context.Background(), lipSyncRequest(t))
	assert.True(t, entity.IsCode(err, entity.CodeDomain))
	assert.Equal(t, "No faces detected in video", entity.Detail(err).Message)
	assert.True(t, fake.removed)
}

func TestDocker_CancelStopsContainer(t *testing.T) {
	fake := &fakeDocker{block: true}
	d := NewDocker(Specs(DefaultLimits())[entity.KindLipSync],
		DockerConfig{Image: "musetalk", StopTimeout: time.Second}, fake, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Run(ctx, lipSyncRequest(t), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, fake.stopped)
	assert.True(t, fake.removed)
}

func TestDocker_Ready(t *testing.T) {
	spec := Specs(DefaultLimits())[entity.KindTranscribe]

	assert.ErrorIs(t, NewDocker(spec, DockerConfig{}, &fakeDocker{}, quietLogger()).Ready(context.Background()), ErrNotConfigured)

	down := &fakeDocker{pingErr: errors.New("connection refused")}
	assert.ErrorContains(t, NewDocker(spec, DockerConfig{Image: "whisper"}, down, quietLogger()).Ready(context.Background()), "unreachable")

	noImage := &fakeDocker{imageErr: errors.New("No such image")}
	assert.ErrorContains(t, NewDocker(spec, DockerConfig{Image: "whisper"}, noImage, quietLogger()).Ready(context.Background()), "not available")

	assert.NoError(t, NewDocker(spec, DockerConfig{Image: "whisper"}, &fakeDocker{}, quietLogger()).Ready(context.Background()))
}

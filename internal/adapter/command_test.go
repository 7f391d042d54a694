package adapter

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-jobs-service/internal/entity"
)

const argParser = `#!/bin/sh
out=""
stage=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output) out="$2"; shift 2 ;;
    --stage) stage="$2"; shift 2 ;;
    *) shift ;;
  esac
done
`

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.sh")
	require.NoError(t, os.WriteFile(path, []byte(argParser+body), 0o755))
	return path
}

func quietLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

func lipSyncRequest(t *testing.T) Request {
	t.Helper()
	root := t.TempDir()
	work := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))
	return Request{
		JobID: uuid.New(),
		Kind:  entity.KindLipSync,
		Inputs: map[string]string{
			"video": writeFile(t, filepath.Join(root, "inputs", "video_a.mp4"), 4),
			"audio": writeFile(t, filepath.Join(root, "inputs", "audio_a.wav"), 4),
		},
		AreaRoot:   root,
		WorkDir:    work,
		OutputPath: filepath.Join(work, "raw.mp4"),
	}
}

type progressLog struct {
	mu     sync.Mutex
	points []int
	stages []string
}

func (p *progressLog) fn(pct int, stage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points = append(p.points, pct)
	p.stages = append(p.stages, stage)
}

func TestCommand_RunSuccess(t *testing.T) {
	prog := script(t, `
echo "loading model"
echo "PROGRESS 30 Extracting landmarks"
echo "PROGRESS 80 Rendering"
printf video > "$out"
`)
	spec := Specs(DefaultLimits())[entity.KindLipSync]
	c := NewCommand(spec, CommandConfig{Argv: []string{prog}}, quietLogger())
	require.NoError(t, c.Ready(context.Background()))

	req := lipSyncRequest(t)
	var progress progressLog
	out, err := c.Run(context.Background(), req, progress.fn)
	require.NoError(t, err)
	assert.Equal(t, req.OutputPath, out)
	assert.Equal(t, []int{30, 80}, progress.points)
	assert.Equal(t, "Rendering", progress.stages[1])
}

func TestCommand_DomainError(t *testing.T) {
	prog := script(t, `
if [ "$stage" = "preprocess" ]; then
  echo "No faces detected in video" >&2
  exit 3
fi
`)
	spec := Specs(DefaultLimits())[entity.KindLipSync]
	c := NewCommand(spec, CommandConfig{Argv: []string{prog}, Preprocess: true}, quietLogger())

	err := c.Preprocess(context.Background(), lipSyncRequest(t))
	require.Error(t, err)
	assert.True(t, entity.IsCode(err, entity.CodeDomain))
	assert.Equal(t, "No faces detected in video", entity.Detail(err).Message)
}

func TestCommand_MissingOutput(t *testing.T) {
	prog := script(t, "exit 0\n")
	spec := Specs(DefaultLimits())[entity.KindLipSync]
	c := NewCommand(spec, CommandConfig{Argv: []string{prog}}, quietLogger())

	_, err := c.Run(context.Background(), lipSyncRequest(t), nil)
	assert.True(t, entity.IsCode(err, entity.CodeInference))
}

func TestCommand_CrashIsInferenceError(t *testing.T) {
	prog := script(t, "echo 'Traceback: CUDA OOM' >&2\nexit 1\n")
	spec := Specs(DefaultLimits())[entity.KindLipSync]
	c := NewCommand(spec, CommandConfig{Argv: []string{prog}}, quietLogger())

	_, err := c.Run(context.Background(), lipSyncRequest(t), nil)
	assert.True(t, entity.IsCode(err, entity.CodeInference))
	assert.ErrorContains(t, err, "CUDA OOM")
}

func TestCommand_Cancellation(t *testing.T) {
	prog := script(t, "sleep 30\n")
	spec := Specs(DefaultLimits())[entity.KindLipSync]
	c := NewCommand(spec, CommandConfig{Argv: []string{prog}}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Run(ctx, lipSyncRequest(t), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCommand_Ready(t *testing.T) {
	spec := Specs(DefaultLimits())[entity.KindTranscribe]

	err := NewCommand(spec, CommandConfig{}, quietLogger()).Ready(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = NewCommand(spec, CommandConfig{Argv: []string{"definitely-not-a-real-model-binary"}}, quietLogger()).
		Ready(context.Background())
	assert.ErrorContains(t, err, "not found")

	prog := script(t, "exit 0\n")
	err = NewCommand(spec, CommandConfig{Argv: []string{prog}, ModelsDir: filepath.Join(t.TempDir(), "none")}, quietLogger()).
		Ready(context.Background())
	assert.ErrorContains(t, err, "models directory not found")
}

func TestSplitCommand(t *testing.T) {
	assert.Equal(t, []string{"python3", "-m", "musetalk.run"}, SplitCommand("  python3 -m  musetalk.run "))
	assert.Empty(t, SplitCommand(""))
}

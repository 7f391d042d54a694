package adapter

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-jobs-service/internal/entity"
)

func TestParseProgress(t *testing.T) {
	pct, stage, ok := parseProgress("PROGRESS 40 Extracting landmarks")
	assert.True(t, ok)
	assert.Equal(t, 40, pct)
	assert.Equal(t, "Extracting landmarks", stage)

	pct, _, ok = parseProgress("PROGRESS 140")
	assert.True(t, ok)
	assert.Equal(t, 100, pct)

	for _, line := range []string{"", "progress 10 x", "PROGRESS ten", "loading model"} {
		_, _, ok := parseProgress(line)
		assert.False(t, ok, line)
	}
}

func TestExitError(t *testing.T) {
	assert.True(t, entity.IsCode(exitError(2, "bad header"), entity.CodeValidation))

	dom := exitError(3, "No faces detected in video")
	assert.True(t, entity.IsCode(dom, entity.CodeDomain))
	assert.Equal(t, "No faces detected in video", entity.Detail(dom).Message)

	inf := exitError(137, "Killed")
	assert.True(t, entity.IsCode(inf, entity.CodeInference))
	assert.NotContains(t, entity.Detail(inf).Message, "Killed")
}

func TestProgramArgs(t *testing.T) {
	req := Request{
		JobID:      uuid.New(),
		Kind:       entity.KindLipSync,
		Inputs:     map[string]string{"video": "/a/job/inputs/v.mp4", "audio": "/a/job/inputs/a.wav"},
		Params:     entity.Params{BBoxShift: 4},
		WorkDir:    "/a/job/work",
		OutputPath: "/a/job/work/out.mp4",
	}
	got := programArgs(req, StageInfer, nil)
	assert.Equal(t, []string{
		"--stage", "infer", "--kind", "lip_sync",
		"--input", "audio=/a/job/inputs/a.wav",
		"--input", "video=/a/job/inputs/v.mp4",
		"--param", "bbox_shift=4",
		"--work", "/a/job/work",
		"--output", "/a/job/work/out.mp4",
	}, got)
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := &lineWriter{fn: func(l string) { lines = append(lines, l) }}
	fmt.Fprint(w, "PROGRESS 1 a\r\nPROG")
	fmt.Fprint(w, "RESS 2 b\ntrailing")
	w.Flush()
	assert.Equal(t, []string{"PROGRESS 1 a", "PROGRESS 2 b", "trailing"}, lines)
}

func TestLineWriter_CarriageReturnProgressBars(t *testing.T) {
	var lines []string
	w := &lineWriter{fn: func(l string) { lines = append(lines, l) }}
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(w, "\r%d%%|###   | %d/3", i*33, i)
	}
	fmt.Fprint(w, "\rNo faces detected in video")
	w.Flush()

	assert.Equal(t, []string{"33%|###   | 1/3", "66%|###   | 2/3", "99%|###   | 3/3", "No faces detected in video"}, lines)
}

func TestLineWriter_BoundsUnterminatedOutput(t *testing.T) {
	var lines []string
	w := &lineWriter{fn: func(l string) { lines = append(lines, l) }}
	chunk := strings.Repeat("x", 4096)
	for i := 0; i < 64; i++ { // 256KB with no line break
		fmt.Fprint(w, chunk)
	}
	assert.LessOrEqual(t, len(w.buf), maxLineBytes)
	require.NotEmpty(t, lines)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), maxLineBytes)
	}

	tl := newTail(2)
	tl.add(strings.Repeat("y", 10*maxTailLine))
	assert.LessOrEqual(t, len(tl.last()), maxTailLine+len("..."))
}

func TestTail(t *testing.T) {
	tl := newTail(2)
	for _, l := range []string{"one", "", "two", "three"} {
		tl.add(l)
	}
	assert.Equal(t, "three", tl.last())
	assert.Equal(t, "two\nthree", tl.String())
}

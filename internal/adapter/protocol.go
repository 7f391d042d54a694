package adapter

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"media-jobs-service/internal/entity"
)

// Model programs share one calling convention, whether they run as a local
// process or inside a container:
//
//	<program> --stage <preprocess|infer> --kind <kind> --input slot=path... \
//	    --param key=value... --work <dir> --output <path>
//
// Stdout lines "PROGRESS <percent> <stage label>" report progress. Exit
// codes: 0 ok, 2 invalid input, 3 domain failure (message on stderr), any
// other value is an inference failure.
const (
	StagePreprocess = "preprocess"
	StageInfer      = "infer"

	exitValidation = 2
	exitDomain     = 3

	progressPrefix = "PROGRESS"
)

func programArgs(req Request, stage string, mapPath func(string) string) []string {
	if mapPath == nil {
		mapPath = func(p string) string { return p }
	}
	args := []string{"--stage", stage, "--kind", string(req.Kind)}

	slots := make([]string, 0, len(req.Inputs))
	for slot := range req.Inputs {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	for _, slot := range slots {
		args = append(args, "--input", slot+"="+mapPath(req.Inputs[slot]))
	}

	params := req.Params.Args(req.Kind)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--param", k+"="+params[k])
	}

	return append(args, "--work", mapPath(req.WorkDir), "--output", mapPath(req.OutputPath))
}

// parseProgress recognises "PROGRESS 40 Extracting landmarks".
func parseProgress(line string) (int, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != progressPrefix {
		return 0, "", false
	}
	pct, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", false
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, strings.Join(fields[2:], " "), true
}

// exitError classifies a non-zero exit status.
func exitError(code int, detail string) error {
	switch code {
	case exitValidation:
		if detail == "" {
			detail = "invalid input"
		}
		return entity.ValidationError("%s", detail)
	case exitDomain:
		if detail == "" {
			detail = "model rejected the input"
		}
		return entity.DomainError(detail)
	default:
		return entity.NewError(entity.CodeInference, "model process failed",
			fmt.Errorf("exit status %d: %s", code, detail))
	}
}

const (
	// a line longer than this is emitted in pieces
	maxLineBytes = 64 << 10
	// error tail entries are cut to this many bytes
	maxTailLine = 512
)

// lineWriter splits a byte stream into lines and hands each non-empty one
// to fn. Both '\n' and '\r' end a line, so carriage-return progress bars
// are seen frame by frame instead of piling up.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) > maxLineBytes {
		w.emit(w.buf[:maxLineBytes])
		w.buf = w.buf[maxLineBytes:]
	}
	return len(p), nil
}

func (w *lineWriter) emit(line []byte) {
	if len(line) == 0 {
		return
	}
	w.fn(string(line))
}

// Flush emits a trailing partial line, if any.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = nil
}

// tail keeps the last n non-empty lines of a stream.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if len(line) > maxTailLine {
		line = strings.ToValidUTF8(line[:maxTailLine], "") + "..."
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return ""
	}
	return t.lines[len(t.lines)-1]
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// outputs wires a program's stdout/stderr to progress reporting and an
// error tail.
type outputs struct {
	stdout *lineWriter
	stderr *lineWriter
	errs   *tail
}

func newOutputs(onProgress ProgressFunc) *outputs {
	o := &outputs{errs: newTail(20)}
	o.stdout = &lineWriter{fn: func(line string) {
		if pct, stage, ok := parseProgress(line); ok {
			if onProgress != nil {
				onProgress(pct, stage)
			}
		}
	}}
	o.stderr = &lineWriter{fn: o.errs.add}
	return o
}

func (o *outputs) flush() {
	o.stdout.Flush()
	o.stderr.Flush()
}

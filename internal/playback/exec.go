package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-ttsplay/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// ExecBackend pipes raw float32 little-endian PCM into an external player, for example
// `aplay -q -t raw -f FLOAT_LE -c {channels} -r {rate}`.
type ExecBackend struct {
	cmd []string
	log *slog.Logger
}

func NewExecBackend(command string, log *slog.Logger) (*ExecBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &ExecBackend{cmd: args, log: log.With(slog.String("component", "exec-player"))}, nil
}

func (b *ExecBackend) Name() string { return "exec" }

func (b *ExecBackend) Open(sampleRate, channels int) (Device, error) {
	replacer := strings.NewReplacer("{rate}", strconv.Itoa(sampleRate), "{channels}", strconv.Itoa(channels))
	args := make([]string, len(b.cmd))
	for i, a := range b.cmd {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	b.log.Info("external player started", slog.String("command", args[0]), slog.Int("pid", cmd.Process.Pid))
	return &execDevice{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

type execDevice struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *limitedBuffer

	waitOnce sync.Once
	waitErr  error
}

// Write blocks on the OS pipe once the player stops consuming, which paces the caller.
func (d *execDevice) Write(ctx context.Context, samples []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.stdin.Close()
	})
	defer stop()
	if _, err := d.stdin.Write(protocol.SamplesToBytes(samples)); err != nil {
		if msg := strings.TrimSpace(d.stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func (d *execDevice) Stop() error {
	_ = d.stdin.Close()
	return d.wait()
}

func (d *execDevice) Close() error {
	if d.cmd.ProcessState == nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.wait()
	return nil
}

func (d *execDevice) wait() error {
	d.waitOnce.Do(func() {
		if err := d.cmd.Wait(); err != nil {
			d.waitErr = fmt.Errorf("player exited: %w: %s", err, strings.TrimSpace(d.stderr.String()))
		}
	})
	return d.waitErr
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

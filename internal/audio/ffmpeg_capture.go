package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"rehabchat/internal/ports"
)

// Microphone records PCM from the default input through an ffmpeg child
// process.
type Microphone struct {
	command  string
	lookPath func(string) (string, error)
}

func NewMicrophone(command string) *Microphone {
	if command == "" {
		command = "ffmpeg"
	}
	return &Microphone{command: command, lookPath: exec.LookPath}
}

// Check reports why the recorder cannot run, or nil when it can.
func (m *Microphone) Check() error {
	if _, err := m.lookPath(m.command); err != nil {
		return fmt.Errorf("recorder %q not found: %w", m.command, err)
	}
	return nil
}

func (m *Microphone) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cmd := exec.CommandContext(ctx, m.command, recorderArgs(cfg)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start recorder: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(exited)
	}()

	// ffmpeg fails fast on a bad device; give it a moment before handing
	// the pipe to the caller.
	select {
	case err := <-exited:
		detail := strings.TrimSpace(stderr.String())
		if err != nil {
			return nil, fmt.Errorf("recorder exited before capture started: %w: %s", err, detail)
		}
		return nil, errors.New("recorder exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &recording{stdout: stdout, stderr: &stderr, process: cmd.Process, exited: exited}, nil
}

func recorderArgs(cfg ports.AudioConfig) []string {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

type recording struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	exited  <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (r *recording) Read(p []byte) (int, error) {
	return r.stdout.Read(p)
}

func (r *recording) Close() error {
	return r.Stop()
}

// Stop interrupts ffmpeg, escalating to kill if it does not exit in time.
func (r *recording) Stop() error {
	r.stopOnce.Do(func() {
		if r.process != nil {
			_ = r.process.Signal(os.Interrupt)
		}

		var err error
		select {
		case err = <-r.exited:
		case <-time.After(1200 * time.Millisecond):
			if r.process != nil {
				_ = r.process.Kill()
			}
			err = <-r.exited
		}
		r.stopErr = ignoreExitStatus(err)

		if closeErr := r.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && r.stopErr == nil {
			r.stopErr = closeErr
		}
		if r.stopErr != nil && r.stderr != nil && r.stderr.Len() > 0 {
			r.stopErr = fmt.Errorf("%w: %s", r.stopErr, strings.TrimSpace(r.stderr.String()))
		}
	})
	return r.stopErr
}

// ignoreExitStatus drops the non-zero exit caused by our own interrupt.
func ignoreExitStatus(err error) error {
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	return err
}

package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/recbooth/recbooth/internal/config"
	"github.com/recbooth/recbooth/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Int64  = logger.Int64
	Bool   = logger.Bool
	Error  = logger.Error
)

// ErrDeviceUnavailable indicates the capture device could not be
// acquired (permission or hardware failure). Recoverable by retrying
// Start.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// CaptureDevice acquires an exclusive device stream. The returned
// stream is owned by the Recording Controller until closed.
type CaptureDevice interface {
	Acquire(ctx context.Context) (io.ReadCloser, error)
}

// FFmpegDevice captures raw audio by running an ffmpeg process against
// the configured capture source and reading its stdout
type FFmpegDevice struct {
	ffmpegPath string
	source     string
	sampleRate int
	channels   int
	format     string
	logger     *logger.Logger
}

// NewFFmpegDevice creates a capture device from the recording config
func NewFFmpegDevice(cfg config.RecordingConfig, log *logger.Logger) *FFmpegDevice {
	return &FFmpegDevice{
		ffmpegPath: cfg.FFmpegPath,
		source:     cfg.CaptureSource,
		sampleRate: cfg.FFmpegSampleRate,
		channels:   cfg.FFmpegChannels,
		format:     cfg.FFmpegFormat,
		logger:     log.Named("ffmpeg-device"),
	}
}

// Acquire spawns the ffmpeg process and hands its stdout to the caller.
// Closing the returned stream terminates the process and reaps it.
func (d *FFmpegDevice) Acquire(ctx context.Context) (io.ReadCloser, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", d.source,
		"-f", d.format,
		"-ar", strconv.Itoa(d.sampleRate),
		"-ac", strconv.Itoa(d.channels),
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdout pipe: %v", ErrDeviceUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrDeviceUnavailable, err)
	}

	d.logger.Info("Acquired capture device",
		String("source", d.source),
		Int("sample_rate", d.sampleRate),
		Int("channels", d.channels),
		Int("pid", cmd.Process.Pid))

	return &processStream{
		reader: stdout,
		cmd:    cmd,
		logger: d.logger,
	}, nil
}

// processStream wraps the ffmpeg stdout so that Close also terminates
// and reaps the process. Close is safe to call more than once.
type processStream struct {
	reader io.ReadCloser
	cmd    *exec.Cmd
	once   sync.Once
	logger *logger.Logger
}

func (p *processStream) Read(buf []byte) (int, error) {
	return p.reader.Read(buf)
}

func (p *processStream) Close() error {
	p.once.Do(func() {
		p.reader.Close()
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		// Reap the process; the error is expected after a kill
		_ = p.cmd.Wait()
		p.logger.Debug("Released capture device")
	})
	return nil
}

package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/recbooth/recbooth/internal/config"
	"github.com/recbooth/recbooth/internal/session"
	"github.com/recbooth/recbooth/pkg/logger"
)

// Chunk is a bounded-duration segment of captured media, the unit of
// upload and acknowledgement
type Chunk struct {
	Seq  int
	Data []byte
}

// ChunkSpool persists captured chunks locally so a failed upload can
// resume from the cursor without re-sending confirmed data
type ChunkSpool interface {
	SaveChunk(token session.Token, seq int, data []byte) error
	MarkUploaded(token session.Token, seq int) error
	PendingChunks(token session.Token) ([]Chunk, error)
}

// Events receives controller lifecycle notifications. Implementations
// must be quick; they are invoked from the controller's goroutines.
type Events interface {
	CaptureStopped(auto bool)
	DeviceLost(err error)
	ChunkUploaded(seq, remaining int)
	UploadComplete()
	UploadFailed(err error)
}

// recordingSession tracks client-local capture state. Created when
// capture starts, destroyed when the controller leaves the
// recording/uploading phase, releasing the device stream
// unconditionally.
type recordingSession struct {
	stream       io.ReadCloser // owned exclusively by the controller while capturing
	chunks       []Chunk       // append-only, never reordered or removed
	uploadCursor int           // number of chunks confirmed persisted upstream
	startedAt    time.Time
	totalBytes   int64
	stopping     bool
	paused       bool
	captureDone  chan struct{}
	releaseOnce  sync.Once
}

// release closes the device stream exactly once, on every exit path
func (rs *recordingSession) release() {
	rs.releaseOnce.Do(func() {
		if rs.stream != nil {
			rs.stream.Close()
		}
	})
}

// Controller owns the capture device lifecycle for one session:
// acquire, capture, chunk, pause, stop, upload. Only reachable from the
// ACTIVE state; the state machine signals intent through
// Start/Pause/Resume/Stop/Retry and observes results through Events.
type Controller struct {
	token    session.Token
	device   CaptureDevice
	uploader Uploader
	spool    ChunkSpool
	events   Events

	chunkBytes  int
	maxDuration time.Duration
	maxBytes    int64

	mu        sync.Mutex
	pause     *sync.Cond // signalled on resume, stop and abort
	rec       *recordingSession
	uploading bool
	ctx       context.Context
	cancel    context.CancelFunc

	logger *logger.Logger
}

// NewController creates a recording controller for one session token.
// Chunk size in bytes is derived from the configured chunk duration and
// the raw capture format (16-bit samples).
func NewController(
	token session.Token,
	device CaptureDevice,
	uploader Uploader,
	spool ChunkSpool,
	events Events,
	cfg config.RecordingConfig,
	log *logger.Logger,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		token:       token,
		device:      device,
		uploader:    uploader,
		spool:       spool,
		events:      events,
		chunkBytes:  cfg.ChunkSeconds * cfg.FFmpegSampleRate * cfg.FFmpegChannels * 2,
		maxDuration: time.Duration(cfg.MaxDurationSeconds) * time.Second,
		maxBytes:    int64(cfg.MaxSizeMB) * 1024 * 1024,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.Named("recording-controller").With(String("token", token.String())),
	}
	c.pause = sync.NewCond(&c.mu)
	return c
}

// Start acquires the capture device and begins chunked capture.
// Returns ErrDeviceUnavailable (wrapped) if acquisition fails, which is
// recoverable by calling Start again.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec != nil {
		return fmt.Errorf("recording already in progress for %s", c.token)
	}

	stream, err := c.device.Acquire(c.ctx)
	if err != nil {
		c.logger.Warn("Failed to acquire capture device", Error(err))
		return err
	}

	rec := &recordingSession{
		stream:      stream,
		startedAt:   time.Now(),
		captureDone: make(chan struct{}),
	}
	c.rec = rec

	c.logger.Info("Capture started",
		Int("chunk_bytes", c.chunkBytes),
		String("max_duration", c.maxDuration.String()),
		Int64("max_bytes", c.maxBytes))

	go c.captureLoop(rec)
	return nil
}

// captureLoop reads fixed-size chunks from the device stream and
// appends them in strict order, enforcing the duration and size
// ceilings
func (c *Controller) captureLoop(rec *recordingSession) {
	defer close(rec.captureDone)

	buf := make([]byte, c.chunkBytes)
	for {
		n, err := io.ReadFull(rec.stream, buf)

		// While paused, already-read data is held back rather than
		// dropped; a stop or abort wakes the wait
		if err == nil {
			c.mu.Lock()
			for rec.paused && !rec.stopping {
				c.pause.Wait()
			}
			c.mu.Unlock()
		}

		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.appendChunk(rec, data)
		}

		if err != nil {
			c.mu.Lock()
			stopping := rec.stopping
			c.mu.Unlock()
			if stopping {
				// deliberate close on stop; partial chunk already kept
				return
			}
			// the stream ended unexpectedly while recording
			rec.release()
			c.mu.Lock()
			c.rec = nil // a retry re-records from scratch
			c.mu.Unlock()
			c.logger.Warn("Device stream lost during capture", Error(err))
			c.events.DeviceLost(err)
			return
		}

		if c.ceilingReached(rec) {
			c.logger.Info("Recording ceiling reached, forcing stop",
				Int64("total_bytes", rec.totalBytes),
				String("elapsed", time.Since(rec.startedAt).String()))
			c.events.CaptureStopped(true)
			c.finishCapture(rec)
			return
		}
	}
}

// appendChunk appends one captured chunk and spools it locally. A spool
// write failure is logged but does not drop the in-memory copy.
func (c *Controller) appendChunk(rec *recordingSession, data []byte) {
	c.mu.Lock()
	seq := len(rec.chunks)
	rec.chunks = append(rec.chunks, Chunk{Seq: seq, Data: data})
	rec.totalBytes += int64(len(data))
	c.mu.Unlock()

	if err := c.spool.SaveChunk(c.token, seq, data); err != nil {
		c.logger.Error("Failed to spool chunk locally",
			Int("seq", seq),
			Error(err))
	}

	c.logger.Debug("Captured chunk",
		Int("seq", seq),
		Int("bytes", len(data)))
}

func (c *Controller) ceilingReached(rec *recordingSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(rec.startedAt) >= c.maxDuration {
		return true
	}
	return rec.totalBytes >= c.maxBytes
}

// Stop ends capture (user intent or forced by a ceiling) and begins
// the upload phase. The device stream is released before any upload is
// issued.
func (c *Controller) Stop() error {
	c.mu.Lock()
	rec := c.rec
	if rec == nil {
		c.mu.Unlock()
		return fmt.Errorf("no recording in progress for %s", c.token)
	}
	if rec.stopping {
		c.mu.Unlock()
		return nil
	}
	rec.stopping = true
	c.pause.Broadcast()
	c.mu.Unlock()

	rec.release()
	<-rec.captureDone

	c.startUpload(rec)
	return nil
}

// finishCapture is the forced-stop path taken from inside the capture
// loop when a ceiling is hit
func (c *Controller) finishCapture(rec *recordingSession) {
	c.mu.Lock()
	rec.stopping = true
	c.mu.Unlock()

	rec.release()
	c.startUpload(rec)
}

// startUpload launches the sequential upload loop for unconfirmed
// chunks
func (c *Controller) startUpload(rec *recordingSession) {
	c.mu.Lock()
	if c.uploading {
		c.mu.Unlock()
		return
	}
	c.uploading = true
	c.mu.Unlock()

	go c.uploadLoop(rec)
}

// uploadLoop uploads chunks strictly in capture order, advancing the
// cursor only on confirmed persistence so acknowledgements are observed
// in non-decreasing sequence order
func (c *Controller) uploadLoop(rec *recordingSession) {
	defer func() {
		c.mu.Lock()
		c.uploading = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		cursor := rec.uploadCursor
		total := len(rec.chunks)
		if cursor >= total {
			c.rec = nil // upload finished, client-local state destroyed
			c.mu.Unlock()
			c.logger.Info("All chunks confirmed", Int("chunks", total))
			c.events.UploadComplete()
			return
		}
		chunk := rec.chunks[cursor]
		c.mu.Unlock()

		if err := c.uploader.UploadChunk(c.ctx, c.token, chunk.Seq, chunk.Data); err != nil {
			if c.ctx.Err() != nil {
				// session ended; no further events
				return
			}
			c.logger.Warn("Upload phase failed, retry will resume from cursor",
				Int("cursor", cursor),
				Int("total", total),
				Error(err))
			c.events.UploadFailed(err)
			return
		}

		c.mu.Lock()
		rec.uploadCursor = cursor + 1
		remaining := len(rec.chunks) - rec.uploadCursor
		c.mu.Unlock()

		if err := c.spool.MarkUploaded(c.token, chunk.Seq); err != nil {
			c.logger.Error("Failed to mark chunk uploaded in spool",
				Int("seq", chunk.Seq),
				Error(err))
		}
		c.events.ChunkUploaded(chunk.Seq, remaining)
	}
}

// RetryUpload resumes the upload phase from the last confirmed chunk,
// never re-sending confirmed data and never leaving gaps
func (c *Controller) RetryUpload() error {
	c.mu.Lock()
	rec := c.rec
	uploading := c.uploading
	c.mu.Unlock()

	if rec == nil {
		return errors.New("no pending upload to retry")
	}
	if uploading {
		return nil
	}
	c.startUpload(rec)
	return nil
}

// Progress reports confirmed and total chunk counts
func (c *Controller) Progress() (confirmed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil {
		return 0, 0
	}
	return c.rec.uploadCursor, len(c.rec.chunks)
}

// Abort cancels any in-flight capture or upload and releases the
// device stream. Called when the user navigates away or the session is
// evicted.
func (c *Controller) Abort() {
	c.cancel()

	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()

	if rec != nil {
		c.mu.Lock()
		rec.stopping = true
		c.pause.Broadcast()
		c.mu.Unlock()
		rec.release()
		c.logger.Info("Recording aborted, device released")
	}
}

// Pause suspends chunk capture without releasing the device. Captured
// data already in flight is held until Resume, never dropped.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec == nil || c.rec.stopping {
		return fmt.Errorf("no recording in progress for %s", c.token)
	}
	if c.rec.paused {
		return nil
	}
	c.rec.paused = true
	c.logger.Info("Capture paused")
	return nil
}

// Resume continues chunk capture after a Pause
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec == nil {
		return fmt.Errorf("no recording in progress for %s", c.token)
	}
	if !c.rec.paused {
		return nil
	}
	c.rec.paused = false
	c.pause.Broadcast()
	c.logger.Info("Capture resumed")
	return nil
}

// Paused reports whether capture is currently suspended
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec != nil && c.rec.paused
}

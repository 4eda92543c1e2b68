package booth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/recbooth/recbooth/internal/config"
	"github.com/recbooth/recbooth/internal/recording"
	"github.com/recbooth/recbooth/internal/session"
	"github.com/recbooth/recbooth/internal/websocket"
	"github.com/recbooth/recbooth/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Bool   = logger.Bool
	Error  = logger.Error
)

// Service manages live recording booths, one per session token. It
// wires validator outcomes into each booth's state machine, relays user
// intent to the recording controller, and pushes transitions to the
// WebSocket hub.
type Service struct {
	validator *session.Validator
	device    recording.CaptureDevice
	uploader  recording.Uploader
	spool     recording.ChunkSpool
	wsServer  *websocket.Server
	config    *config.Config
	logger    *logger.Logger

	booths   map[session.Token]*Booth
	boothsMu sync.RWMutex

	// Background tasks
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Booth is one live recording session: a state machine plus the
// controller that owns its capture device
type Booth struct {
	Token      session.Token
	Machine    *session.Machine
	Controller *recording.Controller

	service      *Service
	mu           sync.Mutex // serializes user intents
	activityMu   sync.Mutex
	lastActivity time.Time
}

// NewService creates the booth service and starts its background
// eviction task
func NewService(
	validator *session.Validator,
	device recording.CaptureDevice,
	uploader recording.Uploader,
	spool recording.ChunkSpool,
	wsServer *websocket.Server,
	cfg *config.Config,
	log *logger.Logger,
) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		validator: validator,
		device:    device,
		uploader:  uploader,
		spool:     spool,
		wsServer:  wsServer,
		config:    cfg,
		logger:    log.Named("booth-service"),
		booths:    make(map[session.Token]*Booth),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.wg.Add(1)
	go s.evictIdleBooths()

	return s
}

// Open resolves a recording URL path to a live booth. Malformed tokens
// short-circuit before any network call. The first open of a token runs
// validation; later opens return the existing booth so duplicate page
// loads converge on one state.
func (s *Service) Open(ctx context.Context, path string) (*Booth, error) {
	token, err := session.ParseToken(path)
	if err != nil {
		return nil, err
	}

	s.boothsMu.Lock()
	if b, ok := s.booths[token]; ok {
		s.boothsMu.Unlock()
		b.touch()
		// A reload is the user's recovery path out of NETWORK_ERROR (and
		// out of INITIALIZING, left behind by an abandoned attempt), so
		// it gets a fresh validation attempt instead of the cached state
		if state := b.Machine.State(); state == session.StateNetworkError || state == session.StateInitializing {
			b.Machine.Resolve(s.validator.Validate(ctx, token))
		}
		return b, nil
	}

	b := &Booth{
		Token:        token,
		Machine:      session.NewMachine(),
		service:      s,
		lastActivity: time.Now(),
	}
	b.Controller = recording.NewController(
		token,
		s.device,
		s.uploader,
		s.spool,
		b,
		s.config.Recording,
		s.logger,
	)
	b.Machine.SetListener(s.makeTransitionListener(b))
	s.booths[token] = b
	s.boothsMu.Unlock()

	s.logger.Info("Opened booth", String("token", token.String()))

	// Single validation attempt per page load; its outcome (or timeout)
	// resolves INITIALIZING to a user-visible state
	outcome := s.validator.Validate(ctx, token)
	b.Machine.Resolve(outcome)
	return b, nil
}

// Get returns the live booth for a token, if any
func (s *Service) Get(token session.Token) (*Booth, bool) {
	s.boothsMu.RLock()
	defer s.boothsMu.RUnlock()
	b, ok := s.booths[token]
	return b, ok
}

// makeTransitionListener broadcasts every machine transition to UIs
// subscribed to the token and releases the device if a terminal backend
// fact preempts an in-flight recording
func (s *Service) makeTransitionListener(b *Booth) session.TransitionListener {
	return func(from, to session.State, snap session.Snapshot) {
		s.logger.Info("Session state transition",
			String("token", b.Token.String()),
			String("from", string(from)),
			String("to", string(to)))

		if to.Terminal() && (from == session.StateRecording || from == session.StateUploading) {
			b.Controller.Abort()
		}

		if s.wsServer == nil {
			return
		}
		s.wsServer.Broadcast(&websocket.Message{
			Type:  websocket.MessageTypeStateChanged,
			Token: b.Token.String(),
			Data: map[string]any{
				"state":   string(snap.State),
				"marker":  snap.Marker,
				"message": snap.Message,
			},
		})
	}
}

// StartRecording begins capture for an ACTIVE booth. A device
// acquisition failure leaves the booth in ACTIVE so the user can retry.
func (s *Service) StartRecording(token session.Token) error {
	b, ok := s.Get(token)
	if !ok {
		return fmt.Errorf("no open booth for token %s", token)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touch()

	if state := b.Machine.State(); state != session.StateActive {
		return fmt.Errorf("cannot start recording from state %s", state)
	}
	if err := b.Controller.Start(); err != nil {
		return err
	}
	if err := b.Machine.StartRecording(); err != nil {
		// state changed between the check and the transition; undo the
		// capture we just started
		b.Controller.Abort()
		return err
	}
	return nil
}

// PauseRecording suspends capture without releasing the device or
// leaving the RECORDING state
func (s *Service) PauseRecording(token session.Token) error {
	b, ok := s.Get(token)
	if !ok {
		return fmt.Errorf("no open booth for token %s", token)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touch()

	if state := b.Machine.State(); state != session.StateRecording {
		return fmt.Errorf("cannot pause from state %s", state)
	}
	return b.Controller.Pause()
}

// ResumeRecording continues a paused capture
func (s *Service) ResumeRecording(token session.Token) error {
	b, ok := s.Get(token)
	if !ok {
		return fmt.Errorf("no open booth for token %s", token)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touch()

	if state := b.Machine.State(); state != session.StateRecording {
		return fmt.Errorf("cannot resume from state %s", state)
	}
	return b.Controller.Resume()
}

// StopRecording ends capture on user intent and begins the upload phase
func (s *Service) StopRecording(token session.Token) error {
	b, ok := s.Get(token)
	if !ok {
		return fmt.Errorf("no open booth for token %s", token)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touch()

	if err := b.Machine.StopRecording(); err != nil {
		return err
	}
	if err := b.Controller.Stop(); err != nil {
		// the capture ended underneath us (device lost between the
		// transition and the stop); don't strand UPLOADING with no
		// upload loop running
		if uerr := b.Machine.UploadAborted(); uerr != nil {
			s.logger.Warn("Stop failure raced with another transition",
				String("token", b.Token.String()),
				Error(uerr))
		}
		return err
	}
	return nil
}

// RetryUpload resumes a failed upload from the last confirmed chunk
func (s *Service) RetryUpload(token session.Token) error {
	b, ok := s.Get(token)
	if !ok {
		return fmt.Errorf("no open booth for token %s", token)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touch()

	if err := b.Machine.RetryUpload(); err != nil {
		return err
	}
	return b.Controller.RetryUpload()
}

// Revalidate issues a fresh validation attempt, used to re-enter ACTIVE
// after a recoverable NETWORK_ERROR
func (s *Service) Revalidate(ctx context.Context, token session.Token) error {
	b, ok := s.Get(token)
	if !ok {
		return fmt.Errorf("no open booth for token %s", token)
	}
	b.touch()

	outcome := s.validator.Validate(ctx, token)
	b.Machine.Resolve(outcome)
	return nil
}

// EndSession closes a booth: cancels in-flight work and releases the
// device stream. Called when the user navigates away.
func (s *Service) EndSession(token session.Token) {
	s.boothsMu.Lock()
	b, ok := s.booths[token]
	if ok {
		delete(s.booths, token)
	}
	s.boothsMu.Unlock()

	if ok {
		b.Controller.Abort()
		s.logger.Info("Ended booth session", String("token", token.String()))
	}
}

// evictIdleBooths periodically removes booths with no recent activity
func (s *Service) evictIdleBooths() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	idleTimeout := time.Duration(s.config.Session.IdleSessionTimeoutMin) * time.Minute

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var expired []session.Token

			s.boothsMu.RLock()
			for token, b := range s.booths {
				b.activityMu.Lock()
				idle := now.Sub(b.lastActivity)
				b.activityMu.Unlock()
				state := b.Machine.State()
				busy := state == session.StateRecording || state == session.StateUploading
				if idle > idleTimeout && !busy {
					expired = append(expired, token)
				}
			}
			s.boothsMu.RUnlock()

			for _, token := range expired {
				s.logger.Info("Evicting idle booth", String("token", token.String()))
				s.EndSession(token)
			}
		}
	}
}

// Shutdown closes all booths and stops background tasks
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	s.boothsMu.Lock()
	tokens := make([]session.Token, 0, len(s.booths))
	for token := range s.booths {
		tokens = append(tokens, token)
	}
	s.boothsMu.Unlock()

	for _, token := range tokens {
		s.EndSession(token)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// touch records booth activity for idle eviction
func (b *Booth) touch() {
	b.activityMu.Lock()
	b.lastActivity = time.Now()
	b.activityMu.Unlock()
}

// Snapshot returns the presentation snapshot for this booth
func (b *Booth) Snapshot() session.Snapshot {
	return b.Machine.Snapshot()
}

// Controller event callbacks. These are invoked from the controller's
// goroutines and only touch the machine (which has its own lock) and
// the hub, never the booth lock.

// CaptureStopped handles the end of capture; for a forced stop (ceiling
// hit) the machine transition happens here since no user intent drove it
func (b *Booth) CaptureStopped(auto bool) {
	if !auto {
		return
	}
	if err := b.Machine.StopRecording(); err != nil {
		b.service.logger.Warn("Forced stop raced with another transition",
			String("token", b.Token.String()),
			Error(err))
	}
}

// DeviceLost handles an unexpected end of the device stream. The
// resulting state is recoverable: the user may retry after
// re-validation.
func (b *Booth) DeviceLost(err error) {
	if derr := b.Machine.DeviceLost(); derr != nil {
		b.service.logger.Warn("Device loss raced with another transition",
			String("token", b.Token.String()),
			Error(derr))
	}
}

// ChunkUploaded pushes upload progress to subscribed UIs
func (b *Booth) ChunkUploaded(seq, remaining int) {
	if b.service.wsServer == nil {
		return
	}
	b.service.wsServer.Broadcast(&websocket.Message{
		Type:  websocket.MessageTypeUploadProgress,
		Token: b.Token.String(),
		Data: map[string]any{
			"seq":       seq,
			"remaining": remaining,
		},
	})
}

// UploadComplete moves the machine to COMPLETE and clears the local
// spool
func (b *Booth) UploadComplete() {
	if err := b.Machine.UploadComplete(); err != nil {
		b.service.logger.Warn("Upload completion raced with another transition",
			String("token", b.Token.String()),
			Error(err))
		return
	}
	if purger, ok := b.service.spool.(interface{ PurgeSession(session.Token) error }); ok {
		if err := purger.PurgeSession(b.Token); err != nil {
			b.service.logger.Error("Failed to purge spooled chunks",
				String("token", b.Token.String()),
				Error(err))
		}
	}
}

// UploadFailed moves the machine to the retryable UPLOAD_FAILED state
func (b *Booth) UploadFailed(err error) {
	if uerr := b.Machine.UploadFailed(); uerr != nil {
		b.service.logger.Warn("Upload failure raced with another transition",
			String("token", b.Token.String()),
			Error(uerr))
	}
}

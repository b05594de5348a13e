// Package session owns one image from the moment a file is handed over until a cropped
// file is delivered, the user cancels, or the caller gives up after a failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/menta2k/photo-cropper/pkg/extraction"
	"github.com/menta2k/photo-cropper/pkg/job"
	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/selection"
	"github.com/menta2k/photo-cropper/pkg/source"
	"github.com/menta2k/photo-cropper/pkg/types"
)

var (
	ErrMissingCropData = errors.New("no committed crop region")
	ErrSessionClosed   = errors.New("crop session closed")

	ErrMissingRenderSurface = extraction.ErrMissingRenderSurface
	ErrEncodeFailure        = extraction.ErrEncodeFailure
)

// Callbacks connect a session to its caller. Every field is optional. Callbacks are
// never invoked while the session lock is held.
type Callbacks struct {
	OnComplete func(*types.File)
	OnError    func(error)
	// OnStatus reports true when a job is admitted and false when it resolves. A
	// report overtaken by a later transition is dropped, so the last call always
	// matches Processing. It must not call back into the session.
	OnStatus func(processing bool)
}

// Suggester proposes a starting crop for an image, in relative units
type Suggester interface {
	Suggest(ctx context.Context, img image.Image) (region.Region, error)
}

// Config holds the session policy and collaborators
type Config struct {
	Source      source.Options
	Constraints selection.Constraints
	Defaults    selection.Defaults
	Quality     int
	Scheduler   Scheduler
	Pipeline    *extraction.Pipeline

	Suggester      Suggester
	SuggestTimeout time.Duration
}

// DefaultConfig returns the standard crop policy: square aspect, 100px minimum,
// 500x500 display bound, quality 80 and a 10ms yield
func DefaultConfig() Config {
	return Config{
		Source:         source.DefaultOptions(),
		Constraints:    selection.DefaultConstraints(),
		Quality:        extraction.DefaultQuality,
		Scheduler:      DelayScheduler{Delay: DefaultYieldDelay},
		SuggestTimeout: 30 * time.Second,
	}
}

// Outcome is the lifecycle position of a session
type Outcome string

const (
	Open      Outcome = "open"
	Completed Outcome = "completed"
	Cancelled Outcome = "cancelled"
)

// Session is safe for concurrent use
type Session struct {
	id     string
	config Config
	cb     Callbacks
	logger zerolog.Logger

	mu        sync.Mutex
	src       *source.Source
	sel       *selection.State
	guard     job.Guard
	current   *job.Job
	last      *job.Job
	cancelJob context.CancelFunc
	outcome   Outcome
	lastErr   error
	result    *types.File
	statusSeq uint64

	notifyMu sync.Mutex
	notified uint64

	wg conc.WaitGroup
}

// New decodes file and initializes the selection. When a Suggester is configured its
// proposal seeds the selection; a failed suggestion falls back to the default region.
func New(ctx context.Context, file *types.File, cb Callbacks, config Config) (*Session, error) {
	config = withDefaults(config)
	if err := config.Constraints.Validate(); err != nil {
		return nil, fmt.Errorf("invalid constraints: %w", err)
	}

	src, err := source.Decode(file, config.Source)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger := log.Ctx(ctx).With().Str("session", id).Logger()

	defaults := config.Defaults
	if config.Suggester != nil {
		if r, err := suggest(ctx, config, src); err != nil {
			logger.Warn().Err(err).Msg("crop suggestion failed, using default region")
		} else {
			logger.Debug().Stringer("region", r).Msg("using suggested crop")
			defaults.Region = r
		}
	}

	sel := selection.New(config.Constraints)
	if err := sel.Initialize(src.Natural(), src.Display(), defaults); err != nil {
		return nil, fmt.Errorf("failed to initialize selection: %w", err)
	}

	logger.Info().
		Str("name", src.Name()).
		Str("mime_type", src.MimeType()).
		Stringer("natural", src.Natural()).
		Stringer("display", src.Display()).
		Msg("crop session opened")

	return &Session{
		id:      id,
		config:  config,
		cb:      cb,
		logger:  logger,
		src:     src,
		sel:     sel,
		outcome: Open,
	}, nil
}

func withDefaults(config Config) Config {
	def := DefaultConfig()
	if config.Source.MaxDisplay.Empty() {
		config.Source = def.Source
	}
	if config.Quality <= 0 {
		config.Quality = def.Quality
	}
	if config.Scheduler == nil {
		config.Scheduler = def.Scheduler
	}
	if config.Pipeline == nil {
		config.Pipeline = extraction.New()
	}
	if config.SuggestTimeout <= 0 {
		config.SuggestTimeout = def.SuggestTimeout
	}
	return config
}

func suggest(ctx context.Context, config Config, src *source.Source) (region.Region, error) {
	preview, err := src.Preview()
	if err != nil {
		return region.Region{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, config.SuggestTimeout)
	defer cancel()

	r, err := config.Suggester.Suggest(ctx, preview)
	if err != nil {
		return region.Region{}, err
	}
	if r.Empty() {
		return region.Region{}, errors.New("suggested region is empty")
	}
	return r, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Update forwards a drag or resize gesture to the selection
func (s *Session) Update(candidate region.Region, anchor selection.Anchor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != Open {
		return false
	}
	ok := s.sel.Update(candidate, anchor)
	if !ok {
		s.logger.Debug().Stringer("candidate", candidate).Stringer("anchor", anchor).Msg("selection update rejected")
	}
	return ok
}

// Selection returns the current selection in display pixels
func (s *Session) Selection() region.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel.CurrentPixels()
}

// Commit freezes the current selection for the next Confirm
func (s *Session) Commit() (region.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != Open {
		return region.Region{}, ErrSessionClosed
	}
	return s.sel.Commit()
}

// Resize records new display dimensions after the presentation reflowed
func (s *Session) Resize(display region.Dimensions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != Open {
		return ErrSessionClosed
	}
	if err := s.src.SetDisplay(display); err != nil {
		return err
	}
	return s.sel.Resize(s.src.Display())
}

// Preview renders the image at its display size
func (s *Session) Preview() (image.Image, error) {
	return s.src.Preview()
}

// Confirm resolves the committed selection to natural pixels using the dimensions
// current at this moment and starts an extraction job. It returns false with a nil
// error when a job is already in flight. The job outlives ctx's cancellation; only
// Cancel stops it.
func (s *Session) Confirm(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.outcome != Open {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	committed, ok := s.sel.Committed()
	if !ok {
		s.mu.Unlock()
		return false, ErrMissingCropData
	}
	if err := s.guard.Start(); errors.Is(err, job.ErrConcurrentJob) {
		s.mu.Unlock()
		s.logger.Debug().Msg("confirm ignored, job in flight")
		return false, nil
	}

	natural := region.Resolve(committed, s.sel.Natural(), s.sel.Display())
	j := job.New(natural, s.src.MimeType(), s.config.Quality)
	_ = j.Advance(job.Scheduled)

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.current = j
	s.cancelJob = cancel
	s.lastErr = nil
	seq := s.nextStatus()
	s.mu.Unlock()

	s.logger.Info().Str("job", j.ID).Stringer("region", natural).Msg("extraction scheduled")
	s.notifyStatus(seq, true)
	s.wg.Go(func() {
		s.run(jobCtx, j)
	})
	return true, nil
}

func (s *Session) run(ctx context.Context, j *job.Job) {
	var (
		file *types.File
		err  error
	)

	var pc panics.Catcher
	pc.Try(func() {
		file, err = s.extract(ctx, j)
	})
	if r := pc.Recovered(); r != nil {
		err = fmt.Errorf("extraction panicked: %v", r.Value)
	}

	s.finish(j, file, err)
}

func (s *Session) extract(ctx context.Context, j *job.Job) (*types.File, error) {
	if err := s.config.Scheduler.Yield(ctx); err != nil {
		return nil, err
	}

	img, err := s.src.Image()
	if err != nil {
		return nil, err
	}

	return s.config.Pipeline.Extract(ctx, extraction.Request{
		Image:    img,
		Region:   j.Region,
		Name:     s.src.Name(),
		MimeType: j.MimeType,
		Quality:  j.Quality,
	}, func(state job.State) {
		s.mu.Lock()
		_ = j.Advance(state)
		s.mu.Unlock()
	})
}

func (s *Session) finish(j *job.Job, file *types.File, err error) {
	logger := s.logger.With().Str("job", j.ID).Logger()

	s.mu.Lock()
	if s.current != j {
		s.mu.Unlock()
		logger.Warn().Err(err).Msg("dropping result of cancelled job")
		return
	}
	s.cancelJob()
	s.cancelJob = nil
	s.current = nil
	s.last = j

	if err != nil {
		_ = j.Fail(err)
		s.lastErr = err
		s.guard.Finish()
		seq := s.nextStatus()
		s.mu.Unlock()

		logger.Error().Err(err).Dur("duration", j.Duration()).Msg("extraction failed")
		s.notifyStatus(seq, false)
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
		return
	}

	_ = j.Advance(job.Completed)
	s.outcome = Completed
	s.result = file
	s.src.Release()
	s.guard.Finish()
	seq := s.nextStatus()
	s.mu.Unlock()

	logger.Info().Int64("size", file.Size()).Dur("duration", j.Duration()).Msg("extraction completed")
	s.notifyStatus(seq, false)
	if s.cb.OnComplete != nil {
		s.cb.OnComplete(file)
	}
}

// Cancel discards the image and any in-flight job without delivering a result.
// Calling it more than once, or after completion, has no further effect.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.outcome != Open {
		s.mu.Unlock()
		return
	}
	s.outcome = Cancelled
	if s.cancelJob != nil {
		s.cancelJob()
		s.cancelJob = nil
	}
	s.current = nil
	s.src.Release()
	processing := s.guard.Processing()
	s.guard.Finish()
	seq := s.nextStatus()
	s.mu.Unlock()

	s.logger.Info().Msg("crop session cancelled")
	if processing {
		s.notifyStatus(seq, false)
	}
}

// Wait blocks until every job goroutine started by this session has returned
func (s *Session) Wait() {
	s.wg.Wait()
}

// Processing reports whether a job is in flight
func (s *Session) Processing() bool {
	return s.guard.Processing()
}

// Result returns the delivered file once the session completed
func (s *Session) Result() *types.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// nextStatus numbers a processing transition; callers hold s.mu
func (s *Session) nextStatus() uint64 {
	s.statusSeq++
	return s.statusSeq
}

// notifyStatus delivers transitions in the order they were numbered and drops any
// report that arrives after a later one was delivered
func (s *Session) notifyStatus(seq uint64, processing bool) {
	if s.cb.OnStatus == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if seq <= s.notified {
		return
	}
	s.notified = seq
	s.cb.OnStatus(processing)
}

// Snapshot is a point-in-time view of a session
type Snapshot struct {
	ID         string         `json:"id"`
	Outcome    Outcome        `json:"outcome"`
	Processing bool           `json:"processing"`
	Source     source.Info    `json:"source"`
	Current    region.Region  `json:"current"`
	Committed  *region.Region `json:"committed,omitempty"`
	Job        *job.Job       `json:"job,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Snapshot returns the current state of the session
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.id,
		Outcome:    s.outcome,
		Processing: s.guard.Processing(),
		Source:     s.src.Info(),
		Current:    s.sel.CurrentPixels(),
	}
	if c, ok := s.sel.Committed(); ok {
		snap.Committed = &c
	}
	if j := s.current; j != nil {
		cp := *j
		snap.Job = &cp
	} else if j := s.last; j != nil {
		cp := *j
		snap.Job = &cp
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

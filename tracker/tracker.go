// Package tracker runs the capture and solve loop. A single worker
// goroutine owns the solver state; every external caller (the HTTP
// command surface, tests) talks to it through commands that are
// applied only at cycle boundaries.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/star-tracker/attitude"
	"github.com/signalsfoundry/star-tracker/catalog"
	"github.com/signalsfoundry/star-tracker/centroid"
	"github.com/signalsfoundry/star-tracker/internal/imagestore"
	"github.com/signalsfoundry/star-tracker/internal/logging"
	"github.com/signalsfoundry/star-tracker/internal/observability"
	"github.com/signalsfoundry/star-tracker/model"
	"github.com/signalsfoundry/star-tracker/starid"
)

// ErrInvalidTransition reports a state request the transition table
// forbids from the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrNotStandby reports an operation that is only accepted in STANDBY.
var ErrNotStandby = errors.New("tracker is not in STANDBY")

// allowedTransitions is the externally requestable part of the state
// machine. BOOT and ERROR are entered and exited internally only:
// BOOT ends by itself, ERROR ends through Reset.
var allowedTransitions = map[model.SolverState]map[model.SolverState]bool{
	model.StateStandby: {
		model.StateLowPower:    true,
		model.StateStarTrack:   true,
		model.StateCaptureOnly: true,
	},
	model.StateLowPower: {
		model.StateStandby:     true,
		model.StateStarTrack:   true,
		model.StateCaptureOnly: true,
	},
	model.StateStarTrack: {
		model.StateStandby:     true,
		model.StateLowPower:    true,
		model.StateCaptureOnly: true,
	},
	model.StateCaptureOnly: {
		model.StateStandby:   true,
		model.StateLowPower:  true,
		model.StateStarTrack: true,
	},
}

// Options carries the tracker's dependencies and boot configuration.
type Options struct {
	Camera      Camera
	LoadCatalog func(ctx context.Context) (*catalog.Catalog, error)
	Extractor   *centroid.Extractor
	Estimator   *attitude.Estimator
	Store       *imagestore.Store

	Logger  logging.Logger
	Metrics *observability.TrackerCollector
	Clock   Clock

	// PairTolerance and MinMatches configure the pattern matcher built
	// over the catalog once it has loaded.
	PairTolerance float64
	MinMatches    int

	Settings model.CaptureSettings
	Filter   model.FrameFilter

	// RetryBudget is how many failed capture attempts a cycle absorbs
	// before the tracker declares the camera broken and faults.
	RetryBudget int

	// CaptureTimeout bounds a single Capture call.
	CaptureTimeout time.Duration
}

// Snapshot is a consistent copy of the tracker's externally visible
// state.
type Snapshot struct {
	State        model.SolverState
	StateReason  string
	Solution     model.AttitudeSolution
	Settings     model.CaptureSettings
	LastCapture  time.Time
	StoredFrames int
	Cycles       uint64
}

type cmdKind int

const (
	cmdSetState cmdKind = iota
	cmdSetSettings
	cmdCaptureOnce
	cmdReset
	cmdFault
)

type command struct {
	kind     cmdKind
	target   model.SolverState
	settings model.CaptureSettings
	reason   string
	reply    chan error
}

// Tracker is the solve orchestrator. Construct with New and drive with
// Run; all other methods are safe to call concurrently.
type Tracker struct {
	camera      Camera
	loadCatalog func(ctx context.Context) (*catalog.Catalog, error)
	extractor   *centroid.Extractor
	estimator   *attitude.Estimator
	store       *imagestore.Store

	logger  logging.Logger
	metrics *observability.TrackerCollector
	clock   Clock

	pairTolerance  float64
	minMatches     int
	filter         model.FrameFilter
	retryBudget    int
	captureTimeout time.Duration

	// matcher is built during BOOT and never replaced afterwards; only
	// the worker touches it.
	matcher *starid.Matcher

	cmds chan command

	mu          sync.RWMutex
	state       model.SolverState
	stateReason string
	settings    model.CaptureSettings
	solution    model.AttitudeSolution
	lastCapture time.Time
	cycles      uint64
}

// New validates the dependency set and returns a tracker in OFF.
func New(opts Options) (*Tracker, error) {
	if opts.Camera == nil {
		return nil, errors.New("tracker: Camera is required")
	}
	if opts.LoadCatalog == nil {
		return nil, errors.New("tracker: LoadCatalog is required")
	}
	if opts.Extractor == nil {
		return nil, errors.New("tracker: Extractor is required")
	}
	if opts.Estimator == nil {
		return nil, errors.New("tracker: Estimator is required")
	}
	if opts.Store == nil {
		return nil, errors.New("tracker: Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 5 * time.Second
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	if opts.Settings.Interval < 0 {
		return nil, errors.New("tracker: capture interval must not be negative")
	}

	return &Tracker{
		camera:         opts.Camera,
		loadCatalog:    opts.LoadCatalog,
		extractor:      opts.Extractor,
		estimator:      opts.Estimator,
		store:          opts.Store,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		clock:          opts.Clock,
		pairTolerance:  opts.PairTolerance,
		minMatches:     opts.MinMatches,
		filter:         opts.Filter,
		retryBudget:    opts.RetryBudget,
		captureTimeout: opts.CaptureTimeout,
		cmds:           make(chan command, 8),
		state:          model.StateOff,
		settings:       opts.Settings,
	}, nil
}

// Run boots the tracker and executes the state machine until ctx is
// cancelled. It must be called exactly once.
func (t *Tracker) Run(ctx context.Context) error {
	t.transition(ctx, model.StateBoot, "")
	cat, err := t.loadCatalog(ctx)
	if err != nil {
		t.transition(ctx, model.StateError, fmt.Sprintf("catalog load failed: %v", err))
	} else {
		t.matcher = &starid.Matcher{
			Catalog:       cat,
			PairTolerance: t.pairTolerance,
			MinMatches:    t.minMatches,
		}
		t.logger.Info(ctx, "boot complete",
			logging.Int("stars", cat.Len()),
			logging.Int("pairs", cat.PairCount()))
		t.transition(ctx, model.StateStandby, "")
	}

	var prev model.SolverState
	var captureRemaining int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.drainCommands(ctx)

		state := t.State()
		switch state {
		case model.StateStandby, model.StateLowPower, model.StateError:
			// Idle states block until a command or shutdown arrives.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cmd := <-t.cmds:
				t.handleCommand(ctx, cmd)
			}

		case model.StateStarTrack:
			settings := t.currentSettings()
			t.runSolveCycle(ctx, settings)
			if t.State() != model.StateStarTrack {
				break
			}
			if settings.Interval <= 0 {
				t.transition(ctx, model.StateStandby, "single solve complete")
				break
			}
			t.waitInterval(ctx, settings.Interval)

		case model.StateCaptureOnly:
			settings := t.currentSettings()
			if prev != model.StateCaptureOnly {
				captureRemaining = settings.Images
				if captureRemaining <= 0 {
					captureRemaining = 1
				}
			}
			t.runCaptureCycle(ctx, settings)
			captureRemaining--
			if t.State() != model.StateCaptureOnly {
				break
			}
			if captureRemaining <= 0 {
				t.transition(ctx, model.StateStandby, "capture session complete")
				break
			}
			t.waitInterval(ctx, settings.Interval)
		}
		prev = state
	}
}

// RequestState asks the worker to move to target at the next cycle
// boundary. Requests for the current state are no-ops; requests that
// violate the transition table fail with ErrInvalidTransition.
func (t *Tracker) RequestState(ctx context.Context, target model.SolverState) error {
	return t.send(ctx, command{kind: cmdSetState, target: target})
}

// UpdateSettings replaces the capture settings. The new settings take
// effect from the next cycle; an in-progress cycle is never altered.
func (t *Tracker) UpdateSettings(ctx context.Context, s model.CaptureSettings) error {
	if s.Interval < 0 {
		return errors.New("capture interval must not be negative")
	}
	if s.Images < 0 {
		return errors.New("capture image count must not be negative")
	}
	return t.send(ctx, command{kind: cmdSetSettings, settings: s})
}

// CaptureOnce captures and stores one frame without leaving STANDBY.
// It fails with ErrNotStandby in any other state.
func (t *Tracker) CaptureOnce(ctx context.Context) error {
	return t.send(ctx, command{kind: cmdCaptureOnce})
}

// Reset returns the tracker from ERROR to STANDBY. It is the only way
// out of ERROR and fails in every other state.
func (t *Tracker) Reset(ctx context.Context) error {
	return t.send(ctx, command{kind: cmdReset})
}

// Fault forces the tracker into ERROR with the given reason.
func (t *Tracker) Fault(ctx context.Context, reason string) error {
	return t.send(ctx, command{kind: cmdFault, reason: reason})
}

// State returns the current solver state.
func (t *Tracker) State() model.SolverState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Solution returns the most recently published attitude solution.
func (t *Tracker) Solution() model.AttitudeSolution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.solution
}

// Snapshot returns a consistent copy of the tracker's visible state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		State:        t.state,
		StateReason:  t.stateReason,
		Solution:     t.solution,
		Settings:     t.settings,
		LastCapture:  t.lastCapture,
		StoredFrames: t.store.Len(),
		Cycles:       t.cycles,
	}
}

func (t *Tracker) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case t.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainCommands applies every queued command without blocking. Called
// at cycle boundaries so commands submitted mid-cycle land between
// cycles, never inside one.
func (t *Tracker) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-t.cmds:
			t.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

// waitInterval sleeps between cycles while staying responsive to
// commands. It returns early when a command changes the state so the
// main loop can re-dispatch.
func (t *Tracker) waitInterval(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := t.clock.After(d)
	from := t.State()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer:
			return
		case cmd := <-t.cmds:
			t.handleCommand(ctx, cmd)
			if t.State() != from {
				return
			}
		}
	}
}

func (t *Tracker) handleCommand(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdSetState:
		err = t.applyStateRequest(ctx, cmd.target)
	case cmdSetSettings:
		t.mu.Lock()
		t.settings = cmd.settings
		t.mu.Unlock()
		t.logger.Info(ctx, "capture settings updated",
			logging.Any("interval", cmd.settings.Interval),
			logging.Int("images", cmd.settings.Images))
	case cmdCaptureOnce:
		err = t.applyCaptureOnce(ctx)
	case cmdReset:
		if t.State() != model.StateError {
			err = fmt.Errorf("%w: reset is only valid in ERROR", ErrInvalidTransition)
		} else {
			t.transition(ctx, model.StateStandby, "reset")
		}
	case cmdFault:
		t.transition(ctx, model.StateError, cmd.reason)
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (t *Tracker) applyStateRequest(ctx context.Context, target model.SolverState) error {
	cur := t.State()
	if cur == target {
		return nil
	}
	switch cur {
	case model.StateBoot:
		return fmt.Errorf("%w: boot in progress", ErrInvalidTransition)
	case model.StateError:
		return fmt.Errorf("%w: tracker is in ERROR, reset required", ErrInvalidTransition)
	}
	if !allowedTransitions[cur][target] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur, target)
	}
	t.transition(ctx, target, "requested")
	return nil
}

func (t *Tracker) applyCaptureOnce(ctx context.Context) error {
	if t.State() != model.StateStandby {
		return fmt.Errorf("%w: state is %s", ErrNotStandby, t.State())
	}
	settings := t.currentSettings()
	img, err := t.captureFrame(ctx, t.logger)
	if err != nil {
		return err
	}
	if _, err := t.store.Add(ctx, img, t.clock.Now(), settings.SaveFrames); err != nil {
		return err
	}
	t.metrics.SetStoredFrames(t.store.Len())
	return nil
}

// transition is the single place the state changes. Worker-only except
// through handleCommand, which itself runs on the worker.
func (t *Tracker) transition(ctx context.Context, to model.SolverState, reason string) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.stateReason = reason
	t.mu.Unlock()

	t.metrics.SetState(int(to))
	fields := []logging.Field{
		logging.String("from", from.String()),
		logging.String("to", to.String()),
	}
	if reason != "" {
		fields = append(fields, logging.String("reason", reason))
	}
	if to == model.StateError {
		t.logger.Error(ctx, "state transition", fields...)
		return
	}
	t.logger.Info(ctx, "state transition", fields...)
}

func (t *Tracker) currentSettings() model.CaptureSettings {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.settings
}

func (t *Tracker) nextCycle() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycles++
	return t.cycles
}

// runSolveCycle performs one capture, extract, identify, solve pass.
// Per-cycle failures after a successful capture publish an invalid
// solution and keep tracking; capture failure beyond the retry budget
// faults the tracker.
func (t *Tracker) runSolveCycle(ctx context.Context, settings model.CaptureSettings) {
	// A reset after a failed boot can reach STAR_TRACK without a
	// catalog; that is a fault, not a per-cycle failure.
	if t.matcher == nil {
		t.transition(ctx, model.StateError, "star catalog not loaded")
		return
	}

	start := t.clock.Now()
	log := logging.WithCycle(t.logger, t.nextCycle())

	ctx, span := observability.Tracer().Start(ctx, "tracker.solve_cycle")
	defer span.End()

	img, err := t.captureFrame(ctx, log)
	if err != nil {
		t.finishCycle(start, "capture_failed")
		t.transition(ctx, model.StateError, captureFaultReason(err, t.retryBudget))
		return
	}
	now := t.clock.Now()

	if _, err := t.store.Add(ctx, img, now, settings.SaveFrames); err != nil {
		log.Warn(ctx, "failed to retain frame", logging.Err(err))
	}
	t.metrics.SetStoredFrames(t.store.Len())

	centroids := t.extractStage(ctx, img)
	if len(centroids) < 3 {
		t.publishInvalid(now, fmt.Sprintf("too few centroids: %d", len(centroids)))
		t.finishCycle(start, "invalid")
		log.Info(ctx, "cycle invalid", logging.Int("centroids", len(centroids)))
		return
	}

	matches, err := t.identifyStage(ctx, centroids)
	if err != nil {
		t.publishInvalid(now, err.Error())
		t.finishCycle(start, "invalid")
		log.Info(ctx, "cycle invalid", logging.Err(err))
		return
	}

	solution, err := t.solveStage(ctx, matches, now)
	if err != nil {
		t.publishInvalid(now, err.Error())
		t.finishCycle(start, "invalid")
		log.Info(ctx, "cycle invalid", logging.Err(err))
		return
	}

	t.mu.Lock()
	t.solution = solution
	t.mu.Unlock()
	t.metrics.ObserveMatchedStars(solution.Inliers)
	t.finishCycle(start, "valid")
	log.Info(ctx, "attitude solved",
		logging.Float("ra_deg", solution.RA*180/math.Pi),
		logging.Float("dec_deg", solution.Dec*180/math.Pi),
		logging.Float("roll_deg", solution.Roll*180/math.Pi),
		logging.Int("inliers", solution.Inliers),
		logging.Float("rms_rad", solution.RMSResidual))
}

// runCaptureCycle performs one CAPTURE_ONLY frame: capture, filter,
// retain. A rejected frame still consumes its session slot so a
// pathological filter cannot pin the tracker in CAPTURE_ONLY.
func (t *Tracker) runCaptureCycle(ctx context.Context, settings model.CaptureSettings) {
	start := t.clock.Now()
	log := logging.WithCycle(t.logger, t.nextCycle())

	ctx, span := observability.Tracer().Start(ctx, "tracker.capture_cycle")
	defer span.End()

	img, err := t.captureFrame(ctx, log)
	if err != nil {
		t.finishCycle(start, "capture_failed")
		t.transition(ctx, model.StateError, captureFaultReason(err, t.retryBudget))
		return
	}

	if !acceptFrame(img, t.filter) {
		t.finishCycle(start, "invalid")
		log.Info(ctx, "frame rejected by brightness filter")
		return
	}

	if _, err := t.store.Add(ctx, img, t.clock.Now(), settings.SaveFrames); err != nil {
		log.Warn(ctx, "failed to retain frame", logging.Err(err))
	}
	t.metrics.SetStoredFrames(t.store.Len())
	t.finishCycle(start, "valid")
}

// captureFrame runs the bounded capture with retries. A Fatal
// CaptureError aborts immediately; transient failures and undecodable
// frames are retried until the budget is spent.
func (t *Tracker) captureFrame(ctx context.Context, log logging.Logger) (*image.Gray, error) {
	ctx, span := observability.Tracer().Start(ctx, "tracker.capture")
	defer span.End()

	attempts := t.retryBudget + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, t.captureTimeout)
		data, err := t.camera.Capture(cctx)
		cancel()
		if err != nil {
			var cerr *CaptureError
			if errors.As(err, &cerr) && cerr.Fatal {
				return nil, err
			}
			lastErr = err
			t.metrics.IncCaptureRetry()
			log.Warn(ctx, "capture attempt failed",
				logging.Int("attempt", attempt), logging.Err(err))
			continue
		}

		img, err := centroid.DecodeFrame(data)
		if err != nil {
			lastErr = fmt.Errorf("decode frame: %w", err)
			t.metrics.IncCaptureRetry()
			log.Warn(ctx, "frame decode failed",
				logging.Int("attempt", attempt), logging.Err(err))
			continue
		}

		t.mu.Lock()
		t.lastCapture = t.clock.Now()
		t.mu.Unlock()
		return img, nil
	}
	return nil, lastErr
}

func (t *Tracker) extractStage(ctx context.Context, img *image.Gray) []model.Centroid {
	_, span := observability.Tracer().Start(ctx, "tracker.extract")
	defer span.End()
	return t.extractor.Extract(img)
}

func (t *Tracker) identifyStage(ctx context.Context, centroids []model.Centroid) ([]model.Match, error) {
	_, span := observability.Tracer().Start(ctx, "tracker.identify")
	defer span.End()
	return t.matcher.Identify(centroids)
}

func (t *Tracker) solveStage(ctx context.Context, matches []model.Match, now time.Time) (model.AttitudeSolution, error) {
	_, span := observability.Tracer().Start(ctx, "tracker.solve")
	defer span.End()
	return t.estimator.Solve(matches, now)
}

// publishInvalid records a failed cycle so telemetry cadence is
// preserved even when no attitude was found.
func (t *Tracker) publishInvalid(now time.Time, reason string) {
	t.mu.Lock()
	t.solution = model.AttitudeSolution{Timestamp: now, Valid: false, Reason: reason}
	t.mu.Unlock()
}

func (t *Tracker) finishCycle(start time.Time, outcome string) {
	t.metrics.ObserveCycle(outcome, t.clock.Now().Sub(start).Seconds())
}

func captureFaultReason(err error, budget int) string {
	var cerr *CaptureError
	if errors.As(err, &cerr) && cerr.Fatal {
		return fmt.Sprintf("camera hardware fault: %v", cerr.Err)
	}
	return fmt.Sprintf("capture failed after %d attempts: %v", budget+1, err)
}

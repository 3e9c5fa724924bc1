package store

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/tsawler/trainviz/checkpoints"
	"github.com/tsawler/trainviz/dataset"
	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/protocol"
	"github.com/tsawler/trainviz/shape"
	"github.com/tsawler/trainviz/training"
)

// Worker is the part of a training worker the store drives.
type Worker interface {
	ID() string
	Post(cmd protocol.Command) error
	Messages() <-chan protocol.Message
	Terminate()
}

// WorkerFactory creates a fresh worker for every run
type WorkerFactory func() Worker

// Option configures a Store
type Option func(*Store)

// WithWorkerFactory replaces the default training worker
func WithWorkerFactory(f WorkerFactory) Option {
	return func(s *Store) { s.factory = f }
}

// WithLogger sets the store's logger
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithValidator replaces the shape validator used by the start gate
func WithValidator(v *shape.Validator) Option {
	return func(s *Store) { s.validator = v }
}

// WithSeed fixes the weight initialization seed of every run
func WithSeed(seed int64) Option {
	return func(s *Store) { s.seed = seed }
}

// WithCodec makes the default worker round-trip every command and message
// through c. It has no effect together with WithWorkerFactory.
func WithCodec(c protocol.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// StartOption adjusts a single Start or NewRun call
type StartOption func(*startOptions)

type startOptions struct {
	ignoreShapeIssues bool
}

// IgnoreShapeIssues starts the run even when the validator reports issues.
func IgnoreShapeIssues() StartOption {
	return func(o *startOptions) { o.ignoreShapeIssues = true }
}

// Store is the single source of truth for one training session. All
// commands are safe for concurrent use; worker messages are applied in
// order by a pump goroutine.
type Store struct {
	mu        sync.Mutex
	logger    *log.Logger
	factory   WorkerFactory
	validator *shape.Validator
	codec     protocol.Codec
	seed      int64

	status         Status
	dataset        *dataset.Dataset
	modelConfig    *layers.ModelConfig
	trainingConfig protocol.TrainingConfig
	snapshots      protocol.Snapshots

	metrics     []protocol.MetricPoint
	predictions []protocol.PredictionSample
	activations []protocol.LayerSnapshot
	weights     []protocol.LayerSnapshot

	worker     Worker
	generation uint64
	retired    []Worker

	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

// New creates an idle store. Without WithWorkerFactory every run gets a
// training.Worker.
func New(opts ...Option) *Store {
	s := &Store{
		trainingConfig: protocol.DefaultTrainingConfig(),
		status:         Status{State: StateIdle, Speed: protocol.SpeedRealTime},
		subs:           make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if s.validator == nil {
		s.validator = shape.NewValidator()
	}
	if s.factory == nil {
		wopts := []training.Option{training.WithLogger(s.logger)}
		if s.codec != nil {
			wopts = append(wopts, training.WithCodec(s.codec))
		}
		s.factory = func() Worker { return training.NewWorker(wopts...) }
	}
	return s
}

// unlock releases the mutex and then terminates every worker retired while
// it was held.
func (s *Store) unlock() {
	retired := s.retired
	s.retired = nil
	s.mu.Unlock()
	for _, w := range retired {
		w.Terminate()
	}
}

// retire detaches the live worker. Messages it still emits carry an old
// generation and are dropped.
func (s *Store) retire() {
	s.generation++
	if s.worker != nil {
		s.retired = append(s.retired, s.worker)
		s.worker = nil
	}
}

func (s *Store) clearDerived() {
	s.metrics = nil
	s.predictions = nil
	s.activations = nil
	s.weights = nil
}

func (s *Store) resetCounters() {
	s.status.CurrentEpoch = 0
	s.status.CurrentBatch = 0
	s.status.BatchInEpoch = 0
	s.status.BatchesPerEpoch = 0
	s.status.LastBatch = nil
	s.status.PausePending = false
	s.status.StepPending = false
	s.status.PauseReason = ""
}

// SetDataset loads the training data. It is rejected while a run is live.
func (s *Store) SetDataset(ds *dataset.Dataset) error {
	if ds == nil {
		return ErrNoDataset
	}
	if err := ds.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.unlock()
	if err := s.configurable("set dataset"); err != nil {
		return err
	}
	s.dataset = ds.Clone()
	s.publish(Event{Kind: EventConfig})
	return nil
}

// SetModelConfig replaces the declared model. It is rejected while a run
// is live.
func (s *Store) SetModelConfig(cfg layers.ModelConfig) error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.configurable("set model"); err != nil {
		return err
	}
	c := cfg.Clone()
	s.modelConfig = &c
	s.publish(Event{Kind: EventConfig})
	return nil
}

// SetTrainingConfig replaces the hyperparameters used by the next run.
func (s *Store) SetTrainingConfig(tc protocol.TrainingConfig) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.unlock()
	if err := s.configurable("set training config"); err != nil {
		return err
	}
	s.trainingConfig = tc
	s.publish(Event{Kind: EventConfig})
	return nil
}

// SetSnapshots selects the per-epoch extractions of the next run.
func (s *Store) SetSnapshots(sn protocol.Snapshots) error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.configurable("set snapshots"); err != nil {
		return err
	}
	s.snapshots = sn
	s.publish(Event{Kind: EventConfig})
	return nil
}

func (s *Store) configurable(cmd string) error {
	if s.closed {
		return ErrClosed
	}
	if s.status.State.Running() {
		return transitionError(cmd, s.status.State)
	}
	return nil
}

// ValidateShapes runs the shape validator against the current model and
// dataset without starting anything.
func (s *Store) ValidateShapes() (shape.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataset == nil {
		return shape.Result{}, ErrNoDataset
	}
	if s.modelConfig == nil {
		return shape.Result{}, ErrNoModelConfig
	}
	return s.gate(), nil
}

func (s *Store) gate() shape.Result {
	return s.validator.Validate(s.modelConfig.Layers, s.dataset.InputWidth(), shape.ExpectedOutputSizeFor(s.dataset))
}

// Start begins a fresh run from idle or error.
func (s *Store) Start(opts ...StartOption) error {
	s.mu.Lock()
	defer s.unlock()
	return s.start("start", opts)
}

func (s *Store) start(cmd string, opts []StartOption) error {
	if s.closed {
		return ErrClosed
	}
	if st := s.status.State; st != StateIdle && st != StateError {
		return transitionError(cmd, st)
	}
	if s.dataset == nil {
		return ErrNoDataset
	}
	if s.modelConfig == nil {
		return ErrNoModelConfig
	}
	if err := s.trainingConfig.Validate(); err != nil {
		return fmt.Errorf("invalid training config: %w", err)
	}
	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}
	if !so.ignoreShapeIssues {
		if res := s.gate(); !res.IsValid {
			return &ShapeGateError{Result: res}
		}
	}

	s.retire()
	s.clearDerived()
	s.resetCounters()
	s.status.LastError = nil
	s.status.TotalEpochs = s.trainingConfig.Epochs
	s.status.RunID = uuid.NewString()

	w := s.factory()
	s.worker = w
	gen := s.generation
	go s.pump(gen, w)

	cfg := &protocol.RunConfig{
		RunID:          s.status.RunID,
		ModelConfig:    s.modelConfig.Clone(),
		DataConfig:     protocol.DataConfig{Xs: s.dataset.Xs, Ys: s.dataset.Ys},
		TrainingConfig: s.trainingConfig,
		Speed:          s.status.Speed,
		Snapshots:      s.snapshots,
		Seed:           s.seed,
	}
	for _, c := range []protocol.Command{{Type: protocol.CmdConfig, Config: cfg}, {Type: protocol.CmdStart}} {
		if err := w.Post(c); err != nil {
			s.failed(fmt.Sprintf("failed to start worker: %v", err), ErrorGeneral)
			return err
		}
	}
	s.status.State = StateTraining
	s.logger.Printf("[store] run %s started: %d epochs, batch size %d, speed %g",
		s.status.RunID, s.trainingConfig.Epochs, s.trainingConfig.BatchSize, s.status.Speed)
	s.publishState()
	return nil
}

// failed moves the store into the error resting state.
func (s *Store) failed(msg string, kind ErrorKind) {
	s.retire()
	s.status.LastError = &LastError{Message: msg, Kind: kind}
	s.status.State = StateError
	s.status.PausePending = false
	s.status.StepPending = false
	s.logger.Printf("[store] run %s failed (%s): %s", s.status.RunID, kind, msg)
	s.publishState()
}

// post forwards cmd to the live worker, failing the run if it is gone.
func (s *Store) post(cmd protocol.Command) error {
	if s.worker == nil {
		return transitionError(string(cmd.Type), s.status.State)
	}
	if err := s.worker.Post(cmd); err != nil {
		s.failed(fmt.Sprintf("failed to post %s: %v", cmd.Type, err), ErrorGeneral)
		return err
	}
	return nil
}

// Pause asks the worker to halt. The state changes once the worker
// acknowledges.
func (s *Store) Pause() error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if s.status.State != StateTraining || s.status.StepPending {
		return transitionError("pause", s.status.State)
	}
	if s.status.PausePending {
		return nil
	}
	if err := s.post(protocol.Command{Type: protocol.CmdPause}); err != nil {
		return err
	}
	s.status.PausePending = true
	s.publishState()
	return nil
}

// Resume continues a paused run from its recorded position.
func (s *Store) Resume() error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if s.status.State != StatePaused {
		return transitionError("resume", s.status.State)
	}
	if err := s.post(protocol.Command{Type: protocol.CmdResume}); err != nil {
		return err
	}
	s.status.State = StateTraining
	s.status.PauseReason = ""
	s.publishState()
	return nil
}

// Stop abandons the live run. Observers see stopped, then idle.
func (s *Store) Stop() error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.status.State.Running() {
		return transitionError("stop", s.status.State)
	}
	if s.worker != nil {
		// Best effort; the worker is terminated either way.
		_ = s.worker.Post(protocol.Command{Type: protocol.CmdStop})
	}
	s.retire()
	s.status.State = StateStopped
	s.publishState()

	s.clearDerived()
	s.resetCounters()
	s.status.State = StateIdle
	s.logger.Printf("[store] run %s stopped", s.status.RunID)
	s.publishState()
	return nil
}

// Reset returns a finished session to idle, clearing derived collections
// and the last error.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.unlock()
	return s.reset()
}

func (s *Store) reset() error {
	if s.closed {
		return ErrClosed
	}
	if s.status.State.Running() {
		return transitionError("reset", s.status.State)
	}
	s.retire()
	s.clearDerived()
	s.status.LastError = nil
	s.status.PausePending = false
	s.status.StepPending = false
	s.status.PauseReason = ""
	s.status.State = StateIdle
	s.publishState()
	return nil
}

// NewRun resets a finished session and starts again.
func (s *Store) NewRun(opts ...StartOption) error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if s.status.State.Running() {
		return transitionError("new run", s.status.State)
	}
	// Configuration errors are reported before anything is reset.
	if s.dataset == nil {
		return ErrNoDataset
	}
	if s.modelConfig == nil {
		return ErrNoModelConfig
	}
	if err := s.reset(); err != nil {
		return err
	}
	return s.start("new run", opts)
}

// Step trains one batch or one epoch in manual mode. From idle it starts a
// fresh manual run first.
func (s *Store) Step(kind protocol.StepKind) error {
	if kind != protocol.StepBatch && kind != protocol.StepEpoch {
		return fmt.Errorf("unknown step kind %q", kind)
	}
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.status.Speed.Manual() {
		return fmt.Errorf("step requires manual speed, speed is %g: %w", s.status.Speed, ErrInvalidTransition)
	}
	switch s.status.State {
	case StateIdle:
		if err := s.start("step", nil); err != nil {
			return err
		}
	case StatePaused:
	default:
		return transitionError("step", s.status.State)
	}
	if err := s.post(protocol.Command{Type: protocol.CmdStep, Step: &protocol.StepPayload{Type: kind}}); err != nil {
		return err
	}
	s.status.State = StateTraining
	s.status.StepPending = true
	s.status.PauseReason = ""
	s.publishState()
	return nil
}

// SetSpeed records the pace. A live worker applies it at the next epoch
// boundary.
func (s *Store) SetSpeed(v protocol.Speed) error {
	if v < 0 {
		return fmt.Errorf("speed must not be negative, got %g", v)
	}
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	s.status.Speed = v
	if s.worker != nil {
		if err := s.post(protocol.Command{Type: protocol.CmdSpeed, Speed: &protocol.SpeedPayload{Value: v}}); err != nil {
			return err
		}
	}
	s.publishState()
	return nil
}

// AutoFix rewrites the output layer after a shape mismatch failure and
// returns to idle. The run is not retried.
func (s *Store) AutoFix() error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if s.status.State != StateError || s.status.LastError == nil || s.status.LastError.Kind != ErrorShapeMismatch {
		return transitionError("auto-fix", s.status.State)
	}
	if s.modelConfig == nil {
		return ErrNoModelConfig
	}
	if s.dataset == nil {
		return ErrNoDataset
	}
	fixed, err := shape.FixOutputLayerFor(s.modelConfig.Layers, s.dataset)
	if err != nil {
		return err
	}
	s.modelConfig.Layers = fixed
	s.status.LastError = nil
	s.status.State = StateIdle
	s.logger.Printf("[store] output layer rewritten for %s data", s.dataset.ProblemType())
	s.publish(Event{Kind: EventConfig})
	s.publishState()
	return nil
}

// ApplySuggestions applies every suggestion of res to the model, or none
// of them when any fails.
func (s *Store) ApplySuggestions(res shape.Result) error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	switch s.status.State {
	case StateIdle, StateError, StateCompleted:
	default:
		return transitionError("apply suggestions", s.status.State)
	}
	if s.modelConfig == nil {
		return ErrNoModelConfig
	}
	if s.dataset == nil {
		return ErrNoDataset
	}
	updated, _, err := shape.ApplyAll(res.Suggestions, s.modelConfig.Layers, s.dataset.InputWidth())
	if err != nil {
		return err
	}
	s.modelConfig.Layers = updated
	s.publish(Event{Kind: EventConfig})
	return nil
}

// Settings returns the persistable part of the session
func (s *Store) Settings() checkpoints.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := checkpoints.Settings{
		TrainingConfig: s.trainingConfig,
		Speed:          s.status.Speed,
		Snapshots:      s.snapshots,
	}
	if s.modelConfig != nil {
		mc := s.modelConfig.Clone()
		st.ModelConfig = &mc
	}
	return st
}

// RestoreSettings loads persisted settings into an idle session.
func (s *Store) RestoreSettings(st checkpoints.Settings) error {
	if err := st.TrainingConfig.Validate(); err != nil {
		return fmt.Errorf("invalid persisted training config: %w", err)
	}
	if st.Speed < 0 {
		return fmt.Errorf("invalid persisted speed %g", st.Speed)
	}
	s.mu.Lock()
	defer s.unlock()
	if err := s.configurable("restore settings"); err != nil {
		return err
	}
	s.trainingConfig = st.TrainingConfig
	s.status.Speed = st.Speed
	s.snapshots = st.Snapshots
	if st.ModelConfig != nil {
		mc := st.ModelConfig.Clone()
		s.modelConfig = &mc
	}
	s.publish(Event{Kind: EventConfig})
	return nil
}

// Close terminates any live worker and closes every subscription. Further
// commands return ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.retire()
	for id, sub := range s.subs {
		close(sub.quit)
		delete(s.subs, id)
	}
}

// pump applies a worker's messages until its channel closes.
func (s *Store) pump(gen uint64, w Worker) {
	for msg := range w.Messages() {
		s.ingest(gen, msg)
	}
}

func (s *Store) ingest(gen uint64, msg protocol.Message) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.generation || s.worker == nil {
		return
	}
	if msg.RunID != "" && msg.RunID != s.status.RunID {
		s.logger.Printf("[store] dropping %s from run %s", msg.Type, msg.RunID)
		return
	}

	switch msg.Type {
	case protocol.MsgProgress:
		if p := msg.Progress; p != nil {
			s.applyProgress(p)
		}
	case protocol.MsgMetrics:
		if m := msg.Metrics; m != nil {
			s.applyMetrics(m)
		}
	case protocol.MsgPredictions:
		if p := msg.Predictions; p != nil {
			s.predictions = protocol.ClonePredictions(p.Samples)
			s.publish(Event{Kind: EventPredictions, Predictions: protocol.ClonePredictions(p.Samples)})
		}
	case protocol.MsgActivations:
		if a := msg.Activations; a != nil {
			s.activations = protocol.CloneLayerSnapshots(a.Layers)
			s.publish(Event{Kind: EventActivations, Layers: protocol.CloneLayerSnapshots(a.Layers)})
		}
	case protocol.MsgWeights:
		if w := msg.Weights; w != nil {
			s.weights = protocol.CloneLayerSnapshots(w.Layers)
			s.publish(Event{Kind: EventWeights, Layers: protocol.CloneLayerSnapshots(w.Layers)})
		}
	case protocol.MsgPaused:
		if p := msg.Paused; p != nil {
			s.applyPaused(p)
		}
	case protocol.MsgComplete:
		s.retire()
		s.status.State = StateCompleted
		s.status.PausePending = false
		s.status.StepPending = false
		if s.status.CurrentEpoch < s.status.TotalEpochs {
			s.status.CurrentEpoch = s.status.TotalEpochs
		}
		s.logger.Printf("[store] run %s completed after %d batches", s.status.RunID, s.status.CurrentBatch)
		s.publishState()
	case protocol.MsgError:
		text := "unknown worker error"
		if msg.Error != nil && msg.Error.Message != "" {
			text = msg.Error.Message
		}
		s.failed(text, ClassifyError(msg.Error))
	default:
		s.logger.Printf("[store] ignoring %q message", msg.Type)
	}
}

func (s *Store) applyProgress(p *protocol.Progress) {
	s.status.CurrentBatch++
	s.status.BatchInEpoch = p.Batch + 1
	s.status.BatchesPerEpoch = p.Batches
	if p.Epoch > s.status.CurrentEpoch {
		s.status.CurrentEpoch = p.Epoch
	}
	b := p.Metrics
	if b.Accuracy != nil {
		a := *b.Accuracy
		b.Accuracy = &a
	}
	s.status.LastBatch = &b
	s.publish(Event{Kind: EventProgress})
}

func (s *Store) applyMetrics(m *protocol.MetricPoint) {
	if n := len(s.metrics); n > 0 && m.Epoch <= s.metrics[n-1].Epoch {
		s.logger.Printf("[store] dropping out-of-order metrics for epoch %d", m.Epoch)
		return
	}
	s.metrics = append(s.metrics, m.Clone())
	if next := m.Epoch + 1; next > s.status.CurrentEpoch {
		s.status.CurrentEpoch = next
	}
	mp := m.Clone()
	s.publish(Event{Kind: EventMetrics, Metric: &mp})
}

func (s *Store) applyPaused(p *protocol.Paused) {
	s.status.PausePending = false
	if s.status.StepPending {
		// The manual-mode halt at the start of a stepped run precedes the
		// step itself.
		if p.Reason != protocol.PauseStep {
			return
		}
		s.status.StepPending = false
	}
	s.status.State = StatePaused
	s.status.PauseReason = p.Reason
	s.publishState()
}

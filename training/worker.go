package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/trainviz/dataset"
	"github.com/tsawler/trainviz/engine"
	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/memory"
	"github.com/tsawler/trainviz/protocol"
)

// ErrTerminated is returned by Post once the worker has been terminated.
var ErrTerminated = errors.New("worker terminated")

// errInterrupted aborts an epoch from the batch hook when a pause or stop
// was observed. It is never reported as a failure.
var errInterrupted = errors.New("training interrupted")

// errDiverged is returned from the batch hook on a non-finite loss.
var errDiverged = errors.New("training diverged: loss is not finite")

const (
	inboxSize  = 64
	outboxSize = 256
)

// mode is the loop state of a worker
type mode int

const (
	modeIdle     mode = iota // no run installed, or stopped
	modeRunning              // epochs advance on their own
	modeHalted               // paused, waiting for resume or step
	modeStepping             // one manual step in progress
	modeFinished             // all epochs trained
)

func (m mode) String() string {
	switch m {
	case modeIdle:
		return "idle"
	case modeRunning:
		return "running"
	case modeHalted:
		return "halted"
	case modeStepping:
		return "stepping"
	case modeFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Option configures a Worker
type Option func(*Worker)

// WithCodec round-trips every command and message through c.
func WithCodec(c protocol.Codec) Option {
	return func(w *Worker) { w.codec = c }
}

// WithLogger sets the worker's logger
func WithLogger(l *log.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithBuffers overrides the inbox and outbox capacities
func WithBuffers(inbox, outbox int) Option {
	return func(w *Worker) {
		if inbox > 0 {
			w.inboxSize = inbox
		}
		if outbox > 0 {
			w.outboxSize = outbox
		}
	}
}

// Worker runs one training run on its own goroutine. It owns every numeric
// resource of the run through its memory manager and talks to the outside
// only through Post and Messages.
type Worker struct {
	id      string
	codec   protocol.Codec
	logger  *log.Logger
	manager *memory.Manager

	inboxSize  int
	outboxSize int
	inbox      chan protocol.Command
	outbox     chan protocol.Message

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	terminate sync.Once

	// Everything below is owned by the loop goroutine.
	run *runState
}

// NewWorker creates a worker and starts its loop.
func NewWorker(opts ...Option) *Worker {
	w := &Worker{
		id:         uuid.NewString(),
		inboxSize:  inboxSize,
		outboxSize: outboxSize,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	w.manager = memory.NewManager("worker-"+w.id[:8], w.logger)
	w.inbox = make(chan protocol.Command, w.inboxSize)
	w.outbox = make(chan protocol.Message, w.outboxSize)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.run = &runState{}

	go w.loop()
	return w
}

// ID returns the worker's unique identifier
func (w *Worker) ID() string { return w.id }

// Manager exposes the worker's tensor manager for inspection.
func (w *Worker) Manager() *memory.Manager { return w.manager }

// Messages returns the response channel. It is closed after Terminate.
func (w *Worker) Messages() <-chan protocol.Message { return w.outbox }

// Done is closed once the loop has exited and all resources are released.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Post queues a command. The command is copied (or encoded and decoded
// with the configured codec) so the caller keeps no shared memory with the
// worker.
func (w *Worker) Post(cmd protocol.Command) error {
	if w.ctx.Err() != nil {
		return ErrTerminated
	}
	c, err := w.copyCommand(cmd)
	if err != nil {
		return err
	}
	select {
	case w.inbox <- c:
		return nil
	case <-w.ctx.Done():
		return ErrTerminated
	}
}

// Terminate stops the loop at its next yield point, releases every
// resource and closes the message channel. It is safe to call repeatedly.
func (w *Worker) Terminate() {
	w.terminate.Do(func() {
		w.cancel()
	})
	<-w.done
}

func (w *Worker) copyCommand(cmd protocol.Command) (protocol.Command, error) {
	if w.codec == nil {
		return cmd.Clone(), nil
	}
	data, err := w.codec.EncodeCommand(cmd)
	if err != nil {
		return protocol.Command{}, fmt.Errorf("failed to encode %s command: %w", cmd.Type, err)
	}
	return w.codec.DecodeCommand(data)
}

// emit delivers msg in order. It reports false when the worker is shutting
// down.
func (w *Worker) emit(msg protocol.Message) bool {
	msg.RunID = w.run.runID
	if w.codec != nil {
		data, err := w.codec.EncodeMessage(msg)
		if err == nil {
			msg, err = w.codec.DecodeMessage(data)
		}
		if err != nil {
			w.logger.Printf("[worker] dropping %s message: %v", msg.Type, err)
			return w.ctx.Err() == nil
		}
	} else {
		msg = msg.Clone()
	}
	select {
	case w.outbox <- msg:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	defer close(w.outbox)
	defer w.shutdown()

	for {
		if w.ctx.Err() != nil {
			return
		}
		switch w.run.mode {
		case modeRunning, modeStepping:
			w.drain(false)
			if w.run.mode == modeRunning || w.run.mode == modeStepping {
				w.advance()
			}
		default:
			select {
			case cmd := <-w.inbox:
				w.handle(cmd, false)
			case <-w.ctx.Done():
				return
			}
		}
	}
}

// drain handles every queued command without blocking.
func (w *Worker) drain(inEpoch bool) {
	for {
		select {
		case cmd := <-w.inbox:
			w.handle(cmd, inEpoch)
		default:
			return
		}
	}
}

// handle applies one command. Inside an epoch, pause and stop only raise
// flags that the batch hook turns into an interruption.
func (w *Worker) handle(cmd protocol.Command, inEpoch bool) {
	r := w.run
	switch cmd.Type {
	case protocol.CmdConfig:
		if inEpoch || r.mode == modeRunning || r.mode == modeStepping {
			w.logger.Printf("[worker] ignoring config while %s", r.mode)
			return
		}
		w.install(cmd.Config)

	case protocol.CmdStart:
		if inEpoch || r.mode == modeRunning || r.mode == modeStepping {
			return
		}
		if cmd.Config != nil {
			if !w.install(cmd.Config) {
				return
			}
			r = w.run
		}
		if r.model == nil {
			if !r.failed {
				w.fail(fmt.Errorf("start received before config"))
			}
			return
		}
		if r.mode == modeFinished {
			return
		}
		r.mode = modeRunning

	case protocol.CmdPause:
		switch {
		case inEpoch:
			r.pauseRequested = true
		case r.mode == modeRunning:
			w.halt(protocol.PauseUser)
		}

	case protocol.CmdResume:
		if r.mode == modeHalted {
			r.pauseRequested = false
			r.mode = modeRunning
		}

	case protocol.CmdStop:
		if inEpoch {
			r.stopRequested = true
			return
		}
		w.stop()

	case protocol.CmdStep:
		if cmd.Step == nil {
			return
		}
		manualBoundary := r.mode == modeRunning && !inEpoch && r.effectiveSpeed().Manual()
		if r.mode != modeHalted && !manualBoundary {
			w.logger.Printf("[worker] ignoring %s step while %s", cmd.Step.Type, r.mode)
			return
		}
		r.stepKind = cmd.Step.Type
		r.mode = modeStepping

	case protocol.CmdSpeed:
		if cmd.Speed != nil {
			v := cmd.Speed.Value
			r.pendingSpeed = &v
		}
	}
}

// install builds the model and data tensors of a run. Failures are
// reported as error messages.
func (w *Worker) install(cfg *protocol.RunConfig) bool {
	w.release()
	if cfg == nil {
		w.fail(fmt.Errorf("config command without payload"))
		return false
	}
	r, err := newRunState(cfg, w.manager, w.logger)
	if err != nil {
		w.run = &runState{runID: cfg.RunID}
		w.fail(err)
		return false
	}
	w.run = r
	w.logger.Printf("[worker] run %s installed: %d samples (%d train, %d validation), %d epochs",
		r.runID, r.data.Len(), r.trainLen, r.data.Len()-r.trainLen, r.cfg.TrainingConfig.Epochs)
	return true
}

// advance performs one unit of work: an epoch (or the remainder of one),
// a single batch, or the completion notice.
func (w *Worker) advance() {
	r := w.run
	total := r.cfg.TrainingConfig.Epochs
	if r.epoch >= total {
		w.finish()
		return
	}
	if r.batch == 0 && r.pendingSpeed != nil {
		r.speed = *r.pendingSpeed
		r.pendingSpeed = nil
	}

	if r.mode == modeRunning {
		// A non-manual speed waiting for the boundary lets the open epoch finish.
		if r.speed.Manual() && (r.pendingSpeed == nil || r.pendingSpeed.Manual()) {
			w.halt(protocol.PauseManualMode)
			return
		}
		if d := r.speed.Delay(); d > 0 && r.batch == 0 {
			if !w.throttle(d) {
				return
			}
		}
	}

	stepBatch := r.mode == modeStepping && r.stepKind == protocol.StepBatch
	fitCfg := engine.FitConfig{
		Epochs:       r.epoch + 1,
		BatchSize:    r.cfg.TrainingConfig.BatchSize,
		InitialEpoch: r.epoch,
		InitialBatch: r.batch,
		Callbacks: engine.Callbacks{
			OnBatchEnd: w.onBatchEnd,
			OnEpochEnd: w.onEpochEnd,
		},
	}
	if r.xVal != nil {
		fitCfg.ValidationData = &engine.ValidationData{X: r.xVal, Y: r.yVal}
	}
	if stepBatch {
		fitCfg.MaxBatches = 1
	}

	r.epochLogs = nil
	_, err := r.model.Fit(w.ctx, r.xTrain, r.yTrain, fitCfg)
	switch {
	case err == nil:
	case errors.Is(err, errInterrupted):
		if r.stopRequested {
			w.stop()
		} else {
			w.halt(protocol.PauseUser)
		}
		return
	case w.ctx.Err() != nil:
		return
	default:
		w.fail(err)
		return
	}

	if r.epochLogs == nil {
		// A single batch that did not close the epoch
		w.halt(protocol.PauseStep)
		return
	}
	if !w.completeEpoch() {
		return
	}

	switch {
	case r.stopRequested:
		w.stop()
	case r.mode == modeStepping:
		if r.epoch >= total {
			w.finish()
		} else {
			w.halt(protocol.PauseStep)
		}
	case r.pauseRequested:
		w.halt(protocol.PauseUser)
	default:
		w.drain(false)
		runtime.Gosched()
	}
}

// onBatchEnd is the cooperative yield point inside an epoch.
func (w *Worker) onBatchEnd(logs engine.BatchLogs) error {
	r := w.run
	if notFinite(logs.Loss) {
		return errDiverged
	}
	r.batch = logs.Batch + 1
	r.totalBatches++
	r.accum.add(logs)

	if !w.emit(protocol.Message{Type: protocol.MsgProgress, Progress: &protocol.Progress{
		Epoch:   logs.Epoch,
		Batch:   logs.Batch,
		Batches: r.batchesPerEpoch,
		Metrics: protocol.BatchMetrics{Loss: logs.Loss, Accuracy: logs.Accuracy},
	}}) {
		return w.ctx.Err()
	}

	w.drain(true)
	lastBatch := r.batch >= r.batchesPerEpoch
	if (r.pauseRequested || r.stopRequested) && !lastBatch {
		return errInterrupted
	}
	return nil
}

func (w *Worker) onEpochEnd(logs engine.EpochLogs) error {
	l := logs
	w.run.epochLogs = &l
	return nil
}

// completeEpoch emits metrics, predictions and snapshots for the epoch
// that just closed, then advances the cursor.
func (w *Worker) completeEpoch() bool {
	r := w.run
	point, err := r.metricPoint()
	if err != nil {
		w.fail(err)
		return false
	}
	if !w.emit(protocol.Message{Type: protocol.MsgMetrics, Metrics: &point}) {
		return false
	}

	samples, err := r.predictions()
	if err != nil {
		w.fail(err)
		return false
	}
	if !w.emit(protocol.Message{Type: protocol.MsgPredictions, Predictions: &protocol.Predictions{Epoch: r.epoch, Samples: samples}}) {
		return false
	}

	if r.cfg.Snapshots.Activations {
		snaps := r.activationSnapshots()
		if !w.emit(protocol.Message{Type: protocol.MsgActivations, Activations: &protocol.LayerSnapshots{Epoch: r.epoch, Layers: snaps}}) {
			return false
		}
	}
	if r.cfg.Snapshots.Weights {
		snaps := r.weightSnapshots()
		if !w.emit(protocol.Message{Type: protocol.MsgWeights, Weights: &protocol.LayerSnapshots{Epoch: r.epoch, Layers: snaps}}) {
			return false
		}
	}

	r.epoch++
	r.batch = 0
	r.accum = epochAccum{}
	return true
}

// throttle sleeps for ms milliseconds while still handling commands. It
// reports whether the epoch should run afterwards.
func (w *Worker) throttle(ms int) bool {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-w.ctx.Done():
			return false
		case cmd := <-w.inbox:
			w.handle(cmd, false)
			if w.run.mode != modeRunning {
				return false
			}
		}
	}
}

func (w *Worker) halt(reason protocol.PauseReason) {
	r := w.run
	r.mode = modeHalted
	r.pauseRequested = false
	w.emit(protocol.Message{Type: protocol.MsgPaused, Paused: &protocol.Paused{Epoch: r.epoch, Batch: r.batch, Reason: reason}})
}

func (w *Worker) finish() {
	r := w.run
	r.mode = modeFinished
	w.emit(protocol.Message{Type: protocol.MsgComplete, Complete: &protocol.Complete{FinalEpoch: r.cfg.TrainingConfig.Epochs - 1}})
}

func (w *Worker) stop() {
	runID := w.run.runID
	w.release()
	w.run = &runState{runID: runID}
	w.logger.Printf("[worker] run %s stopped", runID)
}

// fail reports err, releases the run and returns to idle.
func (w *Worker) fail(err error) {
	kind := ClassifyError(err)
	w.logger.Printf("[worker] run %s failed (%s): %v", w.run.runID, kind, err)
	w.emit(protocol.Message{Type: protocol.MsgError, Error: &protocol.ErrorPayload{Message: err.Error(), Kind: kind}})
	runID := w.run.runID
	w.release()
	w.run = &runState{runID: runID, failed: true}
}

// release disposes the run's model and tensors. Disposal problems are
// logged and never escalated.
func (w *Worker) release() {
	if w.run == nil {
		return
	}
	w.run.dispose(w.manager, w.logger)
}

func (w *Worker) shutdown() {
	w.release()
	if n := w.manager.ReleaseAll(); n > 0 {
		w.logger.Printf("[worker] released %d leftover tensors", n)
	}
	st, pool := w.manager.Stats(), w.manager.Pool().Totals()
	w.logger.Printf("[worker] %s shut down: %d tensors allocated, buffer hit rate %.1f%%",
		w.id, st.Allocated, pool.HitRate()*100)
}

// ClassifyError maps a run failure onto the error taxonomy.
func ClassifyError(err error) protocol.ErrorKind {
	var shapeErr *engine.ShapeError
	if errors.As(err, &shapeErr) {
		return protocol.ErrorShapeMismatch
	}
	return protocol.ErrorGeneral
}

// runState is the per-run state owned by the loop goroutine.
type runState struct {
	runID  string
	cfg    *protocol.RunConfig
	mode   mode
	logger *log.Logger
	failed bool

	model  *engine.Sequential
	report *layers.BuildReport
	data   *dataset.Dataset

	xAll, yAll     *memory.Tensor
	xTrain, yTrain *memory.Tensor
	xVal, yVal     *memory.Tensor
	trainLen       int
	layerIDs       []string

	epoch, batch    int
	batchesPerEpoch int
	totalBatches    int
	accum           epochAccum
	epochLogs       *engine.EpochLogs

	speed          protocol.Speed
	pendingSpeed   *protocol.Speed
	stepKind       protocol.StepKind
	pauseRequested bool
	stopRequested  bool
}

func (r *runState) effectiveSpeed() protocol.Speed {
	if r.batch == 0 && r.pendingSpeed != nil {
		return *r.pendingSpeed
	}
	return r.speed
}

func newRunState(cfg *protocol.RunConfig, manager *memory.Manager, logger *log.Logger) (*runState, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	tc := cfg.TrainingConfig
	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	ds, err := dataset.New("run", cfg.DataConfig.Xs, cfg.DataConfig.Ys)
	if err != nil {
		return nil, fmt.Errorf("invalid dataset: %w", err)
	}
	train, val, err := ds.Split(cfg.Split())
	if err != nil {
		return nil, err
	}

	r := &runState{
		runID:    cfg.RunID,
		cfg:      cfg.Clone(),
		data:     ds,
		trainLen: train.Len(),
		speed:    cfg.Speed,
		logger:   logger,
	}
	r.batchesPerEpoch = engine.BatchesPerEpoch(train.Len(), tc.BatchSize)

	model, report, err := layers.Build(cfg.ModelConfig, layers.BuildOptions{
		InputWidth:   ds.InputWidth(),
		OutputWidth:  ds.OutputWidth(),
		Optimizer:    tc.Optimizer,
		LearningRate: tc.LearningRate,
		Seed:         cfg.Seed,
		Manager:      manager,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	r.model, r.report = model, report
	r.layerIDs = builtLayerIDs(cfg.ModelConfig, report, model)

	fail := func(err error) (*runState, error) {
		r.dispose(manager, logger)
		return nil, err
	}
	if r.xAll, err = manager.FromRows(ds.Xs); err != nil {
		return fail(err)
	}
	if r.yAll, err = manager.FromRows(ds.Ys); err != nil {
		return fail(err)
	}
	if r.xTrain, err = manager.FromRows(train.Xs); err != nil {
		return fail(err)
	}
	if r.yTrain, err = manager.FromRows(train.Ys); err != nil {
		return fail(err)
	}
	if val.Len() > 0 {
		if r.xVal, err = manager.FromRows(val.Xs); err != nil {
			return fail(err)
		}
		if r.yVal, err = manager.FromRows(val.Ys); err != nil {
			return fail(err)
		}
	}
	return r, nil
}

// builtLayerIDs pairs every engine layer with the declared layer it came
// from.
func builtLayerIDs(cfg layers.ModelConfig, report *layers.BuildReport, model *engine.Sequential) []string {
	built := model.Layers()
	ids := make([]string, 0, len(built))
	if report.Fallback {
		for _, l := range built {
			ids = append(ids, l.Name())
		}
		return ids
	}
	skipped := make(map[int]bool, len(report.Skipped))
	for _, s := range report.Skipped {
		skipped[s.Index] = true
	}
	for i, spec := range cfg.Layers {
		if skipped[i] {
			continue
		}
		id := spec.ID
		if id == "" {
			id = spec.DisplayName(i)
		}
		ids = append(ids, id)
	}
	for len(ids) < len(built) {
		ids = append(ids, built[len(ids)].Name())
	}
	return ids[:len(built)]
}

func (r *runState) dispose(manager *memory.Manager, logger *log.Logger) {
	if r.model != nil {
		if err := r.model.Dispose(); err != nil {
			logger.Printf("[worker] model dispose: %v", err)
		}
		r.model = nil
	}
	manager.Dispose(r.xAll, r.yAll, r.xTrain, r.yTrain, r.xVal, r.yVal)
	r.xAll, r.yAll, r.xTrain, r.yTrain, r.xVal, r.yVal = nil, nil, nil, nil, nil, nil
}

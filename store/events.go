package store

import (
	"sync"

	"github.com/tsawler/trainviz/dataset"
	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/protocol"
)

// Status is the scalar part of the session state
type Status struct {
	State           State                  `json:"state"`
	RunID           string                 `json:"runId,omitempty"`
	PausePending    bool                   `json:"pausePending"`
	StepPending     bool                   `json:"stepPending"`
	PauseReason     protocol.PauseReason   `json:"pauseReason,omitempty"`
	CurrentEpoch    int                    `json:"currentEpoch"`
	CurrentBatch    int                    `json:"currentBatch"`
	BatchInEpoch    int                    `json:"batchInEpoch"`
	BatchesPerEpoch int                    `json:"batchesPerEpoch"`
	TotalEpochs     int                    `json:"totalEpochs"`
	Speed           protocol.Speed         `json:"speed"`
	LastBatch       *protocol.BatchMetrics `json:"lastBatch,omitempty"`
	LastError       *LastError             `json:"lastError,omitempty"`
}

func (s Status) clone() Status {
	if s.LastBatch != nil {
		b := *s.LastBatch
		if b.Accuracy != nil {
			a := *b.Accuracy
			b.Accuracy = &a
		}
		s.LastBatch = &b
	}
	if s.LastError != nil {
		e := *s.LastError
		s.LastError = &e
	}
	return s
}

// DatasetInfo summarizes the loaded dataset without its rows
type DatasetInfo struct {
	Name        string              `json:"name"`
	Samples     int                 `json:"samples"`
	InputWidth  int                 `json:"inputWidth"`
	OutputWidth int                 `json:"outputWidth"`
	Problem     dataset.ProblemType `json:"problem"`
	Classes     []string            `json:"classes,omitempty"`
}

func describe(ds *dataset.Dataset) *DatasetInfo {
	if ds == nil {
		return nil
	}
	info := &DatasetInfo{
		Name:        ds.Name,
		Samples:     ds.Len(),
		InputWidth:  ds.InputWidth(),
		OutputWidth: ds.OutputWidth(),
		Problem:     ds.ProblemType(),
	}
	if ds.Classes != nil {
		info.Classes = append([]string(nil), ds.Classes...)
	}
	return info
}

// Snapshot is a deep copy of everything the store knows. Mutating it never
// affects the store.
type Snapshot struct {
	Status
	Dataset        *DatasetInfo                `json:"dataset,omitempty"`
	ModelConfig    *layers.ModelConfig         `json:"modelConfig,omitempty"`
	TrainingConfig protocol.TrainingConfig     `json:"trainingConfig"`
	Snapshots      protocol.Snapshots          `json:"snapshots"`
	Metrics        []protocol.MetricPoint      `json:"metrics"`
	Predictions    []protocol.PredictionSample `json:"predictions"`
	Activations    []protocol.LayerSnapshot    `json:"activations"`
	Weights        []protocol.LayerSnapshot    `json:"weights"`
}

// EventKind names what changed
type EventKind string

const (
	EventState       EventKind = "state"
	EventProgress    EventKind = "progress"
	EventMetrics     EventKind = "metrics"
	EventPredictions EventKind = "predictions"
	EventActivations EventKind = "activations"
	EventWeights     EventKind = "weights"
	EventConfig      EventKind = "config"
)

// Event is published to subscribers after every change. Only the payload
// matching Kind is set; Status is always current.
type Event struct {
	Kind        EventKind                   `json:"kind"`
	Status      Status                      `json:"status"`
	Metric      *protocol.MetricPoint       `json:"metric,omitempty"`
	Predictions []protocol.PredictionSample `json:"predictions,omitempty"`
	Layers      []protocol.LayerSnapshot    `json:"layers,omitempty"`
}

// superseded reports whether a newer event of the same kind carries
// everything an older one did. Only those kinds are coalesced for slow
// subscribers.
func (k EventKind) superseded() bool {
	switch k {
	case EventProgress, EventPredictions, EventActivations, EventWeights:
		return true
	}
	return false
}

// subscriber queues events for one listener. A forwarding goroutine moves
// them onto ch so publishing never blocks.
type subscriber struct {
	ch     chan Event
	buffer int
	wake   chan struct{}
	quit   chan struct{}

	mu        sync.Mutex
	queue     []Event
	coalesced int
}

func newSubscriber(buffer int) *subscriber {
	return &subscriber{
		ch:     make(chan Event),
		buffer: buffer,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

// push queues ev. Once the queue is past its buffer, the oldest queued
// event of a superseded kind is replaced. State, metrics and config events
// are always kept. It returns the running count of coalesced events when
// ev replaced one, and 0 otherwise.
func (sub *subscriber) push(ev Event) int {
	sub.mu.Lock()
	coalesced := 0
	if len(sub.queue) >= sub.buffer && ev.Kind.superseded() {
		for i, q := range sub.queue {
			if q.Kind == ev.Kind {
				sub.queue = append(sub.queue[:i], sub.queue[i+1:]...)
				sub.coalesced++
				coalesced = sub.coalesced
				break
			}
		}
	}
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return coalesced
}

// forward delivers queued events in order until quit is closed, then
// closes ch.
func (sub *subscriber) forward() {
	defer close(sub.ch)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-sub.wake:
				continue
			case <-sub.quit:
				return
			}
		}
		ev := sub.queue[0]
		sub.queue[0] = Event{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.ch <- ev:
		case <-sub.quit:
			return
		}
	}
}

// Subscribe registers a listener. Events are delivered in order; once more
// than buffer events are waiting, older progress and snapshot events are
// folded into newer ones of the same kind. The returned function
// unsubscribes and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := newSubscriber(buffer)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	go sub.forward()

	return sub.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(cur.quit)
		}
	}
}

// publish must be called with s.mu held.
func (s *Store) publish(ev Event) {
	ev.Status = s.status.clone()
	for _, sub := range s.subs {
		if n := sub.push(ev); n == 1 || (n > 0 && n%100 == 0) {
			s.logger.Printf("[store] slow subscriber: %d events coalesced", n)
		}
	}
}

func (s *Store) publishState() { s.publish(Event{Kind: EventState}) }

// Snapshot returns a deep copy of the current session state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Status:         s.status.clone(),
		Dataset:        describe(s.dataset),
		TrainingConfig: s.trainingConfig,
		Snapshots:      s.snapshots,
		Metrics:        make([]protocol.MetricPoint, len(s.metrics)),
		Predictions:    protocol.ClonePredictions(s.predictions),
		Activations:    protocol.CloneLayerSnapshots(s.activations),
		Weights:        protocol.CloneLayerSnapshots(s.weights),
	}
	for i, m := range s.metrics {
		snap.Metrics[i] = m.Clone()
	}
	if s.modelConfig != nil {
		mc := s.modelConfig.Clone()
		snap.ModelConfig = &mc
	}
	return snap
}

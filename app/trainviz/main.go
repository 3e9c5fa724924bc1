package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tsawler/trainviz/checkpoints"
	"github.com/tsawler/trainviz/dataset"
	"github.com/tsawler/trainviz/engine"
	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/protocol"
	"github.com/tsawler/trainviz/server"
	"github.com/tsawler/trainviz/shape"
	"github.com/tsawler/trainviz/store"
	"github.com/tsawler/trainviz/viz"
)

type options struct {
	addr       string
	settings   string
	format     string
	checkpoint string
	headless   bool
	epochs     int
	speed      float64
	preset     string
	samples    int
	seed       int64
	plotURL    string
	wire       string
	modelName  string
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", ":8090", "HTTP listen address")
	flag.StringVar(&opts.settings, "settings", "trainviz-settings.json", "settings file (.pb for binary)")
	flag.StringVar(&opts.format, "format", "", "settings format: json or proto (default: from extension)")
	flag.StringVar(&opts.checkpoint, "checkpoint", "", "write a checkpoint here when a headless run ends")
	flag.BoolVar(&opts.headless, "headless", false, "train once in the terminal instead of serving")
	flag.IntVar(&opts.epochs, "epochs", 0, "override the number of epochs")
	flag.Float64Var(&opts.speed, "speed", -1, "override the speed (0 is manual)")
	flag.StringVar(&opts.preset, "preset", dataset.PresetXOR, "synthetic dataset preset")
	flag.IntVar(&opts.samples, "samples", 200, "synthetic dataset size")
	flag.Int64Var(&opts.seed, "seed", 1, "dataset and weight seed")
	flag.StringVar(&opts.plotURL, "plot-url", "", "plotting sidecar to push plots to after a headless run")
	flag.StringVar(&opts.wire, "wire", "", "encode worker traffic: json or proto (default: in-memory copies)")
	flag.StringVar(&opts.modelName, "name", "TrainViz", "model name shown in plots and summaries")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if err := run(opts, logger); err != nil {
		logger.Fatalf("[main] %v", err)
	}
}

func run(opts options, logger *log.Logger) error {
	fmt.Printf("=== TrainViz ===\n")
	fmt.Printf("CPU: %s (%d workers)\n\n", engine.CPUDescription(), engine.Parallelism())

	format := checkpoints.FormatForPath(opts.settings)
	if opts.format != "" {
		f, err := checkpoints.ParseFormat(opts.format)
		if err != nil {
			return err
		}
		format = f
	}
	saver := checkpoints.NewSaver(format)

	settings, err := saver.LoadSettingsOrDefault(opts.settings)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if opts.epochs > 0 {
		settings.TrainingConfig.Epochs = opts.epochs
	}
	if opts.speed >= 0 {
		settings.Speed = protocol.Speed(opts.speed)
	}
	if opts.headless && settings.Speed.Manual() {
		return errors.New("headless runs cannot use manual speed")
	}

	ds, err := dataset.Generate(opts.preset, opts.samples, opts.seed)
	if err != nil {
		return err
	}

	storeOpts := []store.Option{store.WithLogger(logger), store.WithSeed(opts.seed)}
	if opts.wire != "" {
		codec, err := protocol.CodecByName(opts.wire)
		if err != nil {
			return err
		}
		storeOpts = append(storeOpts, store.WithCodec(codec))
		logger.Printf("[main] worker traffic encoded as %s", codec.Name())
	}
	st := store.New(storeOpts...)
	defer st.Close()

	if err := st.SetDataset(ds); err != nil {
		return err
	}
	if settings.ModelConfig == nil {
		cfg, err := defaultModel(ds)
		if err != nil {
			return err
		}
		settings.ModelConfig = &cfg
	}
	if err := st.RestoreSettings(settings); err != nil {
		return err
	}
	if err := fitToDataset(st, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.headless {
		return headless(ctx, st, ds, saver, opts, logger)
	}

	go persist(ctx, st, saver, opts.settings, logger)
	srv := server.New(st, server.WithLogger(logger), server.WithModelName(opts.modelName))
	return srv.ListenAndServe(ctx, opts.addr)
}

// defaultModel is a single hidden layer with an output matched to ds.
func defaultModel(ds *dataset.Dataset) (layers.ModelConfig, error) {
	cfg := layers.NewModelBuilder().
		AddDense(16, "relu", "hidden").
		AddDense(1, "linear", "output").
		Config()
	fixed, err := shape.FixOutputLayerFor(cfg.Layers, ds)
	if err != nil {
		return cfg, err
	}
	cfg.Layers = fixed
	return cfg, nil
}

// fitToDataset applies the validator's suggestions when a persisted model
// does not fit the generated data.
func fitToDataset(st *store.Store, logger *log.Logger) error {
	res, err := st.ValidateShapes()
	if err != nil {
		return err
	}
	if res.IsValid {
		return nil
	}
	for _, issue := range res.Issues {
		logger.Printf("[main] shape issue: %s", issue.Message)
	}
	if err := st.ApplySuggestions(res); err != nil {
		return fmt.Errorf("model does not fit the dataset: %w", err)
	}
	logger.Printf("[main] applied %d shape suggestions", len(res.Suggestions))
	return nil
}

// persist saves settings whenever the configuration changes.
func persist(ctx context.Context, st *store.Store, saver *checkpoints.Saver, path string, logger *log.Logger) {
	events, unsubscribe := st.Subscribe(16)
	defer unsubscribe()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != store.EventConfig {
				continue
			}
			if err := saver.SaveSettings(st.Settings(), path); err != nil {
				logger.Printf("[main] failed to save settings: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func headless(ctx context.Context, st *store.Store, ds *dataset.Dataset, saver *checkpoints.Saver, opts options, logger *log.Logger) error {
	settings := st.Settings()
	spec, err := layers.Compile(*settings.ModelConfig, ds.InputWidth())
	if err != nil {
		return err
	}

	events, unsubscribe := st.Subscribe(1024)
	defer unsubscribe()

	session := viz.NewTrainingSession(os.Stdout, opts.modelName)
	session.StartTraining(spec)
	if err := st.Start(); err != nil {
		return err
	}

	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	done, quiet := false, false
	for !done {
		select {
		case ev, ok := <-events:
			if !ok {
				return store.ErrClosed
			}
			quiet = false
			done = session.Handle(ev)
		case <-poll.C:
			// a full quiet period on a finished run means no event is coming
			if snap := st.Snapshot(); quiet && snap.State.Finished() {
				done = session.Handle(store.Event{Kind: store.EventState, Status: snap.Status})
			}
			quiet = true
		case <-ctx.Done():
			if err := st.Stop(); err != nil {
				logger.Printf("[main] stop failed: %v", err)
			}
			return ctx.Err()
		}
	}

	snap := st.Snapshot()
	if err := saver.SaveSettings(st.Settings(), opts.settings); err != nil {
		logger.Printf("[main] failed to save settings: %v", err)
	}
	if opts.checkpoint != "" {
		cp := &checkpoints.Checkpoint{
			Settings: st.Settings(),
			Metrics:  snap.Metrics,
			Weights:  snap.Weights,
			Metadata: checkpoints.Metadata{Description: fmt.Sprintf("%s on %s", opts.modelName, ds.Name)},
		}
		if err := saver.SaveCheckpoint(cp, opts.checkpoint); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		logger.Printf("[main] checkpoint written to %s", opts.checkpoint)
	}

	if opts.plotURL != "" {
		cfg := viz.DefaultPlottingServiceConfig()
		cfg.BaseURL = opts.plotURL
		ps := viz.NewPlottingService(cfg)
		if err := ps.CheckHealth(); err != nil {
			logger.Printf("[main] plotting service unavailable: %v", err)
		} else {
			for pt, resp := range ps.SendAll(viz.SourceFromSnapshot(opts.modelName, snap)) {
				if resp.PlotURL != "" {
					fmt.Printf("%s: %s\n", pt, resp.PlotURL)
				} else {
					logger.Printf("[main] %s: %s", pt, resp.Message)
				}
			}
		}
	}

	if snap.State == store.StateError && snap.LastError != nil {
		return fmt.Errorf("training failed: %s", snap.LastError.Message)
	}
	return nil
}

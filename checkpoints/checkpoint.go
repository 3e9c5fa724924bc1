package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/protocol"
)

// Format defines the serialization format
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a flag value onto a Format
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf", "pb":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown settings format %q", name)
	}
}

// FormatForPath picks the format from a file extension, defaulting to JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pb", ".proto", ".bin":
		return FormatProto
	default:
		return FormatJSON
	}
}

// Settings is the persisted part of the UI state: hyperparameters, the
// declared model and the pace. Live run data is never part of it.
type Settings struct {
	ModelConfig    *layers.ModelConfig     `json:"modelConfig,omitempty"`
	TrainingConfig protocol.TrainingConfig `json:"trainingConfig"`
	Speed          protocol.Speed          `json:"speed"`
	Snapshots      protocol.Snapshots      `json:"snapshots"`
	Metadata       Metadata                `json:"metadata"`
}

// DefaultSettings returns the settings used when nothing is persisted
func DefaultSettings() Settings {
	return Settings{
		TrainingConfig: protocol.DefaultTrainingConfig(),
		Speed:          protocol.SpeedRealTime,
	}
}

// Checkpoint captures the outcome of a finished run
type Checkpoint struct {
	Settings Settings                 `json:"settings"`
	Metrics  []protocol.MetricPoint   `json:"metrics"`
	Weights  []protocol.LayerSnapshot `json:"weights,omitempty"`
	Metadata Metadata                 `json:"metadata"`
}

// Metadata contains file metadata
type Metadata struct {
	Version     string    `json:"version,omitempty"`
	Framework   string    `json:"framework,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	Description string    `json:"description,omitempty"`
}

func (m *Metadata) stamp() {
	if m.Framework == "" {
		m.Framework = "trainviz"
		m.Version = "1.0.0"
		m.CreatedAt = time.Now().UTC()
	}
}

// Saver reads and writes settings and checkpoints in one format
type Saver struct {
	format Format
}

// NewSaver creates a saver for the specified format
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Format returns the saver's format
func (s *Saver) Format() Format { return s.format }

// SaveSettings writes st to path
func (s *Saver) SaveSettings(st Settings, path string) error {
	st.Metadata.stamp()
	return s.save(st, path)
}

// LoadSettings reads settings from path
func (s *Saver) LoadSettings(path string) (Settings, error) {
	var st Settings
	if err := s.load(path, &st); err != nil {
		return Settings{}, err
	}
	return st, nil
}

// LoadSettingsOrDefault reads settings from path, returning the defaults
// when the file does not exist yet.
func (s *Saver) LoadSettingsOrDefault(path string) (Settings, error) {
	st, err := s.LoadSettings(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultSettings(), nil
	}
	return st, err
}

// SaveCheckpoint writes a run checkpoint to path
func (s *Saver) SaveCheckpoint(cp *Checkpoint, path string) error {
	if cp == nil {
		return errors.New("nil checkpoint")
	}
	c := *cp
	c.Metadata.stamp()
	return s.save(c, path)
}

// LoadCheckpoint reads a run checkpoint from path
func (s *Saver) LoadCheckpoint(path string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := s.load(path, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Saver) save(v any, path string) error {
	data, err := s.encode(v)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	// Write to a temp file first so a crash never leaves a truncated file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func (s *Saver) load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := s.decode(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (s *Saver) encode(v any) ([]byte, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	switch s.format {
	case FormatJSON:
		return raw, nil
	case FormatProto:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		st, err := structpb.NewStruct(m)
		if err != nil {
			return nil, fmt.Errorf("failed to convert to protobuf struct: %w", err)
		}
		return proto.Marshal(st)
	default:
		return nil, fmt.Errorf("unsupported format: %s", s.format)
	}
}

func (s *Saver) decode(data []byte, v any) error {
	switch s.format {
	case FormatJSON:
		return json.Unmarshal(data, v)
	case FormatProto:
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return err
		}
		raw, err := protojson.Marshal(&st)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	default:
		return fmt.Errorf("unsupported format: %s", s.format)
	}
}

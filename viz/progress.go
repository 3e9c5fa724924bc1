package viz

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/trainviz/layers"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	if metrics != nil {
		pb.metrics = metrics
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// Line returns the current progress line without the carriage return
func (pb *ProgressBar) Line() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	return line + "]"
}

// render draws the bar, overwriting the previous line
func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.Line())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes the compiled model in PyTorch style
func (p *ModelArchitecturePrinter) PrintArchitecture(out io.Writer, spec *layers.ModelSpec) {
	fmt.Fprintf(out, "Model Architecture:\n")
	fmt.Fprintf(out, "%s(\n", p.modelName)
	for i, l := range spec.Layers {
		fmt.Fprintf(out, "  %s\n", p.formatLayer(l, i))
	}
	fmt.Fprintf(out, ")\n\n")

	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(out, "Input shape: %v\n", spec.InputShape)
	fmt.Fprintf(out, "Output shape: %v\n", spec.OutputShape)
	fmt.Fprintf(out, "Params size (MB): %.3f\n\n", float64(spec.TotalParameters*8)/1024/1024)
}

func (p *ModelArchitecturePrinter) formatLayer(l layers.CompiledLayer, index int) string {
	name := l.Spec.DisplayName(index)
	act := l.Spec.Activation
	if act == "" {
		act = "linear"
	}
	switch l.Spec.Type {
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, activation=%s)",
			name, shapeSize(l.InputShape), l.Spec.Units, act)
	case layers.Conv1D:
		return fmt.Sprintf("(%s): Conv1d(%d, %d, kernel_size=%d, activation=%s)",
			name, channels(l.InputShape), l.Spec.Filters, l.Spec.KernelSize, act)
	case layers.Conv2D:
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), activation=%s)",
			name, channels(l.InputShape), l.Spec.Filters, l.Spec.KernelSize, l.Spec.KernelSize, act)
	case layers.Flatten:
		return fmt.Sprintf("(%s): Flatten(%v -> %v)", name, l.InputShape, l.OutputShape)
	default:
		return fmt.Sprintf("(%s): %s()", name, l.Spec.Type.String())
	}
}

func shapeSize(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}

func channels(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	return shape[len(shape)-1]
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

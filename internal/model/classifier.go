package model

import (
	"errors"
	"fmt"
	"math"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	// ErrLoad is returned when the weights artifact cannot be turned into a
	// usable classifier.
	ErrLoad = errors.New("failed to load classifier")
	// ErrShape is returned when the graph or its output does not match the
	// expected backbone + 102-wide head.
	ErrShape = errors.New("unexpected tensor shape")
)

// Options configures Load.
type Options struct {
	Path           string
	IntraOpThreads int
}

// runner executes one forward pass and returns the raw logits.
type runner interface {
	run(input *Tensor) ([]float32, error)
	destroy() error
}

// Classifier scores preprocessed images against the flower classes. It holds
// no mutable state besides the frozen session and may be shared between
// goroutines.
type Classifier struct {
	Metadata Metadata
	runner   runner
}

// InitRuntime loads the onnxruntime shared library. It must be called once
// before Load. An empty libPath keeps the library's default lookup.
func InitRuntime(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ShutdownRuntime releases the onnxruntime environment.
func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Load opens the ONNX export of the fine-tuned network at opts.Path and
// checks that it takes one [N,3,224,224] float input and yields NumClasses
// logits.
func Load(opts Options) (*Classifier, error) {
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read graph info: %w", ErrLoad, err)
	}

	metadata, err := inspect(inputs, outputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session options: %w", ErrLoad, err)
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("%w: failed to set thread count: %w", ErrLoad, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(opts.Path,
		[]string{metadata.InputName}, []string{metadata.OutputName}, options)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create ONNX session: %w", ErrLoad, err)
	}

	return &Classifier{
		Metadata: metadata,
		runner:   &onnxRunner{session: session},
	}, nil
}

// inspect validates the graph signature against the expected architecture.
func inspect(inputs, outputs []ort.InputOutputInfo) (Metadata, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return Metadata{}, fmt.Errorf("%w: expected 1 input and 1 output, got %d and %d",
			ErrShape, len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]

	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return Metadata{}, fmt.Errorf("%w: input and output must be float32", ErrShape)
	}

	want := []int64{Channels, ImageSize, ImageSize}
	if len(in.Dimensions) != 4 {
		return Metadata{}, fmt.Errorf("%w: input %q has shape %v, want [N %d %d %d]",
			ErrShape, in.Name, in.Dimensions, Channels, ImageSize, ImageSize)
	}
	for i, d := range want {
		if in.Dimensions[i+1] != d {
			return Metadata{}, fmt.Errorf("%w: input %q has shape %v, want [N %d %d %d]",
				ErrShape, in.Name, in.Dimensions, Channels, ImageSize, ImageSize)
		}
	}

	if len(out.Dimensions) == 0 || out.Dimensions[len(out.Dimensions)-1] != NumClasses {
		return Metadata{}, fmt.Errorf("%w: output %q has shape %v, want [N %d]",
			ErrShape, out.Name, out.Dimensions, NumClasses)
	}

	return Metadata{
		InputName:   in.Name,
		OutputName:  out.Name,
		InputShape:  []int64(in.Dimensions),
		OutputShape: []int64(out.Dimensions),
		NumClasses:  NumClasses,
	}, nil
}

// Score runs a forward pass on t and returns the softmax over the class
// logits. The returned slice has NumClasses entries summing to 1.
func (c *Classifier) Score(t *Tensor) ([]float32, error) {
	if len(t.Data) != Channels*ImageSize*ImageSize {
		return nil, fmt.Errorf("%w: input has %d values, want %d",
			ErrShape, len(t.Data), Channels*ImageSize*ImageSize)
	}

	logits, err := c.runner.run(t)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(logits) != NumClasses {
		return nil, fmt.Errorf("%w: model returned %d logits, want %d", ErrShape, len(logits), NumClasses)
	}

	return Softmax(logits), nil
}

// Close releases the ONNX session.
func (c *Classifier) Close() error {
	if c == nil || c.runner == nil {
		return nil
	}
	return c.runner.destroy()
}

// Softmax converts logits into a probability distribution.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}

	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	exps := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - maxVal))
		sum += exps[i]
	}

	probs := make([]float32, len(logits))
	for i, e := range exps {
		probs[i] = float32(e / sum)
	}
	return probs
}

type onnxRunner struct {
	session *ort.DynamicAdvancedSession
}

func (r *onnxRunner) run(input *Tensor) ([]float32, error) {
	// Each call owns its tensors so concurrent requests never share buffers.
	inputTensor, err := ort.NewTensor(ort.NewShape(1, Channels, ImageSize, ImageSize), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, NumClasses))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := r.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, err
	}

	logits := make([]float32, NumClasses)
	copy(logits, outputTensor.GetData())
	return logits, nil
}

func (r *onnxRunner) destroy() error {
	if r.session == nil {
		return nil
	}
	return r.session.Destroy()
}

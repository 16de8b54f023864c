package model

// Architecture constants shared by the preprocessor and the classifier. They
// must match the network the weights were fine-tuned on.
const (
	NumClasses = 102
	Channels   = 3
	ImageSize  = 224
)

// Tensor is a single CHW image tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor allocates a zeroed Channels x ImageSize x ImageSize tensor.
func NewTensor() *Tensor {
	return &Tensor{
		Shape: []int64{Channels, ImageSize, ImageSize},
		Data:  make([]float32, Channels*ImageSize*ImageSize),
	}
}

// Metadata describes the loaded ONNX graph.
type Metadata struct {
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	NumClasses  int     `json:"num_classes"`
}

// Package v1alpha1 defines the serialized form of a computational graph.
//
// A Graph is a flat list of tensors. Every tensor is exactly one of: the input
// placeholder, inline data (a constant or parameter), or a computation over other
// tensors identified by id.
package v1alpha1

// Graph is a serialized, already-trained model.
type Graph struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// DType is the working precision of the model, "float32" (default) or "float64".
	DType    string            `yaml:"dtype,omitempty" json:"dtype,omitempty"`
	Tensors  []*Tensor         `yaml:"tensors" json:"tensors"`
	Output   int32             `yaml:"output" json:"output"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

type Tensor struct {
	Id          int32            `yaml:"id" json:"id"`
	Name        string           `yaml:"name,omitempty" json:"name,omitempty"`
	Input       *Placeholder     `yaml:"input,omitempty" json:"input,omitempty"`
	InlineData  *InlineData      `yaml:"inlineData,omitempty" json:"inlineData,omitempty"`
	Computation *TensorOperation `yaml:"computation,omitempty" json:"computation,omitempty"`
}

// Placeholder declares the graph input. A dimension of -1 accepts any size.
type Placeholder struct {
	Dimensions []int32 `yaml:"dimensions" json:"dimensions"`
}

type InlineData struct {
	Dimensions []int32   `yaml:"dimensions" json:"dimensions"`
	Values     []float64 `yaml:"values" json:"values"`
	// RequiresGrad marks trainable parameters. They are counted by inspection and
	// evaluated like any other inline data.
	RequiresGrad bool `yaml:"requiresGrad,omitempty" json:"requiresGrad,omitempty"`
}

type TensorOperation struct {
	Op       string  `yaml:"op" json:"op"`
	Sources  []int32 `yaml:"sources" json:"sources"`
	Dim      int32   `yaml:"dim,omitempty" json:"dim,omitempty"`
	Index    int32   `yaml:"index,omitempty" json:"index,omitempty"`
	Scale    float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
	Exponent float64 `yaml:"exponent,omitempty" json:"exponent,omitempty"`
	Epsilon  float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	DType    string  `yaml:"dtype,omitempty" json:"dtype,omitempty"`
	Shape    []int32 `yaml:"shape,omitempty" json:"shape,omitempty"`
	KeepDim  bool    `yaml:"keepDim,omitempty" json:"keepDim,omitempty"`
}

// Operations. sum reduces every element to a scalar; sum_dim reduces along Dim.
const (
	OpAdd     = "add"
	OpSub     = "sub"
	OpMul     = "mul"
	OpDiv     = "div"
	OpNeg     = "neg"
	OpExp     = "exp"
	OpLog     = "log"
	OpTanh    = "tanh"
	OpSigmoid = "sigmoid"
	OpReLU    = "relu"
	OpSqrt    = "sqrt"
	OpSin     = "sin"
	OpCos     = "cos"
	OpPow     = "pow"
	OpScale   = "scale"
	OpRMSNorm = "rms_norm"
	OpMatMul  = "matmul"
	OpSum     = "sum"
	OpSumDim  = "sum_dim"
	OpSelect  = "select"
	OpReshape = "reshape"
	OpStack   = "stack"
	OpCat     = "cat"
	OpCast    = "cast"
)

// sourceArity is the number of sources each op takes; -1 means one or more.
var sourceArity = map[string]int{
	OpAdd:     2,
	OpSub:     2,
	OpMul:     2,
	OpDiv:     2,
	OpNeg:     1,
	OpExp:     1,
	OpLog:     1,
	OpTanh:    1,
	OpSigmoid: 1,
	OpReLU:    1,
	OpSqrt:    1,
	OpSin:     1,
	OpCos:     1,
	OpPow:     1,
	OpScale:   1,
	OpRMSNorm: 1,
	OpMatMul:  2,
	OpSum:     1,
	OpSumDim:  1,
	OpSelect:  1,
	OpReshape: 1,
	OpStack:   -1,
	OpCat:     -1,
	OpCast:    1,
}

func (g *Graph) GetTensors() []*Tensor {
	if g == nil {
		return nil
	}
	return g.Tensors
}

func (g *Graph) GetOutput() int32 {
	if g == nil {
		return 0
	}
	return g.Output
}

// InputTensor returns the placeholder tensor, or nil if there is none.
func (g *Graph) InputTensor() *Tensor {
	for _, t := range g.GetTensors() {
		if t.GetInput() != nil {
			return t
		}
	}
	return nil
}

func (t *Tensor) GetId() int32 {
	if t == nil {
		return 0
	}
	return t.Id
}

func (t *Tensor) GetInput() *Placeholder {
	if t == nil {
		return nil
	}
	return t.Input
}

func (t *Tensor) GetInlineData() *InlineData {
	if t == nil {
		return nil
	}
	return t.InlineData
}

func (t *Tensor) GetComputation() *TensorOperation {
	if t == nil {
		return nil
	}
	return t.Computation
}

func (d *InlineData) GetDimensions() []int32 {
	if d == nil {
		return nil
	}
	return d.Dimensions
}

func (d *InlineData) GetValues() []float64 {
	if d == nil {
		return nil
	}
	return d.Values
}

func (o *TensorOperation) GetOp() string {
	if o == nil {
		return ""
	}
	return o.Op
}

func (o *TensorOperation) GetSources() []int32 {
	if o == nil {
		return nil
	}
	return o.Sources
}

func (o *TensorOperation) GetEpsilon() float64 {
	if o == nil {
		return 0
	}
	return o.Epsilon
}

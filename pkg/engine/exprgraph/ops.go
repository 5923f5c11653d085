package exprgraph

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
)

const defaultRMSNormEpsilon = 1e-5

type binaryOp func(a, b *gorgonia.Node) (*gorgonia.Node, error)

type broadcastOp func(a, b *gorgonia.Node, leftPattern, rightPattern []byte) (*gorgonia.Node, error)

func (c *CalculationScope) apply(op *api.TensorOperation, sources []*gorgonia.Node) (*gorgonia.Node, error) {
	switch op.GetOp() {
	case api.OpAdd:
		return elementwise(gorgonia.Add, gorgonia.BroadcastAdd, sources[0], sources[1])
	case api.OpSub:
		return elementwise(gorgonia.Sub, gorgonia.BroadcastSub, sources[0], sources[1])
	case api.OpMul:
		return elementwise(gorgonia.HadamardProd, gorgonia.BroadcastHadamardProd, sources[0], sources[1])
	case api.OpDiv:
		return elementwise(gorgonia.HadamardDiv, gorgonia.BroadcastHadamardDiv, sources[0], sources[1])
	case api.OpMatMul:
		if sources[0].IsScalar() || sources[1].IsScalar() {
			return nil, fmt.Errorf("matmul needs tensors, got shapes %v and %v", sources[0].Shape(), sources[1].Shape())
		}
		return gorgonia.Mul(sources[0], sources[1])

	case api.OpNeg:
		return gorgonia.Neg(sources[0])
	case api.OpExp:
		return gorgonia.Exp(sources[0])
	case api.OpLog:
		return gorgonia.Log(sources[0])
	case api.OpTanh:
		return gorgonia.Tanh(sources[0])
	case api.OpSigmoid:
		return gorgonia.Sigmoid(sources[0])
	case api.OpReLU:
		return gorgonia.Rectify(sources[0])
	case api.OpSqrt:
		return gorgonia.Sqrt(sources[0])
	case api.OpSin:
		return gorgonia.Sin(sources[0])
	case api.OpCos:
		return gorgonia.Cos(sources[0])
	case api.OpPow:
		return gorgonia.Pow(sources[0], c.scalar(op.Exponent))
	case api.OpScale:
		return gorgonia.HadamardProd(sources[0], c.scalar(op.Scale))

	case api.OpRMSNorm:
		epsilon := defaultRMSNormEpsilon
		if v := op.GetEpsilon(); v != 0 {
			epsilon = v
		}
		return c.rmsNorm(sources[0], epsilon)

	case api.OpSum:
		return gorgonia.Sum(sources[0])
	case api.OpSumDim:
		return c.sumDim(sources[0], int(op.Dim), op.KeepDim)
	case api.OpSelect:
		return selectIndex(sources[0], int(op.Dim), int(op.Index))
	case api.OpReshape:
		return c.reshape(sources[0], toInts(op.Shape))
	case api.OpStack:
		return c.stack(sources, int(op.Dim))
	case api.OpCat:
		return concat(sources, int(op.Dim))

	case api.OpCast:
		dtype, err := ParseDType(op.DType)
		if err != nil {
			return nil, err
		}
		if dtype != c.dtype {
			return nil, fmt.Errorf("cast to %v inside a %v graph: mixed precision is not supported", dtype, c.dtype)
		}
		return sources[0], nil

	default:
		return nil, fmt.Errorf("unsupported operation: %q", op.GetOp())
	}
}

// elementwise applies op to operands of equal shape, or to a scalar and a tensor.
// Other shapes broadcast the way numpy does: ranks are aligned on the right and
// size-1 axes are repeated.
func elementwise(op binaryOp, broadcast broadcastOp, a, b *gorgonia.Node) (*gorgonia.Node, error) {
	if a.IsScalar() || b.IsScalar() || a.Shape().Eq(b.Shape()) {
		return op(a, b)
	}

	rank := max(a.Dims(), b.Dims())
	as, bs := padShape(a.Shape(), rank), padShape(b.Shape(), rank)
	var left, right []byte
	for axis := 0; axis < rank; axis++ {
		switch {
		case as[axis] == bs[axis]:
		case as[axis] == 1:
			left = append(left, byte(axis))
		case bs[axis] == 1:
			right = append(right, byte(axis))
		default:
			return nil, fmt.Errorf("shapes %v and %v do not broadcast", a.Shape(), b.Shape())
		}
	}

	a, err := reshapeTo(a, as)
	if err != nil {
		return nil, err
	}
	b, err = reshapeTo(b, bs)
	if err != nil {
		return nil, err
	}
	return broadcast(a, b, left, right)
}

func padShape(shape tensor.Shape, rank int) []int {
	padded := make([]int, rank)
	offset := rank - len(shape)
	for i := range padded {
		if i < offset {
			padded[i] = 1
		} else {
			padded[i] = shape[i-offset]
		}
	}
	return padded
}

func reshapeTo(n *gorgonia.Node, shape []int) (*gorgonia.Node, error) {
	if n.Shape().Eq(tensor.Shape(shape)) {
		return n, nil
	}
	return gorgonia.Reshape(n, shape)
}

// rmsNorm normalizes x over its last dimension: x / sqrt(mean(x^2) + epsilon).
func (c *CalculationScope) rmsNorm(x *gorgonia.Node, epsilon float64) (*gorgonia.Node, error) {
	if x.IsScalar() {
		return nil, fmt.Errorf("rms_norm needs a tensor")
	}
	last := x.Dims() - 1

	squares, err := gorgonia.Square(x)
	if err != nil {
		return nil, err
	}
	var meanSquare *gorgonia.Node
	if x.Dims() == 1 {
		meanSquare, err = gorgonia.Mean(squares)
	} else {
		meanSquare, err = gorgonia.Mean(squares, last)
	}
	if err != nil {
		return nil, err
	}
	shifted, err := gorgonia.Add(meanSquare, c.scalar(epsilon))
	if err != nil {
		return nil, err
	}
	rms, err := gorgonia.Sqrt(shifted)
	if err != nil {
		return nil, err
	}
	if rms.IsScalar() {
		return gorgonia.HadamardDiv(x, rms)
	}

	// Put the reduced axis back so that rms repeats along it.
	rms, err = gorgonia.Reshape(rms, append(rms.Shape().Clone(), 1))
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastHadamardDiv(x, rms, nil, []byte{byte(last)})
}

func (c *CalculationScope) sumDim(x *gorgonia.Node, dim int, keepDim bool) (*gorgonia.Node, error) {
	shape := x.Shape()
	dim, err := normalizeDim(dim, len(shape))
	if err != nil {
		return nil, err
	}
	var sum *gorgonia.Node
	if len(shape) == 1 {
		sum, err = gorgonia.Sum(x)
	} else {
		sum, err = gorgonia.Sum(x, dim)
	}
	if err != nil || !keepDim {
		return sum, err
	}
	kept := shape.Clone()
	kept[dim] = 1
	return c.reshape(sum, kept)
}

// selectIndex picks one index along dim and drops that dimension.
func selectIndex(x *gorgonia.Node, dim, index int) (*gorgonia.Node, error) {
	shape := x.Shape()
	dim, err := normalizeDim(dim, len(shape))
	if err != nil {
		return nil, err
	}
	size := shape[dim]
	if index < 0 {
		index += size
	}
	if index < 0 || index >= size {
		return nil, fmt.Errorf("index %d out of range for dimension %d of size %d", index, dim, size)
	}
	slices := make([]tensor.Slice, dim+1)
	slices[dim] = gorgonia.S(index)
	return gorgonia.Slice(x, slices...)
}

// reshape also converts between scalars and single-element tensors, which gorgonia's
// Reshape does not do.
func (c *CalculationScope) reshape(x *gorgonia.Node, shape []int) (*gorgonia.Node, error) {
	shape, err := resolveShape(shape, numElements(x.Shape()))
	if err != nil {
		return nil, err
	}

	switch {
	case x.IsScalar() && len(shape) == 0:
		return x, nil
	case x.IsScalar():
		broadcast, err := c.constant(shape, []float64{1})
		if err != nil {
			return nil, err
		}
		return gorgonia.HadamardProd(broadcast, x)
	case len(shape) == 0:
		flat, err := reshapeTo(x, []int{1})
		if err != nil {
			return nil, err
		}
		return gorgonia.Slice(flat, gorgonia.S(0))
	default:
		return reshapeTo(x, shape)
	}
}

// resolveShape fills in a single -1 dimension so the shape holds size elements.
func resolveShape(shape []int, size int) ([]int, error) {
	resolved := make([]int, len(shape))
	free := -1
	known := 1
	for i, d := range shape {
		resolved[i] = d
		switch {
		case d == -1 && free < 0:
			free = i
		case d < 0:
			return nil, fmt.Errorf("invalid shape %v", shape)
		default:
			known *= d
		}
	}
	if free >= 0 {
		if known == 0 || size%known != 0 {
			return nil, fmt.Errorf("cannot reshape %d elements to %v", size, shape)
		}
		resolved[free] = size / known
		known = size
	}
	if known != size {
		return nil, fmt.Errorf("cannot reshape %d elements to %v", size, shape)
	}
	return resolved, nil
}

// stack joins equally shaped sources along a new dimension.
func (c *CalculationScope) stack(sources []*gorgonia.Node, dim int) (*gorgonia.Node, error) {
	first := sources[0].Shape()
	for _, s := range sources[1:] {
		if !s.Shape().Eq(first) {
			return nil, fmt.Errorf("stack needs equal shapes, got %v and %v", first, s.Shape())
		}
	}
	if sources[0].IsScalar() {
		if dim != 0 && dim != -1 {
			return nil, fmt.Errorf("stacking scalars along dimension %d", dim)
		}
		return c.stackScalars(sources)
	}

	dim, err := normalizeDim(dim, len(first)+1)
	if err != nil {
		return nil, err
	}
	expanded := make([]*gorgonia.Node, len(sources))
	for i, s := range sources {
		shape := make([]int, 0, len(first)+1)
		shape = append(shape, first[:dim]...)
		shape = append(shape, 1)
		shape = append(shape, first[dim:]...)
		if expanded[i], err = gorgonia.Reshape(s, shape); err != nil {
			return nil, err
		}
	}
	return concat(expanded, dim)
}

// stackScalars builds the vector sum_k e_k * s_k, where e_k is the k-th unit vector.
func (c *CalculationScope) stackScalars(sources []*gorgonia.Node) (*gorgonia.Node, error) {
	n := len(sources)
	var out *gorgonia.Node
	for k, s := range sources {
		unit := make([]float64, n)
		unit[k] = 1
		e, err := c.constant([]int{n}, unit)
		if err != nil {
			return nil, err
		}
		term, err := gorgonia.HadamardProd(e, s)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = term
			continue
		}
		if out, err = gorgonia.Add(out, term); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func concat(sources []*gorgonia.Node, dim int) (*gorgonia.Node, error) {
	if sources[0].IsScalar() {
		return nil, fmt.Errorf("cat needs tensors")
	}
	dim, err := normalizeDim(dim, sources[0].Dims())
	if err != nil {
		return nil, err
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	return gorgonia.Concat(dim, sources...)
}

func normalizeDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dimension %d out of range for rank %d", dim, rank)
	}
	return dim, nil
}

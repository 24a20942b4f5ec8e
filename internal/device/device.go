package device

// Tensor represents a two-dimensional row-major array of float32 values.
// Higher-rank model shapes ([batch, seq, hidden]) are expressed by flattening
// the leading axes into rows, with the caller tracking batch and sequence
// lengths explicitly.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if contiguous (nil for transposed views).
	Data() []float32

	// ToHost copies the data to a Go slice in logical row-major order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice to the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of identical dimensions.
	Copy(from Tensor)

	// Clone returns a new tensor with the same contents.
	Clone() Tensor

	// Slice copies the submatrix rows [i, k) and cols [j, l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// SetSubmatrix writes src into this tensor with its top-left corner at (i, j).
	SetSubmatrix(i, j int, src Tensor)

	// T returns a transposed view sharing the underlying data.
	T() Tensor

	// Mul performs matrix multiplication: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// AddScalar performs: t = t + val
	AddScalar(val float32)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddBias adds a bias row vector (1xC) to every row.
	AddBias(bias Tensor)

	// Activation functions (in-place, row-wise for Softmax)
	Softmax()
	Gelu()
	Relu()
	Tanh()

	// LayerNorm performs layer normalization over each row (in-place).
	LayerNorm(gamma, beta Tensor, eps float32)

	// Gather collects rows based on indices. Returns a new tensor.
	Gather(indices []int) Tensor

	// ArgmaxRows returns the column index of the maximum value in each row.
	ArgmaxRows() []int
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

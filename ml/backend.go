// backend.go - backend registration and construction
package ml

import "fmt"

// BackendParams controls how a Backend loads and executes a model.
type BackendParams struct {
	// NumDevices is the number of devices to spread decoder blocks across.
	NumDevices int

	// FlashAttention selects the fused scaled-dot-product-attention path
	// over the eager matmul/softmax/matmul decomposition, where the
	// backend offers one.
	FlashAttention bool
}

var backends = make(map[string]func(weightsDir string, params BackendParams) (Backend, error))

// RegisterBackend registers a backend factory under a name, the way
// model.Register associates an architecture string with a constructor.
func RegisterBackend(name string, f func(string, BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("ml: backend already registered: " + name)
	}
	backends[name] = f
}

// NewBackend constructs the named backend. "cpu" is the eager backend
// registered by ml/cpu's init.
func NewBackend(name, weightsDir string, params BackendParams) (Backend, error) {
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("ml: unregistered backend %q", name)
	}
	return f(weightsDir, params)
}

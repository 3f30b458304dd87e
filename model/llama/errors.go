package llama

import "errors"

var (
	errConfigZero      = errors.New("llama: NumHeads and NumKVHeads must be nonzero")
	errGQADivisibility = errors.New("llama: NumHeads must be a multiple of NumKVHeads")
)

// Package safetensors reads and writes the safetensors container format.
//
// A safetensors file is
//
//	[8 bytes: header size N, uint64 little-endian]
//	[N bytes: JSON header]
//	[tensor data]
//
// The header maps every tensor name to its dtype, shape and byte range
// relative to the start of the data section; an optional "__metadata__" entry
// carries free-form string pairs. The writer pads the header with spaces so
// that the data section starts at an 8-byte boundary, and lays tensors out in
// name order.
package safetensors

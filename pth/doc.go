// Package pth finds tensors in PyTorch checkpoint archives.
//
// A checkpoint written by torch.save is a zip file. Its <base>/data.pkl entry
// is a pickled object graph in which every tensor appears as a
// torch._utils._rebuild_tensor_v2 call whose storage is a persistent
// reference; the storage bytes live in the <base>/data/<key> entry. Reader
// decodes the graph with package pickle, recovers dtype, shape and storage
// entry of every tensor, and hands out TensorLoc values that read the bytes
// only when asked to.
package pth

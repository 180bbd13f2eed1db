// Package storage defines the asynchronous block-device contract used by
// the mass-storage interpreter, and the backends that implement it.
//
// # Contract
//
// A [Backend] starts block operations and reports their results through a
// bound [Completion]. Every start call returns an immediate [Status]: a
// rejection (bad address, no media, write protect) means no completion
// will follow. Media presence is queried with CheckMedia and described by
// RequestMedia; NotifyMediaChange arms a one-shot change notification.
//
// # Backends
//
//   - [Memory]: RAM disk with removal simulation and fault injection;
//     completions are synchronous
//   - [File]: disk image served by one I/O goroutine
//   - [Cipher]: AES-XTS decorator over any other backend
//
// [LoadImage] and [SaveImage] move images between disk and a [Memory]
// backend, handling xz compression by file extension.
//
// # Example
//
//	desc := storage.NewDescriptor("SoftMSC", "RAM Disk", "1.0")
//	mem := storage.NewMemory(desc, 2048, 512)
//	disk, err := storage.NewCipher(mem, key)
//	if err != nil {
//	    return err
//	}
//	disk.Bind(sink)
package storage

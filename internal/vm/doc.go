// Package vm provides the high-level provisioning run.
//
// This package orchestrates the low-level components (disk, cloudinit, qemu,
// readiness, install) into a single linear operation:
//
//   - Up: prepare the disk overlay, build the seed image, launch the
//     hypervisor, wait for SSH and optionally install a kernel
//
// Error Handling:
//
// Every step is fail-fast. The first failure aborts the run and is returned
// wrapped with the step that produced it. Nothing is cleaned up: the disk
// and seed images are reused by the next run, and a hypervisor that was
// already started keeps running so the operator can inspect it.
//
// Context Support:
//
// Up accepts a context.Context for cancellation of downloads, tool
// invocations and polling. The remote install session only stops when the
// context is cancelled; it has no timeout of its own.
package vm

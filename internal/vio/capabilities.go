package vio

// Capabilities describes what a replica backend can do. The transfer engine's
// strategy selection is a pure function of these flags and the transfer
// direction.
type Capabilities struct {
	// AtomicOverwrite means the backend replaces an existing path
	// atomically on write, so no temp-file-and-rename dance is needed.
	AtomicOverwrite bool

	// PutSupport and GetSupport advertise one-shot bulk transfer
	// primitives.
	PutSupport bool
	GetSupport bool

	// UseSendfile advertises fd-to-fd streaming with chunk resume.
	UseSendfile bool

	// PostCopyStat means a stat after write is meaningful and affordable.
	// Backends that verify integrity in the transport may clear it.
	PostCopyStat bool
}

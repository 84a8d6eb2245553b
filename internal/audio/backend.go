package audio

// DataFunc receives captured PCM on the audio subsystem's callback thread.
// The buffer is only valid for the duration of the call.
type DataFunc func(in []byte)

// Stream is a native capture or playback session.
type Stream interface {
	Start() error
	Stop() error
	Close()
}

// CaptureStream is a Stream that delivers captured audio.
type CaptureStream interface {
	Stream
	// Format returns the format of the buffers passed to the DataFunc.
	Format() Format
}

// CaptureCallbacks are the callbacks invoked by a CaptureStream.
type CaptureCallbacks struct {
	// Data is called for every captured buffer.
	Data DataFunc
	// Stopped is called when the device stops, whether requested or not.
	Stopped func()
}

// Backend is the native audio subsystem. Enumerate lists raw endpoint IDs;
// Describe may fail for endpoints in a transitional state, which the Catalog skips.
type Backend interface {
	// Name identifies the implementation in logs.
	Name() string
	// Enumerate returns the IDs of all endpoints for a direction.
	Enumerate(dir Direction) ([]string, error)
	// Describe returns the details of a single endpoint.
	Describe(dir Direction, id string) (Device, error)
	// OpenCapture opens a capture session on dev. Render devices are opened
	// in loopback mode. bits requests a sample format (0 = native); channel
	// count and sample rate are always native.
	OpenCapture(dev Device, bits int, cb CaptureCallbacks) (CaptureStream, error)
	// OpenSilence opens a playback session on a render device that plays silence.
	OpenSilence(dev Device) (Stream, error)
	// Close releases the backend.
	Close() error
}

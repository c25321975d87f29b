package p2pchunk

import (
	"github.com/anacrolix/log"
	"github.com/pkg/errors"
)

// ErrorKind classifies a failure so callers can decide whether to log it,
// drop a connection, or abort the process.
type ErrorKind int

const (
	// KindTransient covers a single lost or malformed datagram: log at
	// debug level at most, and let the reliable-transfer timers recover.
	KindTransient ErrorKind = iota
	// KindProtocol covers a well-formed packet that violates protocol
	// expectations (unexpected type, bad sequence number).
	KindProtocol
	// KindAdmission covers upload admission being refused (DENIED).
	KindAdmission
	// KindTask covers a download task failing irrecoverably (inactivity
	// timeout, no responders).
	KindTask
	// KindFatal covers failures that leave the process unable to
	// continue (socket closed, chunk store unwritable).
	KindFatal
)

func (k ErrorKind) LogLevel() log.Level {
	switch k {
	case KindTransient:
		return log.Debug
	case KindProtocol:
		return log.Debug
	case KindAdmission:
		return log.Info
	case KindTask:
		return log.Warning
	case KindFatal:
		return log.Error
	default:
		return log.Info
	}
}

// KindError pairs an error with the ErrorKind that determines how the
// dispatcher's event loop reacts to it.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

func WrapKind(kind ErrorKind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: errors.Wrap(err, msg)}
}

// Classify extracts the ErrorKind from err, defaulting to KindTransient
// for errors that were never classified.
func Classify(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindTransient
}

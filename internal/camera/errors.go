package camera

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// ErrorKind classifies an acquisition failure.
type ErrorKind string

const (
	PermissionDenied        ErrorKind = "permission_denied"
	DeviceNotFound          ErrorKind = "device_not_found"
	DeviceBusy              ErrorKind = "device_busy"
	ConstraintUnsatisfiable ErrorKind = "constraint_unsatisfiable"
	InsecureContext         ErrorKind = "insecure_context"
	Aborted                 ErrorKind = "aborted"
	Unknown                 ErrorKind = "unknown"
)

// Message returns the user-facing text for the kind.
func (k ErrorKind) Message() string {
	switch k {
	case PermissionDenied:
		return "Brak dostępu do kamery. Zezwól na użycie kamery i spróbuj ponownie."
	case DeviceNotFound:
		return "Nie znaleziono kamery. Podłącz kamerę i spróbuj ponownie."
	case DeviceBusy:
		return "Kamera jest zajęta przez inną aplikację. Zamknij ją i spróbuj ponownie."
	case ConstraintUnsatisfiable:
		return "Kamera nie obsługuje wymaganych ustawień. Wybierz inną kamerę."
	case InsecureContext:
		return "Kamera działa tylko przez HTTPS lub na localhost."
	case Aborted:
		return "Uruchamianie kamery zostało przerwane."
	default:
		return "Nie udało się uruchomić kamery."
	}
}

// Error is returned by acquisition.
type Error struct {
	Kind   ErrorKind
	Device string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("camera")
	if e.Device != "" {
		b.WriteString(" ")
		b.WriteString(e.Device)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from err, or Unknown.
func KindOf(err error) ErrorKind {
	var camErr *Error
	if errors.As(err, &camErr) {
		return camErr.Kind
	}
	return Unknown
}

// Classify wraps err as an *Error, inferring the kind from errno values
// and ffmpeg/v4l2 diagnostics in stderr.
func Classify(device string, err error, stderr string) *Error {
	var camErr *Error
	if errors.As(err, &camErr) {
		return camErr
	}
	return &Error{Kind: classifyKind(err, stderr), Device: device, Err: err}
}

func classifyKind(err error, stderr string) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Aborted
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return PermissionDenied
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		return DeviceNotFound
	case errors.Is(err, syscall.EBUSY):
		return DeviceBusy
	case errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.ERANGE):
		return ConstraintUnsatisfiable
	}

	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "permission denied"):
		return PermissionDenied
	case strings.Contains(msg, "no such file or directory"), strings.Contains(msg, "no such device"):
		return DeviceNotFound
	case strings.Contains(msg, "device or resource busy"):
		return DeviceBusy
	case strings.Contains(msg, "invalid argument"),
		strings.Contains(msg, "not supported"),
		strings.Contains(msg, "cannot find a proper format"),
		strings.Contains(msg, "could not find codec"),
		strings.Contains(msg, "invalid pixel format"):
		return ConstraintUnsatisfiable
	case strings.Contains(msg, "immediate exit requested"), strings.Contains(msg, "exiting normally, received signal"):
		return Aborted
	}
	return Unknown
}

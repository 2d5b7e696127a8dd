// Package ocierrors defines the structured, Kind-tagged error type shared by
// every krust component, so the CLI boundary can classify failures into
// exit codes without string-matching error messages.
package ocierrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for propagation and exit-code mapping.
type Kind int

const (
	// Other is the zero value, used for errors that don't fit any
	// specific classification.
	Other Kind = iota
	Config
	Compile
	LayerBuild
	Serialise
	Auth
	Network
	Protocol
	DigestMismatch
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Compile:
		return "compile"
	case LayerBuild:
		return "layer-build"
	case Serialise:
		return "serialise"
	case Auth:
		return "auth"
	case Network:
		return "network"
	case Protocol:
		return "protocol"
	case DigestMismatch:
		return "digest-mismatch"
	case Cancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// Error is a structured error carrying a Kind, the operation that produced
// it, the image reference it concerns (if any), and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Ref != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Ref, e.Kind, e.Err)
	case e.Ref != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Ref, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given classification.
func New(kind Kind, op, ref string, err error) *Error {
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

// Wrap classifies err as kind if it isn't already a *Error, otherwise it is
// returned unchanged so the original classification survives being passed
// through an intermediate layer.
func Wrap(kind Kind, op, ref string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return New(kind, op, ref, err)
}

// KindOf returns the Kind of err, or Other if err is not (or does not wrap) an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// ExitCode maps an error's Kind to the process exit code from spec §7.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case Config:
		return 10
	case Compile:
		return 20
	case Network:
		return 30
	case Auth:
		return 40
	case Protocol, DigestMismatch:
		return 50
	default:
		return 1
	}
}

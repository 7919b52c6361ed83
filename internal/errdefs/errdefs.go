// Package errdefs defines the error taxonomy shared by the reconstruction and
// metrics packages. Every error carries enough context (cell, organelle, track)
// to be attributed in a batch report.
package errdefs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Context identifies the unit an error is scoped to. Zero fields are omitted
// from messages.
type Context struct {
	CellID    string
	Organelle string
	TrackID   int
}

func (c Context) String() string {
	var parts []string
	if c.CellID != "" {
		parts = append(parts, "cell="+c.CellID)
	}
	if c.Organelle != "" {
		parts = append(parts, "organelle="+c.Organelle)
	}
	if c.TrackID > 0 {
		parts = append(parts, fmt.Sprintf("track=%d", c.TrackID))
	}
	return strings.Join(parts, " ")
}

func withContext(kind string, ctx Context, reason string) string {
	if s := ctx.String(); s != "" {
		return fmt.Sprintf("%s [%s]: %s", kind, s, reason)
	}
	return fmt.Sprintf("%s: %s", kind, reason)
}

// FormatError reports a malformed tracking export: bad header, no data rows,
// unparseable cells or a duplicated (frame, track) key.
type FormatError struct {
	Context
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	reason := e.Reason
	if e.Line > 0 {
		reason = fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return withContext("format error", e.Context, reason)
}

// DegenerateGeometryError reports an instance whose shape cannot support a
// metric, such as an empty isosurface or a singular covariance matrix.
type DegenerateGeometryError struct {
	Context
	Reason string
}

func (e *DegenerateGeometryError) Error() string {
	return withContext("degenerate geometry", e.Context, e.Reason)
}

// ComputationError reports invalid geometric input to the spatial step.
type ComputationError struct {
	Context
	Reason string
}

func (e *ComputationError) Error() string {
	return withContext("computation error", e.Context, e.Reason)
}

// NewFormat returns a FormatError for the given line (0 when not line-bound).
func NewFormat(line int, format string, args ...interface{}) error {
	return &FormatError{Line: line, Reason: fmt.Sprintf(format, args...)}
}

// NewDegenerate returns a DegenerateGeometryError.
func NewDegenerate(format string, args ...interface{}) error {
	return &DegenerateGeometryError{Reason: fmt.Sprintf(format, args...)}
}

// NewComputation returns a ComputationError.
func NewComputation(format string, args ...interface{}) error {
	return &ComputationError{Reason: fmt.Sprintf(format, args...)}
}

// Attribute fills in the context of any taxonomy error found in err's chain.
// Fields already set are kept. Other errors are returned unchanged.
func Attribute(err error, ctx Context) error {
	if err == nil {
		return nil
	}
	var fe *FormatError
	if errors.As(err, &fe) {
		fe.Context = merge(fe.Context, ctx)
		return err
	}
	var de *DegenerateGeometryError
	if errors.As(err, &de) {
		de.Context = merge(de.Context, ctx)
		return err
	}
	var ce *ComputationError
	if errors.As(err, &ce) {
		ce.Context = merge(ce.Context, ctx)
	}
	return err
}

func merge(have, add Context) Context {
	if have.CellID == "" {
		have.CellID = add.CellID
	}
	if have.Organelle == "" {
		have.Organelle = add.Organelle
	}
	if have.TrackID == 0 {
		have.TrackID = add.TrackID
	}
	return have
}

// IsFormat reports whether err wraps a FormatError.
func IsFormat(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// IsDegenerate reports whether err wraps a DegenerateGeometryError.
func IsDegenerate(err error) bool {
	var de *DegenerateGeometryError
	return errors.As(err, &de)
}

// IsComputation reports whether err wraps a ComputationError.
func IsComputation(err error) bool {
	var ce *ComputationError
	return errors.As(err, &ce)
}

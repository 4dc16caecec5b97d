// Package canonerr defines the fatal error kinds that cross package
// boundaries in canonpe. Every error the orchestrator can return wraps one
// of these so a caller can errors.As its way to the right exit code.
package canonerr

import "fmt"

// IoError wraps a failed filesystem operation: open, read, write, seek,
// rename.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// NewIO wraps err as an IoError, or returns nil if err is nil.
func NewIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{Op: op, Path: path, Err: err}
}

// PeStructureError reports a malformed or unresolvable PE header graph:
// missing DOS/NT headers, a dangling data-directory reference, a duplicate
// CodeView entry, or an RVA that doesn't translate to a file offset.
type PeStructureError struct {
	Reason string
	Err    error
}

func (e *PeStructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pe structure error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pe structure error: %s", e.Reason)
}

func (e *PeStructureError) Unwrap() error { return e.Err }

func NewPeStructure(reason string, err error) error {
	return &PeStructureError{Reason: reason, Err: err}
}

// PdbStructureError reports a PDB stream that is too short or whose record
// framing doesn't parse: a truncated DBI stream, a symbol record whose
// declared size runs past the stream end, and similar.
type PdbStructureError struct {
	Reason string
	Err    error
}

func (e *PdbStructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pdb structure error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pdb structure error: %s", e.Reason)
}

func (e *PdbStructureError) Unwrap() error { return e.Err }

func NewPdbStructure(reason string, err error) error {
	return &PdbStructureError{Reason: reason, Err: err}
}

// PatchConflict reports two edits targeting overlapping byte ranges.
type PatchConflict struct {
	NewLabel      string
	ExistingLabel string
	NewStart      uint32
	NewSize       uint32
	ExistingStart uint32
	ExistingSize  uint32
}

func (e *PatchConflict) Error() string {
	return fmt.Sprintf("patch conflict: %q [%d,%d) overlaps %q [%d,%d)",
		e.NewLabel, e.NewStart, e.NewStart+e.NewSize,
		e.ExistingLabel, e.ExistingStart, e.ExistingStart+e.ExistingSize)
}

// PolicyError reports a decision made deliberately, not a structural or I/O
// failure: output exists without -overwrite, no PDB could be located when
// one was required, a signed input without -allow-signed, and similar.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy error: %s", e.Reason)
}

func NewPolicy(reason string) error {
	return &PolicyError{Reason: reason}
}

// Package pdbrewrite normalizes the handful of PDB streams a linker leaves
// non-deterministic: the old stream directory, the PDB header info stream,
// the DBI stream, the symbol record stream, and the public symbol info
// stream. Stream indices follow the conventional PDB layout jtang613-gopdb
// also assumes.
package pdbrewrite

// Conventional stream indices for a standard-layout PDB.
const (
	StreamOldDirectory = 0
	StreamPDBInfo      = 1
	StreamTPI          = 2
	StreamDBI          = 3
)

// headerInfoSize is the fixed prefix of the PDB info stream this package
// touches: Version, Signature (creation timestamp), Age, GUID.
const headerInfoSize = 28

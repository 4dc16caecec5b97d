package peimage

import (
	"fmt"

	"github.com/saferwall/pe"
)

// Validate performs a second, independent parse of path with saferwall/pe
// and cross-checks a handful of structural facts against what the
// lightweight decomposer already concluded. It exists to catch malformed
// or adversarial inputs the hand-rolled header walk in this package might
// otherwise accept without complaint — saferwall/pe brings a much broader
// set of internal consistency checks than the few bytes this package reads.
func Validate(path string, im *Image) error {
	f, err := pe.New(path, &pe.Options{})
	if err != nil {
		return fmt.Errorf("saferwall/pe: open %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Parse(); err != nil {
		return fmt.Errorf("saferwall/pe: parse %s: %w", path, err)
	}

	if f.Is64 != im.Is64() {
		return fmt.Errorf("saferwall/pe: bitness mismatch for %s: decomposer says is64=%v, saferwall/pe says is64=%v",
			path, im.Is64(), f.Is64)
	}

	if got := len(f.Sections); got != int(im.NumberOfSections()) {
		return fmt.Errorf("saferwall/pe: section count mismatch for %s: decomposer says %d, saferwall/pe says %d",
			path, im.NumberOfSections(), got)
	}

	return nil
}

// Package orchestrator sequences the whole canonicalization run: validate
// inputs, scan the PE, hash its content into the PDB GUID, rewrite the
// PDB, patch the PE. It owns no format knowledge of its own — every step
// is delegated to pkg/peimage, pkg/scanner, pkg/guidhash, pkg/pdbrewrite,
// pkg/patcher and pkg/sign.
package orchestrator

import (
	"crypto/md5"
	"io"
	"log"
	"os"
	"path/filepath"

	"canonpe/pkg/canonerr"
	"canonpe/pkg/guidhash"
	"canonpe/pkg/patcher"
	"canonpe/pkg/pdbrewrite"
	"canonpe/pkg/peimage"
	"canonpe/pkg/scanner"
	"canonpe/pkg/sign"
)

// CanonicalTimestamp and CanonicalAge are the constants every patched
// timestamp/age field converges on.
const (
	CanonicalTimestamp uint32 = 1262304000
	CanonicalAge       uint32 = 1
)

// Config is the set of options a run needs, already past CLI-flag parsing
// (see cmd/canonpe). Run fills in the defaults for an empty OutputImage
// and OutputPDB.
type Config struct {
	InputImage  string
	InputPDB    string // empty: auto-locate via the PE's CodeView record
	OutputImage string // empty: defaults to InputImage (in-place)
	OutputPDB   string // empty: defaults per defaultOutputPDBPath's rule

	Overwrite    bool
	WriteImage   bool
	WritePDB     bool
	AllowSigned  bool

	Logger *log.Logger
}

// Summary is the human-readable result of a successful run.
type Summary struct {
	ImagePath string
	ImageSize int64
	ImageMD5  [16]byte

	PDBPath string
	PDBSize int64
	PDBMD5  [16]byte
	WrotePDB bool
}

func (c *Config) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// Run validates the inputs, scans the image, derives the PDB GUID,
// rewrites the PDB, and patches the image, in that order.
func Run(cfg Config) (Summary, error) {
	outputImage := cfg.OutputImage
	if outputImage == "" {
		outputImage = cfg.InputImage
	}

	if err := checkOutputPolicy(cfg.InputImage, outputImage, cfg.Overwrite); err != nil {
		return Summary{}, err
	}

	img, err := peimage.Open(cfg.InputImage)
	if err != nil {
		return Summary{}, err
	}
	if err := peimage.Validate(cfg.InputImage, img); err != nil {
		cfg.logf("warning: second-opinion PE validation failed for %s: %v", cfg.InputImage, err)
	}

	if err := checkSignaturePolicy(cfg, img); err != nil {
		return Summary{}, err
	}

	inputPDB := cfg.InputPDB
	needPdb := cfg.WritePDB
	if needPdb && inputPDB == "" {
		inputPDB, err = locatePDB(cfg.InputImage, img)
		if err != nil {
			return Summary{}, err
		}
		if inputPDB == "" {
			// The PE carries no CodeView record at all: proceed PE-only.
			needPdb = false
		}
	}

	if needPdb && inputPDB != "" {
		if err := crossCheckPdbMatchesImage(img, inputPDB); err != nil {
			return Summary{}, err
		}
	}

	res, err := scanner.Scan(img, needPdb, CanonicalTimestamp, CanonicalAge)
	if err != nil {
		return Summary{}, err
	}
	cfg.logf("scanned %s: %d patch entries", cfg.InputImage, res.Space.Len())

	outputPDB := cfg.OutputPDB
	if needPdb && outputPDB == "" {
		outputPDB = defaultOutputPDBPath(cfg.InputImage, inputPDB, outputImage)
	}

	var summary Summary

	if needPdb {
		guid, err := guidhash.Hash(cfg.InputImage, res.Space)
		if err != nil {
			return Summary{}, err
		}
		cfg.logf("derived PDB GUID %x from %s", guid, cfg.InputImage)

		if err := res.Space.Resolve(res.GuidRange, guid[:]); err != nil {
			return Summary{}, err
		}

		if cfg.WritePDB {
			if err := checkOutputPolicy(inputPDB, outputPDB, cfg.Overwrite); err != nil {
				return Summary{}, err
			}
			if err := pdbrewrite.Rewrite(inputPDB, outputPDB, CanonicalTimestamp, CanonicalAge, guid); err != nil {
				return Summary{}, err
			}
			cfg.logf("rewrote PDB %s -> %s", inputPDB, outputPDB)

			pdbSummary, err := fileSummary(outputPDB)
			if err != nil {
				return Summary{}, err
			}
			summary.PDBPath = outputPDB
			summary.PDBSize = pdbSummary.size
			summary.PDBMD5 = pdbSummary.md5
			summary.WrotePDB = true
		}
	}

	if cfg.WriteImage {
		if err := patcher.Apply(cfg.InputImage, outputImage, res.Space); err != nil {
			return Summary{}, err
		}
		cfg.logf("patched PE %s -> %s", cfg.InputImage, outputImage)

		imgSummary, err := fileSummary(outputImage)
		if err != nil {
			return Summary{}, err
		}
		summary.ImagePath = outputImage
		summary.ImageSize = imgSummary.size
		summary.ImageMD5 = imgSummary.md5
	}

	return summary, nil
}

// checkOutputPolicy enforces the -overwrite rule: a preexisting output
// path is a fatal PolicyError unless overwrite is allowed or the output
// path is the same file as the input (in-place patch).
func checkOutputPolicy(inputPath, outputPath string, overwrite bool) error {
	if overwrite || inputPath == "" {
		return nil
	}
	samePath, err := pathsEquivalent(inputPath, outputPath)
	if err != nil {
		return err
	}
	if samePath {
		return nil
	}
	if _, err := os.Stat(outputPath); err == nil {
		return canonerr.NewPolicy("output path " + outputPath + " already exists; pass -overwrite to replace it")
	}
	return nil
}

// pathsEquivalent reports whether two paths name the same file, following
// symlinks and resolving relative components, without requiring either to
// exist.
func pathsEquivalent(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, canonerr.NewIO("abs", a, err)
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, canonerr.NewIO("abs", b, err)
	}
	if resolved, err := filepath.EvalSymlinks(absA); err == nil {
		absA = resolved
	}
	if resolved, err := filepath.EvalSymlinks(absB); err == nil {
		absB = resolved
	}
	return absA == absB, nil
}

// checkSignaturePolicy refuses to proceed against a signed input unless
// the caller explicitly opted in, but only when a write is actually
// planned — a dry run or a read-only invocation has nothing to invalidate.
func checkSignaturePolicy(cfg Config, img *peimage.Image) error {
	if !cfg.WriteImage || cfg.AllowSigned {
		return nil
	}
	status, err := sign.Detect(img)
	if err != nil {
		return err
	}
	if status.Present {
		return canonerr.NewPolicy("input image carries an Authenticode signature that canonicalization will invalidate; pass -allow-signed to proceed anyway")
	}
	return nil
}

// locatePDB auto-locates the PDB a PE's CodeView record names. If the PE
// has no CodeView debug entry at all, there is no PDB to locate and this
// returns ("", nil), not an error. If it does, two candidates are tried in
// order: the record's file name taken as a bare name alongside the input
// image, then the record's path taken verbatim (absolute or relative to
// the current directory). A missing PDB after both attempts is a
// PolicyError, since one was required.
func locatePDB(inputImage string, img *peimage.Image) (string, error) {
	entries, err := img.DebugDirectoryEntries()
	if err != nil {
		return "", err
	}

	var cvOff *peimage.FileOffset
	for _, e := range entries {
		if e.Type == peimage.ImageDebugTypeCodeview {
			off := e.PointerToRawData
			f := peimage.FileOffset(off)
			cvOff = &f
			break
		}
	}
	if cvOff == nil {
		return "", nil
	}

	cv, err := img.CvInfoAt(*cvOff)
	if err != nil {
		return "", err
	}
	if cv.PdbFileName == "" {
		return "", canonerr.NewPolicy("PE's CodeView record carries no PDB file name")
	}

	alongsideImage := filepath.Join(filepath.Dir(inputImage), filepath.Base(cv.PdbFileName))
	if _, err := os.Stat(alongsideImage); err == nil {
		return alongsideImage, nil
	}

	verbatim := cv.PdbFileName
	if verbatim != alongsideImage {
		if _, err := os.Stat(verbatim); err == nil {
			return verbatim, nil
		}
	}

	return "", canonerr.NewPolicy("PDB required by the PE's CodeView record was not found alongside " + inputImage + " or at " + verbatim)
}

// crossCheckPdbMatchesImage runs before any patch planning begins: the
// PDB's header GUID/age must match the PE's CodeView record exactly, or
// the pair is not a match.
func crossCheckPdbMatchesImage(img *peimage.Image, pdbPath string) error {
	entries, err := img.DebugDirectoryEntries()
	if err != nil {
		return err
	}
	var cv *peimage.CvInfoPdb70
	for _, e := range entries {
		if e.Type == peimage.ImageDebugTypeCodeview {
			info, err := img.CvInfoAt(peimage.FileOffset(e.PointerToRawData))
			if err != nil {
				return err
			}
			cv = &info
			break
		}
	}
	if cv == nil {
		return nil
	}

	header, err := readPdbHeaderInfo(pdbPath)
	if err != nil {
		return err
	}
	if header.age != cv.Age || header.guid != cv.Signature {
		return canonerr.NewPolicy("PDB " + pdbPath + " does not match the PE's CodeView record (GUID/age mismatch)")
	}
	return nil
}

type pdbHeaderInfo struct {
	age  uint32
	guid [16]byte
}

func readPdbHeaderInfo(path string) (pdbHeaderInfo, error) {
	stream, err := pdbrewrite.ReadHeaderInfoStream(path)
	if err != nil {
		return pdbHeaderInfo{}, err
	}
	var out pdbHeaderInfo
	out.age = stream.Age
	out.guid = stream.GUID
	return out, nil
}

// defaultOutputPDBPath: if the output image's basename equals the input
// image's basename, the output PDB is the input PDB's basename placed
// alongside the output image; otherwise it's the output image path with
// ".pdb" appended.
func defaultOutputPDBPath(inputImage, inputPDB, outputImage string) string {
	if filepath.Base(inputImage) == filepath.Base(outputImage) {
		return filepath.Join(filepath.Dir(outputImage), filepath.Base(inputPDB))
	}
	return outputImage + ".pdb"
}

type fileDigest struct {
	size int64
	md5  [16]byte
}

func fileSummary(path string) (fileDigest, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileDigest{}, canonerr.NewIO("open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fileDigest{}, canonerr.NewIO("stat", path, err)
	}

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return fileDigest{}, canonerr.NewIO("read", path, err)
	}

	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return fileDigest{size: info.Size(), md5: sum}, nil
}

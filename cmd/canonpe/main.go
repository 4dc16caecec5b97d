// Command canonpe rewrites a PE image and its matching PDB so that two
// otherwise-identical builds produce byte-identical output: timestamps and
// the PDB age are replaced with fixed constants, and the PDB GUID with a
// digest of the image's own content.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"canonpe/pkg/canonerr"
	"canonpe/pkg/orchestrator"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("canonpe", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: canonpe -input-image=<path> [flags]")
		fs.PrintDefaults()
	}

	inputImage := fs.String("input-image", "", "path to the PE image to canonicalize (required)")
	inputPDB := fs.String("input-pdb", "", "path to the matching PDB (auto-located via the PE's CodeView record if omitted)")
	outputImage := fs.String("output-image", "", "path to write the patched image to (defaults to -input-image, in-place)")
	outputPDB := fs.String("output-pdb", "", "path to write the rewritten PDB to (defaults next to -output-image)")
	overwrite := fs.Bool("overwrite", false, "allow replacing a preexisting output path")
	noWriteImage := fs.Bool("no-write-image", false, "skip patching the image")
	noWritePDB := fs.Bool("no-write-pdb", false, "skip rewriting the PDB")
	allowSigned := fs.Bool("allow-signed", false, "proceed even though the input image carries an Authenticode signature that canonicalization will invalidate")
	verbose := fs.Bool("v", false, "log progress to stderr")
	quiet := fs.Bool("quiet", false, "suppress the final summary line")

	if err := fs.Parse(args); err != nil {
		return exitCodeFor(err)
	}

	if *inputImage == "" {
		fmt.Fprintln(fs.Output(), "canonpe: -input-image is required")
		fs.Usage()
		return 2
	}

	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stderr, "canonpe: ", 0)
	}

	cfg := orchestrator.Config{
		InputImage:  *inputImage,
		InputPDB:    *inputPDB,
		OutputImage: *outputImage,
		OutputPDB:   *outputPDB,
		Overwrite:   *overwrite,
		WriteImage:  !*noWriteImage,
		WritePDB:    !*noWritePDB,
		AllowSigned: *allowSigned,
		Logger:      logger,
	}

	summary, err := orchestrator.Run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canonpe: %v\n", err)
		return exitCodeFor(err)
	}

	if !*quiet {
		printSummary(summary)
	}
	return 0
}

func printSummary(s orchestrator.Summary) {
	if s.ImagePath != "" {
		fmt.Printf("image: %s (%d bytes, md5 %x)\n", s.ImagePath, s.ImageSize, s.ImageMD5)
	}
	if s.WrotePDB {
		fmt.Printf("pdb:   %s (%d bytes, md5 %x)\n", s.PDBPath, s.PDBSize, s.PDBMD5)
	}
}

// exitCodeFor maps a fatal error to a distinguishable process exit code,
// zero on success, a kind-specific non-zero code otherwise so scripts can
// tell a policy refusal from a structural or I/O failure without scraping
// stderr.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var policyErr *canonerr.PolicyError
	var ioErr *canonerr.IoError
	var peErr *canonerr.PeStructureError
	var pdbErr *canonerr.PdbStructureError
	var conflictErr *canonerr.PatchConflict

	switch {
	case errors.As(err, &policyErr):
		return 3
	case errors.As(err, &ioErr):
		return 4
	case errors.As(err, &peErr):
		return 5
	case errors.As(err, &pdbErr):
		return 6
	case errors.As(err, &conflictErr):
		return 7
	default:
		return 1
	}
}

// Package sign detects whether a PE carries an Authenticode signature.
// Canonicalizing timestamps and the PDB GUID invalidates any existing
// signature, so the orchestrator treats a signed input as a policy
// decision rather than a structural one: it only refuses to proceed when
// the caller hasn't explicitly allowed it.
package sign

import (
	"go.mozilla.org/pkcs7"

	"canonpe/pkg/canonerr"
	"canonpe/pkg/peimage"
)

// Status reports what, if anything, was found in the security data
// directory.
type Status struct {
	Present bool
	Valid   bool // the WIN_CERTIFICATE payload parsed as PKCS#7
}

// winCertTypePKCS7SignedData is the only WIN_CERTIFICATE certificate type
// this package hands to pkcs7; the header's revision field is not checked.
// A certificate of any other type, such as the older WIN_CERT_TYPE_X509
// form, is reported present but is never parsed.
const (
	winCertTypePKCS7SignedData = 0x0002
	winCertificateHeaderSize   = 8
)

// Detect inspects img's security data directory. A PE with no directory
// at all reports Status{Present: false}. A directory that's present but
// fails to parse as PKCS#7 still reports Present: true with Valid: false,
// since the orchestrator's policy check only cares that *something*
// claiming to be a signature is there.
func Detect(img *peimage.Image) (Status, error) {
	raw, ok, err := img.SecurityDirectoryBytes()
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, nil
	}
	if len(raw) < winCertificateHeaderSize {
		return Status{}, canonerr.NewPeStructure("security directory shorter than a WIN_CERTIFICATE header", nil)
	}

	certType := uint16(raw[6]) | uint16(raw[7])<<8
	if certType != winCertTypePKCS7SignedData {
		return Status{Present: true}, nil
	}

	if _, err := pkcs7.Parse(raw[winCertificateHeaderSize:]); err != nil {
		return Status{Present: true, Valid: false}, nil
	}
	return Status{Present: true, Valid: true}, nil
}

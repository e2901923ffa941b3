package fingerprint

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Integrity states reported on a signing certificate.
const (
	IntegrityVerified = "VERIFIED"
	IntegrityFailed   = "FAILED"
)

// CertificateSignature is one party's signature as rendered on a certificate.
type CertificateSignature struct {
	SignerEmail string `json:"signerEmail"`
	SignerName  string `json:"signerName"`
	Method      string `json:"method"`
	Digest      string `json:"digest"`
	SignedAt    string `json:"signedAt"`
}

// Certificate is the externally presentable summary of a signed document. The
// certificateSignature field covers every other field, so any alteration is
// detectable with Verify.
type Certificate struct {
	CertificateID        string                 `json:"certificateId"`
	DocumentID           string                 `json:"documentId"`
	DocumentHash         string                 `json:"documentHash"`
	Signatures           []CertificateSignature `json:"signatures"`
	VerifiedAt           string                 `json:"verifiedAt"`
	IntegrityStatus      string                 `json:"integrityStatus"`
	CertificateSignature string                 `json:"certificateSignature"`
}

// CertificateInput carries the document state a certificate attests to.
// RecomputedHash is the digest of the content as read at assembly time; a
// mismatch against DocumentHash marks the certificate FAILED rather than
// refusing to issue it.
type CertificateInput struct {
	DocumentID     string
	DocumentHash   string
	RecomputedHash string
	Signatures     []CertificateSignature
	VerifiedAt     time.Time
}

// BuildCertificate assembles and signs a certificate with the ledger secret.
func BuildCertificate(in CertificateInput, secret string) (Certificate, error) {
	if strings.TrimSpace(in.DocumentID) == "" {
		return Certificate{}, fmt.Errorf("fingerprint: certificate requires a document id")
	}
	status := IntegrityVerified
	if StripPrefix(in.DocumentHash) != StripPrefix(in.RecomputedHash) {
		status = IntegrityFailed
	}
	cert := Certificate{
		CertificateID:   "cert_" + uuid.NewString(),
		DocumentID:      in.DocumentID,
		DocumentHash:    StripPrefix(in.DocumentHash),
		Signatures:      append([]CertificateSignature(nil), in.Signatures...),
		VerifiedAt:      in.VerifiedAt.UTC().Format(time.RFC3339),
		IntegrityStatus: status,
	}
	sig, err := Sign(certificatePayload(cert), secret)
	if err != nil {
		return Certificate{}, err
	}
	cert.CertificateSignature = sig
	return cert, nil
}

// VerifyCertificate checks the certificate signature against the ledger
// secret.
func VerifyCertificate(cert Certificate, secret string) bool {
	return Verify(certificatePayload(cert), secret, cert.CertificateSignature)
}

// certificatePayload strips the signature field so signing and verification
// cover the same bytes.
func certificatePayload(cert Certificate) Certificate {
	cert.CertificateSignature = ""
	return cert
}

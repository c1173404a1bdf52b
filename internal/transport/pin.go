package transport

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// VerifyPinned implements the whitelist certificate mode of spec.md §4.1:
// when a cert_file is configured, the peer certificate is accepted if its
// SHA-1 digest, subject, and issuer match any PEM block in that file. This
// is deliberately not chain verification — it exists for self-signed
// servers users have pinned by hand (original_source/src/imap.c's
// cert_cmp), and must stay distinct from the standard CA path below.
func VerifyPinned(peerDER []byte, certFile string) (bool, error) {
	peer, err := x509.ParseCertificate(peerDER)
	if err != nil {
		return false, fmt.Errorf("transport: parse peer certificate: %w", err)
	}
	peerDigest := sha1.Sum(peerDER)

	data, err := os.ReadFile(certFile)
	if err != nil {
		return false, fmt.Errorf("transport: read cert_file: %w", err)
	}

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cand, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		digest := sha1.Sum(block.Bytes)
		if digest == peerDigest &&
			cand.Subject.String() == peer.Subject.String() &&
			cand.Issuer.String() == peer.Issuer.String() {
			return true, nil
		}
	}
	return false, nil
}

// VerifyChain runs standard X.509 chain verification against the host's
// trust store, the path taken when no cert_file pin is configured.
func VerifyChain(peerDER []byte, serverName string) error {
	cert, err := x509.ParseCertificate(peerDER)
	if err != nil {
		return fmt.Errorf("transport: parse peer certificate: %w", err)
	}
	opts := x509.VerifyOptions{DNSName: serverName}
	_, err = cert.Verify(opts)
	return err
}

// Fingerprint reports the MD5 fingerprint printed to the operator when
// prompting whether to accept an otherwise-untrusted certificate
// (spec.md §4.1: "print subject/issuer/validity/MD5-fingerprint").
func Fingerprint(der []byte) string {
	sum := md5.Sum(der)
	return fmt.Sprintf("%x", sum)
}

// PromptAccept prints the certificate details to stderr and asks the
// operator for a y/N decision, the interactive fallback spec.md §4.1
// describes for a certificate that fails both pinning and chain
// verification.
func PromptAccept(cert *x509.Certificate) bool {
	fmt.Fprintf(os.Stderr, "Certificate check failed:\n")
	fmt.Fprintf(os.Stderr, "  Subject: %s\n", cert.Subject)
	fmt.Fprintf(os.Stderr, "  Issuer:  %s\n", cert.Issuer)
	fmt.Fprintf(os.Stderr, "  Valid:   %s - %s\n", cert.NotBefore, cert.NotAfter)
	fmt.Fprintf(os.Stderr, "  MD5 fingerprint: %s\n", Fingerprint(cert.Raw))
	fmt.Fprintf(os.Stderr, "Accept certificate? [y/N] ")

	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	return line == "y" || line == "yes"
}

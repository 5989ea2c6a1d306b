package tds

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// LoadClientCertificate loads an RSA client identity from a PKCS#12
// (.pfx/.p12) bundle for optional mutual-TLS authentication, the same
// keystore format used for Always Encrypted column master keys.
func LoadClientCertificate(path, password string) (*tls.Certificate, error) {
	pfxBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, protoViolation("reading client certificate %q: %v", path, err)
	}

	pk, cert, err := pkcs12.Decode(pfxBytes, password)
	if err != nil {
		return nil, protoViolation("decoding PKCS#12 bundle %q: %v", path, err)
	}

	rsaKey, ok := pk.(*rsa.PrivateKey)
	if !ok {
		return nil, protoViolation("client certificate %q: unsupported key type", path)
	}

	return &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  rsaKey,
		Leaf:        cert,
	}, nil
}

// VerifyClientCertificate checks that cert matches the expected subject,
// used after loading to fail fast on a mismatched bundle rather than
// during the TLS handshake.
func VerifyClientCertificate(cert *x509.Certificate, expectedSubject string) bool {
	if expectedSubject == "" {
		return true
	}
	return cert.Subject.CommonName == expectedSubject
}

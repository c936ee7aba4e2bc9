package afdd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/paths"
)

// certPaths resolves the certificate locations, defaulting under etc/ of
// the work directory.
func certPaths(l paths.Layout, cfg config.AFDDConfig) (string, string) {
	certPath := cfg.CertFile
	if certPath == "" {
		certPath = filepath.Join(l.Etc(), "afdd.crt")
	}
	keyPath := cfg.KeyFile
	if keyPath == "" {
		keyPath = filepath.Join(l.Etc(), "afdd.key")
	}
	return certPath, keyPath
}

// loadOrCreateCert loads the persisted pair, generating and persisting a
// self-signed one on first run. The same files serve the listener and its
// forked session children, so both sides present one identity.
func loadOrCreateCert(certPath, keyPath string) (tls.Certificate, string, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		fp, err := certFingerprint(cert)
		return cert, fp, err
	}

	cert, err = generateSelfSignedCert()
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("generate certificate: %w", err)
	}
	if err := persistCert(cert, certPath, keyPath); err != nil {
		return tls.Certificate{}, "", fmt.Errorf("persist certificate: %w", err)
	}
	fp, err := certFingerprint(cert)
	return cert, fp, err
}

// generateSelfSignedCert creates a ten-year P-256 certificate for this
// host, valid for localhost and the machine's own name.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	names := []string{"localhost"}
	if h, err := os.Hostname(); err == nil && h != "" {
		names = append(names, h)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "afd info daemon"},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     names,
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return tls.X509KeyPair(certPEM, keyPEM)
}

func persistCert(cert tls.Certificate, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	ecKey, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return errors.New("expected ECDSA private key")
	}
	keyDER, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// certFingerprint renders the SHA256 fingerprint operators pin on the
// client side, "SHA256:<base64>".
func certFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", errors.New("no certificate data")
	}
	h := sha256.Sum256(cert.Certificate[0])
	return "SHA256:" + base64.StdEncoding.EncodeToString(h[:]), nil
}

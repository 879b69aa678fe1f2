package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	NodeCACommonName   = "CIMEX CA"
	ServerCACommonName = "CIMEX Server CA"

	caValidity = 365 * 24 * time.Hour
)

var caMu sync.Mutex

// GenerateCA creates a self-signed ECDSA P-256 CA certificate.
func GenerateCA(commonName string) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"CIMEX Panel"},
			CommonName:   commonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return string(certPEMBytes), string(keyPEMBytes), nil
}

// EnsureCA returns the PEM at certPath, generating a fresh CA pair first when
// the file is missing or empty. The key is written next to it at keyPath.
func EnsureCA(certPath, keyPath, commonName string) (string, error) {
	caMu.Lock()
	defer caMu.Unlock()

	data, err := os.ReadFile(certPath)
	switch {
	case err == nil && strings.TrimSpace(string(data)) != "":
		return string(data), nil
	case err == nil:
		log.Printf("[crypto] CA certificate at %s is empty, regenerating", certPath)
		os.Remove(certPath)
	case os.IsNotExist(err):
		log.Printf("[crypto] CA certificate missing at %s, generating", certPath)
	default:
		return "", fmt.Errorf("read CA certificate: %w", err)
	}

	certPEM, keyPEM, err := GenerateCA(commonName)
	if err != nil {
		return "", err
	}
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return "", fmt.Errorf("create cert directory: %w", err)
		}
	}
	if err := os.WriteFile(keyPath, []byte(keyPEM), 0600); err != nil {
		return "", fmt.Errorf("write CA key: %w", err)
	}
	if err := os.WriteFile(certPath, []byte(certPEM), 0644); err != nil {
		return "", fmt.Errorf("write CA certificate: %w", err)
	}
	log.Printf("[crypto] Generated CA certificate %q at %s", commonName, certPath)
	return certPEM, nil
}

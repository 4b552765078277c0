// Package tls provides the certificate for the HTTPS WHEP endpoint, either
// loaded from PEM files or generated on the fly.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/logging"
)

const validity = 365 * 24 * time.Hour

var ErrKeyPair = errors.New("tls: cert and key must be set together")

// Config returns a server TLS config. With certFile and keyFile it loads
// them; with both empty it generates a self-signed certificate.
func Config(certFile, keyFile string, logger *zap.Logger) (*tls.Config, error) {
	if (certFile == "") != (keyFile == "") {
		return nil, ErrKeyPair
	}
	if certFile == "" {
		return SelfSigned(logger)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// SelfSigned generates an ephemeral ECDSA P-256 certificate valid for a
// year, for localhost, the loopback addresses and every interface address.
// The SHA-256 fingerprint is logged so viewers can check the browser warning.
func SelfSigned(logger *zap.Logger) (*tls.Config, error) {
	logger = logging.OrNop(logger).Named("tls")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tls: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tls: generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "reelcast"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
				tmpl.IPAddresses = append(tmpl.IPAddresses, ipNet.IP)
			}
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tls: create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("tls: marshal key: %w", err)
	}
	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}

	fp := sha256.Sum256(der)
	logger.Info("self-signed certificate",
		zap.String("sha256", hex.EncodeToString(fp[:])),
		zap.Int("ip_sans", len(tmpl.IPAddresses)),
		zap.Time("not_after", tmpl.NotAfter))

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

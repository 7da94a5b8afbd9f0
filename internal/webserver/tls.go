package webserver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strings"
	"time"
)

const certValidity = 365 * 24 * time.Hour

// generateSelfSignedCert returns an ECDSA certificate for loopback plus any
// extra hosts. Hosts that parse as IPs become IP SANs, the rest DNS SANs.
func generateSelfSignedCert(hosts ...string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"dispatch"},
			CommonName:   "dispatch-server",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	addSANs(&template, append([]string{"127.0.0.1", "localhost", "::1"}, hosts...))

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert.Leaf, _ = x509.ParseCertificate(der)
	return cert, nil
}

func addSANs(template *x509.Certificate, hosts []string) {
	seen := make(map[string]bool, len(hosts))
	for _, raw := range hosts {
		host := strings.TrimSpace(raw)
		// Wildcard listeners are not valid SANs.
		if host == "" || host == "0.0.0.0" || host == "::" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			if seen[ip.String()] {
				continue
			}
			seen[ip.String()] = true
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		if seen[host] {
			continue
		}
		seen[host] = true
		template.DNSNames = append(template.DNSNames, host)
	}
}

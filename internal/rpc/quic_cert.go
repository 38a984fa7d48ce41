package rpc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/vali-os/corekernel/internal/core"
	"github.com/vali-os/corekernel/internal/mrb"
)

// bufHandle narrows a wire-carried uint64 back to an mrb.Handle.
func bufHandle(v uint64) mrb.Handle { return mrb.Handle(v) }

func codeProtocolError() ErrorCode { return core.StatusProtocol }

// generateLoopbackCert mints a short-lived self-signed certificate for the
// debug QUIC listener. There is no PKI to defer to here — loopback-only,
// process-lifetime — so this stays on the standard library rather than
// reaching for a certificate-management dependency the examples do not
// otherwise exercise.
func generateLoopbackCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "vali-rpc-loopback"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

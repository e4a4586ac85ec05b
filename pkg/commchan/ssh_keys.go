package commchan

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateKey generates a PEM encoded ECDSA P-256 private key for an SSH
// server. A non-empty seed drives the generator with a deterministic stream
// derived from it; an empty seed uses crypto/rand.
func GenerateKey(seed string) ([]byte, error) {
	var r io.Reader
	if seed == "" {
		r = rand.Reader
	} else {
		r = newSeededReader([]byte(seed))
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), r)
	if err != nil {
		return nil, err
	}
	b, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), nil
}

// GenerateSigner is GenerateKey followed by parsing the result into an
// ssh.Signer usable as a host key
func GenerateSigner(seed string) (ssh.Signer, error) {
	pemBytes, err := GenerateKey(seed)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(pemBytes)
}

// FingerprintKey returns the colon separated md5 fingerprint of an SSH
// public key, which clients can use to authenticate a server
func FingerprintKey(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// HostKeyFingerprintCallback accepts only a server whose host key has the
// given fingerprint. An empty fingerprint accepts any server.
func HostKeyFingerprintCallback(fingerprint string) ssh.HostKeyCallback {
	if fingerprint == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if got := FingerprintKey(key); got != fingerprint {
			return fmt.Errorf("host key mismatch for %s: got %s, expected %s", hostname, got, fingerprint)
		}
		return nil
	}
}

// seedIterations is how many times a seed is hashed before any output
const seedIterations = 2048

// seededReader is a deterministic byte stream. Each step hashes the running
// state with SHA-512; half the digest becomes the next state and the other
// half is output.
type seededReader struct {
	next []byte
}

func newSeededReader(seed []byte) io.Reader {
	next := seed
	for i := 0; i < seedIterations; i++ {
		next, _ = sha512Split(next)
	}
	return &seededReader{next: next}
}

func (d *seededReader) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		next, out := sha512Split(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func sha512Split(input []byte) (next []byte, output []byte) {
	sum := sha512.Sum512(input)
	return sum[:sha512.Size/2], sum[sha512.Size/2:]
}

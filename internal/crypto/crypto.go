// Package crypto narrows the cryptographic and randomness primitives this
// engine consumes (§6.2) to a small interface, so pkg/csis never links a
// real controller's key store or RNG.
package crypto

// Provider supplies the three primitives the CSIS engine needs: the
// AES-ECB block used for SIRK derivation, a CSPRNG for prand generation,
// and the Bluetooth Set Identity Hash function used to build and resolve a
// PSRI.
type Provider interface {
	// EncryptAESECB encrypts one 16-byte block under a 16-byte key.
	// Mirrors the host controller's bt_encrypt_le primitive.
	EncryptAESECB(key, in [16]byte) (out [16]byte)

	// Random fills out with cryptographically random bytes.
	Random(out []byte)

	// Sih computes the Set Identity Hash: a 24-bit value derived from the
	// SIRK and a 24-bit prand, per the Bluetooth CSIS specification.
	Sih(sirk [16]byte, prand [3]byte) (hash [3]byte)
}

// ECBProvider is a reference Provider built on the standard library's
// crypto/aes, used by tests and the demonstration commands. A real
// deployment plugs in whatever primitive its controller exposes.
type ECBProvider struct {
	rng RandFunc
}

// RandFunc fills b with random bytes; crypto/rand.Read satisfies this.
type RandFunc func(b []byte) (int, error)

// NewECBProvider returns a Provider backed by crypto/aes and the supplied
// random source (pass crypto/rand.Read in production; tests pass a seeded
// deterministic source for reproducibility).
func NewECBProvider(rng RandFunc) *ECBProvider {
	return &ECBProvider{rng: rng}
}

func (p *ECBProvider) Random(out []byte) {
	if p.rng == nil {
		panic("crypto: ECBProvider has no random source")
	}
	if _, err := p.rng(out); err != nil {
		panic("crypto: random source failed: " + err.Error())
	}
}

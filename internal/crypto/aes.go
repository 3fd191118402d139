package crypto

import "crypto/aes"

// EncryptAESECB implements the Provider primitive with the standard
// library's AES block cipher operated as a single-block ECB encrypt —
// exactly what bt_encrypt_le does on the controller side, and exactly the
// operation the Bluetooth SIRK-derivation and sih() functions are defined
// in terms of.
func (p *ECBProvider) EncryptAESECB(key, in [16]byte) (out [16]byte) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on a bad key length; key is fixed at
		// 16 bytes by the type system, so this is unreachable.
		panic("crypto: aes.NewCipher: " + err.Error())
	}
	block.Encrypt(out[:], in[:])
	return out
}

// Sih computes the Bluetooth Set Identity Hash: r' = 0x00 0x00 0x00 0x00 0x00
// 0x00 0x00 0x00 0x00 0x00 0x00 0x00 0x00 ‖ prand (padded to 16 bytes, prand
// in the low 3 bytes), encrypted under sirk, truncated to the low 3 bytes of
// the ciphertext. This is the "ah" function from the Bluetooth Core
// Specification's private-address resolution, reused verbatim by CSIS.
func (p *ECBProvider) Sih(sirk [16]byte, prand [3]byte) (hash [3]byte) {
	var block [16]byte
	copy(block[13:], prand[:])
	ct := p.EncryptAESECB(sirk, block)
	copy(hash[:], ct[13:])
	return hash
}

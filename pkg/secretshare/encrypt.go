package secretshare

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/relves/vaultcore/pkg/types"
)

const (
	saltSize = 16
	keyInfo  = "vaultcore/fragment/v1"
)

// deriveKey stretches a guardian's key material and a per-fragment salt into
// an AEAD key. Each guardian's fragment key depends only on that guardian's
// material, so decrypting one fragment never requires another guardian's key.
func deriveKey(guardianKey, salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, guardianKey, salt, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive fragment key: %w", err)
	}
	return key, nil
}

// aad binds a sealed fragment to its vault, guardian and share index.
func aad(vaultID, guardianID string, index byte) []byte {
	return append([]byte(vaultID+"|"+guardianID+"|"), index)
}

// EncryptFragment seals a plaintext fragment for a single guardian. The
// random salt and the verification tag travel with the ciphertext; the share
// bytes are sealed under XChaCha20-Poly1305 with a random nonce prepended.
func EncryptFragment(f Fragment, vaultID, guardianID string, guardianKey []byte) (*types.SecretFragment, error) {
	if len(guardianKey) == 0 {
		return nil, fmt.Errorf("guardian key material must not be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key, err := deriveKey(guardianKey, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, f.Share, aad(vaultID, guardianID, f.Index))

	return &types.SecretFragment{
		VaultID:    vaultID,
		GuardianID: guardianID,
		Index:      f.Index,
		Payload:    sealed,
		Salt:       salt,
		Tag:        f.Tag,
	}, nil
}

// DecryptFragment opens a stored fragment with the owning guardian's key
// material, returning the plaintext fragment for reconstruction.
func DecryptFragment(sf *types.SecretFragment, guardianKey []byte) (Fragment, error) {
	key, err := deriveKey(guardianKey, sf.Salt)
	if err != nil {
		return Fragment{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Fragment{}, fmt.Errorf("init cipher: %w", err)
	}

	if len(sf.Payload) < aead.NonceSize() {
		return Fragment{}, fmt.Errorf("fragment payload too short")
	}
	nonce, sealed := sf.Payload[:aead.NonceSize()], sf.Payload[aead.NonceSize():]

	share, err := aead.Open(nil, nonce, sealed, aad(sf.VaultID, sf.GuardianID, sf.Index))
	if err != nil {
		return Fragment{}, fmt.Errorf("open fragment: %w", err)
	}

	return Fragment{Index: sf.Index, Share: share, Tag: sf.Tag}, nil
}

// Package sign attests export bundles. A signature covers the raw
// sha-256 root hash of the bundle manifest, so a verifier needs only
// the manifest and the study's published public key.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/evidara/trialtrace/core/errors"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
)

const AlgEd25519 = "ed25519"

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, errors.CategoryInternalFailure, "keygen", "ed25519 key generation failed")
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID is the hex sha-256 of the public key, stable across exports.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// SignRootHash signs the raw 32-byte digest named by the hex root hash.
func SignRootHash(priv ed25519.PrivateKey, rootHash string) (trial.Signature, error) {
	digest, err := decodeRootHash(rootHash)
	if err != nil {
		return trial.Signature{}, err
	}
	raw := ed25519.Sign(priv, digest)
	return trial.Signature{
		Alg:      AlgEd25519,
		KeyID:    KeyID(priv.Public().(ed25519.PublicKey)),
		Sig:      base64.StdEncoding.EncodeToString(raw),
		RootHash: rootHash,
	}, nil
}

// VerifyRootHash checks one manifest signature against a public key and
// the expected root hash.
func VerifyRootHash(pub ed25519.PublicKey, signature trial.Signature, rootHash string) (bool, error) {
	if signature.Alg != AlgEd25519 {
		return false, errors.Wrap(fmt.Errorf("unsupported alg %q", signature.Alg),
			errors.CategoryInvalidInput, "sig_alg", "only ed25519 signatures are supported")
	}
	if signature.RootHash != rootHash {
		return false, nil
	}
	if signature.KeyID != "" && signature.KeyID != KeyID(pub) {
		return false, nil
	}
	digest, err := decodeRootHash(rootHash)
	if err != nil {
		return false, err
	}
	raw, err := base64.StdEncoding.DecodeString(signature.Sig)
	if err != nil {
		return false, errors.Wrap(err, errors.CategoryInvalidInput, "sig_decode", "signature is not valid base64")
	}
	if len(raw) != ed25519.SignatureSize {
		return false, errors.Wrap(fmt.Errorf("signature length %d", len(raw)),
			errors.CategoryInvalidInput, "sig_decode", "signature has the wrong length")
	}
	return ed25519.Verify(pub, digest, raw), nil
}

func decodeRootHash(rootHash string) ([]byte, error) {
	digest, err := hex.DecodeString(rootHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInvalidInput, "root_hash", "root hash is not valid hex")
	}
	if len(digest) != sha256.Size {
		return nil, errors.Wrap(fmt.Errorf("digest length %d", len(digest)),
			errors.CategoryInvalidInput, "root_hash", "root hash must be a sha-256 digest")
	}
	return digest, nil
}

// Key files hold a single base64 line.

func WriteKeyPair(privPath, pubPath string, pair KeyPair) error {
	if err := os.WriteFile(privPath, []byte(base64.StdEncoding.EncodeToString(pair.Private)+"\n"), 0o600); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "key_write", "write private key file")
	}
	if err := os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(pair.Public)+"\n"), 0o644); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "key_write", "write public key file")
	}
	return nil
}

func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	// #nosec G304 -- caller supplies local key path
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "key_read", "read private key file")
	}
	return ParsePrivateKey(strings.TrimSpace(string(b)))
}

func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	// #nosec G304 -- caller supplies local key path
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "key_read", "read public key file")
	}
	return ParsePublicKey(strings.TrimSpace(string(b)))
}

func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInvalidInput, "key_decode", "private key is not valid base64")
	}
	if l := len(raw); l != ed25519.PrivateKeySize {
		return nil, errors.Wrap(fmt.Errorf("private key length %d", l),
			errors.CategoryInvalidInput, "key_decode", "private key has the wrong length")
	}
	return ed25519.PrivateKey(raw), nil
}

func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInvalidInput, "key_decode", "public key is not valid base64")
	}
	if l := len(raw); l != ed25519.PublicKeySize {
		return nil, errors.Wrap(fmt.Errorf("public key length %d", l),
			errors.CategoryInvalidInput, "key_decode", "public key has the wrong length")
	}
	return ed25519.PublicKey(raw), nil
}

// Package privval holds a validator's signing key on disk and signs
// consensus votes with double-sign protection: once a vote for a
// (level, scope, epoch) round is signed, the signer refuses to sign a
// conflicting vote for the same round, even across restarts.
package privval

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/crestline-labs/baseline/types"
)

// Errors
var (
	ErrDoubleSign = errors.New("refusing to sign conflicting vote for already-signed round")
	ErrKeyExists  = errors.New("key file already exists")
)

const filePerm = 0600

// FilePVKey is the persisted key material.
type FilePVKey struct {
	ValidatorID string `json:"validator_id"`
	PubKey      string `json:"pub_key"`  // hex
	PrivKey     string `json:"priv_key"` // hex
}

// FilePVLastSign is the persisted double-sign guard state.
type FilePVLastSign struct {
	Level       types.Level `json:"level"`
	Scope       string      `json:"scope"`
	Epoch       uint64      `json:"epoch"`
	SummaryHash string      `json:"summary_hash"`
	Accept      bool        `json:"accept"`
	Signature   string      `json:"signature"`
	Signed      bool        `json:"signed"`
}

// FilePV is a file-backed validator signer.
type FilePV struct {
	keyPath   string
	statePath string

	validatorID string
	pubKey      types.PublicKey
	privKey     ed25519.PrivateKey
	last        FilePVLastSign
}

// Generate creates a fresh keypair and writes the key and state files.
// It refuses to overwrite an existing key file.
func Generate(validatorID, keyPath, statePath string) (*FilePV, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, keyPath)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pv := &FilePV{
		keyPath:     keyPath,
		statePath:   statePath,
		validatorID: validatorID,
		pubKey:      types.PublicKey(pub),
		privKey:     priv,
	}
	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// Load reads an existing signer from disk.
func Load(keyPath, statePath string) (*FilePV, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var key FilePVKey
	if err := json.Unmarshal(keyData, &key); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}

	privBytes, err := hex.DecodeString(key.PrivKey)
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key in %s", keyPath)
	}
	pub, err := types.ParsePublicKey(key.PubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key in %s: %w", keyPath, err)
	}

	pv := &FilePV{
		keyPath:     keyPath,
		statePath:   statePath,
		validatorID: key.ValidatorID,
		pubKey:      pub,
		privKey:     ed25519.PrivateKey(privBytes),
	}

	stateData, err := os.ReadFile(statePath)
	switch {
	case err == nil:
		if err := json.Unmarshal(stateData, &pv.last); err != nil {
			return nil, fmt.Errorf("failed to parse signer state: %w", err)
		}
	case os.IsNotExist(err):
		// Fresh state is fine; the first sign creates it.
	default:
		return nil, fmt.Errorf("failed to read signer state: %w", err)
	}
	return pv, nil
}

// ValidatorID returns the signer's identity.
func (pv *FilePV) ValidatorID() string { return pv.validatorID }

// PublicKey returns the signer's public key.
func (pv *FilePV) PublicKey() types.PublicKey { return pv.pubKey }

// SignVote signs a vote in place. Signing is refused when a different
// vote was already signed for the same (level, scope, epoch) round;
// re-signing the identical vote returns the stored signature. Sibling
// scopes at the same level are distinct rounds and sign freely.
func (pv *FilePV) SignVote(domain string, vote *types.ConsensusVote) error {
	hashHex := vote.SummaryHash.String()

	if pv.last.Signed && pv.last.Level == vote.Level && pv.last.Scope == vote.Scope && pv.last.Epoch == vote.Epoch {
		if pv.last.SummaryHash == hashHex && pv.last.Accept == vote.Accept {
			sig, err := hex.DecodeString(pv.last.Signature)
			if err != nil {
				return fmt.Errorf("corrupt signer state: %w", err)
			}
			vote.Signature = sig
			return nil
		}
		return fmt.Errorf("%w: %s/%s/%d", ErrDoubleSign, vote.Level, vote.Scope, vote.Epoch)
	}

	vote.ValidatorID = pv.validatorID
	types.SignVote(domain, vote, pv.privKey)

	pv.last = FilePVLastSign{
		Level:       vote.Level,
		Scope:       vote.Scope,
		Epoch:       vote.Epoch,
		SummaryHash: hashHex,
		Accept:      vote.Accept,
		Signature:   hex.EncodeToString(vote.Signature),
		Signed:      true,
	}
	// State persists before the signature leaves this process.
	return pv.saveState()
}

func (pv *FilePV) saveKey() error {
	key := FilePVKey{
		ValidatorID: pv.validatorID,
		PubKey:      pv.pubKey.String(),
		PrivKey:     hex.EncodeToString(pv.privKey),
	}
	data, err := json.MarshalIndent(&key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	if err := os.WriteFile(pv.keyPath, data, filePerm); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func (pv *FilePV) saveState() error {
	data, err := json.MarshalIndent(&pv.last, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode signer state: %w", err)
	}
	if err := os.WriteFile(pv.statePath, data, filePerm); err != nil {
		return fmt.Errorf("failed to write signer state: %w", err)
	}
	return nil
}

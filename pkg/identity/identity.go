/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package identity generates and loads the stable node identity. A
// node's ID is derived from its ed25519 public key, so an identity file
// that survives restarts yields the same ID every time.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carverauto/fleetmesh/pkg/models"
	"golang.org/x/crypto/blake2b"
)

const (
	idPrefix    = "fm-"
	idHexLength = 32

	keyFileMode = 0o600
	keyDirMode  = 0o700
)

var (
	// ErrCorruptKeyFile indicates the identity file could not be parsed.
	ErrCorruptKeyFile = errors.New("identity: corrupt key file")
	errBadKeyLength   = errors.New("identity: unexpected key length")
)

// Identity is a node's stable identifier plus its signing key pair and
// advertised capability descriptor.
type Identity struct {
	ID           string
	Role         models.PeerRole
	Capabilities models.Capabilities
	private      ed25519.PrivateKey
	public       ed25519.PublicKey
}

// keyFile is the on-disk persistence format.
type keyFile struct {
	PrivateKey string `json:"private_key"`
}

// DeriveID computes the node ID for a public key.
func DeriveID(pub ed25519.PublicKey) string {
	sum := blake2b.Sum256(pub)
	return idPrefix + hex.EncodeToString(sum[:])[:idHexLength]
}

// Generate creates a fresh identity with a new ed25519 key pair.
func Generate(role models.PeerRole, caps models.Capabilities) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}

	return &Identity{
		ID:           DeriveID(pub),
		Role:         role,
		Capabilities: caps,
		private:      priv,
		public:       pub,
	}, nil
}

// LoadOrGenerate loads the identity stored at path, or generates and
// persists a new one if the file does not exist.
func LoadOrGenerate(path string, role models.PeerRole, caps models.Capabilities) (*Identity, error) {
	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		return load(data, role, caps)
	case os.IsNotExist(err):
		id, genErr := Generate(role, caps)
		if genErr != nil {
			return nil, genErr
		}

		if saveErr := id.save(path); saveErr != nil {
			return nil, saveErr
		}

		return id, nil
	default:
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}
}

func load(data []byte, role models.PeerRole, caps models.Capabilities) (*Identity, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptKeyFile, err)
	}

	raw, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptKeyFile, err)
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, errBadKeyLength
	}

	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)

	return &Identity{
		ID:           DeriveID(pub),
		Role:         role,
		Capabilities: caps,
		private:      priv,
		public:       pub,
	}, nil
}

func (i *Identity) save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, keyDirMode); err != nil {
			return fmt.Errorf("identity: create key dir: %w", err)
		}
	}

	kf := keyFile{PrivateKey: hex.EncodeToString(i.private)}

	data, err := json.Marshal(&kf)
	if err != nil {
		return fmt.Errorf("identity: marshal key file: %w", err)
	}

	if err := os.WriteFile(path, data, keyFileMode); err != nil {
		return fmt.Errorf("identity: write key file: %w", err)
	}

	return nil
}

// PublicKeyHex returns the hex-encoded public key for registration
// payloads.
func (i *Identity) PublicKeyHex() string {
	return hex.EncodeToString(i.public)
}

// Sign signs payload with the node's private key and returns a hex
// signature.
func (i *Identity) Sign(payload []byte) string {
	return hex.EncodeToString(ed25519.Sign(i.private, payload))
}

// MatchesID reports whether the hex public key derives the claimed
// node id. Registration uses this binding as its only authenticity
// check.
func MatchesID(publicKeyHex, id string) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}

	return DeriveID(ed25519.PublicKey(pub)) == id
}

// Verify checks a hex signature over payload against a hex public key.
func Verify(publicKeyHex, signatureHex string, payload []byte) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(pub), sig, payload)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package credentials implements the kernel's Credential Vault: confidential
// at-rest storage and structural validation of per-provider API keys.
//
// A key's plaintext never leaves this package; callers receive it only as a
// transient return value during dispatch. Encryption is AES-256-GCM with a
// key derived via PBKDF2-HMAC-SHA-256, following the encrypt-at-rest pattern
// used across the retrieval pack's credential stores, extended here with a
// persisted salt so derived keys are non-portable between installations.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	saltSize         = 16
	ivSize           = 12
	keySize          = 32 // AES-256

	// pbkdf2Passphrase is a constant embedded in the extension. It is
	// defense-in-depth, not secrecy: the real secrecy boundary is the
	// host process's storage sandbox. The persisted salt is what makes
	// derived keys non-portable across installations.
	pbkdf2Passphrase = "deepweb-kernel-credential-vault-v1"
)

// ErrVaultNotInitialized is returned by store/get when initialize() has not
// completed. It is fatal to the caller: there is no recovery short of
// calling Initialize.
var ErrVaultNotInitialized = errors.New("credential vault: not initialized")

// record is the at-rest encoding of one provider's encrypted credential.
type record struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
}

// SaltStore persists the vault's single process-wide salt. Implementations
// must be safe for concurrent Load/Save and idempotent on Save of the same
// value (Initialize only calls Save once, on first run).
type SaltStore interface {
	LoadSalt() ([]byte, bool, error)
	SaveSalt(salt []byte) error
}

// RecordStore persists one encrypted record per provider.
type RecordStore interface {
	LoadRecord(provider string) ([]byte, bool, error)
	SaveRecord(provider string, data []byte) error
	DeleteRecord(provider string) error
}

// Vault is the Credential Vault component (spec §4.1).
//
// Thread safety: Vault is safe for concurrent use. The derived key is
// computed once under Initialize and is immutable thereafter; store/get/
// remove serialize through a mutex only for the brief span of an encrypt
// or decrypt call.
type Vault struct {
	mu        sync.RWMutex
	salts     SaltStore
	records   RecordStore
	log       *slog.Logger
	derived   []byte
	saltBytes []byte
}

// New constructs a Vault backed by the given stores. Call Initialize before
// any Store/Get/Remove call.
func New(salts SaltStore, records RecordStore, log *slog.Logger) *Vault {
	if salts == nil || records == nil {
		panic("credentials: New requires non-nil SaltStore and RecordStore")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Vault{salts: salts, records: records, log: log}
}

// Initialize idempotently loads or creates the 16-byte random salt used for
// key derivation, then derives the AES-256 key. Safe to call more than once.
func (v *Vault) Initialize() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	salt, ok, err := v.salts.LoadSalt()
	if err != nil {
		return fmt.Errorf("credentials: load salt: %w", err)
	}
	if !ok {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("credentials: generate salt: %w", err)
		}
		if err := v.salts.SaveSalt(salt); err != nil {
			return fmt.Errorf("credentials: save salt: %w", err)
		}
	}

	v.saltBytes = salt
	v.derived = pbkdf2.Key([]byte(pbkdf2Passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
	return nil
}

// Store derives the vault key (via Initialize), encrypts plaintextKey with
// a fresh random IV, and persists {ciphertext, iv} keyed by provider.
func (v *Vault) Store(provider, plaintextKey string) error {
	v.mu.RLock()
	derived := v.derived
	v.mu.RUnlock()
	if derived == nil {
		return ErrVaultNotInitialized
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return fmt.Errorf("credentials: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("credentials: new gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("credentials: generate iv: %w", err)
	}

	ciphertext := gcm.Seal(nil, iv, []byte(plaintextKey), nil)
	rec := record{Ciphertext: ciphertext, IV: iv}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("credentials: marshal record: %w", err)
	}
	return v.records.SaveRecord(provider, data)
}

// Get returns the decrypted plaintext for provider, or ("", false) if no
// credential is stored, the vault is uninitialized, or decryption fails.
// Get never returns an error to the caller; decryption failures are logged
// and treated as "no credential."
func (v *Vault) Get(provider string) (string, bool) {
	v.mu.RLock()
	derived := v.derived
	v.mu.RUnlock()
	if derived == nil {
		v.log.Error("credential vault used before initialize", "provider", provider)
		return "", false
	}

	data, ok, err := v.records.LoadRecord(provider)
	if err != nil {
		v.log.Error("credential vault: load record failed", "provider", provider, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		v.log.Error("credential vault: corrupt record", "provider", provider, "error", err)
		return "", false
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		v.log.Error("credential vault: new cipher failed", "provider", provider, "error", err)
		return "", false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		v.log.Error("credential vault: new gcm failed", "provider", provider, "error", err)
		return "", false
	}

	plaintext, err := gcm.Open(nil, rec.IV, rec.Ciphertext, nil)
	if err != nil {
		v.log.Error("credential vault: decryption failed", "provider", provider, "error", err)
		return "", false
	}
	return string(plaintext), true
}

// Remove deletes the stored record for provider, if any.
func (v *Vault) Remove(provider string) error {
	return v.records.DeleteRecord(provider)
}

// ValidateFormat performs a structural check only (not a correctness check
// against the provider): keys beginning "sk-ant-" must be at least 40
// characters; all other keys must begin "sk-" and be 20-200 characters.
func ValidateFormat(provider, key string) bool {
	_ = provider
	if strings.HasPrefix(key, "sk-ant-") {
		return len(key) >= 40
	}
	if strings.HasPrefix(key, "sk-") {
		return len(key) >= 20 && len(key) <= 200
	}
	return false
}

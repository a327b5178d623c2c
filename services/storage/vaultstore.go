// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/deepweb-ai/kernel/services/credentials"
)

const (
	vaultSaltKey    = "vault/api_key_salt"
	vaultRecordPath = "vault/encrypted_api_key/"
)

// VaultStore adapts DB into credentials.SaltStore and credentials.RecordStore,
// persisting the salt under "vault/api_key_salt" and each provider's
// encrypted record under "vault/encrypted_api_key/<provider>" — the same
// key names the design calls out as the persisted state layout (§6).
type VaultStore struct {
	db *DB
}

// NewVaultStore returns a credential-persistence adapter over db.
func NewVaultStore(db *DB) *VaultStore {
	return &VaultStore{db: db}
}

var (
	_ credentials.SaltStore   = (*VaultStore)(nil)
	_ credentials.RecordStore = (*VaultStore)(nil)
)

func (s *VaultStore) LoadSalt() ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		v, ok, err := get(txn, vaultSaltKey)
		value, found = v, ok
		return err
	})
	return value, found, err
}

func (s *VaultStore) SaveSalt(salt []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return set(txn, vaultSaltKey, salt)
	})
}

func (s *VaultStore) LoadRecord(provider string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		v, ok, err := get(txn, vaultRecordPath+provider)
		value, found = v, ok
		return err
	})
	return value, found, err
}

func (s *VaultStore) SaveRecord(provider string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return set(txn, vaultRecordPath+provider, data)
	})
}

func (s *VaultStore) DeleteRecord(provider string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return del(txn, vaultRecordPath+provider)
	})
}

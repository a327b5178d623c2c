// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage implements the Storage Engine: durable, indexed
// persistence for Conversation and Message with quota-aware eviction, plus
// the key/value substrate other kernel components (the Credential Vault)
// persist small blobs into.
//
// The backing store is an embedded BadgerDB instance. Each logical
// operation in this package runs as a single Badger transaction, matching
// the "single transaction across all affected stores and indexes" rule in
// the design: a partial failure aborts and rolls back, and the in-memory
// cache is invalidated on every write or delete.
package storage

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// DB wraps a BadgerDB handle. It is the Storage Engine's backing store.
type DB struct {
	bdb *badger.DB
}

// OpenInMemory opens a Badger instance with no on-disk footprint, for tests
// and ephemeral process state.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open in-memory badger: %w", err)
	}
	return &DB{bdb: bdb}, nil
}

// OpenWithPath opens (or creates) a Badger instance rooted at dir.
func OpenWithPath(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger at %q: %w", dir, err)
	}
	return &DB{bdb: bdb}, nil
}

// Close releases the underlying Badger handle.
func (d *DB) Close() error {
	if d == nil || d.bdb == nil {
		return nil
	}
	return d.bdb.Close()
}

// Update runs fn inside a read-write transaction.
func (d *DB) Update(fn func(txn *badger.Txn) error) error {
	return d.bdb.Update(fn)
}

// View runs fn inside a read-only transaction.
func (d *DB) View(fn func(txn *badger.Txn) error) error {
	return d.bdb.View(fn)
}

// get is a small convenience: reads key inside txn, returning (value, true)
// or (nil, false) on badger.ErrKeyNotFound.
func get(txn *badger.Txn, key string) ([]byte, bool, error) {
	item, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out []byte
	err = item.Value(func(val []byte) error {
		out = append([]byte(nil), val...)
		return nil
	})
	return out, true, err
}

func set(txn *badger.Txn, key string, value []byte) error {
	return txn.Set([]byte(key), value)
}

func del(txn *badger.Txn, key string) error {
	err := txn.Delete([]byte(key))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	return err
}

// scanPrefix invokes fn for every key/value under prefix, in key order.
// fn returning an error stops the scan and the error is propagated.
func scanPrefix(txn *badger.Txn, prefix string, fn func(key string, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		key := string(item.KeyCopy(nil))
		var value []byte
		if err := item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianCPA/services/cpa/report"
)

// ErrNotFound is returned when no report has the requested ID.
var ErrNotFound = errors.New("report not found")

const (
	reportPrefix = "report/"
	indexPrefix  = "report-id/"
)

// ResultStore persists analysis reports.
//
// Reports are stored under "report/<inverted start time>/<id>" so that a
// forward scan returns the newest first; "report-id/<id>" maps an ID to its
// key.
//
// Thread Safety: Safe for concurrent use.
type ResultStore struct {
	db *DB
}

// NewResultStore returns a store on db. The caller keeps ownership of db.
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

func reportKey(r *report.Report) []byte {
	inverted := uint64(math.MaxInt64 - r.StartedAt.UnixNano())
	return []byte(fmt.Sprintf("%s%020d/%s", reportPrefix, inverted, r.ID))
}

func indexKey(id string) []byte {
	return []byte(indexPrefix + id)
}

// Put stores r, replacing any report with the same ID.
func (s *ResultStore) Put(ctx context.Context, r *report.Report) error {
	if r == nil || r.ID == "" {
		return errors.New("report must have an ID")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", r.ID, err)
	}
	key := reportKey(r)

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(r.ID))
		switch {
		case err == nil:
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(old); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(r.ID), key)
	})
}

// Get returns the report with the given ID, or ErrNotFound.
func (s *ResultStore) Get(ctx context.Context, id string) (*report.Report, error) {
	var out *report.Report
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return fmt.Errorf("report %s: %w", id, err)
		}
		return item.Value(func(val []byte) error {
			out = &report.Report{}
			return json.Unmarshal(val, out)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns up to limit reports, newest first. limit <= 0 returns all.
func (s *ResultStore) List(ctx context.Context, limit int) ([]*report.Report, error) {
	var out []*report.Report
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(reportPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				r := &report.Report{}
				if err := json.Unmarshal(val, r); err != nil {
					return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the report with the given ID, or returns ErrNotFound.
func (s *ResultStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
}

// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package blobdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/hash"
)

func tempDB(t *testing.T) (*DB, string) {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "blobs.db")
	db, err := Open(filename)
	require.NoError(t, err)
	return db, filename
}

func TestOpenEmpty(t *testing.T) {
	db, _ := tempDB(t)
	assert.Zero(t, db.Version)
	assert.Empty(t, db.Records)
}

func TestSaveReturnsContentHash(t *testing.T) {
	db, _ := tempDB(t)
	val := []byte{0x90, 0x90, 0xCC}
	key := db.Save(val, 0)
	assert.Equal(t, hash.String(val), key)
	rec, ok := db.Records[key]
	require.True(t, ok)
	assert.Equal(t, val, rec.Val)
	assert.Zero(t, rec.Seq)
}

func TestSavePersistsAcrossReopen(t *testing.T) {
	db, filename := tempDB(t)
	key1 := db.Save([]byte("first"), 1)
	key2 := db.Save([]byte("second"), 2)
	db.Delete(key1)
	require.NoError(t, db.Flush())

	db2, err := Open(filename)
	require.NoError(t, err)
	assert.Len(t, db2.Records, 1)
	rec, ok := db2.Records[key2]
	require.True(t, ok)
	assert.Equal(t, []byte("second"), rec.Val)
	assert.Equal(t, uint64(2), rec.Seq)
}

func TestSaveIDIsIdempotent(t *testing.T) {
	db, _ := tempDB(t)
	db.SaveID("key", []byte("val"), 3)
	before := db.uncompacted
	db.SaveID("key", []byte("val"), 3)
	assert.Equal(t, before, db.uncompacted)
	db.SaveID("key", []byte("val"), 4)
	assert.Equal(t, before+1, db.uncompacted)
}

func TestSaveReservedSeqPanics(t *testing.T) {
	db, _ := tempDB(t)
	assert.Panics(t, func() { db.Save([]byte("val"), seqDeleted) })
}

func TestDeleteMissingKey(t *testing.T) {
	db, _ := tempDB(t)
	db.Delete("no-such-key")
	require.NoError(t, db.Flush())
	assert.Empty(t, db.Records)
}

func TestBumpVersion(t *testing.T) {
	db, filename := tempDB(t)
	db.Save([]byte("blob"), 0)
	require.NoError(t, db.BumpVersion(7))

	db2, err := Open(filename)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), db2.Version)
	assert.Len(t, db2.Records, 1)
}

func TestCompaction(t *testing.T) {
	db, filename := tempDB(t)
	var keys []string
	for i := 0; i < 100; i++ {
		keys = append(keys, db.Save([]byte{byte(i)}, 0))
	}
	for _, key := range keys[:99] {
		db.Delete(key)
	}
	require.NoError(t, db.Flush())

	// With 1 live record out of 199 log entries Flush compacts the file,
	// so the reopen reads back a single record.
	db2, err := Open(filename)
	require.NoError(t, err)
	assert.Len(t, db2.Records, 1)
	assert.Equal(t, 1, db2.uncompacted)

	info, err := os.Stat(filename)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(1000))
}

func TestOpenTruncatedFile(t *testing.T) {
	db, filename := tempDB(t)
	key := db.Save([]byte("survivor"), 0)
	db.Save([]byte("casualty"), 0)
	require.NoError(t, db.Flush())

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filename, data[:len(data)-10], 0644))

	// The torn tail record is dropped, earlier records survive.
	db2, err := Open(filename)
	require.NoError(t, err)
	assert.Len(t, db2.Records, 1)
	assert.Contains(t, db2.Records, key)
}

func TestCreateAndReadBlobs(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "seed.db")
	blobs := [][]byte{{0x90}, {0x90, 0xCC}, {0xD5, 0x03, 0x20, 0x1F}}
	require.NoError(t, Create(filename, 5, blobs))

	got, err := ReadBlobs(filename)
	require.NoError(t, err)
	require.Len(t, got, len(blobs))
	for _, blob := range blobs {
		assert.Equal(t, blob, got[hash.String(blob)])
	}
}

func TestCreateOverwrites(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "seed.db")
	require.NoError(t, Create(filename, 1, [][]byte{[]byte("old")}))
	require.NoError(t, Create(filename, 2, [][]byte{[]byte("new")}))

	got, err := ReadBlobs(filename)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("new"), got[hash.String([]byte("new"))])
}

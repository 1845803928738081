// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
)

// Load maps the corpus file at path, relocates it in place and
// write-protects the mapping. Files ending in ".xz" are decompressed
// into an anonymous mapping first. The (uncompressed) corpus must be a
// whole number of pages.
func Load(path string) (*MappedCorpus, error) {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".xz") {
		data, err = loadCompressed(path)
	} else {
		data, err = loadPlain(path)
	}
	if err != nil {
		return nil, err
	}
	mc, relErr := Relocate(data, true)
	if relErr != Ok {
		return nil, fmt.Errorf("failed to relocate corpus %v: %w", path, relErr)
	}
	return mc, nil
}

func loadPlain(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 || size%int64(arch.PageSize) != 0 {
		return nil, fmt.Errorf("corpus %v has size %v, not a page multiple", path, size)
	}
	// MAP_PRIVATE: relocation mutates the mapping, the file stays intact.
	data, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap corpus %v: %w", path, err)
	}
	return data, nil
}

func loadCompressed(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open xz corpus %v: %w", path, err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress corpus %v: %w", path, err)
	}
	if len(raw) == 0 || len(raw)%arch.PageSize != 0 {
		return nil, fmt.Errorf("corpus %v decompresses to %v bytes, not a page multiple", path, len(raw))
	}
	data, err := unix.Mmap(-1, 0, len(raw),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to map %v bytes for corpus %v: %w", len(raw), path, err)
	}
	copy(data, raw)
	return data, nil
}

// WriteShard serializes snaps and writes them as an xz-compressed
// corpus shard at path.
func WriteShard(path string, snaps []*snapshot.Snapshot) error {
	data, err := Write(snaps)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, osutil.DefaultFilePerm)
	if err != nil {
		return err
	}
	w, err := xz.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

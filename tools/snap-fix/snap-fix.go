// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// snap-fix converts raw instruction blobs into runnable corpus shards.
// Input blob databases are given as positional arguments; every blob
// is lifted into a snapshot, driven through the making pipeline and,
// if it survives, written to one of the output shards.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/blobdb"
	"github.com/snapfuzz/snapfuzz/pkg/corpus"
	"github.com/snapfuzz/snapfuzz/pkg/insns"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/maker"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
	"github.com/snapfuzz/snapfuzz/pkg/stat"
	"github.com/snapfuzz/snapfuzz/pkg/tracer"
)

var (
	flagOutputPathPrefix = flag.String("output_path_prefix", "corpus", "prefix for output shard files")
	flagNumOutputShards  = flag.Int("num_output_shards", 1, "number of output corpus shards")
	flagParallelism      = flag.Int("parallelism", runtime.NumCPU(), "number of concurrent making pipelines")
	flagRunner           = flag.String("runner", "", "path to the runner binary")
	flagMaxPagesToAdd    = flag.Int("max_pages_to_add", 5, "page budget for memory discovery per snapshot")
)

var (
	statBlobs  = stat.New("blobs", "Input instruction blobs read")
	statLifted = stat.New("lifted", "Blobs lifted into candidate snapshots")
	statFixed  = stat.New("fixed", "Snapshots that survived the full pipeline")
)

func main() {
	flag.Parse()
	if *flagRunner == "" {
		log.Fatalf("-runner is required")
	}
	if *flagNumOutputShards < 1 {
		log.Fatalf("-num_output_shards must be positive")
	}
	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: snap-fix [flags] blobs.db...\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	blobs := readBlobs(flag.Args())
	snaps := fixAll(blobs)
	writeShards(snaps)
	dumpStats()
}

func readBlobs(files []string) map[string][]byte {
	all := make(map[string][]byte)
	for _, file := range files {
		blobs, err := blobdb.ReadBlobs(file)
		if err != nil {
			log.Fatalf("failed to read %v: %v", file, err)
		}
		for key, val := range blobs {
			all[key] = val
		}
	}
	statBlobs.Add(len(all))
	log.Logf(0, "read %v blobs from %v files", len(all), len(files))
	return all
}

func fixAll(blobs map[string][]byte) []*snapshot.Snapshot {
	cfg, err := insns.DefaultFuzzingConfig(arch.Current())
	if err != nil {
		log.Fatal(err)
	}
	opts := maker.DefaultOptions(*flagRunner)
	opts.MaxPagesToAdd = *flagMaxPagesToAdd
	sm, err := maker.New(opts)
	if err != nil {
		log.Fatal(err)
	}

	keys := make([]string, 0, len(blobs))
	for key := range blobs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var mu sync.Mutex
	var made []*snapshot.Snapshot
	var eg errgroup.Group
	eg.SetLimit(*flagParallelism)
	for _, key := range keys {
		blob := blobs[key]
		eg.Go(func() error {
			snap, err := fixOne(sm, cfg, blob)
			if err != nil {
				log.Logf(1, "blob %v: %v", key, err)
				return nil
			}
			mu.Lock()
			made = append(made, snap)
			mu.Unlock()
			statFixed.Add(1)
			return nil
		})
	}
	eg.Wait()
	log.Logf(0, "fixed %v/%v snapshots", len(made), len(keys))
	return made
}

func fixOne(sm *maker.SnapMaker, cfg insns.FuzzingConfig, blob []byte) (*snapshot.Snapshot, error) {
	snap, err := insns.InstructionsToSnapshot(blob, cfg)
	if err != nil {
		return nil, err
	}
	statLifted.Add(1)
	if snap, err = sm.Make(snap); err != nil {
		return nil, err
	}
	if snap, err = sm.RecordEndState(snap); err != nil {
		return nil, err
	}
	if err = sm.VerifyPlaysDeterministically(snap); err != nil {
		return nil, err
	}
	return sm.CheckTrace(snap, tracer.DefaultOptions())
}

func writeShards(snaps []*snapshot.Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID() < snaps[j].ID() })
	shards := make([][]*snapshot.Snapshot, *flagNumOutputShards)
	for i, snap := range snaps {
		shards[i%len(shards)] = append(shards[i%len(shards)], snap)
	}
	for i, shard := range shards {
		path := fmt.Sprintf("%s.%04d.xz", *flagOutputPathPrefix, i)
		if err := corpus.WriteShard(path, shard); err != nil {
			log.Fatalf("failed to write shard %v: %v", path, err)
		}
		log.Logf(0, "wrote %v snapshots to %v", len(shard), path)
	}
}

func dumpStats() {
	for _, s := range stat.Collect() {
		fmt.Printf("%v: %v\n", s.Name, s.Value)
	}
}

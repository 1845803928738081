// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// snap-make runs the full making pipeline over a single instruction
// candidate and prints the resulting snapshot. Useful for debugging
// individual blobs that the fix tool rejects.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/corpus"
	"github.com/snapfuzz/snapfuzz/pkg/insns"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/maker"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
	"github.com/snapfuzz/snapfuzz/pkg/tracer"
)

var (
	flagRunner        = flag.String("runner", "", "path to the runner binary")
	flagOutput        = flag.String("output", "", "optional output corpus file for the made snapshot")
	flagMaxPagesToAdd = flag.Int("max_pages_to_add", 5, "page budget for memory discovery")
	flagVerifyRuns    = flag.Int("verify_runs", 5, "replay count for the determinism check")
	flagInsnBudget    = flag.Int("insn_budget", 1000, "dynamic instruction budget for the trace check")
)

func main() {
	flag.Parse()
	if *flagRunner == "" || flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: snap-make -runner=<path> [flags] instructions.bin\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	insnBytes, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("failed to read instructions: %v", err)
	}

	cfg, err := insns.DefaultFuzzingConfig(arch.Current())
	if err != nil {
		log.Fatal(err)
	}
	snap, err := insns.InstructionsToSnapshot(insnBytes, cfg)
	if err != nil {
		log.Fatalf("failed to lift instructions: %v", err)
	}
	log.Logf(0, "candidate snapshot %v (%v bytes of code)", snap.ID(), len(insnBytes))

	opts := maker.DefaultOptions(*flagRunner)
	opts.MaxPagesToAdd = *flagMaxPagesToAdd
	opts.NumVerifyAttempts = *flagVerifyRuns
	sm, err := maker.New(opts)
	if err != nil {
		log.Fatal(err)
	}

	if snap, err = sm.Make(snap); err != nil {
		log.Fatalf("make failed: %v", err)
	}
	log.Logf(0, "made: %v mappings, %v memory byte runs",
		len(snap.MemoryMappings()), len(snap.MemoryBytes()))
	if snap, err = sm.RecordEndState(snap); err != nil {
		log.Fatalf("end state recording failed: %v", err)
	}
	if err = sm.VerifyPlaysDeterministically(snap); err != nil {
		log.Fatalf("determinism check failed: %v", err)
	}
	trOpts := tracer.DefaultOptions()
	trOpts.InstructionCountBudget = *flagInsnBudget
	if snap, err = sm.CheckTrace(snap, trOpts); err != nil {
		log.Fatalf("trace check failed: %v", err)
	}

	printSummary(snap)
	if *flagOutput != "" {
		if err := corpus.WriteFile(*flagOutput, []*snapshot.Snapshot{snap}); err != nil {
			log.Fatalf("failed to write corpus: %v", err)
		}
		log.Logf(0, "wrote corpus to %v", *flagOutput)
	}
}

func printSummary(snap *snapshot.Snapshot) {
	fmt.Printf("snapshot %v (%v)\n", snap.ID(), snap.Arch())
	fmt.Printf("mappings:\n")
	for _, m := range snap.MemoryMappings() {
		fmt.Printf("  %v\n", m.String())
	}
	for _, es := range snap.ExpectedEndStates() {
		fmt.Printf("end state: %v\n", es.Endpoint().String())
	}
	for _, td := range snap.TraceData() {
		fmt.Printf("trace (%v instructions):\n%v\n", td.NumInstructions, td.Disassembly)
	}
}

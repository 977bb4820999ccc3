/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Command submit-bench drives concurrent Submit calls against a live
// endorser/orderer pair and reports throughput, rejection rate and
// latency, in the format run_experiments.sh-style tooling greps for.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperledger-labs/fabric-client-core/core/committer"
	"github.com/hyperledger-labs/fabric-client-core/core/endorser"
	"github.com/hyperledger-labs/fabric-client-core/core/orchestrator"
	"github.com/hyperledger-labs/fabric-client-core/core/tracker"
	"github.com/hyperledger-labs/fabric-client-core/pkg/comm"
	"github.com/hyperledger-labs/fabric-client-core/pkg/crypto"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
	"github.com/hyperledger-labs/fabric-client-core/pkg/policy"
)

var (
	peerAddr       = flag.String("peer", "localhost:7051", "Peer address target")
	ordererAddr    = flag.String("orderer", "localhost:7050", "Orderer address target")
	channelID      = flag.String("channel", "mychannel", "Channel name")
	mspID          = flag.String("msp", "Org1MSP", "MSP id of the submitting identity")
	certPath       = flag.String("cert", "", "Path to the submitter's PEM certificate")
	keyPath        = flag.String("key", "", "Path to the submitter's PEM private key")
	txCount        = flag.Int("txs", 1000, "Number of transactions to submit")
	dependencyRate = flag.Float64("dependency", 0.40, "Fraction of transactions that write the same key, to induce key contention")
	threads        = flag.Int("threads", 32, "Concurrent client routines submitting load")
	shardsStr      = flag.String("shards", "fabcar", "Comma-separated list of distinct chaincode names to round-robin across")
	fn             = flag.String("fn", "put", "Chaincode function to invoke")
)

func main() {
	flag.Parse()
	shards := strings.Split(*shardsStr, ",")

	if *certPath == "" || *keyPath == "" {
		fmt.Println("submit-bench requires -cert and -key naming the submitting identity's material")
		flag.PrintDefaults()
		os.Exit(1)
	}

	id, err := loadIdentity(*mspID, *certPath, *keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading identity failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("--- BENCHMARK CLIENT EXECUTION ---\n")
	fmt.Printf("Routing Targets : Peer=%s | Orderer=%s\n", *peerAddr, *ordererAddr)
	fmt.Printf("Load Parameters : %d Txs | %.2f%% Dependency | %d Threads\n", *txCount, *dependencyRate*100, *threads)
	fmt.Printf("Active Shards   : %d (%v)\n", len(shards), shards)
	fmt.Printf("----------------------------------\n")

	pool := comm.NewPool()
	coordinator := endorser.NewCoordinator(pool)
	submitter := committer.NewSubmitter(pool)
	orch := orchestrator.New(coordinator, submitter)

	endpoint := comm.EndpointSpec{URL: *peerAddr}
	endorsers := []endorser.Target{{ID: *mspID + "/" + *peerAddr, Endpoint: endpoint}}
	ordererTarget := committer.Target{ID: "orderer", Endpoint: comm.EndpointSpec{URL: *ordererAddr}}

	opts := orchestrator.DefaultOptions()
	opts.Endorsers = endorsers
	opts.Orderer = ordererTarget
	opts.Policy = policy.AllOf(endorsers[0].ID)
	// No EventServices are wired here: tracking commit events is an
	// orthogonal concern (see cmd/multi-submit), so this load generator
	// measures broadcast acceptance, not ledger commit, per transaction.
	opts.Strategy = tracker.None

	var success, rejected int64
	var latencyTotal int64 // nanoseconds, summed across successes
	var wg sync.WaitGroup
	jobs := make(chan int, *threads)

	start := time.Now()
	for w := 0; w < *threads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				targetCC := shards[i%len(shards)]
				key := fmt.Sprintf("asset-%d", i)
				if *dependencyRate > 0 && float64(i%100)/100 < *dependencyRate {
					key = "asset-contended"
				}
				args := [][]byte{[]byte(key), []byte(fmt.Sprintf("value-%d", i))}

				ctx, cancel := context.WithTimeout(context.Background(), opts.PerPeerDeadline+opts.CommitTimeout)
				t0 := time.Now()
				_, err := orch.Submit(ctx, id, *channelID, targetCC, *fn, args, nil, opts)
				cancel()

				if err != nil {
					atomic.AddInt64(&rejected, 1)
					continue
				}
				atomic.AddInt64(&success, 1)
				atomic.AddInt64(&latencyTotal, int64(time.Since(t0)))
			}
		}()
	}
	for i := 0; i < *txCount; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	duration := time.Since(start)
	fmt.Printf("Done in %v\n", duration)

	throughput := float64(success) / duration.Seconds()
	rejectRate := float64(rejected) / float64(*txCount) * 100
	avgMS := 0.0
	if success > 0 {
		avgMS = float64(latencyTotal) / float64(success) / float64(time.Millisecond)
	}
	fmt.Printf("[METRICS] Throughput: %.2f TPS\n", throughput)
	fmt.Printf("[METRICS] RejectRate: %.2f%%\n", rejectRate)
	fmt.Printf("[METRICS] AvgResponse: %.2fms\n", avgMS)
}

func loadIdentity(mspID, certPath, keyPath string) (*identity.Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ImportKey(keyPEM)
	if err != nil {
		return nil, err
	}
	return identity.New(mspID, certPEM, key)
}

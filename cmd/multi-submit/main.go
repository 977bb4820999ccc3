/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Command multi-submit drives a sustained workload of concurrent Submit
// calls against a set of endorsing peers and one orderer, tracking commit
// confirmation through each peer's event service and logging progress
// until either the requested transaction count completes or SIGINT/SIGTERM
// asks it to stop early.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hyperledger/fabric/common/flogging"

	"github.com/hyperledger-labs/fabric-client-core/core/committer"
	"github.com/hyperledger-labs/fabric-client-core/core/endorser"
	"github.com/hyperledger-labs/fabric-client-core/core/event"
	"github.com/hyperledger-labs/fabric-client-core/core/orchestrator"
	"github.com/hyperledger-labs/fabric-client-core/pkg/comm"
	"github.com/hyperledger-labs/fabric-client-core/pkg/crypto"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
	"github.com/hyperledger-labs/fabric-client-core/pkg/policy"
)

var logger = flogging.MustGetLogger("multi-submit")

func main() {
	channelID := flag.String("channel", "", "Channel name (required)")
	chaincodeID := flag.String("chaincode", "", "Chaincode name (required)")
	fn := flag.String("fn", "put", "Chaincode function to invoke")
	peersStr := flag.String("peers", "", "Comma-separated mspId@host:port list of endorsing peers (e.g. Org1MSP@peer0.org1:7051,Org2MSP@peer0.org2:7051)")
	ordererAddr := flag.String("orderer", "", "Orderer address (host:port, required)")
	mspID := flag.String("msp", "", "MSP id of the submitting identity (required)")
	certPath := flag.String("cert", "", "Path to the submitter's PEM certificate (required)")
	keyPath := flag.String("key", "", "Path to the submitter's PEM private key (required)")
	txCount := flag.Int("load", 0, "Number of transactions to generate (0 submits nothing and exits)")
	concurrency := flag.Int("threads", 8, "Concurrent submitters")
	flag.Parse()

	if *channelID == "" || *chaincodeID == "" || *peersStr == "" || *ordererAddr == "" || *mspID == "" || *certPath == "" || *keyPath == "" {
		fmt.Println("Usage: multi-submit -channel <C> -chaincode <CC> -peers <mspId@host:port,...> -orderer <HOST:PORT> -msp <MSPID> -cert <PATH> -key <PATH> [-load <TX_COUNT>]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	id, err := loadIdentity(*mspID, *certPath, *keyPath)
	if err != nil {
		logger.Fatalf("loading identity failed: %v", err)
	}

	peerSpecs := strings.Split(*peersStr, ",")
	logger.Infof("Targeting %d endorsing peers: %v", len(peerSpecs), peerSpecs)

	pool := comm.NewPool()
	coordinator := endorser.NewCoordinator(pool)
	submitter := committer.NewSubmitter(pool)
	orch := orchestrator.New(coordinator, submitter)

	endorsers := make([]endorser.Target, 0, len(peerSpecs))
	eventServices := make(map[string]*event.Service, len(peerSpecs))
	policyIDs := make([]string, 0, len(peerSpecs))
	for _, spec := range peerSpecs {
		parts := strings.SplitN(spec, "@", 2)
		if len(parts) != 2 {
			logger.Fatalf("bad peer spec %q: want mspId@host:port", spec)
		}
		peerID := parts[0] + "/" + parts[1]
		endpoint := comm.EndpointSpec{URL: parts[1]}
		endorsers = append(endorsers, endorser.Target{ID: peerID, Endpoint: endpoint})
		eventServices[peerID] = event.NewService(pool, peerID, endpoint)
		policyIDs = append(policyIDs, peerID)
	}

	opts := orchestrator.DefaultOptions()
	opts.Endorsers = endorsers
	opts.EventServices = eventServices
	opts.Policy = policy.AllOf(policyIDs...)
	opts.Orderer = committer.Target{ID: "orderer", Endpoint: comm.EndpointSpec{URL: *ordererAddr}}

	stopC := make(chan os.Signal, 1)
	signal.Notify(stopC, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	if *txCount > 0 {
		go func() {
			runWorkload(id, orch, opts, *channelID, *chaincodeID, *fn, *txCount, *concurrency)
			close(done)
		}()
	} else {
		close(done)
	}

	select {
	case <-stopC:
		logger.Info("Shutting down on signal...")
	case <-done:
		logger.Info("Workload complete, shutting down...")
	}
}

func runWorkload(id *identity.Identity, orch *orchestrator.Orchestrator, opts orchestrator.Options, channelID, chaincodeID, fn string, count, concurrency int) {
	logger.Infof("Starting workload: %d transactions across %d submitters", count, concurrency)
	startTime := time.Now()

	var successCount, failCount int64
	var wg sync.WaitGroup
	jobs := make(chan int, concurrency)

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				args := [][]byte{[]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("val-%d", i))}
				ctx, cancel := context.WithTimeout(context.Background(), opts.PerPeerDeadline+opts.CommitTimeout)
				_, err := orch.Submit(ctx, id, channelID, chaincodeID, fn, args, nil, opts)
				cancel()

				if err != nil {
					logger.Warnf("tx %d failed: %v", i, err)
					atomic.AddInt64(&failCount, 1)
					continue
				}
				current := atomic.AddInt64(&successCount, 1)
				if current%100 == 0 {
					logger.Infof("Progress: %d/%d committed", current, count)
				}
			}
		}()
	}

	for i := 0; i < count; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(startTime)
	tps := float64(atomic.LoadInt64(&successCount)) / elapsed.Seconds()
	logger.Infof("Workload completed! %d succeeded, %d failed, throughput %.2f TPS", successCount, failCount, tps)
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

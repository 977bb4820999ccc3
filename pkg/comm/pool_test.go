/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package comm_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"

	"github.com/hyperledger-labs/fabric-client-core/pkg/comm"
)

var _ = Describe("Pool", func() {
	var (
		lis    net.Listener
		server *grpc.Server
		addr   string
	)

	BeforeEach(func() {
		var err error
		lis, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr = lis.Addr().String()

		server = grpc.NewServer()
		go server.Serve(lis) //nolint:errcheck
	})

	AfterEach(func() {
		server.Stop()
	})

	It("dials lazily and dedups by endpoint identity", func() {
		pool := comm.NewPool()
		spec := comm.EndpointSpec{URL: addr}

		conn1, err := pool.Get(context.Background(), spec, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.Size()).To(Equal(1))

		conn2, err := pool.Get(context.Background(), spec, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(conn2).To(BeIdenticalTo(conn1))
		Expect(pool.Size()).To(Equal(1))

		Expect(pool.Close()).To(Succeed())
	})

	It("re-dials after a reported broken connection", func() {
		pool := comm.NewPool()
		spec := comm.EndpointSpec{URL: addr}

		conn1, err := pool.Get(context.Background(), spec, time.Second)
		Expect(err).NotTo(HaveOccurred())

		pool.ReportBroken(spec)
		Expect(pool.Size()).To(Equal(0))

		conn2, err := pool.Get(context.Background(), spec, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(conn2).NotTo(BeIdenticalTo(conn1))

		Expect(pool.Close()).To(Succeed())
	})

	It("rejects malformed TLS root certificates", func() {
		pool := comm.NewPool()
		spec := comm.EndpointSpec{URL: addr, TLSRootCerts: [][]byte{[]byte("not a cert")}}

		_, err := pool.Get(context.Background(), spec, time.Second)
		Expect(err).To(HaveOccurred())
	})

	It("times out dialing an unreachable endpoint", func() {
		pool := comm.NewPool()
		spec := comm.EndpointSpec{URL: "127.0.0.1:1"}

		_, err := pool.Get(context.Background(), spec, 50*time.Millisecond)
		Expect(err).To(HaveOccurred())
	})
})

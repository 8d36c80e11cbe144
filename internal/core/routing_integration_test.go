// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

//go:build integration

package core_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/goodnet/goodnet/internal/core"
	"github.com/goodnet/goodnet/pkg/sdk"
)

const replyScript = `
supported_types = { goodnet.MSG_CHAT }

function handle_message(header, endpoint, payload)
  goodnet.send(payload, goodnet.MSG_CHAT, "pong " .. header.packet_id)
end
`

const replyManifest = `name: reply
version: 1.0.0
role: handler
runtime: lua
capabilities:
  - host.send
lua:
  entry: reply.lua
`

// peer accepts one connection and forwards the frames it reads.
type peer struct {
	ln     net.Listener
	frames chan []byte
}

func newPeer() *peer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	p := &peer{ln: ln, frames: make(chan []byte, 16)}
	go func() {
		defer GinkgoRecover()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			_, payload, err := sdk.ReadFrame(conn)
			if err != nil {
				return
			}
			p.frames <- payload
		}
	}()
	return p
}

func (p *peer) uri() string { return "tcp://" + p.ln.Addr().String() }

var _ = Describe("Packet routing", func() {
	var (
		c    *core.Core
		dir  string
		ctx  context.Context
		stop context.CancelFunc
	)

	BeforeEach(func() {
		ctx, stop = context.WithTimeout(context.Background(), 10*time.Second)
		dir = GinkgoT().TempDir()
		handlers := filepath.Join(dir, "handlers")
		Expect(os.MkdirAll(handlers, 0o750)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(handlers, "reply.lua"), []byte(replyScript), 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(handlers, "reply.yaml"), []byte(replyManifest), 0o600)).To(Succeed())

		var err error
		c, err = core.New(core.WithPluginDir(dir), core.WithIOThreads(2))
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(c.Stop(ctx)).To(Succeed())
		stop()
	})

	emit := func(msgType uint32, payload string) int {
		h := sdk.NewHeader(7, msgType, len(payload))
		n, err := c.EmitPacket(ctx, &h, &sdk.Endpoint{Address: "127.0.0.1"}, []byte(payload))
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	It("loads the Lua handler from the plugin directory", func() {
		rec, ok := c.Manager().Handler("reply")
		Expect(ok).To(BeTrue())
		Expect(rec.SupportedTypes()).To(Equal([]uint32{sdk.MsgTypeChat}))
		Expect(c.Manager().HandlersByType(sdk.MsgTypeChat)).To(HaveLen(1))
		Expect(c.Manager().HandlersByType(sdk.MsgTypeFile)).To(BeEmpty())
	})

	It("replies through the built-in tcp connector", func() {
		p := newPeer()
		defer func() { _ = p.ln.Close() }()

		Expect(emit(sdk.MsgTypeChat, p.uri())).To(Equal(1))
		Eventually(p.frames).WithTimeout(3 * time.Second).Should(Receive(Equal([]byte("pong 7"))))

		Expect(emit(sdk.MsgTypeChat, p.uri())).To(Equal(1))
		Eventually(p.frames).WithTimeout(3 * time.Second).Should(Receive(Equal([]byte("pong 7"))))
		Expect(c.Connections().Len()).To(Equal(1), "replies reuse one connection")
	})

	It("stops delivering to a disabled handler and resumes on enable", func() {
		p := newPeer()
		defer func() { _ = p.ln.Close() }()

		_, err := c.Manager().DisableHandler("reply")
		Expect(err).NotTo(HaveOccurred())
		Expect(emit(sdk.MsgTypeChat, p.uri())).To(BeZero())
		Consistently(p.frames, 200*time.Millisecond).ShouldNot(Receive())

		_, err = c.Manager().EnableHandler("reply")
		Expect(err).NotTo(HaveOccurred())
		Expect(emit(sdk.MsgTypeChat, p.uri())).To(Equal(1))
		Eventually(p.frames).WithTimeout(3 * time.Second).Should(Receive())
	})

	It("ignores packets after the handler is unloaded", func() {
		Expect(c.Manager().UnloadHandler("reply")).To(Succeed())
		Expect(emit(sdk.MsgTypeChat, "tcp://127.0.0.1:1")).To(BeZero())
		Expect(c.Manager().Stats().Handlers).To(BeZero())
	})
})

package dispatch_test

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/requiem-go/requiem/address"
	"github.com/requiem-go/requiem/connid"
	"github.com/requiem-go/requiem/dispatch"
	"github.com/requiem-go/requiem/internal/quicapi/quicapitest"
	"github.com/requiem-go/requiem/packet"
	"github.com/requiem-go/requiem/registry"
	"github.com/requiem-go/requiem/retrytoken"
	"github.com/requiem-go/requiem/supervisor"
)

// These scenarios reproduce spec.md §8's S1-S6 end-to-end cases against the
// real packet.Classify parser and the real Dispatcher routing algorithm,
// with only the quicapi collaborator boundary faked.

type sentPacket struct {
	peer net.Addr
	data []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (f *fakeSender) Send(peer net.Addr, pkt []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{peer: peer, data: append([]byte{}, pkt...)})
	return true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// buildLongHeader mirrors packet_test.go's encoder: a minimal QUIC v1 long
// header with length-prefixed DCID/SCID. Token encoding is handled
// separately by appendVarintToken since real AEAD tokens need the 2-byte
// varint form.
func buildLongHeader(typeBits byte, version uint32, dcid, scid []byte) []byte {
	first := byte(0x80 | 0x40 | (typeBits << 4))
	buf := []byte{first}
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	buf = append(buf, v[:]...)
	buf = append(buf, byte(len(dcid)))
	buf = append(buf, dcid...)
	buf = append(buf, byte(len(scid)))
	buf = append(buf, scid...)
	return buf
}

// appendVarintToken appends a QUIC varint-length-prefixed token, using the
// 2-byte varint form (RFC 9000 §16) so tokens up to 16383 bytes fit.
func appendVarintToken(buf, token []byte) []byte {
	n := len(token)
	if n < 64 {
		buf = append(buf, byte(n))
	} else {
		buf = append(buf, byte(0x40|(n>>8)), byte(n))
	}
	return append(buf, token...)
}

func buildInitial(version uint32, dcid, scid, token, payload []byte) []byte {
	buf := buildLongHeader(0, version, dcid, scid)
	buf = appendVarintToken(buf, token)
	return append(buf, payload...)
}

func buildShort(dcid, payload []byte) []byte {
	buf := append([]byte{0x00}, dcid...)
	return append(buf, payload...)
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func udpAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 4433}
}

// harness bundles one fully-wired Dispatcher with its fakes, for tests that
// only need a single worker.
type harness struct {
	d           *dispatch.Dispatcher
	snd         *fakeSender
	acceptor    *quicapitest.Acceptor
	reg         *registry.Registry
	sup         *supervisor.Supervisor
	cidSecret   connid.Secret
	tokenSecret retrytoken.Secret
}

func newHarness() *harness {
	logger := zaptest.NewLogger(GinkgoT())
	cidSecret := connid.NewSecret(repeatByte(0xAA, 32))
	tokenSecret := retrytoken.NewSecret(repeatByte(0xBB, 32))

	reg := registry.New()
	acceptor := &quicapitest.Acceptor{}
	sup := supervisor.New("h1", reg, acceptor, logger)

	snd := &fakeSender{}
	cfg := &quicapitest.Config{}
	pb := &quicapitest.PacketBuilder{}

	d := dispatch.New("h1", 0, 1, cfg, pb, snd, sup, cidSecret, tokenSecret, logger)

	return &harness{d: d, snd: snd, acceptor: acceptor, reg: reg, sup: sup, cidSecret: cidSecret, tokenSecret: tokenSecret}
}

func (h *harness) submitRaw(raw []byte, peer *net.UDPAddr) {
	c, err := packet.Classify(raw, peer, nil)
	Expect(err).NotTo(HaveOccurred())
	Expect(h.d.Submit(c)).To(BeTrue())
}

func runFor(d *dispatch.Dispatcher, wait time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	time.Sleep(wait)
	return cancel
}

var _ = Describe("Dispatcher routing", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
	})

	// S1 — Version negotiation.
	It("replies with exactly one Version Negotiation datagram for an unsupported version", func() {
		scid := repeatByte(0x01, 20)
		dcid := repeatByte(0x02, 20)
		raw := buildInitial(0xdeadbeef, dcid, scid, nil, []byte("hello"))
		peer := udpAddr("192.0.2.1")

		h.submitRaw(raw, peer)
		cancel := runFor(h.d, 50*time.Millisecond)
		defer cancel()

		Expect(h.snd.count()).To(Equal(1))
		Expect(h.snd.last().data).To(ContainSubstring("VNEG"))
		Expect(h.reg.Size()).To(Equal(0))
		Expect(h.acceptor.AcceptedConnections()).To(BeEmpty())
	})

	// S2 — Retry path.
	It("replies with a Retry datagram carrying the derived CID when the token is empty", func() {
		d0 := repeatByte(0xD0, 20)
		scid := repeatByte(0x03, 20)
		peer := udpAddr("192.0.2.1")

		raw := buildInitial(1, d0, scid, nil, nil)
		h.submitRaw(raw, peer)
		cancel := runFor(h.d, 50*time.Millisecond)
		defer cancel()

		Expect(h.snd.count()).To(Equal(1))
		expectedNewCID := connid.Derive(h.cidSecret, d0)
		Expect(h.snd.last().data).To(ContainSubstring("RETRY"))
		Expect(h.snd.last().data).To(ContainSubstring(hexOf(expectedNewCID.Bytes())))
		Expect(h.reg.Size()).To(Equal(0))
	})

	// S3 — Retry completion.
	It("creates and registers a connection when the replayed Initial carries a valid token", func() {
		d0 := repeatByte(0xD0, 20)
		scid := repeatByte(0x04, 20)
		peer := udpAddr("192.0.2.1")

		newCID, token, err := retrytoken.MintFor(address.FromUDPAddr(peer), d0, h.tokenSecret, h.cidSecret)
		Expect(err).NotTo(HaveOccurred())

		raw := buildInitial(1, newCID.Bytes(), scid, token, []byte("crypto-frame"))
		h.submitRaw(raw, peer)
		cancel := runFor(h.d, 50*time.Millisecond)
		defer cancel()

		accepted := h.acceptor.AcceptedConnections()
		Expect(accepted).To(HaveLen(1))
		Expect(accepted[0].SCID).To(Equal(scid))
		Expect(accepted[0].ODCID).To(Equal(d0))
		Expect(h.reg.Size()).To(Equal(1))
		Expect(accepted[0].ProcessedCount()).To(Equal(1))
	})

	// S4 — Token peer mismatch.
	It("drops a replayed Initial whose token was minted for a different peer", func() {
		d0 := repeatByte(0xD0, 20)
		scid := repeatByte(0x05, 20)
		mintPeer := udpAddr("192.0.2.1")
		sendPeer := udpAddr("192.0.2.2")

		newCID, token, err := retrytoken.MintFor(address.FromUDPAddr(mintPeer), d0, h.tokenSecret, h.cidSecret)
		Expect(err).NotTo(HaveOccurred())

		raw := buildInitial(1, newCID.Bytes(), scid, token, nil)
		h.submitRaw(raw, sendPeer)
		cancel := runFor(h.d, 50*time.Millisecond)
		defer cancel()

		Expect(h.acceptor.AcceptedConnections()).To(BeEmpty())
		Expect(h.reg.Size()).To(Equal(0))
		Expect(h.snd.count()).To(Equal(0))
	})

	// S5 — Unknown short packet.
	It("drops a Short header packet whose DCID is not registered", func() {
		dcid := repeatByte(0x07, 20)
		raw := buildShort(dcid, []byte("encrypted"))
		peer := udpAddr("192.0.2.3")

		h.submitRaw(raw, peer)
		cancel := runFor(h.d, 50*time.Millisecond)
		defer cancel()

		Expect(h.snd.count()).To(Equal(0))
		Expect(h.acceptor.AcceptedConnections()).To(BeEmpty())
	})

	// S6 — Concurrent creation race, across two dispatchers sharing one
	// supervisor, mirroring "two dispatcher threads receive two Initials
	// with identical DCID after successful retry validation."
	It("yields exactly one connection actor when two dispatchers race on the same DCID", func() {
		logger := zaptest.NewLogger(GinkgoT())
		d0 := repeatByte(0xD0, 20)
		scid := repeatByte(0x08, 20)
		peer := udpAddr("192.0.2.1")

		newCID, token, err := retrytoken.MintFor(address.FromUDPAddr(peer), d0, h.tokenSecret, h.cidSecret)
		Expect(err).NotTo(HaveOccurred())
		raw := buildInitial(1, newCID.Bytes(), scid, token, nil)

		sndB := &fakeSender{}
		dB := dispatch.New("h1", 1, 1, &quicapitest.Config{}, &quicapitest.PacketBuilder{}, sndB, h.sup, h.cidSecret, h.tokenSecret, logger)

		h.submitRaw(raw, peer)
		c, err := packet.Classify(raw, peer, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(dB.Submit(c)).To(BeTrue())

		ctxA, cancelA := context.WithCancel(context.Background())
		ctxB, cancelB := context.WithCancel(context.Background())
		go h.d.Run(ctxA)
		go dB.Run(ctxB)
		defer cancelA()
		defer cancelB()

		Eventually(func() int { return h.sup.ActorCount() }, time.Second, 5*time.Millisecond).Should(Equal(1))
		Eventually(func() int { return h.reg.Size() }, time.Second, 5*time.Millisecond).Should(Equal(1))

		accepted := h.acceptor.AcceptedConnections()
		Expect(accepted).To(HaveLen(1))
		Eventually(func() int { return accepted[0].ProcessedCount() }, time.Second, 5*time.Millisecond).Should(Equal(2))
	})
})

func hexOf(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}


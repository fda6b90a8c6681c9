package gb28181

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"

	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/source"
)

// rtpPayloadTypePS is the GB28181 payload type for PS streams.
const rtpPayloadTypePS = 96

// RtpSender streams one SSRC's PS-wrapped copy of a stream to a GB28181
// peer, over UDP or 2-byte-length-framed TCP.
type RtpSender struct {
	env  *source.Env
	log  *slog.Logger
	args source.SendRtpArgs

	ps   *PSMuxer
	conn net.Conn
	ssrc uint32
	seq  uint16

	mu       sync.Mutex
	closed   bool
	firstErr func(error)

	// errLimit rate-limits send-failure logging; transient socket errors
	// retry on the next pack.
	errLimit *rate.Limiter
}

// NewRtpSender opens the socket and prepares the PS pipeline. cb receives
// the bound local port, or the connect error.
func NewRtpSender(env *source.Env, args source.SendRtpArgs, tracks []media.Track, cb func(localPort uint16, err error)) (*RtpSender, error) {
	s := &RtpSender{
		env:      env,
		log:      env.Log.With(slog.String("component", "rtp-sender"), slog.String("ssrc", args.SSRC)),
		args:     args,
		errLimit: rate.NewLimiter(rate.Every(1e9), 1), // one report per second
	}

	if n, err := strconv.ParseUint(args.SSRC, 10, 32); err == nil {
		s.ssrc = uint32(n)
	} else {
		s.ssrc = rand.Uint32()
	}

	addr := net.JoinHostPort(args.DstURL, strconv.Itoa(int(args.DstPort)))
	network := "tcp"
	if args.IsUDP {
		network = "udp"
	}
	var dialer net.Dialer
	if args.SrcPort != 0 {
		if args.IsUDP {
			dialer.LocalAddr = &net.UDPAddr{Port: int(args.SrcPort)}
		} else {
			dialer.LocalAddr = &net.TCPAddr{Port: int(args.SrcPort)}
		}
	}
	conn, err := dialer.Dial(network, addr)
	if err != nil {
		cb(0, fmt.Errorf("dialing %s %s: %w", network, addr, err))
		return nil, err
	}
	s.conn = conn

	s.ps = NewPSMuxer(s.onPack)
	for _, t := range tracks {
		if err := s.ps.AddTrack(t); err != nil {
			s.log.Warn("track skipped for ps", slog.String("error", err.Error()))
		}
	}

	var localPort uint16
	switch la := conn.LocalAddr().(type) {
	case *net.UDPAddr:
		localPort = uint16(la.Port)
	case *net.TCPAddr:
		localPort = uint16(la.Port)
	}
	s.firstErr = func(err error) { cb(0, err) }
	cb(localPort, nil)
	return s, nil
}

// SSRC returns the sender's ssrc key.
func (s *RtpSender) SSRC() string { return s.args.SSRC }

// InputFrame feeds one frame into the PS pipeline.
func (s *RtpSender) InputFrame(f *media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.ps.InputFrame(f)
}

// onPack fragments one PS pack across RTP packets sharing the pack's
// timestamp; the marker rides on the final fragment.
func (s *RtpSender) onPack(data []byte, dtsMS int64, _ bool) {
	mtu := s.env.Cfg.RTP.VideoMtuSize
	if mtu <= 0 {
		mtu = 1400
	}
	ts := uint32(dtsMS % int64(s.env.Cfg.RTP.CycleMS) * 90)

	for len(data) > 0 {
		n := len(data)
		last := n <= mtu
		if !last {
			n = mtu
		}
		s.seq++
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         last,
				PayloadType:    rtpPayloadTypePS,
				SequenceNumber: s.seq,
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: data[:n],
		}
		raw, err := pkt.Marshal()
		if err == nil {
			err = s.send(raw)
		}
		if err != nil {
			if fe := s.firstErr; fe != nil {
				s.firstErr = nil
				fe(err)
			}
			if s.errLimit.Allow() {
				s.log.Warn("rtp send failed", slog.String("error", err.Error()))
			}
		}
		data = data[n:]
	}
}

// send writes one packet, length-framed on TCP per GB28181.
func (s *RtpSender) send(raw []byte) error {
	if s.args.IsUDP {
		_, err := s.conn.Write(raw)
		return err
	}
	framed := make([]byte, 2+len(raw))
	binary.BigEndian.PutUint16(framed, uint16(len(raw)))
	copy(framed[2:], raw)
	_, err := s.conn.Write(framed)
	return err
}

// Close flushes and shuts the socket.
func (s *RtpSender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ps.Flush()
	s.mu.Unlock()
	s.conn.Close()
}

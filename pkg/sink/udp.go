package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/iqsource/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxPayload keeps datagrams under a 1500 byte Ethernet MTU.
	DefaultMaxPayload = 1472

	// u32 sequence number + u16 sample count
	headerSize = 6
)

type Destination struct {
	Host string
	Port int
}

type UDPOption func(s *UDPSink)

func WithMaxPayload(n int) UDPOption {
	return func(s *UDPSink) {
		s.maxPayload = n
	}
}

func WithUDPLogger(logger zerolog.Logger) UDPOption {
	return func(s *UDPSink) {
		s.logger = logger
	}
}

// UDPSink sends segments as datagrams of [u32 seq][u16 count][count CF32
// samples], all little-endian. Segments too large for one datagram are
// split, each piece taking the next sequence number.
type UDPSink struct {
	dests      []Destination
	recvChan   chan *types.SegmentComplex64
	metrics    api.WriteAPI
	maxPayload int
	logger     zerolog.Logger
	seq        uint32
}

func NewUDPSink(dests []Destination, metrics api.WriteAPI, opts ...UDPOption) *UDPSink {
	s := &UDPSink{
		dests:      dests,
		recvChan:   make(chan *types.SegmentComplex64, receiveBuffer),
		metrics:    metrics,
		maxPayload: DefaultMaxPayload,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *UDPSink) Receive() chan<- *types.SegmentComplex64 {
	return s.recvChan
}

func (s *UDPSink) samplesPerPacket() int {
	return (s.maxPayload - headerSize) / iq.FormatCF32.BytesPerSample()
}

// packets splits samples into encoded datagrams starting at seq.
func (s *UDPSink) packets(samples []complex64) [][]byte {
	per := s.samplesPerPacket()
	ret := make([][]byte, 0, len(samples)/per+1)
	for len(samples) > 0 {
		n := len(samples)
		if n > per {
			n = per
		}
		pkt := make([]byte, headerSize, headerSize+n*iq.FormatCF32.BytesPerSample())
		binary.LittleEndian.PutUint32(pkt, s.seq)
		binary.LittleEndian.PutUint16(pkt[4:], uint16(n))
		ret = append(ret, iq.EncodeCF32(pkt, samples[:n]))

		s.seq++
		samples = samples[n:]
	}
	return ret
}

func (s *UDPSink) Start(ctx context.Context) error {
	if s.samplesPerPacket() < 1 {
		return fmt.Errorf("max payload %d too small for one sample", s.maxPayload)
	}

	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return err
		}
		if len(ips) == 0 {
			return fmt.Errorf("no IPs returned for %s", dest.Host)
		}

		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		s.logger.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("UDP output starting")
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg := <-s.recvChan:
			var bytesWritten, failed int
			pkts := s.packets(seg.Data)
			sendTime := util.TimeOperationMicroseconds(func() {
				for _, pkt := range pkts {
					for _, destAddr := range destAddrs {
						n, err := conn.WriteToUDP(pkt, destAddr)
						if err != nil {
							s.logger.Error().Err(err).Msg("error writing")
							failed++
							continue
						}
						bytesWritten += n
					}
				}
			})

			go s.metrics.WritePoint(influxdb2.NewPoint("iq.sent_segment",
				map[string]string{
					"sink": "udp",
				},
				map[string]interface{}{
					"segment":       seg.SegmentNumber,
					"samples":       len(seg.Data),
					"packets":       len(pkts),
					"bytes_written": bytesWritten,
					"failed":        failed,
					"send_us":       sendTime,
				}, time.Now()))
		}
	}
}

package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/monitoring"
)

// Exchange is one request matched with the reply that resolved it.
type Exchange struct {
	Request   string        `json:"request"`
	Reply     string        `json:"reply"`
	SentAt    time.Time     `json:"sent_at"`
	RepliedAt time.Time     `json:"replied_at"`
	RTT       time.Duration `json:"rtt"`
}

// CaptureAnalysis summarises the control traffic found in a capture file.
type CaptureAnalysis struct {
	Packets   int        `json:"packets"`
	Commands  int        `json:"commands"`
	Replies   int        `json:"replies"`
	Exchanges []Exchange `json:"exchanges"`
	// Unanswered counts requests still pending when the capture ended or when
	// a newer request of the same kind superseded them.
	Unanswered int `json:"unanswered"`
	// Unknown counts payloads on the control port that were neither a
	// command nor a recognised reply.
	Unknown int `json:"unknown"`
}

// RTTs returns the round-trip times of exchanges whose request had kind k.
func (a *CaptureAnalysis) RTTs(k command.Kind) []time.Duration {
	var out []time.Duration
	for _, ex := range a.Exchanges {
		cmd, err := command.Parse([]byte(ex.Request))
		if err == nil && cmd.Kind == k {
			out = append(out, ex.RTT)
		}
	}
	return out
}

const (
	pcapngMagic = 0x0A0D0D0A

	// duplicateWindow groups the redundant copies of one command.
	duplicateWindow = 20 * time.Millisecond
)

// AnalyseCapture reads a pcap or pcapng stream and pairs commands sent to
// controlPort with the replies coming back from it. Duplicate copies of a
// command collapse onto the first copy, so the RTT is measured from the
// earliest transmission.
func AnalyseCapture(ctx context.Context, r io.Reader, controlPort int) (*CaptureAnalysis, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	var source *gopacket.PacketSource
	if binary.LittleEndian.Uint32(head) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcapng: %w", err)
		}
		source = gopacket.NewPacketSource(ng, ng.LinkType())
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcap: %w", err)
		}
		source = gopacket.NewPacketSource(pr, pr.LinkType())
	}

	a := &CaptureAnalysis{}
	type pending struct {
		cmd command.Command
		at  time.Time
	}
	var (
		probes = map[uint32]pending{}
		light  *pending
	)

	for packet := range source.Packets() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a.Packets++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		at := packet.Metadata().Timestamp

		switch {
		case int(udp.DstPort) == controlPort:
			cmd, err := command.Parse(udp.Payload)
			if err != nil {
				a.Unknown++
				continue
			}
			a.Commands++
			switch cmd.Kind {
			case command.Ping:
				if p, ok := probes[cmd.ID]; ok {
					if at.Sub(p.at) <= duplicateWindow {
						continue
					}
					a.Unanswered++
				}
				probes[cmd.ID] = pending{cmd: cmd, at: at}
			case command.LightOn, command.LightOff:
				if light != nil && light.cmd.Kind == cmd.Kind && at.Sub(light.at) <= duplicateWindow {
					continue
				}
				if light != nil {
					a.Unanswered++
				}
				light = &pending{cmd: cmd, at: at}
			}

		case int(udp.SrcPort) == controlPort:
			reply := command.ParseReply(udp.Payload, at)
			switch reply.Kind {
			case command.ReplyPong:
				a.Replies++
				if p, ok := probes[reply.ID]; ok {
					a.Exchanges = append(a.Exchanges, Exchange{
						Request: p.cmd.String(), Reply: reply.Raw,
						SentAt: p.at, RepliedAt: at, RTT: at.Sub(p.at),
					})
					delete(probes, reply.ID)
				}
			case command.ReplyAck:
				a.Replies++
				if light != nil && reply.Acknowledges(light.cmd.Kind) {
					a.Exchanges = append(a.Exchanges, Exchange{
						Request: light.cmd.String(), Reply: reply.Raw,
						SentAt: light.at, RepliedAt: at, RTT: at.Sub(light.at),
					})
					light = nil
				}
			default:
				a.Unknown++
			}
		}
	}

	a.Unanswered += len(probes)
	if light != nil {
		a.Unanswered++
	}
	monitoring.Logf("Capture analysis: %d packets, %d commands, %d replies, %d exchanges, %d unanswered",
		a.Packets, a.Commands, a.Replies, len(a.Exchanges), a.Unanswered)
	return a, nil
}

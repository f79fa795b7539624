package network

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flashsync/internal/command"
)

type capturedPacket struct {
	at      time.Duration
	fromESP bool
	payload string
}

// writeCapture builds an Ethernet/IPv4/UDP pcap between a host on port 50000
// and the controller on port 4210.
func writeCapture(t *testing.T, base time.Time, pkts []capturedPacket) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	host := net.IPv4(192, 168, 4, 2)
	esp := net.IPv4(192, 168, 4, 1)
	for _, p := range pkts {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: host, DstIP: esp}
		udp := &layers.UDP{SrcPort: 50000, DstPort: 4210}
		if p.fromESP {
			ip.SrcIP, ip.DstIP = esp, host
			udp.SrcPort, udp.DstPort = 4210, 50000
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, eth, ip, udp, gopacket.Payload(p.payload)))
		data := sb.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: base.Add(p.at), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return &buf
}

func TestAnalyseCapture(t *testing.T) {
	base := time.Unix(1700000000, 0)
	ms := time.Millisecond
	buf := writeCapture(t, base, []capturedPacket{
		{0, false, "PING"},
		{1 * ms, false, "PING"},
		{18 * ms, true, "PONG"},
		{19 * ms, true, "PONG"},
		{300 * ms, false, "ON"},
		{301 * ms, false, "ON"},
		{325 * ms, true, "ACK ON"},
		{400 * ms, false, "OFF"},
		{500 * ms, false, "PING 2"},
		{522 * ms, true, "PONG 2"},
		{600 * ms, true, "HELLO"},
	})

	a, err := AnalyseCapture(context.Background(), buf, 4210)
	require.NoError(t, err)

	assert.Equal(t, 11, a.Packets)
	assert.Equal(t, 6, a.Commands)
	assert.Equal(t, 4, a.Replies)
	assert.Equal(t, 1, a.Unknown)
	// The OFF was never acknowledged.
	assert.Equal(t, 1, a.Unanswered)

	require.Len(t, a.Exchanges, 3)
	assert.Equal(t, []time.Duration{18 * ms, 22 * ms}, a.RTTs(command.Ping))
	assert.Equal(t, []time.Duration{25 * ms}, a.RTTs(command.LightOn))
	assert.Equal(t, "ACK ON", a.Exchanges[1].Reply)
}

func TestAnalyseCapture_NotACapture(t *testing.T) {
	_, err := AnalyseCapture(context.Background(), bytes.NewBufferString("definitely not pcap"), 4210)
	assert.Error(t, err)
}

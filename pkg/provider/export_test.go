package provider

import "github.com/pion/rtp"

// Marshal сериализует payload в 4 байта
func (e TelephoneEvent) Marshal() []byte {
	data := make([]byte, 4)
	data[0] = uint8(e.Event)
	if e.EndFlag {
		data[1] |= 0x80
	}
	data[1] |= e.Volume & 0x3F
	data[2] = byte(e.Duration >> 8)
	data[3] = byte(e.Duration & 0xFF)
	return data
}

// DTMFPackets формирует серию RTP пакетов одного нажатия:
// три пакета начала и три избыточных пакета конца с одним timestamp
func DTMFPackets(payloadType uint8, ssrc uint32, seq uint16, timestamp uint32, digit DTMFDigit, duration uint16) []*rtp.Packet {
	packets := make([]*rtp.Packet, 0, 6)
	ev := TelephoneEvent{Event: digit, Volume: 10, Duration: duration}
	for i := 0; i < 6; i++ {
		ev.EndFlag = i >= 3
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0, // Marker только у первого пакета события
				PayloadType:    payloadType,
				SequenceNumber: seq + uint16(i),
				Timestamp:      timestamp,
				SSRC:           ssrc,
			},
			Payload: ev.Marshal(),
		})
	}
	return packets
}

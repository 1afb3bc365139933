package provider

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/rtp"
)

// DTMFDigit DTMF событие согласно RFC 4733 (коды 0-15)
type DTMFDigit uint8

const (
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFD     DTMFDigit = 15
)

const dtmfSymbols = "0123456789*#ABCD"

func (d DTMFDigit) String() string {
	if int(d) < len(dtmfSymbols) {
		return dtmfSymbols[d : d+1]
	}
	return "?"
}

// ParseDigit разбирает один DTMF символ
func ParseDigit(s string) (DTMFDigit, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("недопустимый DTMF символ: %q", s)
	}
	i := strings.IndexByte(dtmfSymbols, strings.ToUpper(s)[0])
	if i < 0 {
		return 0, fmt.Errorf("недопустимый DTMF символ: %q", s)
	}
	return DTMFDigit(i), nil
}

// TelephoneEvent payload telephone-event согласно RFC 4733
type TelephoneEvent struct {
	Event    DTMFDigit
	EndFlag  bool
	Volume   uint8  // 0-63, представляет -dBm
	Duration uint16 // в единицах RTP timestamp
}

func parseTelephoneEvent(data []byte) (TelephoneEvent, error) {
	if len(data) < 4 {
		return TelephoneEvent{}, fmt.Errorf("некорректный размер telephone-event payload: %d", len(data))
	}
	ev := TelephoneEvent{
		Event:    DTMFDigit(data[0]),
		EndFlag:  data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}
	if ev.Event > DTMFD {
		return TelephoneEvent{}, fmt.Errorf("событие %d не является DTMF цифрой", ev.Event)
	}
	return ev, nil
}

// DTMFDecoder декодирует RFC 4733 пакеты в цифры.
//
// Цифра сообщается один раз, по первому пакету с EndFlag.
// Повторные пакеты конца того же события (тот же timestamp) игнорируются.
type DTMFDecoder struct {
	payloadType uint8

	mu       sync.Mutex
	lastTS   uint32
	haveLast bool
}

// NewDTMFDecoder создает декодер. payloadType 0 означает, что тип
// telephone-event не согласован: такой декодер отбрасывает все пакеты.
func NewDTMFDecoder(payloadType uint8) *DTMFDecoder {
	return &DTMFDecoder{payloadType: payloadType}
}

// Decode разбирает RTP пакет.
// ok=false без ошибки: пакет не telephone-event (или тип не согласован),
// событие еще идет или это повтор конца.
func (d *DTMFDecoder) Decode(raw []byte) (digit DTMFDigit, ok bool, err error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return 0, false, fmt.Errorf("разбор RTP пакета: %w", err)
	}
	if d.payloadType == 0 || pkt.PayloadType != d.payloadType {
		return 0, false, nil
	}

	ev, err := parseTelephoneEvent(pkt.Payload)
	if err != nil {
		return 0, false, err
	}
	if !ev.EndFlag {
		return 0, false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.haveLast && d.lastTS == pkt.Timestamp {
		return 0, false, nil
	}
	d.lastTS = pkt.Timestamp
	d.haveLast = true
	return ev.Event, true, nil
}

// Reset забывает последнее событие
func (d *DTMFDecoder) Reset() {
	d.mu.Lock()
	d.haveLast = false
	d.mu.Unlock()
}

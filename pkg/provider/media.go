package provider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// MediaInfo результат разбора согласованного SDP
type MediaInfo struct {
	// Audio есть активный аудио поток
	Audio bool
	// Video есть активный видео поток (порт не 0 и направление не inactive)
	Video bool
	// AudioPayloads payload types аудио потока в порядке предпочтения
	AudioPayloads []uint8
	// TelephoneEvent payload type RFC 4733, 0 если не согласован
	TelephoneEvent uint8
}

// InspectMedia разбирает SDP и определяет, какие потоки согласованы
func InspectMedia(body []byte) (MediaInfo, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return MediaInfo{}, fmt.Errorf("разбор SDP: %w", err)
	}

	var info MediaInfo
	for _, md := range desc.MediaDescriptions {
		if !mediaActive(md) {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			info.Audio = true
			for _, f := range md.MediaName.Formats {
				if pt, err := strconv.ParseUint(f, 10, 8); err == nil {
					info.AudioPayloads = append(info.AudioPayloads, uint8(pt))
				}
			}
			if pt, ok := telephoneEventPayload(md); ok {
				info.TelephoneEvent = pt
			}
		case "video":
			info.Video = true
		}
	}
	return info, nil
}

// mediaActive поток не отклонен (порт 0) и не выключен атрибутом inactive
func mediaActive(md *sdp.MediaDescription) bool {
	if md.MediaName.Port.Value == 0 {
		return false
	}
	_, inactive := md.Attribute("inactive")
	return !inactive
}

// telephoneEventPayload ищет rtpmap вида "101 telephone-event/8000"
func telephoneEventPayload(md *sdp.MediaDescription) (uint8, bool) {
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		parts := strings.Fields(a.Value)
		if len(parts) != 2 || !strings.HasPrefix(strings.ToLower(parts[1]), "telephone-event/") {
			continue
		}
		pt, err := strconv.ParseUint(parts[0], 10, 8)
		if err != nil {
			continue
		}
		return uint8(pt), true
	}
	return 0, false
}

package arpscan

import (
	"encoding/json"
	"strings"

	"github.com/flowwatch/flowwatch/internal/domain"
)

type arpPayload struct {
	Ts        float64 `json:"ts"`
	ProfileId string  `json:"profileid"`
	TwId      string  `json:"twid"`
	Saddr     string  `json:"saddr"`
	Daddr     string  `json:"daddr"`
	Uid       string  `json:"uid"`
}

func decodeArpPayload(raw string) (domain.ArpObservation, bool) {
	var p arpPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.ArpObservation{}, false
	}
	return domain.ArpObservation{
		ProfileId: domain.ProfileId(p.ProfileId),
		TwId:      domain.TimeWindowId(p.TwId),
		Saddr:     p.Saddr,
		Daddr:     p.Daddr,
		Uid:       p.Uid,
		Ts:        p.Ts,
	}, true
}

// decodeTwClosedPayload parses a "profileid_twid" composite key, the
// same shape produced by domain.Key, splitting on the last
// "_timewindow_" marker so addresses containing underscores don't
// get misparsed.
func decodeTwClosedPayload(raw string) (domain.ProfileId, domain.TimeWindowId, bool) {
	idx := strings.LastIndex(raw, "_timewindow_")
	if idx < 0 {
		return "", "", false
	}
	return domain.ProfileId(raw[:idx]), domain.TimeWindowId(raw[idx+1:]), true
}

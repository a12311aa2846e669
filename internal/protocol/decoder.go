package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// playerMarker introduces each embedded player object inside a snapshot
// packet's payload.
var playerMarker = []byte(`{"player_data":`)

// PlayerRecord is one player extracted from a match snapshot.
type PlayerRecord struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Level       int    `json:"level"`
	Trophies    int    `json:"trophies"`
}

type playerEnvelope struct {
	PlayerData *PlayerRecord `json:"player_data"`
}

// DecodePlayerRecords scans a snapshot packet's byte buffer for embedded
// player objects. Each object starts at the marker literal and ends at the
// second balanced "}}" closing. Scanning stops after MaxPlayerRecords
// records, when no further marker is found, or when an account id repeats,
// which means the buffer is exhausted or corrupt; the duplicate itself is
// not returned. Malformed slices are skipped.
func DecodePlayerRecords(buf []byte) []PlayerRecord {
	var records []PlayerRecord
	seen := make(map[string]bool)

	prev := 0
	for len(records) < MaxPlayerRecords {
		start := bytes.Index(buf[prev:], playerMarker)
		if start < 0 {
			break
		}
		start += prev

		stop := bytes.Index(buf[start:], []byte("}}"))
		if stop < 0 {
			break
		}
		stop += start
		next := bytes.Index(buf[stop+2:], []byte("}}"))
		if next < 0 {
			break
		}
		stop = stop + 2 + next

		slice := buf[start : stop+2]
		prev = stop + 1

		var env playerEnvelope
		if err := json.Unmarshal(slice, &env); err != nil || env.PlayerData == nil {
			log.Warn().Err(err).Int("offset", start).Msg("skipping malformed player record")
			continue
		}

		rec := *env.PlayerData
		if seen[rec.AccountID] {
			break
		}
		seen[rec.AccountID] = true
		records = append(records, rec)
	}

	return records
}

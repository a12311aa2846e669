package protocol

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playerBlob(accountID, name string, level, trophies int) []byte {
	return []byte(`{"player_data":{"account_id":"` + accountID + `","display_name":"` + name + `",` +
		`"level":` + strconv.Itoa(level) + `,"trophies":` + strconv.Itoa(trophies) + `,` +
		`"season_data":{"best":{"trophies":` + strconv.Itoa(trophies) + `}}}}`)
}

func snapshotBuffer(blobs ...[]byte) []byte {
	buf := []byte{SnapshotOpcode, 0x00, 0x07}
	for _, b := range blobs {
		buf = append(buf, 0xFE, 0x01)
		buf = append(buf, b...)
	}
	buf = append(buf, bytes.Repeat([]byte{0x00}, 32)...)
	return buf
}

func TestDecodePlayerRecordsTwoRecords(t *testing.T) {
	buf := snapshotBuffer(
		playerBlob("a1", "Ann", 12, 1500),
		playerBlob("b2", "Ben", 9, 1100),
	)

	records := DecodePlayerRecords(buf)
	require.Len(t, records, 2)

	assert.Equal(t, "a1", records[0].AccountID)
	assert.Equal(t, "Ann", records[0].DisplayName)
	assert.Equal(t, 12, records[0].Level)
	assert.Equal(t, 1500, records[0].Trophies)

	assert.Equal(t, "b2", records[1].AccountID)
	assert.Equal(t, "Ben", records[1].DisplayName)
}

func TestDecodePlayerRecordsStopsOnDuplicateAccountID(t *testing.T) {
	buf := snapshotBuffer(
		playerBlob("a1", "Ann", 12, 1500),
		playerBlob("b2", "Ben", 9, 1100),
		playerBlob("a1", "Ann", 12, 1500),
		playerBlob("c3", "Cod", 3, 400),
	)

	records := DecodePlayerRecords(buf)
	require.Len(t, records, 2)
	assert.Equal(t, "a1", records[0].AccountID)
	assert.Equal(t, "b2", records[1].AccountID)
}

func TestDecodePlayerRecordsCapsAtFour(t *testing.T) {
	buf := snapshotBuffer(
		playerBlob("a1", "Ann", 12, 1500),
		playerBlob("b2", "Ben", 9, 1100),
		playerBlob("c3", "Cod", 3, 400),
		playerBlob("d4", "Dee", 7, 900),
		playerBlob("e5", "Eve", 5, 800),
	)

	records := DecodePlayerRecords(buf)
	assert.Len(t, records, MaxPlayerRecords)
}

func TestDecodePlayerRecordsEmptyBuffer(t *testing.T) {
	assert.Empty(t, DecodePlayerRecords([]byte("no markers here")))
}

func TestDecodePlayerRecordsSkipsMalformedSlice(t *testing.T) {
	bad := []byte(`{"player_data":{"account_id":"x9","broken":}}` + `}}`)
	buf := snapshotBuffer(bad, playerBlob("a1", "Ann", 12, 1500))

	records := DecodePlayerRecords(buf)
	require.Len(t, records, 1)
	assert.Equal(t, "a1", records[0].AccountID)
}

func TestIsSnapshot(t *testing.T) {
	big := append([]byte{SnapshotOpcode}, bytes.Repeat([]byte{0xAA}, SnapshotMinLength+10)...)
	assert.True(t, IsSnapshot(big))

	heartbeat := []byte{SnapshotOpcode, 0x01, 0x02}
	assert.False(t, IsSnapshot(heartbeat))

	otherOp := append([]byte{0x11}, bytes.Repeat([]byte{0xAA}, SnapshotMinLength+10)...)
	assert.False(t, IsSnapshot(otherOp))
}

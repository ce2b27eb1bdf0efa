package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// Covers every field except Checksum itself, so any edited or truncated
// line is detected on replay.
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(e.JobID)
	b.WriteByte('|')
	b.WriteString(string(e.Operation))
	b.WriteByte('|')
	b.WriteString(string(e.Ref))
	b.WriteByte('|')
	b.WriteString(e.Detail)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}

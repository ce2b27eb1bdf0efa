package wal

// ============================================================================
// WAL 工具函式
// 職責：提供讀取、驗證與統計等輔助功能（供 history 指令使用）
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const maxLineSize = 1 << 20

// ReadEvents decodes every event in path in order, verifying checksums.
// A missing file holds no events.
func ReadEvents(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := ReadEvents(path, func(e Event) error {
		last = &e
		return nil
	})
	if last == nil && err == nil {
		return nil, ErrEmptyWAL
	}
	return last, err
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := ReadEvents(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性：格式、校驗和、seq 連續
func ValidateWAL(path string) error {
	var lastSeq uint64
	return ReadEvents(path, func(e Event) error {
		if e.Seq != lastSeq+1 {
			return fmt.Errorf("wal: sequence gap: %d follows %d", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
func DumpWAL(path string, w io.Writer) error {
	return ReadEvents(path, func(e Event) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %-9s %s %s %s at %s\n",
			e.Seq, e.Type, e.JobID, e.Operation, e.Ref, e.Time().Format(time.RFC3339))
		return err
	})
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	TimeRange   [2]int64          // 時間範圍 [最早, 最晚]
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := ReadEvents(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		if e.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = e.Timestamp
		}
		if e.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = e.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

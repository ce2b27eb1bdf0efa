package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加作業生命週期事件到日誌檔案（append-only, JSON lines）
// 2. 提供讀取與驗證以重建歷史（utils.go）
// 3. 支援日誌旋轉
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/geostream/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// NewWAL 建立或開啟一個 WAL 實例
//
// 行為：
//   - 如果檔案不存在，建立新檔案，seq 從 0 開始
//   - 如果檔案已存在，讀取最後一個事件的 seq 並繼續
//   - 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err == nil && last != nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// Append 追加一個事件到 WAL
//
// Seq and Checksum are assigned here; Timestamp is filled in when zero.
// The event is buffered and written when the buffer fills, the flush
// interval has passed, or force is set.
func (w *WAL) Append(event Event, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	if force || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Record appends a lifecycle event built from a status snapshot.
func (w *WAL) Record(t EventType, st types.OperationStatus) error {
	detail := st.Description
	if st.Error != "" {
		detail = st.Error
	}
	ev := Event{
		Type:      t,
		JobID:     st.ID,
		Operation: st.Operation,
		Ref:       types.PipelineRef(st.Parameters["ProcRef"]),
		Detail:    detail,
	}
	if st.EndedAt != nil && t != EventStarted && t != EventPruned {
		ev.Timestamp = st.EndedAt.UnixMilli()
	} else if st.StartedAt != nil && t == EventStarted {
		ev.Timestamp = st.StartedAt.UnixMilli()
	}
	// terminal events are worth an fsync; started/pruned can ride the buffer
	force := t == EventCompleted || t == EventFailed || t == EventCancelled
	return w.Append(ev, force)
}

// Rotate 當日誌檔案達到 maxBytes 時旋轉，舊檔以時間戳後綴保留
//
// maxBytes <= 0 rotates unconditionally. The sequence restarts at zero in
// the new file.
func (w *WAL) Rotate(maxBytes int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false, ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return false, err
	}
	if maxBytes > 0 {
		fi, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		if fi.Size() < maxBytes {
			return false, nil
		}
	}
	if err := w.file.Close(); err != nil {
		return false, err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return false, err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		// nothing left to write to
		w.closed = true
		return false, err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return true, nil
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: encode seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lilithos/lilithd/internal/domain"
)

// MaxPayloadSize caps a single relayed report.
const MaxPayloadSize = 1024 * 1024 // 1MB

// WebsocketTransport pushes report JSON over a websocket to the relay
// endpoint. This is the primary, network-style path.
type WebsocketTransport struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebsocketTransport creates the primary transport for the given
// ws:// or wss:// endpoint URL.
func NewWebsocketTransport(url string) *WebsocketTransport {
	return &WebsocketTransport{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Name implements domain.Transport.
func (t *WebsocketTransport) Name() string { return "websocket" }

// Deliver implements domain.Transport. Any dial or write error counts as a
// transport failure and triggers the caller's fallback handling.
func (t *WebsocketTransport) Deliver(ctx context.Context, report *domain.ScanReport) error {
	if t.url == "" {
		return fmt.Errorf("no relay endpoint configured")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("report too large: %d bytes", len(data))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := t.dialer.DialContext(dialCtx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("push report: %w", err)
	}

	// Polite close; delivery already counts once the write succeeded.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	return nil
}

// DirTransport copies the report into a locally-mounted relay directory.
// This is the fallback path used when the network transport fails.
type DirTransport struct {
	dir string
}

// NewDirTransport creates the fallback transport over the given directory.
func NewDirTransport(dir string) *DirTransport {
	return &DirTransport{dir: dir}
}

// Name implements domain.Transport.
func (t *DirTransport) Name() string { return "mounted-dir" }

// Deliver implements domain.Transport. The destination file is replaced via
// write-to-temp-then-rename so a reader on the other side never observes a
// partial report.
func (t *DirTransport) Deliver(_ context.Context, report *domain.ScanReport) error {
	if t.dir == "" {
		return fmt.Errorf("no fallback directory configured")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("report too large: %d bytes", len(data))
	}

	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return fmt.Errorf("create relay directory: %w", err)
	}

	dst := filepath.Join(t.dir, "scan_snapshot")
	tmp := fmt.Sprintf("%s.%d.tmp", dst, os.Getpid())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write relay file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish relay file: %w", err)
	}
	return nil
}

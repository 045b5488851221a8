package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadIdle     = 60 * time.Second
	maxFrameSize        = 1 << 20
)

// Dialer opens hub connections. The token is read fresh by the caller for
// every dial.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live hub connection. ReadFrame is called from a single
// goroutine; WriteFrame and Close are safe for concurrent use.
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the connection ends.
	ReadFrame() (Frame, error)
	// WriteFrame sends a frame, bounded by ctx and the write timeout.
	WriteFrame(ctx context.Context, f Frame) error
	// Close tears the connection down. It is idempotent.
	Close() error
}

// WSDialerOpts configures a websocket Dialer.
type WSDialerOpts struct {
	URL          string
	WriteTimeout time.Duration
	ReadIdle     time.Duration
	Logger       *zap.Logger
	// Dialer overrides the gorilla dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// WSDialer dials the hub over a websocket.
type WSDialer struct {
	url          *url.URL
	writeTimeout time.Duration
	readIdle     time.Duration
	log          *zap.Logger
	dialer       *websocket.Dialer
}

// NewWSDialer validates opts and returns a dialer.
func NewWSDialer(opts WSDialerOpts) (*WSDialer, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("hub: url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("hub: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("hub: url scheme %q must be ws or wss", u.Scheme)
	}
	d := &WSDialer{
		url:          u,
		writeTimeout: opts.WriteTimeout,
		readIdle:     opts.ReadIdle,
		log:          opts.Logger,
		dialer:       opts.Dialer,
	}
	if d.writeTimeout <= 0 {
		d.writeTimeout = defaultWriteTimeout
	}
	if d.readIdle <= 0 {
		d.readIdle = defaultReadIdle
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.dialer == nil {
		d.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	return d, nil
}

// Dial opens a websocket to the hub. The token travels both as a bearer
// header and as the access_token query parameter, which is what browser
// clients of the same hub send.
func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u := *d.url
	header := http.Header{}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("hub: dial %s: %w", d.url.Host, ErrUnauthorized)
		}
		return nil, fmt.Errorf("hub: dial %s: %w", d.url.Host, err)
	}

	c := &wsConn{
		ws:           ws,
		writeTimeout: d.writeTimeout,
		readIdle:     d.readIdle,
		log:          d.log,
	}
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(d.readIdle))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.readIdle))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	d.log.Debug("hub connected", zap.String("host", d.url.Host))
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	readIdle     time.Duration
	log          *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadFrame() (Frame, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, fmt.Errorf("hub: read: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readIdle))
		f, err := Decode(data)
		if err != nil {
			c.log.Warn("hub: dropping malformed frame", zap.Error(err))
			continue
		}
		return f, nil
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("hub: write %s: %w", f.Type, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

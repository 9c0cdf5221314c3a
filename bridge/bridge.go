// Package bridge implements client.Client against an external game client
// process reached over a websocket. Requests carry an id and are answered by a
// response frame with the same id; events arrive unsolicited.
package bridge

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/zond/swarmbot"
	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/proxy"
	"github.com/zond/swarmbot/structs"

	goccy "github.com/goccy/go-json"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultMinBackoff     = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	readLimit             = 16 << 20
	eventBuffer           = 256
)

var (
	ErrClosed = errors.New("bridge closed")
)

var (
	_ client.Client    = (*Client)(nil)
	_ client.Navigator = (*Client)(nil)
)

// request is sent by swarmbot.
type request struct {
	ID   string `json:"id"`
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

// frame is received from the bridge: either a response or an event.
type frame struct {
	ID     string           `json:"id,omitempty"`
	OK     bool             `json:"ok,omitempty"`
	Error  string           `json:"error,omitempty"`
	Result goccy.RawMessage `json:"result,omitempty"`
	Event  *client.Event    `json:"event,omitempty"`
}

// Hello is the first request on every connection. It tells the bridge which
// game server to join and as whom.
type Hello struct {
	Session  string `json:"session"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Version  string `json:"version,omitempty"`
	Auth     string `json:"auth"`
}

type Options struct {
	URL            string
	Hello          Hello
	Proxy          *structs.Proxy
	RequestTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	Logger         *log.Logger
}

// Client is a websocket connection to a bridge. It reconnects with
// exponential backoff when the connection drops, announcing the drop and the
// recovery as client events.
type Client struct {
	client.Hub
	opts   Options
	dialer *websocket.Dialer

	wmu  sync.Mutex
	mu   sync.Mutex
	conn *websocket.Conn
	// pending maps request ids to their response channels.
	pending map[string]chan frame

	// events decouples subscribers from the read loop, so a subscriber may
	// make requests of its own.
	events chan client.Event

	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New prepares a client. Nothing is dialled until Connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("no bridge URL")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.MinBackoff)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: opts.RequestTimeout,
	}
	if p := opts.Proxy; p != nil {
		switch p.Kind {
		case structs.ProxyHTTP:
			dialer.Proxy = http.ProxyURL(p.URL())
		default:
			dial, err := proxy.SOCKSDialer(p, opts.RequestTimeout)
			if err != nil {
				return nil, err
			}
			dialer.NetDialContext = dial
		}
	}
	return &Client{
		opts:    opts,
		dialer:  dialer,
		pending: map[string]chan frame{},
		events:  make(chan client.Event, eventBuffer),
		done:    make(chan struct{}),
	}, nil
}

// URL expands {id} in a bridge URL template.
func URL(template string, id string) string {
	return strings.ReplaceAll(template, "{id}", id)
}

func (c *Client) logf(format string, args ...any) {
	c.opts.Logger.Printf("bridge %s: %s", c.opts.Hello.Session, fmt.Sprintf(format, args...))
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, swarmbot.WithStack(err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Connect dials the bridge, starts the read loop and sends the hello request.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return swarmbot.WithStack(ErrClosed)
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.deliver(loopCtx)
	go c.readLoop(loopCtx, conn)

	if err := c.call(ctx, "hello", c.opts.Hello, nil); err != nil {
		c.Disconnect()
		return err
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (c *Client) Disconnect() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel == nil {
		close(c.done)
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.wmu.Lock()
		conn.WriteJSON(request{ID: swarmbot.NextUniqueID(), Op: "quit"})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(500*time.Millisecond))
		c.wmu.Unlock()
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[string]chan frame{}
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- frame{Error: err.Error()}
	}
}

// emit queues ev for delivery. It blocks only while the queue is full.
func (c *Client) emit(ctx context.Context, ev client.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// deliver publishes queued events until ctx is done. Disconnect does not wait
// for it, since subscribers may themselves disconnect.
func (c *Client) deliver(ctx context.Context) {
	for {
		select {
		case ev := <-c.events:
			c.Publish(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	defer c.failPending(ErrClosed)
	defer c.closeConn()
	go func() {
		<-ctx.Done()
		c.closeConn()
	}()

	backoff := c.opts.MinBackoff
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			c.handle(ctx, data)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.logf("connection lost: %v", err)
		c.closeConn()
		c.failPending(errors.New("connection lost"))
		c.emit(ctx, client.Event{Kind: client.EventDisconnected, Text: err.Error()})

		for conn = nil; conn == nil; {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if conn, err = c.dial(ctx); err != nil {
				c.logf("reconnect failed (waited %v): %v", backoff, err)
				backoff = min(backoff*2, c.opts.MaxBackoff)
				continue
			}
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		backoff = c.opts.MinBackoff
		// The hello must be answered by this loop, so it is sent from its own
		// goroutine.
		go func() {
			helloCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
			defer cancel()
			if err := c.call(helloCtx, "hello", c.opts.Hello, nil); err != nil {
				c.logf("hello after reconnect failed: %v", err)
				c.closeConn()
				return
			}
			c.emit(ctx, client.Event{Kind: client.EventConnected})
		}()
	}
}

func (c *Client) handle(ctx context.Context, data []byte) {
	f := frame{}
	if err := goccy.Unmarshal(data, &f); err != nil {
		c.logf("undecodable frame: %v", err)
		return
	}
	if f.Event != nil {
		c.emit(ctx, *f.Event)
		return
	}
	if f.ID == "" {
		return
	}
	c.mu.Lock()
	ch, found := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if found {
		ch <- f
	}
}

// call sends op and waits for its response, decoding the result into result
// if it is not nil.
func (c *Client) call(ctx context.Context, op string, args any, result any) error {
	if c.closed.Load() && op != "hello" {
		return swarmbot.WithStack(ErrClosed)
	}
	req := request{ID: swarmbot.NextUniqueID(), Op: op, Args: args}
	ch := make(chan frame, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return swarmbot.WithStack(client.ErrNotConnected)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	c.wmu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
	err := conn.WriteJSON(req)
	c.wmu.Unlock()
	if err != nil {
		forget()
		return swarmbot.WithStack(err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		if f.Error != "" || !f.OK {
			msg := f.Error
			if msg == "" {
				msg = "request failed"
			}
			return errors.Errorf("%s: %s", op, msg)
		}
		if result != nil && len(f.Result) > 0 {
			if err := goccy.Unmarshal(f.Result, result); err != nil {
				return errors.Wrapf(err, "decoding %s result", op)
			}
		}
		return nil
	case <-timer.C:
		forget()
		return errors.Errorf("%s: no answer within %v", op, c.opts.RequestTimeout)
	case <-ctx.Done():
		forget()
		return swarmbot.WithStack(ctx.Err())
	}
}

func (c *Client) do(op string, args any, result any) error {
	return c.call(context.Background(), op, args, result)
}

type textArgs struct {
	Text string `json:"text"`
}

type controlArgs struct {
	Control client.Control `json:"control"`
	On      bool           `json:"on"`
}

type posArgs struct {
	Position client.Vec `json:"position"`
}

type equipArgs struct {
	Item client.Item `json:"item"`
	Hand client.Hand `json:"hand"`
}

type placeArgs struct {
	Reference client.Vec `json:"reference"`
	Face      client.Vec `json:"face"`
}

type attackArgs struct {
	Entity int `json:"entity"`
}

type goalArgs struct {
	Position client.Vec `json:"position"`
	Reach    float64    `json:"reach"`
}

func (c *Client) Chat(text string) error {
	return c.do("chat", textArgs{Text: text}, nil)
}

func (c *Client) SetControl(ctrl client.Control, on bool) error {
	return c.do("control", controlArgs{Control: ctrl, On: on}, nil)
}

func (c *Client) ClearControls() error {
	return c.do("clear_controls", nil, nil)
}

func (c *Client) LookAt(p client.Vec) error {
	return c.do("look", posArgs{Position: p}, nil)
}

func (c *Client) Position() (client.Vec, error) {
	result := client.Vec{}
	err := c.do("position", nil, &result)
	return result, err
}

func (c *Client) Inventory() ([]client.Item, error) {
	result := []client.Item{}
	err := c.do("inventory", nil, &result)
	return result, err
}

func (c *Client) Equip(item client.Item, hand client.Hand) error {
	return c.do("equip", equipArgs{Item: item, Hand: hand}, nil)
}

func (c *Client) Place(ref client.Vec, face client.Vec) error {
	return c.do("place", placeArgs{Reference: ref, Face: face}, nil)
}

func (c *Client) Dig(p client.Vec) error {
	return c.do("dig", posArgs{Position: p}, nil)
}

func (c *Client) Entities() ([]client.Entity, error) {
	result := []client.Entity{}
	err := c.do("entities", nil, &result)
	return result, err
}

func (c *Client) Attack(entityID int) error {
	return c.do("attack", attackArgs{Entity: entityID}, nil)
}

func (c *Client) SetGoal(p client.Vec, reach float64) error {
	return c.do("goal", goalArgs{Position: p, Reach: reach}, nil)
}

func (c *Client) Navigating() bool {
	result := false
	if err := c.do("navigating", nil, &result); err != nil {
		return false
	}
	return result
}

func (c *Client) StopNavigation() error {
	return c.do("stop_navigation", nil, nil)
}

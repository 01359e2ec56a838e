package fastcgi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ebernhardson/fastcgi/internal/observability"
	"github.com/ebernhardson/fastcgi/internal/protocol"
	"github.com/ebernhardson/fastcgi/internal/protocol/nvpair"
	"github.com/ebernhardson/fastcgi/internal/protocol/record"
)

// ClientConfig describes one application server target.
type ClientConfig struct {
	// Host is a hostname or IP when Port is set, otherwise the path of a
	// unix-domain socket.
	Host string
	// Port selects TCP transport when non-zero.
	Port int
	// KeepAlive asks the server to keep the connection open after each
	// END_REQUEST.
	KeepAlive bool
	// Timeout bounds connect, each record-read wait, and writes. Zero means
	// unbounded.
	Timeout time.Duration
	// Logger receives anomaly reports such as records for unknown request
	// ids. Nil disables logging.
	Logger *zerolog.Logger
}

// Client owns one connection to a FastCGI application server. The socket is
// opened lazily on first use. Request ids are unique among requests
// currently outstanding on the connection; because the id space is 16 bits,
// collision avoidance across process restarts on a persistent connection is
// best-effort only.
type Client struct {
	cfg ClientConfig
	log zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	reader  *record.Reader
	nextID  uint16
	pending map[uint16]*Request
}

func NewClient(cfg ClientConfig) *Client {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Client{
		cfg: cfg,
		log: logger,
		// Random starting point so a stale reply left over from a previous
		// logical use of a persistent connection is unlikely to collide with
		// a fresh id.
		nextID:  uint16(rng.Intn(65535)),
		pending: make(map[uint16]*Request),
	}
}

// connect opens the socket if none is open. Idempotent.
func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}
	network, addr := c.target()
	conn, err := net.DialTimeout(network, addr, c.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s %s: %v", ErrCommunication, network, addr, err)
	}
	c.conn = conn
	// The reader keeps partially-received records across bounded waits, so
	// a timeout firing mid-record never desynchronizes the stream.
	c.reader = record.NewReader(conn)
	return nil
}

func (c *Client) target() (network, addr string) {
	if c.cfg.Port > 0 {
		return "tcp", net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	}
	return "unix", c.cfg.Host
}

// AsyncRequest writes one complete request and returns its handle without
// waiting for any reply. params carries environment-style variables for the
// script; stdin is the optional request body.
func (c *Client) AsyncRequest(params map[string]string, stdin []byte) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return nil, err
	}
	id := c.allocID()

	begin := make([]byte, 8)
	binary.BigEndian.PutUint16(begin[0:2], uint16(protocol.RoleResponder))
	if c.cfg.KeepAlive {
		begin[2] = protocol.FlagKeepConn
	}
	buf := record.Encode(protocol.TypeBeginRequest, id, begin)

	if len(params) > 0 {
		pairs := make([]nvpair.Pair, 0, len(params))
		for k, v := range params {
			pairs = append(pairs, nvpair.Pair{Name: []byte(k), Value: []byte(v)})
		}
		buf = append(buf, record.Encode(protocol.TypeParams, id, nvpair.EncodePairs(pairs))...)
	}
	buf = append(buf, record.Encode(protocol.TypeParams, id, nil)...)

	if len(stdin) > 0 {
		buf = append(buf, record.Encode(protocol.TypeStdin, id, stdin)...)
	}
	buf = append(buf, record.Encode(protocol.TypeStdin, id, nil)...)

	if err := c.write(buf); err != nil {
		return nil, err
	}

	req := &Request{client: c, id: id, issuedAt: time.Now()}
	c.pending[id] = req
	observability.RecordRequestIssued()
	return req, nil
}

// Request is the synchronous composition of AsyncRequest and Get, bounded by
// the connection-wide timeout.
func (c *Client) Request(params map[string]string, stdin []byte) (*Response, error) {
	req, err := c.AsyncRequest(params, stdin)
	if err != nil {
		return nil, err
	}
	return req.Get(c.cfg.Timeout)
}

// GetValues asks the server to report the named capabilities, for example
// FCGI_MPXS_CONNS. The query travels on the reserved request id 0 and is
// answered by exactly one GET_VALUES_RESULT record.
func (c *Client) GetValues(names []string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return nil, err
	}
	pairs := make([]nvpair.Pair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, nvpair.Pair{Name: []byte(name)})
	}
	query := record.Encode(protocol.TypeGetValues, protocol.NullRequestID, nvpair.EncodePairs(pairs))
	if err := c.write(query); err != nil {
		return nil, err
	}

	if err := c.setReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	rec, err := c.reader.Next()
	if err != nil {
		return nil, c.readFailure(err)
	}
	if rec.Header.Type != protocol.TypeGetValuesResult {
		return nil, fmt.Errorf("%w: unexpected %s reply to GET_VALUES", ErrCommunication, rec.Header.Type)
	}
	decoded, err := nvpair.DecodePairs(rec.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommunication, err)
	}
	out := make(map[string]string, len(decoded))
	for _, p := range decoded {
		out[string(p.Name)] = string(p.Value)
	}
	return out, nil
}

// Close releases the socket and clears the outstanding-request table. Any
// handle still outstanding never resolves; its accumulated state stays
// readable but completion is undefined.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[uint16]*Request)
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// allocID advances the wrapping 1..65535 counter past 0 and past every id
// still present in the outstanding-request table. Callers hold c.mu.
func (c *Client) allocID() uint16 {
	for {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, busy := c.pending[c.nextID]; !busy {
			return c.nextID
		}
	}
}

// waitFor is the demultiplexing read loop. It blocks until the awaited
// request resolves, routing every inbound record to the handle owning its
// request id on the way. The deadline is computed once at entry; a timeout
// leaves the awaited request in the table so a later wait may still resolve
// it.
func (c *Client) waitFor(id uint16, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return fmt.Errorf("%w: request %d is not outstanding", ErrCommunication, id)
	}
	if c.conn == nil {
		return fmt.Errorf("%w: connection is closed", ErrCommunication)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := c.setReadDeadline(deadline); err != nil {
			return err
		}
		rec, err := c.reader.Next()
		if err != nil {
			if isTimeout(err) {
				observability.RecordWaitTimeout()
				return fmt.Errorf("%w: request %d unresolved", ErrTimedOut, id)
			}
			return c.readFailure(err)
		}
		observability.RecordRecordRead(rec.Header.Type.String())

		// Connection-level rejections apply regardless of which id the
		// record was addressed to.
		if rec.Header.Type == protocol.TypeEndRequest {
			if err := checkEndRequest(rec); err != nil {
				return err
			}
		}

		req, known := c.pending[rec.Header.RequestID]
		switch {
		case !known:
			c.log.Warn().
				Uint16("request_id", rec.Header.RequestID).
				Stringer("type", rec.Header.Type).
				Msg("record for unknown request id, possibly a stale reply on a reused connection")
		case rec.Header.Type == protocol.TypeStdout:
			req.stdout.Write(rec.Content)
		case rec.Header.Type == protocol.TypeStderr:
			req.stderr.Write(rec.Content)
		case rec.Header.Type == protocol.TypeEndRequest:
			req.done = true
			req.appStatus = binary.BigEndian.Uint32(rec.Content[0:4])
			delete(c.pending, rec.Header.RequestID)
			observability.RecordRequestCompleted(protocol.ProtoStatus(rec.Content[4]).String(), time.Since(req.issuedAt))
			if rec.Header.RequestID == id {
				return nil
			}
		default:
			c.log.Debug().
				Uint16("request_id", rec.Header.RequestID).
				Stringer("type", rec.Header.Type).
				Msg("ignoring record type")
		}
	}
}

// checkEndRequest inspects the protocol-level status byte of an END_REQUEST
// record. CANT_MPX_CONN, OVERLOADED and UNKNOWN_ROLE mean the server
// rejected the connection's request as a whole, not just one id.
func checkEndRequest(rec record.Record) error {
	if len(rec.Content) < 5 {
		return fmt.Errorf("%w: malformed END_REQUEST body (%d bytes)", ErrCommunication, len(rec.Content))
	}
	switch status := protocol.ProtoStatus(rec.Content[4]); status {
	case protocol.StatusRequestComplete:
		return nil
	case protocol.StatusCantMultiplex:
		return fmt.Errorf("%w: server cannot multiplex this connection", ErrCommunication)
	case protocol.StatusOverloaded:
		return fmt.Errorf("%w: server is overloaded", ErrCommunication)
	case protocol.StatusUnknownRole:
		return fmt.Errorf("%w: server does not support the requested role", ErrCommunication)
	default:
		return fmt.Errorf("%w: unknown END_REQUEST protocol status %d", ErrCommunication, status)
	}
}

// write sends buf under the connection-wide write timeout. Callers hold
// c.mu with the socket open.
func (c *Client) write(buf []byte) error {
	deadline := time.Time{}
	if c.cfg.Timeout > 0 {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set write deadline: %v", ErrCommunication, err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: write: %v", ErrCommunication, err)
	}
	return nil
}

// setReadDeadline applies the wait deadline when one is set, else the
// connection-wide default, else no bound.
func (c *Client) setReadDeadline(deadline time.Time) error {
	if deadline.IsZero() && c.cfg.Timeout > 0 {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set read deadline: %v", ErrCommunication, err)
	}
	return nil
}

func (c *Client) readFailure(err error) error {
	if isTimeout(err) {
		observability.RecordWaitTimeout()
		return fmt.Errorf("%w: %v", ErrTimedOut, err)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: server closed the connection", ErrCommunication)
	}
	return fmt.Errorf("%w: read record: %v", ErrCommunication, err)
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

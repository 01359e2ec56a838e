// Package fcgitest runs a scriptable in-process FastCGI responder for
// client tests. It speaks just enough of the protocol to exercise the
// client: it collects BEGIN_REQUEST/PARAMS/STDIN streams per request id,
// hands each completed request to a handler, and writes back the scripted
// STDOUT/STDERR/END_REQUEST sequence.
package fcgitest

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ebernhardson/fastcgi/internal/protocol"
	"github.com/ebernhardson/fastcgi/internal/protocol/nvpair"
	"github.com/ebernhardson/fastcgi/internal/protocol/record"
)

// Received is one fully-read request as seen by the server.
type Received struct {
	ID        uint16
	Role      protocol.Role
	KeepAlive bool
	Params    map[string]string
	Stdin     []byte
}

// Exchange scripts the reply to one request.
type Exchange struct {
	Stdout      []byte
	Stderr      []byte
	AppStatus   uint32
	ProtoStatus protocol.ProtoStatus
	// Prelude is raw record bytes written before the scripted reply, for
	// example records addressed to a request id the client never issued.
	Prelude []byte
	// Delay is slept before any reply record is written.
	Delay time.Duration
	// DropEndRequest leaves the request unresolved.
	DropEndRequest bool
}

// Handler maps one received request to its scripted reply.
type Handler func(Received) Exchange

type Server struct {
	ln     net.Listener
	handle Handler

	mu     sync.Mutex
	values map[string]string
	seen   []Received

	closeOnce sync.Once
}

// Start listens on a loopback TCP port and serves until the test ends.
func Start(t *testing.T, handle Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fcgitest listen: %v", err)
	}
	return serve(t, ln, handle)
}

// StartUnix is Start on a unix-domain socket under the test temp dir.
func StartUnix(t *testing.T, handle Handler) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fcgi.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("fcgitest listen unix: %v", err)
	}
	return serve(t, ln, handle)
}

func serve(t *testing.T, ln net.Listener, handle Handler) *Server {
	s := &Server{ln: ln, handle: handle, values: map[string]string{}}
	t.Cleanup(s.Close)
	go s.acceptLoop()
	return s
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		_ = s.ln.Close()
	})
}

// Addr returns the listen address, a host:port for TCP listeners and a
// socket path for unix listeners.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// HostPort splits a TCP listen address for client configuration.
func (s *Server) HostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatalf("fcgitest addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("fcgitest port: %v", err)
	}
	return host, port
}

// SetValues scripts the GET_VALUES_RESULT reply.
func (s *Server) SetValues(values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = values
}

// Seen returns the requests completed so far in arrival order.
func (s *Server) Seen() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.seen))
	copy(out, s.seen)
	return out
}

type inflight struct {
	role      protocol.Role
	keepAlive bool
	params    []byte
	stdin     []byte
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	pending := make(map[uint16]*inflight)
	for {
		rec, err := record.ReadRecord(conn)
		if err != nil {
			return
		}
		h := rec.Header
		switch h.Type {
		case protocol.TypeBeginRequest:
			if len(rec.Content) >= 3 {
				pending[h.RequestID] = &inflight{
					role:      protocol.Role(binary.BigEndian.Uint16(rec.Content[0:2])),
					keepAlive: rec.Content[2]&protocol.FlagKeepConn != 0,
				}
			}
		case protocol.TypeParams:
			if st := pending[h.RequestID]; st != nil && len(rec.Content) > 0 {
				st.params = append(st.params, rec.Content...)
			}
		case protocol.TypeStdin:
			st := pending[h.RequestID]
			if st == nil {
				continue
			}
			if len(rec.Content) > 0 {
				st.stdin = append(st.stdin, rec.Content...)
				continue
			}
			delete(pending, h.RequestID)
			s.finish(conn, h.RequestID, st)
		case protocol.TypeGetValues:
			s.replyValues(conn, rec.Content)
		}
	}
}

func (s *Server) finish(conn net.Conn, id uint16, st *inflight) {
	req := Received{
		ID:        id,
		Role:      st.role,
		KeepAlive: st.keepAlive,
		Stdin:     st.stdin,
		Params:    map[string]string{},
	}
	if pairs, err := nvpair.DecodePairs(st.params); err == nil {
		for _, p := range pairs {
			req.Params[string(p.Name)] = string(p.Value)
		}
	}

	s.mu.Lock()
	s.seen = append(s.seen, req)
	s.mu.Unlock()

	var ex Exchange
	if s.handle != nil {
		ex = s.handle(req)
	}
	if ex.Delay > 0 {
		time.Sleep(ex.Delay)
	}

	var out []byte
	out = append(out, ex.Prelude...)
	if len(ex.Stdout) > 0 {
		out = append(out, record.Encode(protocol.TypeStdout, id, ex.Stdout)...)
	}
	out = append(out, record.Encode(protocol.TypeStdout, id, nil)...)
	if len(ex.Stderr) > 0 {
		out = append(out, record.Encode(protocol.TypeStderr, id, ex.Stderr)...)
		out = append(out, record.Encode(protocol.TypeStderr, id, nil)...)
	}
	if !ex.DropEndRequest {
		end := make([]byte, 8)
		binary.BigEndian.PutUint32(end[0:4], ex.AppStatus)
		end[4] = uint8(ex.ProtoStatus)
		out = append(out, record.Encode(protocol.TypeEndRequest, id, end)...)
	}
	_, _ = conn.Write(out)
}

func (s *Server) replyValues(conn net.Conn, content []byte) {
	asked, err := nvpair.DecodePairs(content)
	if err != nil {
		return
	}
	s.mu.Lock()
	values := s.values
	s.mu.Unlock()

	pairs := make([]nvpair.Pair, 0, len(asked))
	for _, p := range asked {
		if v, ok := values[string(p.Name)]; ok {
			pairs = append(pairs, nvpair.Pair{Name: p.Name, Value: []byte(v)})
		}
	}
	reply := record.Encode(protocol.TypeGetValuesResult, protocol.NullRequestID, nvpair.EncodePairs(pairs))
	_, _ = conn.Write(reply)
}

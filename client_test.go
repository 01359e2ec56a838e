package fastcgi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ebernhardson/fastcgi/internal/protocol"
	"github.com/ebernhardson/fastcgi/internal/protocol/record"
	"github.com/ebernhardson/fastcgi/internal/testutil/fcgitest"
	"github.com/ebernhardson/fastcgi/internal/testutil/testlog"
)

func echoHandler(req fcgitest.Received) fcgitest.Exchange {
	body := fmt.Sprintf("method=%s stdin=%s", req.Params["REQUEST_METHOD"], req.Stdin)
	return fcgitest.Exchange{
		Stdout:    []byte("Status: 200 OK\r\nContent-Type: text/plain\r\n\r\n" + body),
		AppStatus: 0,
	}
}

func TestRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv := fcgitest.Start(t, echoHandler)
	host, port := srv.HostPort(t)

	client := NewClient(ClientConfig{Host: host, Port: port, KeepAlive: true, Timeout: 5 * time.Second})
	defer client.Close()

	resp, err := client.Request(map[string]string{
		"REQUEST_METHOD":  "POST",
		"SCRIPT_FILENAME": "/srv/index.php",
	}, []byte("payload"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status code: %d", resp.StatusCode)
	}
	if got := string(resp.Body); got != "method=POST stdin=payload" {
		t.Fatalf("unexpected body: %q", got)
	}

	seen := srv.Seen()
	if len(seen) != 1 {
		t.Fatalf("expected one request on the server, got %d", len(seen))
	}
	if seen[0].Role != protocol.RoleResponder {
		t.Fatalf("unexpected role: %v", seen[0].Role)
	}
	if !seen[0].KeepAlive {
		t.Fatalf("keep-alive flag not carried")
	}
	if seen[0].ID == 0 {
		t.Fatalf("request id 0 is reserved")
	}
}

func TestRequestOverUnixSocket(t *testing.T) {
	testlog.Start(t)
	srv := fcgitest.StartUnix(t, echoHandler)

	client := NewClient(ClientConfig{Host: srv.Addr(), Timeout: 5 * time.Second})
	defer client.Close()

	resp, err := client.Request(map[string]string{"REQUEST_METHOD": "GET"}, nil)
	if err != nil {
		t.Fatalf("request over unix socket: %v", err)
	}
	if got := string(resp.Body); got != "method=GET stdin=" {
		t.Fatalf("unexpected body: %q", got)
	}
}

func TestMultiplexedRequestsResolveOutOfOrder(t *testing.T) {
	testlog.Start(t)
	srv := fcgitest.Start(t, func(req fcgitest.Received) fcgitest.Exchange {
		return fcgitest.Exchange{
			Stdout: []byte("\r\n\r\ntag=" + req.Params["TAG"]),
		}
	})
	host, port := srv.HostPort(t)

	client := NewClient(ClientConfig{Host: host, Port: port, Timeout: 5 * time.Second})
	defer client.Close()

	first, err := client.AsyncRequest(map[string]string{"TAG": "first"}, nil)
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	second, err := client.AsyncRequest(map[string]string{"TAG": "second"}, nil)
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}
	if first.ID() == second.ID() {
		t.Fatalf("outstanding requests share id %d", first.ID())
	}

	resp2, err := second.Get(5 * time.Second)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if string(resp2.Body) != "tag=second" {
		t.Fatalf("unexpected second body: %q", resp2.Body)
	}

	// Resolving the second request drained the first one too. After Close
	// no further I/O is possible, so this retrieval must come from the
	// already-accumulated state.
	if !first.Done() {
		t.Fatalf("first request should have resolved during the second wait")
	}
	client.Close()
	resp1, err := first.Get(0)
	if err != nil {
		t.Fatalf("get first after close: %v", err)
	}
	if string(resp1.Body) != "tag=first" {
		t.Fatalf("unexpected first body: %q", resp1.Body)
	}

	// Memoized result, same formatting pass.
	again, err := first.Get(0)
	if err != nil || again != resp1 {
		t.Fatalf("expected memoized result, err=%v", err)
	}
}

func TestWaitTimeoutLeavesRequestResolvable(t *testing.T) {
	testlog.Start(t)
	srv := fcgitest.Start(t, func(fcgitest.Received) fcgitest.Exchange {
		return fcgitest.Exchange{
			Stdout: []byte("\r\n\r\nlate"),
			Delay:  300 * time.Millisecond,
		}
	})
	host, port := srv.HostPort(t)

	client := NewClient(ClientConfig{Host: host, Port: port})
	defer client.Close()

	req, err := client.AsyncRequest(map[string]string{"REQUEST_METHOD": "GET"}, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := req.Get(50 * time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if req.Done() {
		t.Fatalf("timed-out request must stay unresolved")
	}

	resp, err := req.Get(5 * time.Second)
	if err != nil {
		t.Fatalf("get after timeout: %v", err)
	}
	if string(resp.Body) != "late" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
}

func TestTimeoutMidRecordKeepsStreamAligned(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// Serve one request by hand: drain the submission, then deliver the
	// reply in two writes split mid-header, with a stall long enough for
	// the client's first bounded wait to expire between them.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		rd := record.NewReader(conn)
		var id uint16
		for {
			rec, err := rd.Next()
			if err != nil {
				t.Errorf("server read: %v", err)
				return
			}
			id = rec.Header.RequestID
			if rec.Header.Type == protocol.TypeStdin && len(rec.Content) == 0 {
				break
			}
		}

		reply := record.Encode(protocol.TypeStdout, id, []byte("\r\n\r\nlate"))
		reply = append(reply, record.Encode(protocol.TypeStdout, id, nil)...)
		reply = append(reply, record.Encode(protocol.TypeEndRequest, id, make([]byte, 8))...)

		if _, err := conn.Write(reply[:4]); err != nil {
			t.Errorf("server write: %v", err)
			return
		}
		time.Sleep(300 * time.Millisecond)
		if _, err := conn.Write(reply[4:]); err != nil {
			t.Errorf("server write: %v", err)
		}
	}()

	client := NewClient(ClientConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port})
	defer client.Close()

	req, err := client.AsyncRequest(map[string]string{"REQUEST_METHOD": "GET"}, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := req.Get(50 * time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}

	// The connection already holds part of a record. A later wait must
	// pick up where the interrupted read left off, not mid-stream.
	resp, err := req.Get(5 * time.Second)
	if err != nil {
		t.Fatalf("get after mid-record timeout: %v", err)
	}
	if string(resp.Body) != "late" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
}

func TestRecordsForUnknownIDAreSkipped(t *testing.T) {
	testlog.Start(t)
	srv := fcgitest.Start(t, func(req fcgitest.Received) fcgitest.Exchange {
		stray := req.ID + 100
		prelude := record.Encode(protocol.TypeStdout, stray, []byte("stale noise"))
		end := make([]byte, 8)
		binary.BigEndian.PutUint32(end[0:4], 0)
		prelude = append(prelude, record.Encode(protocol.TypeEndRequest, stray, end)...)
		return fcgitest.Exchange{
			Prelude: prelude,
			Stdout:  []byte("\r\n\r\nreal"),
		}
	})
	host, port := srv.HostPort(t)

	client := NewClient(ClientConfig{Host: host, Port: port, Timeout: 5 * time.Second})
	defer client.Close()

	req, err := client.AsyncRequest(map[string]string{"REQUEST_METHOD": "GET"}, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp, err := req.Get(5 * time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(resp.Body) != "real" {
		t.Fatalf("stray records leaked into the response: %q", resp.Body)
	}
}

func TestStderrDoesNotMaskResult(t *testing.T) {
	testlog.Start(t)
	srv := fcgitest.Start(t, func(fcgitest.Received) fcgitest.Exchange {
		return fcgitest.Exchange{
			Stdout:    []byte("Status: 200 OK\r\n\r\ndone"),
			Stderr:    []byte("PHP Notice: something"),
			AppStatus: 7,
		}
	})
	host, port := srv.HostPort(t)

	client := NewClient(ClientConfig{Host: host, Port: port, Timeout: 5 * time.Second})
	defer client.Close()

	req, err := client.AsyncRequest(map[string]string{"REQUEST_METHOD": "GET"}, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp, err := req.Get(5 * time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(resp.Body) != "done" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
	if string(resp.Stderr) != "PHP Notice: something" {
		t.Fatalf("unexpected stderr: %q", resp.Stderr)
	}
	if !req.Done() {
		t.Fatalf("request with stderr output still completed")
	}
	if req.AppStatus() != 7 {
		t.Fatalf("unexpected app status: %d", req.AppStatus())
	}
}

func TestServerRejectionSurfacesAsCommunicationFailure(t *testing.T) {
	testlog.Start(t)
	srv := fcgitest.Start(t, func(req fcgitest.Received) fcgitest.Exchange {
		code, _ := strconv.Atoi(req.Params["REJECT"])
		return fcgitest.Exchange{ProtoStatus: protocol.ProtoStatus(code)}
	})
	host, port := srv.HostPort(t)

	for _, status := range []protocol.ProtoStatus{
		protocol.StatusCantMultiplex,
		protocol.StatusOverloaded,
		protocol.StatusUnknownRole,
	} {
		t.Run(status.String(), func(t *testing.T) {
			client := NewClient(ClientConfig{Host: host, Port: port, Timeout: 5 * time.Second})
			defer client.Close()

			req, err := client.AsyncRequest(map[string]string{
				"REQUEST_METHOD": "GET",
				"REJECT":         strconv.Itoa(int(status)),
			}, nil)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			if _, err := req.Get(5 * time.Second); !errors.Is(err, ErrCommunication) {
				t.Fatalf("expected ErrCommunication for %v, got %v", status, err)
			}
		})
	}
}

func TestGetValues(t *testing.T) {
	testlog.Start(t)
	srv := fcgitest.Start(t, nil)
	srv.SetValues(map[string]string{
		protocol.MpxsConns: "1",
		protocol.MaxReqs:   "50",
	})
	host, port := srv.HostPort(t)

	client := NewClient(ClientConfig{Host: host, Port: port, Timeout: 5 * time.Second})
	defer client.Close()

	values, err := client.GetValues([]string{protocol.MpxsConns, protocol.MaxReqs, protocol.MaxConns})
	if err != nil {
		t.Fatalf("get values: %v", err)
	}
	if values[protocol.MpxsConns] != "1" || values[protocol.MaxReqs] != "50" {
		t.Fatalf("unexpected values: %+v", values)
	}
	if _, ok := values[protocol.MaxConns]; ok {
		t.Fatalf("unscripted capability should be absent: %+v", values)
	}
}

func TestWaitForUnknownRequestFailsFast(t *testing.T) {
	testlog.Start(t)
	client := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1})
	if err := client.waitFor(42, time.Second); !errors.Is(err, ErrCommunication) {
		t.Fatalf("expected ErrCommunication, got %v", err)
	}
}

func TestAllocIDSkipsOutstandingAndZero(t *testing.T) {
	client := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1})
	client.nextID = 65533
	for _, id := range []uint16{65534, 65535, 1, 2} {
		client.pending[id] = &Request{client: client, id: id}
	}
	if got := client.allocID(); got != 3 {
		t.Fatalf("expected wrap to 3 skipping 0 and busy ids, got %d", got)
	}

	client.nextID = 9
	client.pending = map[uint16]*Request{10: {}, 11: {}}
	if got := client.allocID(); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestConnectFailureIsCommunicationFailure(t *testing.T) {
	testlog.Start(t)
	client := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1, Timeout: 200 * time.Millisecond})
	if _, err := client.AsyncRequest(map[string]string{"A": "B"}, nil); !errors.Is(err, ErrCommunication) {
		t.Fatalf("expected ErrCommunication, got %v", err)
	}
}

package fastcgi

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

var headerLine = regexp.MustCompile(`^([\w-]+):\s*(.*)$`)

// Response is the formatted result of one completed request.
type Response struct {
	// StatusCode is the leading numeric token of the Status header, 200
	// when the server emitted none.
	StatusCode int
	// Headers maps lowercase header names to values in emission order.
	// "status" is always present and always single-valued; a repeated
	// Status line replaces the stored one instead of accumulating.
	Headers map[string][]string
	// Body is everything after the header block terminator.
	Body []byte
	// Stderr is the accumulated diagnostic stream. Non-empty stderr does
	// not imply the request failed.
	Stderr []byte
}

// Header returns the first value recorded under the lowercase fold of name.
func (r *Response) Header(name string) string {
	values := r.Headers[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// ParseResponse splits accumulated stdout into an HTTP-style header block
// and body. The header block ends at the first blank line; without one the
// whole stdout is body and the default status applies. Lines that do not
// look like "name: value" are skipped.
func ParseResponse(stdout, stderr []byte) *Response {
	resp := &Response{
		StatusCode: 200,
		Headers:    map[string][]string{"status": {"200 OK"}},
		Stderr:     stderr,
	}

	head, body, found := bytes.Cut(stdout, []byte("\r\n\r\n"))
	if !found {
		resp.Body = stdout
		return resp
	}
	resp.Body = body

	for _, line := range strings.Split(string(head), "\r\n") {
		m := headerLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.ToLower(m[1])
		value := m[2]
		if name == "status" {
			resp.Headers["status"] = []string{value}
			if fields := strings.Fields(value); len(fields) > 0 {
				if code, err := strconv.Atoi(fields[0]); err == nil {
					resp.StatusCode = code
				}
			}
			continue
		}
		resp.Headers[name] = append(resp.Headers[name], value)
	}
	return resp
}

// Package fastcgi is a FastCGI client for the RESPONDER role.
//
// A Client owns one stream socket to an application server such as a
// PHP-FPM pool, reachable over TCP or a unix-domain socket. Requests are
// written eagerly as BEGIN_REQUEST / PARAMS / STDIN record sequences and
// return a Request handle; the response is resolved later by a blocking
// demultiplexing read loop. Several requests may be outstanding on one
// connection at once, and resolving one of them may fully resolve another,
// whose formatted result then becomes available without further I/O.
//
// The model is single-threaded and synchronous: a Client and its Request
// handles must not be used from multiple goroutines concurrently.
package fastcgi

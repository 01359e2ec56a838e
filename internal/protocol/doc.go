// Package protocol owns the FastCGI wire contract.
//
// Ownership boundary:
// - record type / role / protocol status enumerations
// - record framing primitives (record subpackage)
// - name-value pair primitives (nvpair subpackage)
package protocol

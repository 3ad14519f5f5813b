// Package filter holds the immutable blocklist policy consulted by the proxy.
//
// A Policy pairs a set of forbidden hosts (exact match, with optional glob
// entries) with a set of banned words matched case-insensitively as
// substrings of response chunks.
package filter

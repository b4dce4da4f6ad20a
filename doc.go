// Package pmux is the top-level entry point to the protocol multiplexing
// core: Connect/Accept perform the version handshake over a transport.UTP,
// then expose ArbContexts for spawning sub-streams of chosen integrity. A
// Connection does not expose its underlying pmc.PMC.
package pmux

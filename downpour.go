// Package downpour is a leech-oriented BitTorrent client.
// See the torrent package for the download engine.
package downpour

// Version of the client. Set during build with ldflags.
var Version = "0.0.0"

// Package relay runs one background poll loop per chat channel, each
// following a single thread and handing new posts to a Sink. The Registry
// owns the channel to session mapping and guarantees a channel never has
// two live pollers.
package relay

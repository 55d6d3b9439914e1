// Package chatapi is the non-streaming fallback for clients without a live
// channel. It mirrors the websocket operations (send, list, create-or-get
// chat, uploads, presence) over plain HTTP and feeds the same realtime
// Pipeline, so REST sends still fan out to connected sessions.
package chatapi

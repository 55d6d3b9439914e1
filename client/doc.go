// Package chatclient is the Go client for the classchat realtime protocol.
//
// A Controller owns one logical session: it dials through a Transport,
// identifies, replays remembered rooms and flushes queued sends in order.
// Connection loss moves it back to Disconnected and it redials with capped
// exponential backoff; when the cap is reached it parks in Failed until
// Reconnect is called.
//
// The Ledger keeps the optimistic timeline. Sends appear immediately as
// pending entries and are replaced in place when the canonical message comes
// back, so a message never renders twice.
package chatclient

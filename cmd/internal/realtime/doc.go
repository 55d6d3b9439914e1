// Package realtime is the server side of classchat's live messaging core.
//
// A connection enters through WSGateway, becomes a Session, identifies, and
// joins rooms in the Registry. Sends flow through the Pipeline:
// Deduplicator, then PersistenceGateway, then Dispatcher. Attachments reach
// the same pipeline only at finalize, through the AttachmentCoordinator.
//
// Everything here is process-local. Cross-process presence is mirrored to
// Redis by RedisPresenceMirror; room fanout across processes is out of scope.
package realtime

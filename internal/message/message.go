package message

// This file provides the provider-neutral message objects passed
// between the mailbox client and the ingestion pipeline.

// ID defines the properties that uniquely identify a message.
type ID struct {
	// The permanent and unique ID of a message in the mailbox.
	PermID string

	// The ID of the thread the message belongs to.  May be empty.
	ThreadID string
}

// Header is one name/value pair from a message or part header.  Names
// are kept as delivered; lookups must be case-insensitive.
type Header struct {
	Name  string
	Value string
}

// Part is a node of a message body tree.
type Part struct {
	// Media type of this part, e.g. "text/plain" or
	// "multipart/alternative".
	MimeType string

	Headers []Header

	// Base64url encoded body data carried inline by this part.
	// Empty for container parts and for attachments stored
	// out of line.
	Data string

	// Child parts, in the order the provider listed them.
	Parts []*Part
}

// Message is a fully fetched inbound message.  It exists only while
// the pipeline processes it and is never mutated.
type Message struct {
	ID

	// Label identifiers, not user visible label names.
	LabelIDs []string

	// Snapshot in time at which this record was taken.
	HistoryID uint64

	// Receipt time reported by the provider, in milliseconds since
	// the epoch.
	InternalDate int64

	// Root of the body tree.  May be nil.
	Payload *Part
}

// Headers returns the top level headers of m, or nil.
func (m *Message) Headers() []Header {
	if m == nil || m.Payload == nil {
		return nil
	}
	return m.Payload.Headers
}

// Profile defines per-account information in a mailbox.
type Profile struct {
	EmailAddress string

	// The ID of the mailbox's current history record.
	HistoryID uint64
}

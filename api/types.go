package api

const (
	// MessageIDHeader carries the optional mailbox namespace. Keysign rounds that
	// sign several messages in one session use one namespace per message.
	MessageIDHeader = "message_id"

	// MessageID2Header is a second namespace component used by setup messages of
	// combined rounds.
	MessageID2Header = "message-id"

	// SinceQueryParam filters polled messages to sequence numbers above the value.
	SinceQueryParam = "since"

	// FromQueryParam and SequenceNoQueryParam narrow an acknowledgement to the
	// copy sent by one sender under one sequence number.
	FromQueryParam       = "from"
	SequenceNoQueryParam = "sequence_no"
)

package models

// Exchange is the pair of rows created atomically by one send: the
// user's message (already sent) and the assistant placeholder awaiting
// generation.
type Exchange struct {
	UserMessage Message
	Placeholder Message
}

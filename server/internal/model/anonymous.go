package model

// Anonymous identity used when AUTH_ENABLED=false.
const (
	// AnonymousUserID is the reserved user ID for unauthenticated access.
	AnonymousUserID = "00000000-0000-0000-0000-000000000001"

	// DefaultConversationName is used for conversations created implicitly by a chat send.
	DefaultConversationName = "New Chat"
)

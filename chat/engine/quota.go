package engine

// QuotaPolicy holds the usage ceilings applied to a chat mode. A zero
// ceiling means unlimited.
type QuotaPolicy struct {
	MaxMessagesPerSession int
	MaxChatsPerOwner      int
}

// CanSend reports whether a session holding userMessages user entries
// may accept another one.
func (q QuotaPolicy) CanSend(userMessages int) bool {
	return q.MaxMessagesPerSession <= 0 || userMessages < q.MaxMessagesPerSession
}

// CanCreateChat reports whether an owner holding chats sessions may
// create another one.
func (q QuotaPolicy) CanCreateChat(chats int) bool {
	return q.MaxChatsPerOwner <= 0 || chats < q.MaxChatsPerOwner
}

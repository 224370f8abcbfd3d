package vm

// ---------------------------------------------------------------------------
// Response maps
// ---------------------------------------------------------------------------

// ResponseMapEntry associates one message pattern with the block that
// handles it and the auxiliary scope that binds its payload by name.
type ResponseMapEntry struct {
	MessageName  StringHandle
	PayloadTypes []TypeID
	ResponseBlock *Block
	AuxScope     *ScopeDescription
}

// Matches reports whether msg fits this entry's pattern.
func (e *ResponseMapEntry) Matches(msg *Message) bool {
	return msg.matchesPattern(e.MessageName, e.PayloadTypes)
}

// ResponseMap is a scope-registered collection of message-pattern to
// code-block associations. Dispatch scans a mailbox in order for the first
// message matching any entry; unmatched messages remain queued.
type ResponseMap struct {
	entries []*ResponseMapEntry
}

// NewResponseMap creates an empty response map.
func NewResponseMap() *ResponseMap { return &ResponseMap{} }

// AddEntry appends an entry.
func (m *ResponseMap) AddEntry(e *ResponseMapEntry) {
	m.entries = append(m.entries, e)
}

// Entries returns the registered entries in declaration order.
func (m *ResponseMap) Entries() []*ResponseMapEntry { return m.entries }

// Match returns the first entry matching msg, or nil.
func (m *ResponseMap) Match(msg *Message) *ResponseMapEntry {
	for _, e := range m.entries {
		if e.Matches(msg) {
			return e
		}
	}
	return nil
}

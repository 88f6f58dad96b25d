package apn

// defaultHistorySize bounds how many in-flight identifiers we remember per
// connection. The gateway only reports errors shortly after a send, so a
// small window is enough.
const defaultHistorySize = 200

type historyEntry struct {
	identifier uint32
	token      string
}

// tokenHistory maps send-time identifiers back to device tokens. The gateway's
// error frames carry only the identifier of the offending notification; this
// is the only way to recover which token it was.
//
// A fresh history is created for every successful connection, so identifiers
// restart at 1 after a reconnect.
type tokenHistory struct {
	maxSize    int
	identifier uint32
	entries    []historyEntry
}

func newTokenHistory(maxSize int) *tokenHistory {
	return &tokenHistory{maxSize: maxSize}
}

// add records token under the next identifier and returns it. The oldest
// entries are dropped to keep at most maxSize live.
func (h *tokenHistory) add(token string) uint32 {
	h.identifier++
	h.entries = append(h.entries, historyEntry{identifier: h.identifier, token: token})
	if over := len(h.entries) - h.maxSize; over > 0 {
		h.entries = h.entries[over:]
	}
	return h.identifier
}

// extractIdentifier removes and returns the token stored under identifier.
// A second call with the same identifier returns false.
func (h *tokenHistory) extractIdentifier(identifier uint32) (string, bool) {
	for i, entry := range h.entries {
		if entry.identifier == identifier {
			token := entry.token
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return token, true
		}
	}
	return "", false
}

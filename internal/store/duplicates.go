// ABOUTME: Duplicate message detection shared by the SQLite and mock stores
// ABOUTME: Groups identical content on the same endpoints created within DuplicateWindow

package store

import (
	"sort"
)

type duplicateKey struct {
	sender   string
	receiver string
	content  string
}

func keyOf(m *Message) duplicateKey {
	return duplicateKey{sender: m.SenderID, receiver: m.ReceiverID, content: m.Content}
}

// groupDuplicates returns every cluster of two or more messages sharing
// sender, receiver and content whose consecutive creation times are at most
// DuplicateWindow apart. Each group is ordered oldest first.
func groupDuplicates(msgs []*Message) [][]*Message {
	sorted := make([]*Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := keyOf(sorted[i]), keyOf(sorted[j])
		if ki != kj {
			if ki.sender != kj.sender {
				return ki.sender < kj.sender
			}
			if ki.receiver != kj.receiver {
				return ki.receiver < kj.receiver
			}
			return ki.content < kj.content
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var groups [][]*Message
	var current []*Message
	flush := func() {
		if len(current) >= 2 {
			groups = append(groups, current)
		}
		current = nil
	}

	for _, msg := range sorted {
		if len(current) > 0 {
			prev := current[len(current)-1]
			if keyOf(prev) == keyOf(msg) && msg.CreatedAt.Sub(prev.CreatedAt) <= DuplicateWindow {
				current = append(current, msg)
				continue
			}
			flush()
		}
		current = []*Message{msg}
	}
	flush()

	return groups
}

// redundantIDs lists the ids to delete from duplicate groups, keeping the
// oldest message of each group.
func redundantIDs(groups [][]*Message) []string {
	var ids []string
	for _, g := range groups {
		for _, m := range g[1:] {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

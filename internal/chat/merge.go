package chat

import (
	"log"
	"sort"

	"fieldline/internal/domain"
)

type mergeKey struct {
	channel string
	id      string
}

// Merge unifies the internal and external halves of a conversation into one
// sequence ordered ascending by timestamp. Entries are deduplicated by
// (channel, id) so ids never collide across sources; within one channel the
// last entry for an id wins. Malformed entries are dropped and logged, never
// fatal to the merge. Merge has no hidden state: the same inputs always
// produce the same output.
func Merge(internal, external []domain.Message) []domain.Message {
	seen := map[mergeKey]int{}
	var out []domain.Message
	add := func(m domain.Message) {
		if m.ID == "" || m.Channel == "" || m.Timestamp <= 0 {
			log.Printf("chat: dropping malformed message channel=%q id=%q ts=%d", m.Channel, m.ID, m.Timestamp)
			return
		}
		k := mergeKey{channel: m.Channel, id: m.ID}
		if i, ok := seen[k]; ok {
			out[i] = m
			return
		}
		seen[k] = len(out)
		out = append(out, m)
	}
	for _, m := range internal {
		add(m)
	}
	for _, m := range external {
		add(m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

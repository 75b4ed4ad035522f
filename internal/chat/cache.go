package chat

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	RoleVisitor = "visitor"
	RoleBot     = "bot"

	shardCount = 16
)

// Turn is a single line of a conversation, tagged with who said it.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (t Turn) String() string {
	switch t.Role {
	case RoleBot:
		return "Bot: " + t.Text
	default:
		return "Visitor: " + t.Text
	}
}

type entry struct {
	turns         []Turn
	lastUpdate    time.Time
	assignedAgent string
}

// Cache holds in-flight conversations keyed by the widget provider's chat ID.
// Entries are created on first append and removed only by eviction. Access is
// sharded so appends to different chats never contend on one lock, while
// appends to the same chat are serialized by its shard mutex.
type Cache struct {
	shards [shardCount]cacheShard
	now    func() time.Time
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewCache() *Cache {
	c := &Cache{now: time.Now}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
	}
	return c
}

func (c *Cache) shardFor(chatID string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return &c.shards[h.Sum32()%shardCount]
}

// Append adds a turn to the chat's transcript, creating the entry if this is
// the first turn seen for the chat. The agent hint is recorded only when the
// entry has no assigned agent yet; later hints never overwrite it. The
// returned slice is a copy and safe to read without further locking.
func (c *Cache) Append(chatID, agentHint string, turn Turn) []Turn {
	shard := c.shardFor(chatID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[chatID]
	if !ok {
		e = &entry{}
		shard.entries[chatID] = e
	}
	if e.assignedAgent == "" && agentHint != "" {
		e.assignedAgent = agentHint
	}
	e.turns = append(e.turns, turn)
	e.lastUpdate = c.now().UTC()

	return copyTurns(e.turns)
}

// SnapshotByChat returns a copy of the chat's transcript, or an empty slice
// when the chat ID is unknown. Unknown is not an error.
func (c *Cache) SnapshotByChat(chatID string) []Turn {
	shard := c.shardFor(chatID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[chatID]
	if !ok {
		return []Turn{}
	}
	return copyTurns(e.turns)
}

// SnapshotByAgent returns the transcripts of every chat assigned to the given
// agent email, compared case-insensitively. Chats without an assigned agent
// are never returned.
func (c *Cache) SnapshotByAgent(agentEmail string) map[string][]Turn {
	out := make(map[string][]Turn)
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for chatID, e := range shard.entries {
			if e.assignedAgent == "" {
				continue
			}
			if !strings.EqualFold(e.assignedAgent, agentEmail) {
				continue
			}
			out[chatID] = copyTurns(e.turns)
		}
		shard.mu.Unlock()
	}
	return out
}

// AssignedAgent returns the agent recorded for the chat, if any.
func (c *Cache) AssignedAgent(chatID string) string {
	shard := c.shardFor(chatID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[chatID]
	if !ok {
		return ""
	}
	return e.assignedAgent
}

// EvictOlderThan removes every entry whose last update precedes the cutoff
// and reports how many were removed.
func (c *Cache) EvictOlderThan(cutoff time.Time) int {
	evicted := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for chatID, e := range shard.entries {
			if e.lastUpdate.Before(cutoff) {
				delete(shard.entries, chatID)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}

// Len reports the number of live entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}

// Prompt renders a transcript the way the completion API expects it, one
// "Visitor:"/"Bot:" line per turn.
func Prompt(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, turn.String())
	}
	return strings.Join(lines, "\n")
}

func copyTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

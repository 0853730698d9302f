package raft

import (
	"sort"
	"sync"
)

// commitment tracks the match indexes acknowledged by each voter and
// advances the commit index once a quorum has durably stored an entry.
type commitment struct {
	sync.Mutex

	// commitCh is notified (size 1, non-blocking) when commitIndex advances
	commitCh chan struct{}

	matchIndexes map[ServerID]uint64
	commitIndex  uint64

	// startIndex is the first index of the current term; entries from prior
	// terms are never committed by counting (only carried along)
	startIndex uint64
}

func newCommitment(commitCh chan struct{}, configuration Configuration, startIndex uint64) *commitment {
	matchIndexes := make(map[ServerID]uint64)
	for _, server := range configuration.Servers {
		matchIndexes[server.ID] = 0
	}
	return &commitment{
		commitCh:     commitCh,
		matchIndexes: matchIndexes,
		commitIndex:  0,
		startIndex:   startIndex,
	}
}

// setConfiguration is called on membership changes; match progress for
// servers no longer in the configuration is discarded.
func (c *commitment) setConfiguration(configuration Configuration) {
	c.Lock()
	defer c.Unlock()
	oldMatchIndexes := c.matchIndexes
	c.matchIndexes = make(map[ServerID]uint64)
	for _, server := range configuration.Servers {
		c.matchIndexes[server.ID] = oldMatchIndexes[server.ID]
	}
	c.recalculate()
}

func (c *commitment) getCommitIndex() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.commitIndex
}

// match records that a server has durably stored entries up through
// matchIndex.
func (c *commitment) match(server ServerID, matchIndex uint64) {
	c.Lock()
	defer c.Unlock()
	if prev, hasVote := c.matchIndexes[server]; hasVote && matchIndex > prev {
		c.matchIndexes[server] = matchIndex
		c.recalculate()
	}
}

// recalculate is called with the lock held.
func (c *commitment) recalculate() {
	if len(c.matchIndexes) == 0 {
		return
	}

	matched := make([]uint64, 0, len(c.matchIndexes))
	for _, idx := range c.matchIndexes {
		matched = append(matched, idx)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
	quorumMatchIndex := matched[(len(matched)-1)/2]

	if quorumMatchIndex > c.commitIndex && quorumMatchIndex >= c.startIndex {
		c.commitIndex = quorumMatchIndex
		asyncNotifyCh(c.commitCh)
	}
}

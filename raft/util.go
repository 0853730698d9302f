package raft

import (
	"bytes"
	crand "crypto/rand"
	"math"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

var (
	seedOnce sync.Once
)

func init() {
	seedOnce.Do(func() {
		n, err := crand.Int(crand.Reader, big.NewInt(math.MaxInt64))
		if err != nil {
			panic("failed to seed math/rand: " + err.Error())
		}
		rand.Seed(n.Int64())
	})
}

// randomTimeout returns a timer channel between minVal and 2*minVal, used to
// desynchronize elections.
func randomTimeout(minVal time.Duration) <-chan time.Time {
	if minVal == 0 {
		return nil
	}
	extra := time.Duration(rand.Int63()) % minVal
	return time.After(minVal + extra)
}

// backoff computes capped exponential backoff for replication failures.
func backoff(base time.Duration, round, limit uint64) time.Duration {
	power := min(round, limit)
	for power > 2 {
		base *= 2
		power--
	}
	return base
}

func min(a, b uint64) uint64 {
	if a <= b {
		return a
	}
	return b
}

func max(a, b uint64) uint64 {
	if a >= b {
		return a
	}
	return b
}

// asyncNotifyCh posts to a size-1 channel without blocking; coalesces
// redundant notifications.
func asyncNotifyCh(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// overrideNotifyBool posts v to a size-1 bool channel, replacing any queued
// stale value.
func overrideNotifyBool(ch chan bool, v bool) {
	select {
	case ch <- v:
	case <-ch:
		select {
		case ch <- v:
		default:
			panic("race: channel was sent concurrently")
		}
	}
}

var rpcMsgpackHandle = &codec.MsgpackHandle{}

func decodeMsgPack(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), rpcMsgpackHandle).Decode(out)
}

func encodeMsgPack(in interface{}) (*bytes.Buffer, error) {
	buf := bytes.NewBuffer(nil)
	err := codec.NewEncoder(buf, rpcMsgpackHandle).Encode(in)
	return buf, err
}

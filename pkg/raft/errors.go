package raft

import "errors"

var (
	// ErrNotLeader names the "this node is not the leader" condition.
	// Submit does not return it: it reports that case as StatusNotLeader
	// with a nil error.
	ErrNotLeader = errors.New("raft: not the leader")
	// ErrTimeout names an RPC that did not complete within its deadline.
	// The transports return their own wrapped errors instead of it.
	ErrTimeout = errors.New("raft: rpc timed out")
	// ErrStopped names a stopped node. Submit does not check whether the
	// node has been stopped and does not return it.
	ErrStopped = errors.New("raft: node stopped")
	// ErrNoQuorum names a replication round that failed to reach a
	// majority. Submit reports that case as StatusFailed with a nil error.
	ErrNoQuorum = errors.New("raft: failed to reach quorum")
)

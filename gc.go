// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import "time"

// scheduleGC arms the recurring garbage-collection sweep to fire after d.
// Must be called with n.mu held.
func (n *Node) scheduleGC(d time.Duration) {
	n.gcTimer = time.AfterFunc(d, func() {
		n.withLock(n.runGC)
	})
}

// runGC performs one garbage-collection sweep, per section 4.5: reap stale
// old-connections, then reap stale idle remotes, then reschedule itself.
// Must be called with n.mu held.
func (n *Node) runGC() {
	if n.closing {
		return
	}
	n.metrics.gcSweeps.Add(1)
	now := n.now()
	reuse := n.config.reuseTime()

	for cn := range n.oldConns {
		if now.Sub(cn.lastUsed) > reuse {
			delete(n.oldConns, cn)
			cn.shutdown(n, CodeShutdown)
		}
	}

	for key, rem := range n.remotes {
		if rem.blocked() {
			continue
		}
		if now.Sub(rem.lastUsed) <= reuse {
			continue
		}
		rem.abortQueues(newErr(CodeShutdown))
		rem.flags |= rmConnBlocked
		if rem.conn != nil {
			rem.conn.shutdown(n, CodeShutdown)
		}
		delete(n.remotes, key)
		n.metrics.remotesReaped.Add(1)
	}

	n.scheduleGC(fuzzedInterval(reuse/2, reuse))
}

// closeFreeRemotes tears every remote down: aborts queues, shuts down
// current connections, and (unless onlyConns) deletes the remote itself.
// Node.Close calls it with onlyConns=false; onlyConns=true shuts connections
// while leaving remotes addressable so pending sends still resolve cleanly.
// Must be called with n.mu held.
func (n *Node) closeFreeRemotes(onlyConns bool) {
	for key, rem := range n.remotes {
		rem.abortQueues(newErr(CodeShutdown))
		if rem.conn != nil {
			rem.conn.shutdown(n, CodeShutdown)
		}
		if !onlyConns {
			delete(n.remotes, key)
		}
	}
	n.debounceStack = nil
}

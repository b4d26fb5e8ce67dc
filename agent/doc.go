// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
Package agent defines the agent contract and the worker runtime that
connects agents to the coordination core.

# Overview

An Agent is one role in the RFP pipeline (orchestrator, client-data,
flight-search, proposal-analysis, communication, error-monitor). The
Registry tracks which agents are currently registered, their declared
capabilities, and their availability; the HandoffManager consults it
before routing work.

A Worker wraps one Agent in a polling loop: rate-limited dequeue from
the task queue, a terminal-workflow check that discards work whose
request already ended, execution, and ack/fail reporting. WorkerPool
runs a set of workers as one errgroup.

# Lifecycle

Worker.Run registers its agent as idle, flips it busy around each
execution, and marks it offline on the way out, so handoff validation
reflects live availability without a separate heartbeat protocol.
*/
package agent

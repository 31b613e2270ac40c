// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
)

// Status is the closed lifecycle enum for synchronized entities. The
// non-terminal states form a fixed linear progression; Completed and
// Cancelled are terminal, and Cancelled is absorbing (reachable from any
// non-terminal state).
type Status int

const (
	StatusCreated Status = iota
	StatusScheduled
	StatusEnRoute
	StatusWorking
	StatusCompleted
	StatusCancelled

	statusCount // sentinel, keep last
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusScheduled:
		return "scheduled"
	case StatusEnRoute:
		return "en_route"
	case StatusWorking:
		return "working"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus converts a wire-level status name to the closed enum
func ParseStatus(s string) (Status, error) {
	switch s {
	case "created":
		return StatusCreated, nil
	case "scheduled":
		return StatusScheduled, nil
	case "en_route":
		return StatusEnRoute, nil
	case "working":
		return StatusWorking, nil
	case "completed":
		return StatusCompleted, nil
	case "cancelled":
		return StatusCancelled, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further progression occurs from s except via
// explicit override
func (s Status) Terminal() bool {
	switch s {
	case StatusCreated, StatusScheduled, StatusEnRoute, StatusWorking:
		return false
	case StatusCompleted, StatusCancelled:
		return true
	}
	panic("fieldsync: unhandled status " + s.String())
}

// progressIndex is the position of a non-terminal state in the fixed
// progression. Panics on terminal states; callers must check Terminal first.
func (s Status) progressIndex() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusScheduled:
		return 1
	case StatusEnRoute:
		return 2
	case StatusWorking:
		return 3
	case StatusCompleted, StatusCancelled:
		panic("fieldsync: progressIndex on terminal status " + s.String())
	}
	panic("fieldsync: unhandled status " + s.String())
}

// StatusDecision identifies which side of a status merge prevailed
type StatusDecision int

const (
	StatusUseServer StatusDecision = iota
	StatusUseLocal
	StatusConflict
)

func (d StatusDecision) String() string {
	switch d {
	case StatusUseServer:
		return "use_server"
	case StatusUseLocal:
		return "use_local"
	case StatusConflict:
		return "conflict"
	}
	return fmt.Sprintf("StatusDecision(%d)", int(d))
}

// StatusMerge is the outcome of reconciling a (server, local) status pair.
// Result is meaningful only when Decision is not StatusConflict.
type StatusMerge struct {
	Decision StatusDecision
	Result   Status
}

// ReconcileStatus merges divergent lifecycle states. It is a total function
// over the closed enum: every pair maps to exactly one outcome.
//
// Rules, in order:
//  1. Equal states: no-op, server side reported as winner.
//  2. Completed on one side and Cancelled on the other: irreconcilable,
//     requires a human choice. The side claiming completion is never
//     silently discarded in favor of a cancellation, or vice versa.
//  3. Exactly one terminal side: the terminal side wins. Cancellation and
//     completion both override in-progress work.
//  4. Two non-terminal states: the higher progression index wins. A device
//     that advanced work offline is not rolled back by a stale server
//     value. Timestamps are advisory only and never consulted here.
//
// When opts.DispatcherAuthority is set, a server-side backward move between
// two pre-working states (e.g. en_route demoted to scheduled by a
// dispatcher) wins over forward progress. This is a policy switch, not an
// inference; see the repository design notes.
func ReconcileStatus(server, local Status, opts ReconcileOptions) StatusMerge {
	if server == local {
		return StatusMerge{Decision: StatusUseServer, Result: server}
	}

	serverTerminal := server.Terminal()
	localTerminal := local.Terminal()

	switch {
	case serverTerminal && localTerminal:
		// Completed vs cancelled in either direction. Both sides carry
		// information the business cannot rank automatically.
		return StatusMerge{Decision: StatusConflict, Result: server}

	case serverTerminal:
		return StatusMerge{Decision: StatusUseServer, Result: server}

	case localTerminal:
		return StatusMerge{Decision: StatusUseLocal, Result: local}

	default:
		si, li := server.progressIndex(), local.progressIndex()
		preWorking := StatusWorking.progressIndex()
		if opts.DispatcherAuthority && si < li && li < preWorking {
			return StatusMerge{Decision: StatusUseServer, Result: server}
		}
		if si > li {
			return StatusMerge{Decision: StatusUseServer, Result: server}
		}
		return StatusMerge{Decision: StatusUseLocal, Result: local}
	}
}

// AllStatuses enumerates the closed enum, used by the pairwise totality
// tests and by rule-table validation.
func AllStatuses() []Status {
	out := make([]Status, 0, int(statusCount))
	for s := Status(0); s < statusCount; s++ {
		out = append(out, s)
	}
	return out
}

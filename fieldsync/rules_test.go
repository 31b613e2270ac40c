// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStrategyFor_DefaultsToServerWins(t *testing.T) {
	require.Equal(t, StrategyServerWins, StrategyFor(EntityWorkOrder, "some_new_field"))
	require.Equal(t, StrategyServerWins, StrategyFor(EntityWorkOrder, "priority"))
	require.Equal(t, StrategyLocalWins, StrategyFor(EntityWorkOrder, "completion_report"))
	require.Equal(t, StrategyAppendMerge, StrategyFor(EntityWorkOrder, NotesField))
}

// Every entity type must have a rule table; the panic in rulesFor is
// otherwise only hit in production.
func TestRules_TotalOverEntityTypes(t *testing.T) {
	for et := EntityType(0); et < entityTypeCount; et++ {
		require.NotPanics(t, func() { rulesFor(et) }, "missing rule table for %s", et)
	}
}

// Dispatcher reassigned the job while the device held a stale copy. The
// server value wins; no conflict is raised.
func TestResolveField_ServerWins(t *testing.T) {
	out := ResolveField(EntityWorkOrder, "assignee", "bob", "alice", false, ReconcileOptions{})
	require.Equal(t, OutcomeUseServer, out.Kind)

	// Even a pending local edit loses on a server-wins field.
	out = ResolveField(EntityWorkOrder, "priority", "high", "low", true, ReconcileOptions{})
	require.Equal(t, OutcomeUseServer, out.Kind)
}

// A local-wins field beats the server only when the device actually holds
// an undelivered edit; otherwise the local value is a stale copy.
func TestResolveField_LocalWinsRequiresPendingEdit(t *testing.T) {
	out := ResolveField(EntityWorkOrder, "completion_report", "old", "fixed the pump", true, ReconcileOptions{})
	require.Equal(t, OutcomeUseLocal, out.Kind)

	out = ResolveField(EntityWorkOrder, "completion_report", "new server text", "stale", false, ReconcileOptions{})
	require.Equal(t, OutcomeUseServer, out.Kind)
}

func TestResolveField_EqualValuesNeverConflict(t *testing.T) {
	out := ResolveField(EntityWorkOrder, "completion_report", "same", "same", true, ReconcileOptions{})
	require.Equal(t, OutcomeUseServer, out.Kind)
}

// A field unknown to the rule table with a pending local edit surfaces a
// conflict instead of silently dropping the local write.
func TestResolveField_UnlistedFieldWithPendingEditConflicts(t *testing.T) {
	out := ResolveField(EntityWorkOrder, "gate_code", "1234", "9999", true, ReconcileOptions{})
	require.Equal(t, OutcomeConflict, out.Kind)

	out = ResolveField(EntityWorkOrder, "gate_code", "1234", "9999", false, ReconcileOptions{})
	require.Equal(t, OutcomeUseServer, out.Kind)
}

func TestAppendMergeText(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	merged := AppendMergeText("server note", "local note", "dev-1", at)

	require.True(t, strings.HasPrefix(merged, "server note"))
	require.Contains(t, merged, "\n---\n")
	require.Contains(t, merged, "[device dev-1 @ 2026-03-14T09:30:00Z]")
	require.True(t, strings.HasSuffix(merged, "local note"))

	// One empty side: no separator, no attribution.
	require.Equal(t, "only local", AppendMergeText("", "only local", "dev-1", at))
	require.Equal(t, "only server", AppendMergeText("only server", "", "dev-1", at))
	require.Equal(t, "same", AppendMergeText("same", "same", "dev-1", at))
}

func TestUnionMedia(t *testing.T) {
	a := MediaRef{ContentHash: "h1", URI: "file://a.jpg"}
	b := MediaRef{ContentHash: "h2", URI: "file://b.jpg"}
	c := MediaRef{ContentHash: "h3", URI: "file://c.jpg"}

	merged := UnionMedia([]MediaRef{a, b}, []MediaRef{b, c})
	require.Equal(t, []MediaRef{a, b, c}, merged)

	// Deterministic: same inputs, same order.
	require.Equal(t, merged, UnionMedia([]MediaRef{a, b}, []MediaRef{b, c}))

	// Superset property: nothing is ever removed by a merge.
	for _, m := range []MediaRef{a, b, c} {
		require.Contains(t, merged, m)
	}
}

func TestUnionMedia_DedupesByContentNotIndex(t *testing.T) {
	// Same content uploaded from two devices under different URIs but the
	// same hash collapses to one item.
	x := MediaRef{ContentHash: "same", URI: "file://device1/p.jpg", DeviceID: "dev-1"}
	y := MediaRef{ContentHash: "same", URI: "file://device2/p.jpg", DeviceID: "dev-2"}

	merged := UnionMedia([]MediaRef{x}, []MediaRef{y})
	require.Len(t, merged, 1)
	require.Equal(t, x, merged[0])
}

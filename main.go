// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔧 go-fieldsync - Offline Sync Engine for Field Service Work")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("go-fieldsync reconciles work orders edited offline on field devices")
	fmt.Println("against the server system-of-record: deterministic field-level merges,")
	fmt.Println("lifecycle-aware status resolution, and an auditable change log.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Sync Server Example (examples/fieldsync_server/)")
	fmt.Println("   Postgres-backed system-of-record with the sync HTTP API")
	fmt.Println("   Features: JWT auth, idempotent push, server-side status reconciliation")
	fmt.Println("   Run: cd examples/fieldsync_server && go run .")
	fmt.Println()

	fmt.Println("2. 📱 Device Client Example (examples/device_client/)")
	fmt.Println("   Offline-first SQLite client for a field technician's device")
	fmt.Println("   Features: durable change log, reconciliation passes, conflict surface")
	fmt.Println("   Run: cd examples/device_client && go run .")
	fmt.Println()
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	deviceIDKey contextKey = "device_id"
	userIDKey   contextKey = "user_id"
)

// SetIdentity stores the authenticated user and device in the context
func SetIdentity(ctx context.Context, userID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetUserID retrieves the authenticated user from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// GetDeviceID retrieves the authenticated device from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

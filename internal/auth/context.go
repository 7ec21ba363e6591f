// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	siteIDKey     contextKey = "site_id"
	operatorIDKey contextKey = "operator_id"
)

// SetSiteID sets the authenticated site ID in the context
func SetSiteID(ctx context.Context, siteID int32) context.Context {
	return context.WithValue(ctx, siteIDKey, siteID)
}

// GetSiteID retrieves the authenticated site ID from the context
func GetSiteID(ctx context.Context) (int32, bool) {
	siteID, ok := ctx.Value(siteIDKey).(int32)
	return siteID, ok
}

// SetOperatorID sets the admin operator ID in the context
func SetOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDKey, operatorID)
}

// GetOperatorID retrieves the admin operator ID from the context
func GetOperatorID(ctx context.Context) (string, bool) {
	operatorID, ok := ctx.Value(operatorIDKey).(string)
	return operatorID, ok
}

// LogAttrs returns the identities found in ctx as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if siteID, ok := GetSiteID(ctx); ok {
		attrs = append(attrs, "site_id", siteID)
	}
	if operatorID, ok := GetOperatorID(ctx); ok {
		attrs = append(attrs, "operator_id", operatorID)
	}
	return attrs
}

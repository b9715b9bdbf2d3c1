// Package middleware carries the HTTP cross-cutting concerns: request
// correlation, admin and device authentication, tenant resolution, body
// size limits and rate limiting.
package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/baseliner/backend/internal/core"
)

type contextKey int

const (
	correlationKey contextKey = iota
	tenantKey
	deviceKey
	deviceTokenKey
)

// WithCorrelationID stores the request correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the request correlation id, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// WithTenant stores the resolved tenant id.
func WithTenant(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantKey, id)
}

// Tenant returns the resolved tenant id, defaulting to the built-in tenant.
func Tenant(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(tenantKey).(uuid.UUID); ok {
		return id
	}
	return core.DefaultTenantID
}

// WithDevice stores the authenticated device and its token.
func WithDevice(ctx context.Context, d *core.Device, t *core.DeviceAuthToken) context.Context {
	ctx = context.WithValue(ctx, deviceKey, d)
	return context.WithValue(ctx, deviceTokenKey, t)
}

// Device returns the authenticated device, or nil on admin routes.
func Device(ctx context.Context) *core.Device {
	d, _ := ctx.Value(deviceKey).(*core.Device)
	return d
}

// DeviceToken returns the token that authenticated the device, or nil.
func DeviceToken(ctx context.Context) *core.DeviceAuthToken {
	t, _ := ctx.Value(deviceTokenKey).(*core.DeviceAuthToken)
	return t
}

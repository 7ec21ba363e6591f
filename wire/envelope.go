// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package wire

import "github.com/mobiletoly/go-sitesync/syncmodel"

// Error codes of the structured protocol.
const (
	CodeAuthenticationFailed    = "AUTHENTICATION_FAILED"
	CodeSiteHardwareMismatch    = "SITE_HARDWARE_MISMATCH"
	CodeSyncVersionNotSupported = "SYNC_VERSION_NOT_SUPPORTED"
	CodeBadRequest              = "BAD_REQUEST"
	CodeInternalError           = "INTERNAL_ERROR"
	CodeRateLimited             = "RATE_LIMITED"
)

// Structured endpoint paths.
const (
	PathSiteStatus = "/central/sync/v6/site_status"
	PathPull       = "/central/sync/v6/pull"
	PathPush       = "/central/sync/v6/push"
)

// Common authenticates every structured request.
type Common struct {
	SiteID         int32  `json:"site_id" validate:"required,gt=0"`
	PasswordSHA256 string `json:"password_sha256" validate:"required,len=64,hexadecimal"`
	HardwareID     string `json:"hardware_id"`
}

// Request is the versioned envelope of the structured protocol.
type Request[T any] struct {
	Version int    `json:"version" validate:"required"`
	Common  Common `json:"common"`
	Data    T      `json:"data"`
}

// Response carries either Data or Error.
type Response[T any] struct {
	Data  *T         `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SiteStatusRequest has no payload beyond the common header.
type SiteStatusRequest struct{}

type (
	PullEnvelope       = Request[syncmodel.PullRequest]
	PushEnvelope       = Request[syncmodel.PushRequest]
	SiteStatusEnvelope = Request[SiteStatusRequest]
)

// KindForCode maps a structured error code to the error taxonomy.
func KindForCode(code string) syncmodel.ErrorKind {
	switch code {
	case CodeAuthenticationFailed, CodeSiteHardwareMismatch:
		return syncmodel.KindAuth
	case CodeSyncVersionNotSupported:
		return syncmodel.KindVersion
	case CodeInternalError, CodeRateLimited:
		return syncmodel.KindTransport
	default:
		return syncmodel.KindProtocol
	}
}

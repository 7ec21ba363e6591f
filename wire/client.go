// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// Protocol versions spoken by the two endpoint families.
const (
	LegacyVersion     = 5
	StructuredVersion = 6
)

// Client performs authenticated batch calls against a remote sync endpoint.
// Implementations classify failures with the syncmodel error taxonomy.
type Client interface {
	Format() syncmodel.Format
	SiteStatus(ctx context.Context) (*syncmodel.SiteStatus, error)
	Pull(ctx context.Context, req syncmodel.PullRequest) (*syncmodel.PullResponse, error)
	Push(ctx context.Context, req syncmodel.PushRequest) (*syncmodel.PushResponse, error)
}

// Credentials identify a site to its peer. The password never leaves the
// process in clear text; only its SHA-256 hex digest is sent.
type Credentials struct {
	SiteID     int32
	SiteName   string
	Password   string
	HardwareID string
}

func (c Credentials) PasswordSHA256() string {
	return HashPassword(c.Password)
}

// HashPassword returns the hex SHA-256 digest sent on the wire.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// CheckVersion fails with a version error when the peer's sync version is
// outside [min, max].
func CheckVersion(status *syncmodel.SiteStatus, min, max int) error {
	if status == nil {
		return syncmodel.NewError(syncmodel.KindProtocol, "site_status", fmt.Errorf("empty site status"))
	}
	if status.SyncVersion < min || status.SyncVersion > max {
		return syncmodel.NewError(syncmodel.KindVersion, "site_status",
			fmt.Errorf("peer sync version %d outside supported range [%d, %d]", status.SyncVersion, min, max))
	}
	return nil
}

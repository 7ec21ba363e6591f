// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// Legacy endpoint paths.
const (
	LegacyPathSite    = "/sync/v5/site"
	LegacyPathRecords = "/sync/v5/records"
)

// legacyRecord is the flat per-record shape of the legacy protocol.
type legacyRecord struct {
	SyncID     string          `json:"syncID"`
	RecordType string          `json:"recordType"`
	RecordID   string          `json:"recordID"`
	SyncType   string          `json:"syncType"` // "U" or "D"
	StoreID    string          `json:"storeID,omitempty"`
	NameID     string          `json:"nameID,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type legacySiteInfo struct {
	SiteID        int32  `json:"siteId"`
	CentralSiteID int32  `json:"centralSiteId"`
	SyncVersion   int    `json:"syncVersion"`
	ServerVersion string `json:"serverVersion"`
}

type legacyPullResponse struct {
	Records   []legacyRecord `json:"records"`
	MaxCursor int64          `json:"maxCursor"`
}

type legacyPushRequest struct {
	Records []legacyRecord `json:"records"`
}

type legacyPushResponse struct {
	AcknowledgedCursor int64 `json:"acknowledgedCursor"`
}

type legacyError struct {
	Error string `json:"error"`
}

// LegacyClient speaks the flat JSON protocol with basic authentication.
type LegacyClient struct {
	t      *transport
	creds  Credentials
	logger *slog.Logger
}

var _ Client = (*LegacyClient)(nil)

func NewLegacyClient(cfg TransportConfig, creds Credentials, logger *slog.Logger) *LegacyClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &LegacyClient{t: newTransport(cfg, logger), creds: creds, logger: logger}
}

func (c *LegacyClient) Format() syncmodel.Format { return syncmodel.FormatLegacy }

func (c *LegacyClient) authenticate(req *http.Request) {
	req.SetBasicAuth(c.creds.SiteName, c.creds.PasswordSHA256())
	req.Header.Set("msupply-site-uuid", c.creds.HardwareID)
	req.Header.Set("app-name", "sitesync")
}

func (c *LegacyClient) SiteStatus(ctx context.Context) (*syncmodel.SiteStatus, error) {
	var info legacySiteInfo
	if err := c.exchange(ctx, "site_status", http.MethodGet, LegacyPathSite, nil, &info); err != nil {
		return nil, err
	}
	return &syncmodel.SiteStatus{
		SiteID:        info.SiteID,
		CentralSiteID: info.CentralSiteID,
		SyncVersion:   info.SyncVersion,
		ServerVersion: info.ServerVersion,
	}, nil
}

func (c *LegacyClient) Pull(ctx context.Context, req syncmodel.PullRequest) (*syncmodel.PullResponse, error) {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(req.Cursor, 10))
	q.Set("limit", strconv.Itoa(req.BatchSize))
	q.Set("initialised", strconv.FormatBool(req.IsInitialised))

	var resp legacyPullResponse
	if err := c.exchange(ctx, "pull", http.MethodGet, LegacyPathRecords+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	out := &syncmodel.PullResponse{MaxCursor: resp.MaxCursor, Records: make([]syncmodel.WireRecord, 0, len(resp.Records))}
	for _, r := range resp.Records {
		out.Records = append(out.Records, fromLegacyRecord(r))
	}
	c.logger.Debug("Pulled legacy batch", "cursor", req.Cursor, "records", len(out.Records), "max_cursor", out.MaxCursor)
	return out, nil
}

func (c *LegacyClient) Push(ctx context.Context, req syncmodel.PushRequest) (*syncmodel.PushResponse, error) {
	body := legacyPushRequest{Records: make([]legacyRecord, 0, len(req.Batch))}
	for _, r := range req.Batch {
		body.Records = append(body.Records, toLegacyRecord(r))
	}
	var resp legacyPushResponse
	if err := c.exchange(ctx, "push", http.MethodPost, LegacyPathRecords, body, &resp); err != nil {
		return nil, err
	}
	return &syncmodel.PushResponse{AcknowledgedCursor: resp.AcknowledgedCursor}, nil
}

func (c *LegacyClient) exchange(ctx context.Context, op, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return syncmodel.NewError(syncmodel.KindProtocol, op, fmt.Errorf("failed to encode request: %w", err))
		}
	}

	res, err := c.t.do(ctx, op, method, path, body, c.authenticate)
	if err != nil {
		return err
	}
	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return syncmodel.NewError(syncmodel.KindAuth, op, fmt.Errorf("status %d: %s", res.status, legacyMessage(res.body)))
	case res.status == http.StatusConflict:
		// Legacy servers answer 409 when the site's app version is not accepted.
		return syncmodel.NewError(syncmodel.KindVersion, op, fmt.Errorf("%s", legacyMessage(res.body)))
	case res.status != http.StatusOK:
		return syncmodel.NewError(syncmodel.KindProtocol, op, fmt.Errorf("status %d: %s", res.status, legacyMessage(res.body)))
	}
	if err := json.Unmarshal(res.body, out); err != nil {
		return syncmodel.NewError(syncmodel.KindProtocol, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func legacyMessage(body []byte) string {
	var e legacyError
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return truncate(body, 512)
}

// fromLegacyRecord never fails: a record that cannot be mapped keeps a zero
// cursor or an invalid action so the puller can buffer it as malformed.
func fromLegacyRecord(r legacyRecord) syncmodel.WireRecord {
	cursor, _ := strconv.ParseInt(r.SyncID, 10, 64)
	var action syncmodel.Action
	switch r.SyncType {
	case "U":
		action = syncmodel.ActionUpsert
	case "D":
		action = syncmodel.ActionDelete
	default:
		action = syncmodel.Action(r.SyncType)
	}
	return syncmodel.WireRecord{
		Cursor:    cursor,
		TableName: r.RecordType,
		RecordID:  r.RecordID,
		Action:    action,
		StoreID:   optional(r.StoreID),
		NameID:    optional(r.NameID),
		Data:      r.Data,
	}
}

func toLegacyRecord(r syncmodel.WireRecord) legacyRecord {
	syncType := "U"
	if r.Action == syncmodel.ActionDelete {
		syncType = "D"
	}
	out := legacyRecord{
		SyncID:     strconv.FormatInt(r.Cursor, 10),
		RecordType: r.TableName,
		RecordID:   r.RecordID,
		SyncType:   syncType,
		Data:       r.Data,
	}
	if r.StoreID != nil {
		out.StoreID = *r.StoreID
	}
	if r.NameID != nil {
		out.NameID = *r.NameID
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

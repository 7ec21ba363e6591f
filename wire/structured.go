// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// StructuredClient speaks the versioned envelope protocol.
type StructuredClient struct {
	t      *transport
	common Common
	logger *slog.Logger
}

var _ Client = (*StructuredClient)(nil)

func NewStructuredClient(cfg TransportConfig, creds Credentials, logger *slog.Logger) *StructuredClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredClient{
		t: newTransport(cfg, logger),
		common: Common{
			SiteID:         creds.SiteID,
			PasswordSHA256: creds.PasswordSHA256(),
			HardwareID:     creds.HardwareID,
		},
		logger: logger,
	}
}

func (c *StructuredClient) Format() syncmodel.Format { return syncmodel.FormatStructured }

func (c *StructuredClient) SiteStatus(ctx context.Context) (*syncmodel.SiteStatus, error) {
	return call[SiteStatusRequest, syncmodel.SiteStatus](ctx, c, "site_status", PathSiteStatus, SiteStatusRequest{})
}

func (c *StructuredClient) Pull(ctx context.Context, req syncmodel.PullRequest) (*syncmodel.PullResponse, error) {
	resp, err := call[syncmodel.PullRequest, syncmodel.PullResponse](ctx, c, "pull", PathPull, req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Pulled batch", "cursor", req.Cursor, "records", len(resp.Records), "max_cursor", resp.MaxCursor)
	return resp, nil
}

func (c *StructuredClient) Push(ctx context.Context, req syncmodel.PushRequest) (*syncmodel.PushResponse, error) {
	return call[syncmodel.PushRequest, syncmodel.PushResponse](ctx, c, "push", PathPush, req)
}

func call[Req, Resp any](ctx context.Context, c *StructuredClient, op, path string, data Req) (*Resp, error) {
	body, err := json.Marshal(Request[Req]{Version: StructuredVersion, Common: c.common, Data: data})
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindProtocol, op, fmt.Errorf("failed to encode request: %w", err))
	}

	res, err := c.t.do(ctx, op, http.MethodPost, path, body, nil)
	if err != nil {
		return nil, err
	}

	var envelope Response[Resp]
	decodeErr := json.Unmarshal(res.body, &envelope)
	if envelope.Error != nil {
		return nil, syncmodel.NewError(KindForCode(envelope.Error.Code), op,
			fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message))
	}
	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return nil, syncmodel.NewError(syncmodel.KindAuth, op, fmt.Errorf("status %d", res.status))
	case res.status != http.StatusOK:
		return nil, syncmodel.NewError(syncmodel.KindProtocol, op, fmt.Errorf("status %d: %s", res.status, truncate(res.body, 512)))
	case decodeErr != nil:
		return nil, syncmodel.NewError(syncmodel.KindProtocol, op, fmt.Errorf("failed to decode response: %w", decodeErr))
	case envelope.Data == nil:
		return nil, syncmodel.NewError(syncmodel.KindProtocol, op, fmt.Errorf("response has neither data nor error"))
	}
	return envelope.Data, nil
}

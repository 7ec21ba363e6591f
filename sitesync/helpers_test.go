package sitesync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
)

const testPartner = "central"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenSQLite(context.Background(), ":memory:", &StoreConfig{CreateDomainTables: true}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRegistry(t *testing.T) *translator.Registry {
	t.Helper()
	registry, err := translator.Default()
	require.NoError(t, err)
	return registry
}

func mustExec(t *testing.T, s *Store, query string, args ...any) {
	t.Helper()
	_, err := s.DB().Exec(query, args...)
	require.NoError(t, err)
}

func count(t *testing.T, s *Store, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow(query, args...).Scan(&n))
	return n
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func upsert(t *testing.T, cursor int64, row translator.Row) syncmodel.WireRecord {
	t.Helper()
	return syncmodel.WireRecord{
		Cursor:    cursor,
		TableName: row.TableName(),
		RecordID:  row.RowID(),
		Action:    syncmodel.ActionUpsert,
		Data:      payload(t, row),
	}
}

// seedLocal inserts a name, a store and a unit as local writes.
func seedLocal(t *testing.T, s *Store) {
	t.Helper()
	mustExec(t, s, `INSERT INTO name (id, name, code) VALUES ('n1', 'Pharmacy', 'PH')`)
	mustExec(t, s, `INSERT INTO store (id, name_id, code, site_id) VALUES ('s1', 'n1', 'S1', 2)`)
	mustExec(t, s, `INSERT INTO unit (id, name, sort_index) VALUES ('u1', 'Tablet', 1)`)
}

// fakeClient is an in-memory peer. Pull serves records above the requested
// cursor; Push records batches and acknowledges the last cursor unless ack
// is set.
type fakeClient struct {
	mu sync.Mutex

	format  syncmodel.Format
	status  *syncmodel.SiteStatus
	records []syncmodel.WireRecord

	pullErrs []error
	pushErrs []error
	ack      func(batch []syncmodel.WireRecord) int64

	statusGate chan struct{}
	entered    chan struct{}

	pullCalls   int
	pullReqs    []syncmodel.PullRequest
	pushed      [][]syncmodel.WireRecord
	statusCalls int
}

func newFakeClient(records ...syncmodel.WireRecord) *fakeClient {
	return &fakeClient{
		format:  syncmodel.FormatStructured,
		status:  &syncmodel.SiteStatus{SiteID: 2, CentralSiteID: 1, SyncVersion: 6, ServerVersion: "test"},
		records: records,
	}
}

func (c *fakeClient) Format() syncmodel.Format { return c.format }

func (c *fakeClient) SiteStatus(ctx context.Context) (*syncmodel.SiteStatus, error) {
	c.mu.Lock()
	c.statusCalls++
	gate, entered := c.statusGate, c.entered
	c.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	status := *c.status
	return &status, nil
}

func (c *fakeClient) Pull(_ context.Context, req syncmodel.PullRequest) (*syncmodel.PullResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pullCalls++
	c.pullReqs = append(c.pullReqs, req)
	if len(c.pullErrs) > 0 {
		err := c.pullErrs[0]
		c.pullErrs = c.pullErrs[1:]
		return nil, err
	}

	resp := &syncmodel.PullResponse{Records: []syncmodel.WireRecord{}}
	for _, rec := range c.records {
		if rec.Cursor > resp.MaxCursor {
			resp.MaxCursor = rec.Cursor
		}
		if rec.Cursor <= req.Cursor || len(resp.Records) >= req.BatchSize {
			continue
		}
		resp.Records = append(resp.Records, rec)
	}
	return resp, nil
}

func (c *fakeClient) Push(_ context.Context, req syncmodel.PushRequest) (*syncmodel.PushResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pushErrs) > 0 {
		err := c.pushErrs[0]
		c.pushErrs = c.pushErrs[1:]
		return nil, err
	}
	c.pushed = append(c.pushed, req.Batch)
	ack := req.Batch[len(req.Batch)-1].Cursor
	if c.ack != nil {
		ack = c.ack(req.Batch)
	}
	return &syncmodel.PushResponse{AcknowledgedCursor: ack}, nil
}

func (c *fakeClient) allPushed() []syncmodel.WireRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []syncmodel.WireRecord
	for _, batch := range c.pushed {
		out = append(out, batch...)
	}
	return out
}

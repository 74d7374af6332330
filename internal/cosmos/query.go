package cosmos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"golang.org/x/sync/errgroup"
)

const (
	headerIsQuery              = "x-ms-documentdb-isquery"
	headerEnableCrossPartition = "x-ms-documentdb-query-enablecrosspartition"
	headerPartitionKeyRangeID  = "x-ms-documentdb-partitionkeyrangeid"
	headerMaxItemCount         = "x-ms-max-item-count"
	headerContinuation         = "x-ms-continuation"

	contentTypeQuery = "application/query+json"

	defaultMaxConcurrency = 8
)

// QueryParameter binds a value to a named placeholder such as "@emb".
type QueryParameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Query is a parameterized SQL statement.
type Query struct {
	Text       string           `json:"query"`
	Parameters []QueryParameter `json:"parameters,omitempty"`
}

// QueryOptions tunes a cross-partition query.
type QueryOptions struct {
	// MaxItemsPerRange stops paging a partition key range once this many items are read.
	// Zero reads every page.
	MaxItemsPerRange int
	// MaxConcurrency bounds the number of ranges queried at once (default 8).
	MaxConcurrency int
}

// RangeResult holds the documents one partition key range returned.
type RangeResult struct {
	RangeID       string
	Items         []json.RawMessage
	RequestCharge float64
	Pages         int
	ActivityID    string
}

// QueryResponse aggregates every range of a cross-partition query.
type QueryResponse struct {
	Ranges []RangeResult
	// RequestCharge is the RU total over every page of every range.
	RequestCharge float64
}

// Items returns all documents in range order. Callers that need a global order must merge.
func (r *QueryResponse) Items() []json.RawMessage {
	var out []json.RawMessage
	for _, rr := range r.Ranges {
		out = append(out, rr.Items...)
	}
	return out
}

// ContainerClient addresses one container. Its partition key ranges are listed once and
// cached until a range query fails.
type ContainerClient struct {
	client   *Client
	database string
	id       string

	mu     sync.Mutex
	ranges []PartitionKeyRange
}

// Container returns a handle for a container; no request is made.
func (c *Client) Container(database, id string) *ContainerClient {
	return &ContainerClient{client: c, database: database, id: id}
}

func (cc *ContainerClient) ID() string       { return cc.id }
func (cc *ContainerClient) Database() string { return cc.database }

// PartitionKeyRanges lists the container's physical partitions.
func (cc *ContainerClient) PartitionKeyRanges(ctx context.Context) ([]PartitionKeyRange, error) {
	cc.mu.Lock()
	cached := cc.ranges
	cc.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var ranges []PartitionKeyRange
	continuation := ""
	for {
		req, err := cc.client.newRequest(ctx, http.MethodGet, "dbs", cc.database, "colls", cc.id, "pkranges")
		if err != nil {
			return nil, err
		}
		if continuation != "" {
			req.Raw().Header.Set(headerContinuation, continuation)
		}
		resp, err := cc.client.pl.Do(req)
		if err != nil {
			return nil, fmt.Errorf("listing partition key ranges of %s: %w", cc.id, err)
		}
		if !runtime.HasStatusCode(resp, http.StatusOK) {
			return nil, fmt.Errorf("listing partition key ranges of %s: %w", cc.id, runtime.NewResponseError(resp))
		}

		var page struct {
			PartitionKeyRanges []PartitionKeyRange `json:"PartitionKeyRanges"`
		}
		if err := runtime.UnmarshalAsJSON(resp, &page); err != nil {
			return nil, fmt.Errorf("decoding partition key ranges of %s: %w", cc.id, err)
		}
		ranges = append(ranges, page.PartitionKeyRanges...)

		continuation = resp.Header.Get(headerContinuation)
		if continuation == "" {
			break
		}
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("container %s reported no partition key ranges", cc.id)
	}

	cc.mu.Lock()
	cc.ranges = ranges
	cc.mu.Unlock()
	return ranges, nil
}

func (cc *ContainerClient) invalidateRanges() {
	cc.mu.Lock()
	cc.ranges = nil
	cc.mu.Unlock()
}

// QueryAcrossPartitions runs q against every partition key range and gathers the pages.
// The first failing range cancels the rest and its error is returned; nothing is retried.
func (cc *ContainerClient) QueryAcrossPartitions(ctx context.Context, q Query, opts *QueryOptions) (*QueryResponse, error) {
	if opts == nil {
		opts = &QueryOptions{}
	}
	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}

	ranges, err := cc.PartitionKeyRanges(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	results := make([]RangeResult, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, r := range ranges {
		g.Go(func() error {
			res, err := cc.queryRange(gctx, r.ID, body, opts.MaxItemsPerRange)
			if err != nil {
				return fmt.Errorf("querying %s range %s: %w", cc.id, r.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cc.invalidateRanges()
		return nil, err
	}

	out := &QueryResponse{Ranges: results}
	for _, r := range results {
		out.RequestCharge += r.RequestCharge
	}
	return out, nil
}

func (cc *ContainerClient) queryRange(ctx context.Context, rangeID string, body []byte, maxItems int) (RangeResult, error) {
	result := RangeResult{RangeID: rangeID}
	continuation := ""
	for {
		req, err := cc.client.newRequest(ctx, http.MethodPost, "dbs", cc.database, "colls", cc.id, "docs")
		if err != nil {
			return result, err
		}
		h := req.Raw().Header
		h.Set(headerIsQuery, "True")
		h.Set(headerEnableCrossPartition, "True")
		h.Set(headerPartitionKeyRangeID, rangeID)
		if maxItems > 0 {
			h.Set(headerMaxItemCount, strconv.Itoa(maxItems-len(result.Items)))
		}
		if continuation != "" {
			h.Set(headerContinuation, continuation)
		}
		if err := req.SetBody(streaming.NopCloser(bytes.NewReader(body)), contentTypeQuery); err != nil {
			return result, err
		}

		resp, err := cc.client.pl.Do(req)
		if err != nil {
			return result, err
		}
		if !runtime.HasStatusCode(resp, http.StatusOK) {
			return result, runtime.NewResponseError(resp)
		}

		result.RequestCharge += requestCharge(resp)
		result.Pages++
		result.ActivityID = resp.Header.Get(headerActivityID)

		var page struct {
			Documents []json.RawMessage `json:"Documents"`
		}
		if err := runtime.UnmarshalAsJSON(resp, &page); err != nil {
			return result, fmt.Errorf("decoding query page: %w", err)
		}
		result.Items = append(result.Items, page.Documents...)

		continuation = resp.Header.Get(headerContinuation)
		if continuation == "" || (maxItems > 0 && len(result.Items) >= maxItems) {
			return result, nil
		}
	}
}

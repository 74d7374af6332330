// Package cosmos is a small Azure Cosmos DB for NoSQL data-plane client: database and
// container creation, partition key range discovery and cross-partition queries.
// It is built on the Azure SDK core pipeline and signs requests with the account key.
package cosmos

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
)

const (
	moduleName    = "listingsearch/cosmos"
	moduleVersion = "v0.1.0"

	headerRequestCharge = "x-ms-request-charge"
	headerActivityID    = "x-ms-activity-id"
	headerThroughput    = "x-ms-offer-throughput"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Transport overrides the HTTP transport, e.g. with an instrumented *http.Client.
	Transport policy.Transporter
}

// Client talks to one Cosmos DB account.
type Client struct {
	endpoint string
	pl       runtime.Pipeline
}

// NewClient creates a client for the account at endpoint, authenticated with its master key.
// Pipeline retries are disabled: every failure surfaces to the caller on the first attempt.
func NewClient(endpoint, key string, opts *ClientOptions) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("cosmos: invalid endpoint %q", endpoint)
	}

	auth, err := newMasterKeyPolicy(key)
	if err != nil {
		return nil, err
	}

	clientOpts := &policy.ClientOptions{
		Retry: policy.RetryOptions{MaxRetries: -1},
	}
	if opts != nil && opts.Transport != nil {
		clientOpts.Transport = opts.Transport
	}

	pl := runtime.NewPipeline(moduleName, moduleVersion, runtime.PipelineOptions{
		PerRetry: []policy.Policy{auth},
	}, clientOpts)

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		pl:       pl,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method string, segments ...string) (*policy.Request, error) {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return runtime.NewRequest(ctx, method, runtime.JoinPaths(c.endpoint, escaped...))
}

// requestCharge reads the RU cost of a response; a missing or malformed header counts as zero.
func requestCharge(resp *http.Response) float64 {
	v, err := strconv.ParseFloat(resp.Header.Get(headerRequestCharge), 64)
	if err != nil {
		return 0
	}
	return v
}

// createdOrExists maps a create response onto (created, error); 409 Conflict means the
// resource is already there.
func createdOrExists(resp *http.Response) (bool, error) {
	switch {
	case runtime.HasStatusCode(resp, http.StatusCreated, http.StatusOK):
		return true, nil
	case runtime.HasStatusCode(resp, http.StatusConflict):
		return false, nil
	}
	return false, runtime.NewResponseError(resp)
}

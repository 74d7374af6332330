package cosmos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "dGVzdC1rZXk=" // base64("test-key")

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, testKey, &ClientOptions{Transport: srv.Client()})
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("not a url", testKey, nil)
	assert.Error(t, err)

	_, err = NewClient("https://acct.documents.azure.com:443/", "", nil)
	assert.Error(t, err)

	_, err = NewClient("https://acct.documents.azure.com:443/", "%%%not-base64", nil)
	assert.Error(t, err)

	c, err := NewClient("https://acct.documents.azure.com:443/", testKey, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://acct.documents.azure.com:443", c.endpoint)
}

func TestResourceFromPath(t *testing.T) {
	tests := []struct {
		path, typ, link string
	}{
		{"/dbs", "dbs", ""},
		{"/dbs/diskanndb", "dbs", "dbs/diskanndb"},
		{"/dbs/diskanndb/colls", "colls", "dbs/diskanndb"},
		{"/dbs/diskanndb/colls/search", "colls", "dbs/diskanndb/colls/search"},
		{"/dbs/diskanndb/colls/search/docs", "docs", "dbs/diskanndb/colls/search"},
		{"/dbs/diskanndb/colls/search/pkranges", "pkranges", "dbs/diskanndb/colls/search"},
		{"/", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			typ, link := resourceFromPath(tt.path)
			assert.Equal(t, tt.typ, typ)
			assert.Equal(t, tt.link, link)
		})
	}
}

func TestMasterKeyPolicy_SignIsStableAndEscaped(t *testing.T) {
	p, err := newMasterKeyPolicy(testKey)
	require.NoError(t, err)

	date := "Tue, 01 Oct 2024 10:00:00 GMT"
	a := p.sign("POST", "docs", "dbs/diskanndb/colls/search", date)
	b := p.sign("post", "DOCS", "dbs/diskanndb/colls/search", strings.ToLower(date))
	assert.Equal(t, a, b, "verb, type and date are case-insensitive in the signature")
	assert.True(t, strings.HasPrefix(a, "type%3Dmaster%26ver%3D1.0%26sig%3D"), a)

	c := p.sign("POST", "docs", "dbs/diskanndb/colls/search_qflat", date)
	assert.NotEqual(t, a, c, "resource link must be part of the signature")
}

func TestCreateDatabaseIfNotExists(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/dbs", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("x-ms-date"))
		assert.Equal(t, restAPIVersion, r.Header.Get("x-ms-version"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "type%3Dmaster"))

		var body DatabaseProperties
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "diskanndb", body.ID)

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"diskanndb"}`)
			return
		}
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"code":"Conflict","message":"Entity with the specified id already exists in the system."}`)
	}))

	created, err := c.CreateDatabaseIfNotExists(context.Background(), "diskanndb")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.CreateDatabaseIfNotExists(context.Background(), "diskanndb")
	require.NoError(t, err, "conflict means the database already exists")
	assert.False(t, created)
}

func TestCreateContainerIfNotExists_SendsThroughputAndPolicy(t *testing.T) {
	var got ContainerProperties
	var throughput string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dbs/diskanndb/colls", r.URL.Path)
		throughput = r.Header.Get("x-ms-offer-throughput")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{}`)
	}))

	props := ContainerProperties{
		ID:           "search_diskann",
		PartitionKey: PartitionKeyDefinition{Paths: []string{"/id"}, Kind: "Hash", Version: 2},
		IndexingPolicy: &IndexingPolicy{
			VectorIndexes: []VectorIndex{{Path: "/embedding", Type: "diskANN"}},
		},
		VectorEmbeddingPolicy: &VectorEmbeddingPolicy{VectorEmbeddings: []VectorEmbedding{{
			Path: "/embedding", DataType: "float32", DistanceFunction: "cosine", Dimensions: 1536,
		}}},
	}
	created, err := c.CreateContainerIfNotExists(context.Background(), "diskanndb", props, 50000)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "50000", throughput)
	assert.Equal(t, props, got)
}

func TestCreateContainerIfNotExists_ServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":"BadRequest","message":"vector policy invalid"}`)
	}))

	_, err := c.CreateContainerIfNotExists(context.Background(), "diskanndb", ContainerProperties{ID: "search"}, 0)
	require.Error(t, err)
	var respErr *azcore.ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusBadRequest, respErr.StatusCode)
}

func TestReadContainer(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/dbs/diskanndb/colls/search_qflat", r.URL.Path)
		fmt.Fprint(w, `{"id":"search_qflat","partitionKey":{"paths":["/id"],"kind":"Hash","version":2},
			"indexingPolicy":{"indexingMode":"consistent","vectorIndexes":[{"path":"/embedding","type":"quantizedFlat"}]}}`)
	}))

	props, err := c.ReadContainer(context.Background(), "diskanndb", "search_qflat")
	require.NoError(t, err)
	assert.Equal(t, "search_qflat", props.ID)
	require.NotNil(t, props.IndexingPolicy)
	assert.Equal(t, "quantizedFlat", props.IndexingPolicy.VectorIndexes[0].Type)
}

func (f *fakeContainer) setFailRange(id string) {
	f.mu.Lock()
	f.failRange = id
	f.mu.Unlock()
}

func (f *fakeContainer) partitionListings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pkCalls
}

// fakeContainer serves pkranges and per-range query pages for a single container.
type fakeContainer struct {
	mu        sync.Mutex
	pkCalls   int
	queries   []string
	failRange string
}

func (f *fakeContainer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/pkranges"):
		f.mu.Lock()
		f.pkCalls++
		f.mu.Unlock()
		fmt.Fprint(w, `{"PartitionKeyRanges":[{"id":"0","minInclusive":"","maxExclusive":"7F"},{"id":"1","minInclusive":"7F","maxExclusive":"FF"}]}`)
	case strings.HasSuffix(r.URL.Path, "/docs"):
		if r.Header.Get(headerIsQuery) != "True" || r.Header.Get("Content-Type") != contentTypeQuery {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		rangeID := r.Header.Get(headerPartitionKeyRangeID)
		f.mu.Lock()
		f.queries = append(f.queries, rangeID+":"+r.Header.Get(headerContinuation))
		failRange := f.failRange
		f.mu.Unlock()

		if rangeID == failRange {
			w.Header().Set(headerRequestCharge, "1.5")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"code":"TooManyRequests","message":"Request rate is large"}`)
			return
		}

		var q Query
		if err := json.Unmarshal(body, &q); err != nil || len(q.Parameters) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch {
		case rangeID == "0":
			w.Header().Set(headerRequestCharge, "3.25")
			fmt.Fprint(w, `{"Documents":[{"id":"a"},{"id":"b"}],"_count":2}`)
		case rangeID == "1" && r.Header.Get(headerContinuation) == "":
			w.Header().Set(headerRequestCharge, "2")
			w.Header().Set(headerContinuation, "page-2")
			fmt.Fprint(w, `{"Documents":[{"id":"c"}],"_count":1}`)
		default:
			w.Header().Set(headerRequestCharge, "1")
			fmt.Fprint(w, `{"Documents":[{"id":"d"}],"_count":1}`)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testQuery() Query {
	return Query{
		Text: "SELECT TOP @num_results l.id FROM l",
		Parameters: []QueryParameter{
			{Name: "@num_results", Value: 10},
			{Name: "@emb", Value: []float32{0.1, 0.2}},
		},
	}
}

func TestQueryAcrossPartitions_FansOutAndSumsCharge(t *testing.T) {
	fake := &fakeContainer{}
	c := newTestClient(t, fake)
	cc := c.Container("diskanndb", "search")

	resp, err := cc.QueryAcrossPartitions(context.Background(), testQuery(), &QueryOptions{MaxItemsPerRange: 10})
	require.NoError(t, err)

	require.Len(t, resp.Ranges, 2)
	assert.Equal(t, "0", resp.Ranges[0].RangeID)
	assert.Equal(t, "1", resp.Ranges[1].RangeID)
	assert.Equal(t, 2, resp.Ranges[1].Pages, "range 1 follows its continuation")
	assert.Len(t, resp.Items(), 4)
	assert.InDelta(t, 6.25, resp.RequestCharge, 1e-9)
}

func TestQueryAcrossPartitions_StopsAtMaxItems(t *testing.T) {
	fake := &fakeContainer{}
	c := newTestClient(t, fake)

	resp, err := c.Container("diskanndb", "search").QueryAcrossPartitions(context.Background(), testQuery(), &QueryOptions{MaxItemsPerRange: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Ranges[1].Pages, "range 1 must not fetch a second page once the limit is reached")
}

func TestQueryAcrossPartitions_CachesRanges(t *testing.T) {
	fake := &fakeContainer{}
	c := newTestClient(t, fake)
	cc := c.Container("diskanndb", "search")

	for i := 0; i < 3; i++ {
		_, err := cc.QueryAcrossPartitions(context.Background(), testQuery(), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.partitionListings())
}

func TestQueryAcrossPartitions_RangeFailure(t *testing.T) {
	fake := &fakeContainer{failRange: "1"}
	c := newTestClient(t, fake)
	cc := c.Container("diskanndb", "search")

	_, err := cc.QueryAcrossPartitions(context.Background(), testQuery(), nil)
	require.Error(t, err)

	var respErr *azcore.ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusTooManyRequests, respErr.StatusCode)

	// a failed query drops the cached ranges so the next one relists them
	fake.setFailRange("")
	_, err = cc.QueryAcrossPartitions(context.Background(), testQuery(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.partitionListings())
}

func TestQueryAcrossPartitions_NoRanges(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"PartitionKeyRanges":[]}`)
	}))
	_, err := c.Container("diskanndb", "search").QueryAcrossPartitions(context.Background(), testQuery(), nil)
	assert.Error(t, err)
}

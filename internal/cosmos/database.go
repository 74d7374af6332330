package cosmos

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
)

// CreateDatabaseIfNotExists creates the database and reports whether it was newly created.
func (c *Client) CreateDatabaseIfNotExists(ctx context.Context, id string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "dbs")
	if err != nil {
		return false, err
	}
	if err := runtime.MarshalAsJSON(req, DatabaseProperties{ID: id}); err != nil {
		return false, fmt.Errorf("encoding database %s: %w", id, err)
	}

	resp, err := c.pl.Do(req)
	if err != nil {
		return false, fmt.Errorf("creating database %s: %w", id, err)
	}
	created, err := createdOrExists(resp)
	if err != nil {
		return false, fmt.Errorf("creating database %s: %w", id, err)
	}
	return created, nil
}

// CreateContainerIfNotExists creates a container with a manual throughput reservation
// (throughput <= 0 leaves it unset) and reports whether it was newly created. An existing
// container is left untouched.
func (c *Client) CreateContainerIfNotExists(ctx context.Context, database string, props ContainerProperties, throughput int) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "dbs", database, "colls")
	if err != nil {
		return false, err
	}
	if throughput > 0 {
		req.Raw().Header.Set(headerThroughput, strconv.Itoa(throughput))
	}
	if err := runtime.MarshalAsJSON(req, props); err != nil {
		return false, fmt.Errorf("encoding container %s: %w", props.ID, err)
	}

	resp, err := c.pl.Do(req)
	if err != nil {
		return false, fmt.Errorf("creating container %s: %w", props.ID, err)
	}
	created, err := createdOrExists(resp)
	if err != nil {
		return false, fmt.Errorf("creating container %s: %w", props.ID, err)
	}
	return created, nil
}

// ReadContainer fetches the stored definition of a container.
func (c *Client) ReadContainer(ctx context.Context, database, id string) (*ContainerProperties, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "dbs", database, "colls", id)
	if err != nil {
		return nil, err
	}
	resp, err := c.pl.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reading container %s: %w", id, err)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return nil, fmt.Errorf("reading container %s: %w", id, runtime.NewResponseError(resp))
	}

	var props ContainerProperties
	if err := runtime.UnmarshalAsJSON(resp, &props); err != nil {
		return nil, fmt.Errorf("decoding container %s: %w", id, err)
	}
	return &props, nil
}

// ReadDatabase checks that a database is reachable; used by health checks.
func (c *Client) ReadDatabase(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodGet, "dbs", id)
	if err != nil {
		return err
	}
	resp, err := c.pl.Do(req)
	if err != nil {
		return fmt.Errorf("reading database %s: %w", id, err)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return fmt.Errorf("reading database %s: %w", id, runtime.NewResponseError(resp))
	}
	return nil
}

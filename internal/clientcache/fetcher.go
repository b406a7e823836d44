package clientcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stderrors "site-expansion/internal/common/errors"
	httpclient "site-expansion/internal/common/http"
	"site-expansion/internal/models"
)

type DatasetFetcher interface {
	Fetch(ctx context.Context) (*models.StoreDataset, error)
}

// HTTPDatasetFetcher reads {version, records} from a dataset endpoint.
type HTTPDatasetFetcher struct {
	url  string
	http *httpclient.Client
}

func NewHTTPDatasetFetcher(url string, timeout time.Duration) (*HTTPDatasetFetcher, error) {
	if url == "" {
		return nil, errors.New("dataset url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDatasetFetcher{url: url, http: httpclient.NewClient(timeout)}, nil
}

func (f *HTTPDatasetFetcher) Fetch(ctx context.Context) (*models.StoreDataset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.DoWithContext(ctx, req)
	if err != nil {
		return nil, stderrors.NewDatasetFetchFailedError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, stderrors.NewDatasetFetchFailedError(fmt.Errorf("dataset endpoint returned status %d", resp.StatusCode))
	}

	var dataset models.StoreDataset
	if err := json.NewDecoder(resp.Body).Decode(&dataset); err != nil {
		return nil, stderrors.NewDatasetFetchFailedError(fmt.Errorf("decode dataset: %w", err))
	}
	for i, r := range dataset.Records {
		if r.ID == "" {
			return nil, stderrors.NewDatasetFetchFailedError(fmt.Errorf("record %d has no id", i))
		}
	}
	return &dataset, nil
}

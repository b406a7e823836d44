package generateexpansion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	stderrors "site-expansion/internal/common/errors"
	httpclient "site-expansion/internal/common/http"
	"site-expansion/internal/models"
)

// DatasetCandidateSource uses the candidates carried in the params and
// otherwise fetches the scope's candidates from a dataset endpoint.
type DatasetCandidateSource struct {
	baseURL string
	http    *httpclient.Client
}

func NewDatasetCandidateSource(baseURL string, timeout time.Duration) (*DatasetCandidateSource, error) {
	if baseURL == "" {
		return nil, errors.New("candidates dataset url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DatasetCandidateSource{baseURL: baseURL, http: httpclient.NewClient(timeout)}, nil
}

type candidateDataset struct {
	Candidates []models.CandidateSite `json:"candidates"`
}

func (s *DatasetCandidateSource) Candidates(ctx context.Context, params *models.JobParams) ([]models.CandidateSite, error) {
	if len(params.Candidates) > 0 {
		return params.Candidates, nil
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse candidates dataset url: %w", err)
	}
	q := u.Query()
	q.Set("scope", params.Scope)
	q.Set("dataMode", params.DataMode)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.DoWithContext(ctx, req)
	if err != nil {
		return nil, stderrors.NewDatasetFetchFailedError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, stderrors.NewDatasetFetchFailedError(fmt.Errorf("candidates dataset returned status %d", resp.StatusCode))
	}

	var dataset candidateDataset
	if err := json.NewDecoder(resp.Body).Decode(&dataset); err != nil {
		return nil, stderrors.NewDatasetFetchFailedError(fmt.Errorf("decode candidates: %w", err))
	}
	if len(dataset.Candidates) == 0 {
		return nil, fmt.Errorf("no candidate sites for scope %q", params.Scope)
	}
	return dataset.Candidates, nil
}

package cellstore

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
)

// HTTPSource reads an index served over HTTP, one request per file.
type HTTPSource struct {
	base   string
	client *http.Client
	logger logging.Logger
}

// NewHTTPSource returns a source reading from baseURL. A nil client uses http.DefaultClient.
func NewHTTPSource(baseURL string, client *http.Client, logger logging.Logger) (*HTTPSource, error) {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, errors.Errorf("not an http url %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{base: strings.TrimSuffix(baseURL, "/"), client: client, logger: logger}, nil
}

func (s *HTTPSource) String() string {
	return s.base
}

func (s *HTTPSource) get(ctx context.Context, key, what string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/"+key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s", what)
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(ErrNotFound, "%s at %s", what, s.base)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("fetching %s: unexpected status %s", what, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", what)
	}
	return data, nil
}

// LoadMetadata implements Source.
func (s *HTTPSource) LoadMetadata(ctx context.Context) (*lod.Metadata, error) {
	data, err := s.get(ctx, MetadataFileName, "metadata")
	if err != nil {
		return nil, err
	}
	return lod.UnmarshalMetadata(data)
}

// LoadCell implements Source.
func (s *HTTPSource) LoadCell(ctx context.Context, id lod.CellID, subGridDimension uint32) (*lod.Cell, error) {
	data, err := s.get(ctx, CellKey(id), "cell "+id.String())
	if err != nil {
		return nil, err
	}
	return decodeCell(data, id, subGridDimension, s.logger)
}

// Close releases idle connections.
func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

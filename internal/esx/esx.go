// Package esx ships per-visit event documents to Elasticsearch for offline
// analytics. The service works fully without it.
package esx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	es8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/samber/lo"

	"artpulse/internal/config"
)

type Client = es8.Client

func Open(cfg *config.Config) (*Client, func(), error) {
	if strings.TrimSpace(cfg.ES.Addrs) == "" {
		return nil, func() {}, nil
	}
	raw := strings.Split(cfg.ES.Addrs, ",")
	addrs := lo.FilterMap(raw, func(s string, _ int) (string, bool) {
		t := strings.TrimSpace(s)
		return t, t != ""
	})
	es, err := es8.NewClient(es8.Config{Addresses: addrs, Username: cfg.ES.Username, Password: cfg.ES.Password})
	if err != nil {
		return nil, func() {}, err
	}
	return es, func() {}, nil
}

// VisitDoc is one recorded visit, bucketed by local day.
type VisitDoc struct {
	ID        string `json:"id"`
	Day       string `json:"day"` // 2006-01-02
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

func IndexVisit(ctx context.Context, es *Client, index string, doc VisitDoc) error {
	if es == nil {
		return nil
	}
	b, _ := json.Marshal(doc)
	res, err := es.Index(index, bytes.NewReader(b),
		es.Index.WithDocumentID(doc.ID),
		es.Index.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("es error: %s", esError(res))
	}
	return nil
}

func esError(res *esapi.Response) string { return res.String() }

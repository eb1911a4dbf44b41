package assets

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"slices"
)

// listBucketResult is the subset of an S3 ListObjectsV2 reply used here.
type listBucketResult struct {
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
}

// list returns every key under kind.Prefix that matches kind.Pattern,
// following continuation tokens across pages.
func (r *Resolver) list(ctx context.Context, kind Kind) ([]string, error) {
	var keys []string
	token := ""
	for {
		page, err := r.listPage(ctx, kind.Prefix, token)
		if err != nil {
			return nil, err
		}
		for _, c := range page.Contents {
			if kind.Pattern.MatchString(c.Key) {
				keys = append(keys, c.Key)
			}
		}
		if page.NextContinuationToken == "" {
			return keys, nil
		}
		token = page.NextContinuationToken
	}
}

func (r *Resolver) listPage(ctx context.Context, prefix, token string) (*listBucketResult, error) {
	q := url.Values{}
	q.Set("prefix", prefix)
	q.Set("list-type", "2")
	if token != "" {
		q.Set("continuation-token", token)
	}
	u := r.listURL + "/?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build listing request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrDownload, prefix, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list %s: %s", ErrDownload, prefix, resp.Status)
	}

	var page listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode listing for %s: %w", prefix, err)
	}
	return &page, nil
}

// newest picks the lexicographically greatest key.
func newest(keys []string) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	return slices.Max(keys), true
}

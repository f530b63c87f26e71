package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const collectionPropfind = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">
  <d:prop>
    <cs:getctag/>
    <ic:calendar-color/>
  </d:prop>
</d:propfind>`

// collectionProps are the collection properties go-webdav does not expose.
type collectionProps struct {
	CTag  string
	Color string
}

type multistatus struct {
	XMLName   xml.Name `xml:"DAV: multistatus"`
	Responses []struct {
		Href     string `xml:"DAV: href"`
		Propstat []struct {
			Prop struct {
				CTag  string `xml:"http://calendarserver.org/ns/ getctag"`
				Color string `xml:"http://apple.com/ns/ical/ calendar-color"`
			} `xml:"DAV: prop"`
			Status string `xml:"DAV: status"`
		} `xml:"DAV: propstat"`
	} `xml:"DAV: response"`
}

// collectionProps issues a PROPFIND for the ctag and color of the collection
// at p (depth "0") or of its children (depth "1"). Results are keyed by path.
func (c *Client) collectionProps(ctx context.Context, p, depth string) (map[string]collectionProps, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", c.resolve(p), strings.NewReader(collectionPropfind))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", depth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("propfind %s: unexpected status %d", p, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read propfind response: %w", err)
	}
	return parseCollectionProps(body)
}

func parseCollectionProps(body []byte) (map[string]collectionProps, error) {
	var ms multistatus
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&ms); err != nil {
		return nil, fmt.Errorf("failed to decode propfind response: %w", err)
	}

	out := make(map[string]collectionProps, len(ms.Responses))
	for _, r := range ms.Responses {
		var props collectionProps
		for _, ps := range r.Propstat {
			if ps.Status != "" && !strings.Contains(ps.Status, " 200 ") {
				continue
			}
			if ps.Prop.CTag != "" {
				props.CTag = strings.TrimSpace(ps.Prop.CTag)
			}
			if ps.Prop.Color != "" {
				props.Color = normalizeColor(ps.Prop.Color)
			}
		}
		out[hrefPath(r.Href)] = props
	}
	return out, nil
}

// hrefPath reduces an href, which may be an absolute URL, to its path.
func hrefPath(href string) string {
	href = strings.TrimSpace(href)
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		return u.Path
	}
	return href
}

// normalizeColor trims the alpha channel Apple appends ("#RRGGBBAA").
func normalizeColor(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 9 && strings.HasPrefix(s, "#") {
		return s[:7]
	}
	return s
}

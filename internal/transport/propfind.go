package transport

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">
  <d:prop>
    <d:getetag/>
    <d:getlastmodified/>
    <d:getcontentlength/>
    <d:resourcetype/>
    <oc:id/>
    <oc:permissions/>
  </d:prop>
</d:propfind>`

// DirEntry is one resource from a PROPFIND listing.
type DirEntry struct {
	Path         string // relative to the WebDAV root
	IsDirectory  bool
	ETag         string
	FileID       string
	Permissions  string
	Size         int64
	LastModified string
}

type multistatus struct {
	XMLName   xml.Name   `xml:"multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href      string     `xml:"href"`
	Propstats []propstat `xml:"propstat"`
}

type propstat struct {
	Status string `xml:"status"`
	Prop   prop   `xml:"prop"`
}

type prop struct {
	ETag         string       `xml:"getetag"`
	LastModified string       `xml:"getlastmodified"`
	Length       string       `xml:"getcontentlength"`
	ResourceType resourceType `xml:"resourcetype"`
	ID           string       `xml:"id"`
	Permissions  string       `xml:"permissions"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

func (c *Client) propfind(ctx context.Context, path, depth string) (*multistatus, error) {
	req, err := c.newRequest(ctx, "PROPFIND", c.urlFor(path), strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", depth)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, statusError(resp)
	}

	var ms multistatus
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decoding multistatus: %w", err)
	}
	return &ms, nil
}

// RequestETag fetches the current etag of path. The root is probed with
// depth 1 so the reply also warms the server's file cache for the children.
func (c *Client) RequestETag(ctx context.Context, path string) (string, error) {
	depth := "0"
	if path == "" {
		depth = "1"
	}
	ms, err := c.propfind(ctx, path, depth)
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		rel, err := c.relativeHref(r.Href)
		if err != nil {
			return "", err
		}
		if rel != path {
			continue
		}
		for _, ps := range r.Propstats {
			if etag := parseETag(ps.Prop.ETag); etag != "" {
				return etag, nil
			}
		}
	}
	return "", fmt.Errorf("no etag in PROPFIND reply for %q", path)
}

// ListDirectory lists the direct children of path.
func (c *Client) ListDirectory(ctx context.Context, path string) ([]DirEntry, error) {
	ms, err := c.propfind(ctx, path, "1")
	if err != nil {
		return nil, err
	}

	var entries []DirEntry
	for _, r := range ms.Responses {
		rel, err := c.relativeHref(r.Href)
		if err != nil {
			return nil, err
		}
		if rel == path {
			// the collection itself
			continue
		}
		entry := DirEntry{Path: rel}
		for _, ps := range r.Propstats {
			if !strings.Contains(ps.Status, "200") {
				continue
			}
			entry.ETag = parseETag(ps.Prop.ETag)
			entry.FileID = ps.Prop.ID
			entry.Permissions = ps.Prop.Permissions
			entry.LastModified = ps.Prop.LastModified
			entry.IsDirectory = ps.Prop.ResourceType.Collection != nil
			if ps.Prop.Length != "" {
				if n, err := strconv.ParseInt(ps.Prop.Length, 10, 64); err == nil {
					entry.Size = n
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// relativeHref maps a multistatus href back to a path relative to the
// WebDAV root.
func (c *Client) relativeHref(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parsing href %q: %w", href, err)
	}
	p := u.Path
	base := c.base.Path
	if !strings.HasPrefix(p, base) {
		return "", fmt.Errorf("href %q outside the dav root %q", href, base)
	}
	return strings.Trim(strings.TrimPrefix(p, base), "/"), nil
}

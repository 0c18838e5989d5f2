package ign

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/singleflight"

	"geoslice/internal/common"
	"geoslice/internal/retry"
)

// vegetationEdition filters BD FORÊT links down to version 2
const vegetationEdition = "BDFORET_2-0"

// Link is a dataset archive found on a download page
type Link struct {
	URL     string    `json:"url"`
	Edition time.Time `json:"edition"`
}

// LinkNotFoundError means the download page lists no archive for a source code
type LinkNotFoundError struct {
	Kind common.DatasetKind
	Code string
	Page string
}

func (e *LinkNotFoundError) Error() string {
	return fmt.Sprintf("no %s archive for %s on %s", e.Kind.DisplayName(), e.Code, e.Page)
}

// Locator finds the newest archive link for a dataset kind and source code
// by scraping the kind's download page. Pages are fetched once per Locator.
type Locator struct {
	client *Client
	pages  map[common.DatasetKind]string

	group singleflight.Group
	mu    sync.RWMutex
	hrefs map[string][]string
}

// NewLocator creates a locator using the given page per kind
func NewLocator(client *Client, pages map[common.DatasetKind]string) *Locator {
	return &Locator{
		client: client,
		pages:  pages,
		hrefs:  make(map[string][]string),
	}
}

// Locate returns the newest archive link for kind and the given link prefix
// (e.g. "D002" or "R11"). A page without a match yields a permanent
// *LinkNotFoundError.
func (l *Locator) Locate(ctx context.Context, kind common.DatasetKind, prefix string) (Link, error) {
	page, ok := l.pages[kind]
	if !ok || page == "" {
		return Link{}, retry.Permanent(fmt.Errorf("no download page configured for %s", kind))
	}

	hrefs, err := l.pageLinks(ctx, page)
	if err != nil {
		return Link{}, err
	}

	link, ok := SelectLink(hrefs, kind, prefix)
	if !ok {
		return Link{}, retry.Permanent(&LinkNotFoundError{Kind: kind, Code: prefix, Page: page})
	}
	return link, nil
}

// Forget drops the memoized links so the next Locate refetches pages
func (l *Locator) Forget() {
	l.mu.Lock()
	l.hrefs = make(map[string][]string)
	l.mu.Unlock()
}

func (l *Locator) pageLinks(ctx context.Context, page string) ([]string, error) {
	l.mu.RLock()
	hrefs, ok := l.hrefs[page]
	l.mu.RUnlock()
	if ok {
		return hrefs, nil
	}

	v, err, _ := l.group.Do(page, func() (interface{}, error) {
		hrefs, err := l.fetchLinks(ctx, page)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.hrefs[page] = hrefs
		l.mu.Unlock()
		return hrefs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (l *Locator) fetchLinks(ctx context.Context, page string) ([]string, error) {
	base, err := url.Parse(page)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid download page %q: %w", page, err))
	}

	resp, err := l.client.get(ctx, l.client.httpClient, page)
	if err != nil {
		return nil, fmt.Errorf("fetch download page: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse download page: %w", err)
	}

	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		if ref, err := url.Parse(href); err == nil {
			href = base.ResolveReference(ref).String()
		}
		hrefs = append(hrefs, href)
	})
	return hrefs, nil
}

// SelectLink picks the newest shapefile archive matching prefix among hrefs
func SelectLink(hrefs []string, kind common.DatasetKind, prefix string) (Link, bool) {
	var best Link
	found := false
	for _, href := range hrefs {
		if !strings.Contains(href, prefix+"_") || !strings.Contains(href, "SHP") {
			continue
		}
		if kind == common.KindVegetation && !strings.Contains(href, vegetationEdition) {
			continue
		}
		edition := common.EditionDate(href)
		if !found || edition.After(best.Edition) {
			best = Link{URL: href, Edition: edition}
			found = true
		}
	}
	return best, found
}

package parse

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/config"
	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

// Result is what one results page yielded
type Result struct {
	Records []models.RawRecord // At most one per item id, in page order
	HasMore bool               // A next-page marker was present
	Skipped int                // Listings that could not be extracted
}

// Extractor turns a fetched page into raw records
type Extractor interface {
	Extract(page *models.Page) (*Result, error)
}

var (
	sizePattern  = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*m(?:2|²)`)
	pricePattern = regexp.MustCompile(`\d[\d.,]*`)
)

// HTMLExtractor extracts listings with CSS selectors
type HTMLExtractor struct {
	sel             config.ExtractConfig
	rentingPatterns []string
	perSqmThreshold decimal.Decimal // Prices below it are per m²; zero disables
	log             *logrus.Entry
}

// NewHTMLExtractor creates an extractor from validated config
func NewHTMLExtractor(sel config.ExtractConfig, crawl config.CrawlConfig, log *logrus.Entry) *HTMLExtractor {
	patterns := make([]string, 0, len(crawl.RentingPatterns))
	for _, p := range crawl.RentingPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}
	return &HTMLExtractor{
		sel:             sel,
		rentingPatterns: patterns,
		perSqmThreshold: decimal.NewFromFloat(crawl.PerSqmThreshold),
		log:             log,
	}
}

// Extract implements Extractor. A listing that fails to extract is logged and
// skipped; only an unreadable page is an error.
func (e *HTMLExtractor) Extract(page *models.Page) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse HTML of '%s': %w", utils.ErrExtraction, page.URL, err)
	}

	base, err := e.baseURL(page)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrExtraction, err)
	}
	listingType := e.listingType(page.URL)
	pageLog := e.log.WithField("page_url", page.URL)

	res := &Result{HasMore: doc.Find(e.sel.NextPage).Length() > 0}
	seen := make(map[string]struct{})
	containers := doc.Find(e.sel.Container)

	containers.Each(func(i int, s *goquery.Selection) {
		rec, err := e.extractRecord(s, base)
		if err != nil {
			res.Skipped++
			pageLog.WithField("index", i).Warnf("Skipping listing: %v", err)
			return
		}
		if _, dup := seen[rec.ItemID]; dup {
			pageLog.WithField("item_id", rec.ItemID).Debug("Duplicate listing on page, keeping first")
			return
		}
		seen[rec.ItemID] = struct{}{}
		rec.ListingType = listingType
		res.Records = append(res.Records, *rec)
	})

	pageLog.WithFields(logrus.Fields{
		"containers": containers.Length(), "records": len(res.Records),
		"skipped": res.Skipped, "has_more": res.HasMore,
	}).Info("Extracted page")
	return res, nil
}

func (e *HTMLExtractor) extractRecord(s *goquery.Selection, base *url.URL) (*models.RawRecord, error) {
	href, ok := s.Find(e.sel.Link).First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return nil, fmt.Errorf("%w: no listing link", utils.ErrExtraction)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("%w: listing URL '%s': %w", utils.ErrParsing, href, err)
	}
	listingURL := NormalizeListingURL(base.ResolveReference(ref))
	itemID, err := ItemIDFromURL(listingURL)
	if err != nil {
		return nil, err
	}

	rec := &models.RawRecord{ItemID: itemID, URL: listingURL}

	rec.Title = strings.Join(strings.Fields(s.Find(e.sel.Title).First().Text()), " ")
	rec.Location = locationFromTitle(rec.Title)

	priceSel := s.Find(e.sel.Price).First()
	if priceSel.Length() == 0 {
		e.log.WithField("item_id", itemID).Warn("No price found, recording 0")
	} else {
		raw := strings.TrimSpace(priceSel.Text())
		if e.sel.PriceAttr != "" {
			raw, _ = priceSel.Attr(e.sel.PriceAttr)
		}
		price, err := ParsePrice(raw)
		if err != nil {
			return nil, fmt.Errorf("item '%s': %w", itemID, err)
		}
		rec.Price = price
		rec.PricePerSqm = price.IsPositive() && e.perSqmThreshold.IsPositive() && price.LessThan(e.perSqmThreshold)
	}

	s.Find(e.sel.Size).EachWithBreak(func(_ int, li *goquery.Selection) bool {
		if size, ok := parseSize(li.Text()); ok {
			rec.SizeSqm = &size
			return false
		}
		return true
	})

	return rec, nil
}

func (e *HTMLExtractor) baseURL(page *models.Page) (*url.URL, error) {
	raw := e.sel.BaseURL
	if raw == "" {
		raw = page.FinalURL
	}
	if raw == "" {
		raw = page.URL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: base URL '%s': %w", utils.ErrParsing, raw, err)
	}
	return u, nil
}

// listingType is a hint from the source URL; the page itself does not say
func (e *HTMLExtractor) listingType(pageURL string) models.ListingType {
	lower := strings.ToLower(pageURL)
	for _, p := range e.rentingPatterns {
		if strings.Contains(lower, p) {
			return models.ListingTypeRenting
		}
	}
	return models.ListingTypeSelling
}

func locationFromTitle(title string) string {
	before, _, _ := strings.Cut(title, ",")
	return strings.TrimSpace(before)
}

// ParsePrice accepts plain decimals ("185000.0") and displayed prices in the
// Slovenian format ("185.000,00 €").
func ParsePrice(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if !dottedThousands(s) {
		if d, err := decimal.NewFromString(s); err == nil {
			return d, nil
		}
	}

	s = strings.TrimRight(pricePattern.FindString(s), ".,")
	switch {
	case s == "":
		return decimal.Zero, fmt.Errorf("%w: no digits in price %q", utils.ErrParsing, raw)
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case dottedThousands(s):
		s = strings.ReplaceAll(s, ".", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price %q: %w", utils.ErrParsing, raw, err)
	}
	return d, nil
}

// dottedThousands reports whether dots in s group thousands ("185.000", "1.250.000")
func dottedThousands(s string) bool {
	switch strings.Count(s, ".") {
	case 0:
		return false
	case 1:
		return len(s)-strings.LastIndex(s, ".") == 4
	default:
		return true
	}
}

func parseSize(text string) (decimal.Decimal, bool) {
	m := sizePattern.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.Replace(m[1], ",", ".", 1))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

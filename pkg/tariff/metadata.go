package tariff

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var (
	listItemRE = regexp.MustCompile(`(?i)<li[^>]*>`)
	tagRE      = regexp.MustCompile(`<[^>]+>`)
	spaceRE    = regexp.MustCompile(`[ \t]+`)
)

// cleanDescription removes markup from product descriptions, keeping list
// items readable.
func cleanDescription(s string) string {
	s = listItemRE.ReplaceAllString(s, "\n- ")
	s = tagRE.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = spaceRE.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func parseOptionalTime(r gjson.Result) *time.Time {
	if r.Type != gjson.String {
		return nil
	}
	t, err := time.Parse(time.RFC3339, r.Str)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func parseDecimal(r gjson.Result) (decimal.Decimal, error) {
	switch r.Type {
	case gjson.Number:
		return decimal.NewFromString(r.Raw)
	case gjson.String:
		return decimal.NewFromString(r.Str)
	default:
		return decimal.Zero, fmt.Errorf("missing value")
	}
}

// FetchProduct retrieves the product metadata for the region.
func (c *Client) FetchProduct(ctx context.Context, regionCode string) (types.TariffMetadata, error) {
	label, err := types.RegionLabel(regionCode)
	if err != nil {
		return types.TariffMetadata{}, err
	}
	u := c.ProductURL()
	body, _, err := c.get(ctx, "product", u)
	if err != nil {
		return types.TariffMetadata{}, err
	}

	p := gjson.ParseBytes(body)
	if !p.IsObject() || !p.Get("code").Exists() {
		return types.TariffMetadata{}, &FetchError{Kind: KindDecode, URL: u, Err: fmt.Errorf("product response missing code")}
	}
	return types.TariffMetadata{
		ProductCode:   p.Get("code").String(),
		TariffCode:    types.TariffCode(c.productCode, regionCode),
		FullName:      p.Get("full_name").String(),
		DisplayName:   p.Get("display_name").String(),
		Description:   cleanDescription(p.Get("description").String()),
		Brand:         p.Get("brand").String(),
		IsVariable:    p.Get("is_variable").Bool(),
		AvailableFrom: parseOptionalTime(p.Get("available_from")),
		RegionCode:    regionCode,
		RegionLabel:   label,
	}, nil
}

// FetchStandingCharge retrieves the current standing charge for the region.
// The first result is the most recent charge.
func (c *Client) FetchStandingCharge(ctx context.Context, regionCode string) (types.StandingCharge, error) {
	u := c.StandingChargesURL(regionCode)
	body, _, err := c.get(ctx, "standing_charges", u)
	if err != nil {
		return types.StandingCharge{}, err
	}

	first := gjson.GetBytes(body, "results.0")
	if !first.IsObject() {
		return types.StandingCharge{}, &FetchError{Kind: KindDecode, URL: u, Err: fmt.Errorf("no standing charges returned")}
	}
	inc, err := parseDecimal(first.Get("value_inc_vat"))
	if err != nil {
		return types.StandingCharge{}, &FetchError{Kind: KindDecode, URL: u, Err: fmt.Errorf("invalid value_inc_vat: %w", err)}
	}
	exc, err := parseDecimal(first.Get("value_exc_vat"))
	if err != nil {
		exc = decimal.Zero
	}
	return types.StandingCharge{
		ValueIncVAT: inc,
		ValueExcVAT: exc,
		ValidFrom:   parseOptionalTime(first.Get("valid_from")),
		ValidTo:     parseOptionalTime(first.Get("valid_to")),
		Unit:        "p/day",
	}, nil
}

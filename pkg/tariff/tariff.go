package tariff

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/freephase/pkg/common"
	"github.com/raterudder/freephase/pkg/types"
)

const (
	// DefaultProductCode is the EDF FreePhase Dynamic product.
	DefaultProductCode = "EDF_FREEPHASE_DYNAMIC_12M_HH"

	defaultAPIURL = "https://api.edfgb-kraken.energy/v1/products/"
)

// Client retrieves unit rates, product metadata and standing charges from the
// Kraken products API.
type Client struct {
	apiURL      string
	productCode string
	timeout     time.Duration
	maxPages    int
	client      *http.Client
}

// Configured sets up flags for the tariff API and returns the client.
func Configured() *Client {
	c := &Client{}
	apiURL := lflag.String("tariff-api-url", defaultAPIURL, "Base URL for the tariff products API")
	productCode := lflag.String("tariff-product-code", DefaultProductCode, "Product code to fetch rates for")
	timeout := lflag.Duration("tariff-api-timeout", 10*time.Second, "Timeout for each tariff API request")
	maxPages := lflag.Int("tariff-max-pages", 3, "Maximum number of unit rate pages to follow")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.productCode = *productCode
		c.timeout = *timeout
		c.maxPages = *maxPages
		c.client = common.HTTPClient(*timeout)
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("tariff client validation failed: %v", err))
		}
	})

	return c
}

// New returns a client for the given base URL. It's mainly useful for tests
// and tools that don't use flags.
func New(apiURL, productCode string, timeout time.Duration, maxPages int) *Client {
	return &Client{
		apiURL:      apiURL,
		productCode: productCode,
		timeout:     timeout,
		maxPages:    maxPages,
		client:      common.HTTPClient(timeout),
	}
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("tariff-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse tariff api url (%s): %w", c.apiURL, err)
	}
	if c.productCode == "" {
		return fmt.Errorf("tariff-product-code is required")
	}
	if c.timeout <= 0 {
		return fmt.Errorf("tariff-api-timeout must be positive")
	}
	if c.maxPages <= 0 {
		return fmt.Errorf("tariff-max-pages must be positive")
	}
	return nil
}

// ProductCode returns the configured product code.
func (c *Client) ProductCode() string {
	return c.productCode
}

// ProductURL returns the product metadata endpoint.
func (c *Client) ProductURL() string {
	return strings.TrimSuffix(c.apiURL, "/") + "/" + c.productCode + "/"
}

func (c *Client) tariffURL(regionCode, resource string) string {
	return c.ProductURL() + "electricity-tariffs/" + types.TariffCode(c.productCode, regionCode) + "/" + resource + "/"
}

// UnitRatesURL returns the unit rates endpoint for the region.
func (c *Client) UnitRatesURL(regionCode string) string {
	return c.tariffURL(regionCode, "standard-unit-rates")
}

// StandingChargesURL returns the standing charges endpoint for the region.
func (c *Client) StandingChargesURL(regionCode string) string {
	return c.tariffURL(regionCode, "standing-charges")
}

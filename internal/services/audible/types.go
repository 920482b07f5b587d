package audible

// License describes a granted download license. The encrypted voucher is kept
// only in memory; callers must not persist it.
type License struct {
	ASIN             string
	URL              string
	EncryptedVoucher string
	ContentLength    int64
	Quality          string
}

// Contributor is an author, narrator, or translator credit on a product.
type Contributor struct {
	Name string `json:"name"`
	ASIN string `json:"asin"`
}

// Series places a product inside a series with an ordering sequence.
type Series struct {
	Title    string `json:"title"`
	Sequence string `json:"sequence"`
}

// Product is the catalog detail record used for enrichment and naming.
type Product struct {
	ASIN             string        `json:"asin"`
	Title            string        `json:"title"`
	Subtitle         string        `json:"subtitle"`
	Authors          []Contributor `json:"authors"`
	Narrators        []Contributor `json:"narrators"`
	Series           []Series      `json:"series"`
	PublisherName    string        `json:"publisher_name"`
	PublisherSummary string        `json:"publisher_summary"`
	MerchSummary     string        `json:"merchandising_summary"`
	ReleaseDate      string        `json:"release_date"`
	Language         string        `json:"language"`
	RuntimeMinutes   int           `json:"runtime_length_min"`
	ProductImages    map[string]string `json:"product_images"`
}

// Year extracts the four-digit release year, or empty when unknown.
func (p Product) Year() string {
	if len(p.ReleaseDate) >= 4 {
		return p.ReleaseDate[:4]
	}
	return ""
}

// CoverURL returns the largest available cover image URL.
func (p Product) CoverURL() string {
	for _, size := range []string{"1000", "900", "500"} {
		if url, ok := p.ProductImages[size]; ok && url != "" {
			return url
		}
	}
	for _, url := range p.ProductImages {
		if url != "" {
			return url
		}
	}
	return ""
}

// Summary returns the best available description text.
func (p Product) Summary() string {
	if p.PublisherSummary != "" {
		return p.PublisherSummary
	}
	return p.MerchSummary
}

// Package audible wraps the provider content and catalog APIs.
//
// It loads the authenticated account context (access token plus device
// identity) from the configured auth file, requests download licenses, and
// fetches catalog product details for enrichment and naming. Provider HTTP
// failures are mapped onto the shared error taxonomy so callers can decide
// between retrying, backing off, and failing terminally.
package audible

package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLicenseDenied marks license requests rejected by the provider
	// (revoked purchase, region lock, bad signature).
	ErrLicenseDenied = errors.New("license denied")
	// ErrUnavailable marks items the catalog cannot serve at all.
	ErrUnavailable = errors.New("title unavailable")
	// ErrThrottled marks provider rate limiting.
	ErrThrottled = errors.New("throttled")
	// ErrNetwork marks interrupted or failed transfers.
	ErrNetwork = errors.New("network failure")
	// ErrCorruptVoucher marks voucher payloads that fail decryption or decode.
	ErrCorruptVoucher = errors.New("corrupt voucher")
	// ErrConversion marks converter subprocess failures.
	ErrConversion = errors.New("conversion failed")
	// ErrEnrichment marks metadata enrichment failures. Items still get placed.
	ErrEnrichment = errors.New("enrichment failed")
	// ErrDestinationConflict marks a destination path already claimed by a
	// different item.
	ErrDestinationConflict = errors.New("destination conflict")
	// ErrConfiguration marks unusable configuration or credentials.
	ErrConfiguration = errors.New("configuration error")
	// ErrTimeout marks operations that exceeded their wall-clock ceiling.
	ErrTimeout = errors.New("timeout")
	// ErrTransient marks failures with no more specific classification.
	ErrTransient = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind returns the stable classification string persisted with failed jobs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLicenseDenied):
		return "license_denied"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrCorruptVoucher):
		return "corrupt_voucher"
	case errors.Is(err, ErrConversion):
		return "conversion_failed"
	case errors.Is(err, ErrEnrichment):
		return "enrichment_failed"
	case errors.Is(err, ErrDestinationConflict):
		return "destination_conflict"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network_interrupted"
	default:
		return "unknown"
	}
}

// Retriable reports whether the pipeline should attempt the item again.
// Denials, corrupt vouchers, and path conflicts never resolve on retry.
func Retriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrLicenseDenied),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrCorruptVoucher),
		errors.Is(err, ErrDestinationConflict),
		errors.Is(err, ErrConfiguration):
		return false
	default:
		return true
	}
}

// SlowRetry reports whether retries for this failure should use the extended
// backoff schedule. Rate limiting clears on the provider's window, not ours.
func SlowRetry(err error) bool {
	return errors.Is(err, ErrThrottled)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

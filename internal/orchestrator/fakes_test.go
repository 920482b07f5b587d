package orchestrator_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/aronjanosch/audible-web-downloader/internal/services/audible"
	"github.com/aronjanosch/audible-web-downloader/internal/streamer"
	"github.com/aronjanosch/audible-web-downloader/internal/voucher"
)

func testAuth() *audible.Auth {
	auth := &audible.Auth{AccessToken: "Atna|test"}
	auth.DeviceInfo.DeviceType = "A2CZJZGLK2JJVM"
	auth.DeviceInfo.DeviceSerialNumber = "serial"
	auth.CustomerInfo.UserID = "amzn1.account.TEST"
	return auth
}

type fakeClient struct {
	mu           sync.Mutex
	licenseErr   error
	productErr   error
	product      audible.Product
	licenseCalls int
}

func (f *fakeClient) RequestLicense(ctx context.Context, asin, quality string) (audible.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.licenseCalls++
	if f.licenseErr != nil {
		return audible.License{}, f.licenseErr
	}
	return audible.License{
		ASIN:             asin,
		URL:              "https://content.test/" + asin,
		EncryptedVoucher: "opaque-voucher",
		ContentLength:    1024,
		Quality:          quality,
	}, nil
}

func (f *fakeClient) GetProduct(ctx context.Context, asin string) (audible.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.productErr != nil {
		return audible.Product{}, f.productErr
	}
	p := f.product
	if p.ASIN == "" {
		p.ASIN = asin
	}
	if p.Title == "" {
		p.Title = "Book " + asin
	}
	return p, nil
}

func (f *fakeClient) Auth() *audible.Auth {
	return testAuth()
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.licenseCalls
}

type fakeDownloader struct {
	calls    atomic.Int64
	download func(ctx context.Context, url, dest string, expected int64, onProgress func(streamer.Progress)) error
}

func (f *fakeDownloader) Download(ctx context.Context, url, dest string, expected int64, onProgress func(streamer.Progress)) error {
	f.calls.Add(1)
	if f.download != nil {
		return f.download(ctx, url, dest, expected, onProgress)
	}
	if onProgress != nil {
		onProgress(streamer.Progress{Downloaded: expected, Total: expected, Speed: 1024})
	}
	return os.WriteFile(dest, make([]byte, int(expected)), 0o644)
}

type fakeConverter struct {
	calls      atomic.Int64
	inFlight   atomic.Int64
	maxInUse   atomic.Int64
	err        error
	onceBefore func()
}

func (f *fakeConverter) Convert(ctx context.Context, src, dst string, material voucher.Material) error {
	f.calls.Add(1)
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		observed := f.maxInUse.Load()
		if current <= observed || f.maxInUse.CompareAndSwap(observed, current) {
			break
		}
	}
	if f.onceBefore != nil {
		f.onceBefore()
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("converted"), 0o644)
}

type fakeTagger struct {
	degraded bool
}

func (f *fakeTagger) Enrich(ctx context.Context, src, dst, workDir string, product audible.Product) (bool, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return false, err
	}
	return f.degraded, os.WriteFile(dst, data, 0o644)
}

func fakeDecrypt(encrypted string, id voucher.Identity, asin string) (voucher.Material, error) {
	return voucher.Material{Key: "00112233445566778899aabbccddeeff", IV: "ffeeddccbbaa99887766554433221100"}, nil
}

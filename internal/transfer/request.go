package transfer

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/italolelis/obb_downloader/internal/logctx"
	"github.com/italolelis/obb_downloader/internal/netgate"
	"github.com/italolelis/obb_downloader/internal/storage"
)

// retrySignal restarts the attempt loop against a new URI without touching failure bookkeeping.
type retrySignal struct {
	uri string
}

func (e *Engine) executeRequest(ctx context.Context, req Request, a *attempt) (*retrySignal, *StopError) {
	if se := checkSignal(req); se != nil {
		return nil, se
	}

	if se := checkConnectivity(req, storage.UnknownSize); se != nil {
		return nil, se
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.requestURI, nil)
	if err != nil {
		return nil, stopErr(storage.StatusHTTPDataError, "while building request", err)
	}

	e.addRequestHeaders(httpReq, a)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, stopErr(storage.StatusPausedByApp, "download interrupted by shutdown", ctx.Err())
		}

		return nil, e.finalStatusForHTTPError(req, a, "while trying to execute request", &NetworkError{Operation: "execute_request", Err: err})
	}
	defer resp.Body.Close()

	retry, se := e.handleExceptionalStatus(ctx, req, a, resp)
	if se != nil || retry != nil {
		return retry, se
	}

	if se := e.processResponseHeaders(ctx, a, resp); se != nil {
		return nil, se
	}

	if se := checkConnectivity(req, a.rec.TotalBytes); se != nil {
		return nil, se
	}

	return nil, e.transferData(ctx, cancel, req, a, resp.Body)
}

func (e *Engine) addRequestHeaders(r *http.Request, a *attempt) {
	r.Header.Set("User-Agent", e.cfg.UserAgent)

	if a.continuing {
		if a.headerETag != "" {
			r.Header.Set("If-Match", a.headerETag)
		}

		r.Header.Set("Range", "bytes="+strconv.FormatInt(a.bytesSoFar, 10)+"-")
	}
}

func (e *Engine) handleExceptionalStatus(ctx context.Context, req Request, a *attempt, resp *http.Response) (*retrySignal, *StopError) {
	code := resp.StatusCode

	if code == http.StatusServiceUnavailable && a.rec.FailedCount < e.cfg.MaxRetries {
		return nil, e.handleServiceUnavailable(ctx, a, resp)
	}

	if isRedirect(code) {
		retry, se := e.handleRedirect(ctx, a, resp)
		if se != nil || retry != nil {
			return retry, se
		}
	}

	expected := http.StatusOK
	if a.continuing {
		expected = http.StatusPartialContent
	}

	if code != expected {
		return nil, e.handleOtherStatus(req, a, code)
	}

	a.redirectCount = 0

	return nil, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true
	default:
		return false
	}
}

func (e *Engine) handleServiceUnavailable(ctx context.Context, a *attempt, resp *http.Response) *StopError {
	a.countRetry = true
	a.retryAfter = e.cfg.retryAfter(resp.Header.Get("Retry-After"), a.rec.Fuzz, e.now())

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "server is busy, retrying later",
		"retry_after", a.retryAfter.String(),
		"failed_count", a.rec.FailedCount,
	)

	return stop(storage.StatusWaitingToRetry, "got 503 Service Unavailable, will retry later")
}

// handleRedirect returns nil, nil when the response carries no Location so
// it falls through to the generic status handling.
func (e *Engine) handleRedirect(ctx context.Context, a *attempt, resp *http.Response) (*retrySignal, *StopError) {
	if a.redirectCount >= e.cfg.MaxRedirects {
		return nil, stop(storage.StatusTooManyRedirects, "too many redirects")
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, nil
	}

	base, err := url.Parse(a.requestURI)
	if err != nil {
		return nil, stopErr(storage.StatusHTTPDataError, "couldn't parse request URI", err)
	}

	ref, err := url.Parse(location)
	if err != nil {
		return nil, stopErr(storage.StatusHTTPDataError, "couldn't resolve redirect URI", err)
	}

	target := base.ResolveReference(ref).String()
	a.redirectCount++

	if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusSeeOther {
		a.newURI = target
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "following redirect",
		"status", resp.StatusCode,
		"redirect_count", a.redirectCount,
	)

	return &retrySignal{uri: target}, nil
}

func (e *Engine) handleOtherStatus(req Request, a *attempt, code int) *StopError {
	msg := "http error " + strconv.Itoa(code)

	switch {
	case code == http.StatusRequestedRangeNotSatisfiable:
		return stop(storage.StatusCannotResume, msg)
	case code >= 500 && code < 600:
		return e.finalStatusForHTTPError(req, a, msg, &NetworkError{Operation: "execute_request", StatusCode: code})
	case code >= 400 && code < 500:
		return stop(storage.Status(code), msg)
	case code >= 300 && code < 400:
		return stop(storage.StatusUnhandledRedirect, msg)
	case a.continuing && code == http.StatusOK:
		return stop(storage.StatusCannotResume, "expected partial content, got full response")
	default:
		return stop(storage.StatusUnhandledHTTPCode, msg)
	}
}

// finalStatusForHTTPError classifies a transient failure: wait for the network,
// retry later, or give up once retries are exhausted. Giving up keeps the
// failure count so it still reflects the exhausted retries.
func (e *Engine) finalStatusForHTTPError(req Request, a *attempt, msg string, err error) *StopError {
	if req.Network != nil && req.Network.Check(storage.UnknownSize) != netgate.OK {
		return stopErr(storage.StatusWaitingForNetwork, msg, err)
	}

	if a.rec.FailedCount < e.cfg.MaxRetries {
		a.countRetry = true

		return stopErr(storage.StatusWaitingToRetry, msg, err)
	}

	a.keepFailedCount = true

	return stopErr(storage.StatusHTTPDataError, msg, err)
}

func (e *Engine) processResponseHeaders(ctx context.Context, a *attempt, resp *http.Response) *StopError {
	if a.continuing {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)
	rec := a.rec

	a.headerETag = resp.Header.Get("ETag")

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !strings.EqualFold(mediaType, e.cfg.ContentType) {
			return stop(storage.StatusFileDeliveredIncorrectly, "file delivered with incorrect mime type "+ct)
		}
	}

	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		logger.DebugContext(ctx, "response content disposition", "content_disposition", cd)
	}

	if cl := resp.Header.Get("Content-Location"); cl != "" {
		logger.DebugContext(ctx, "response content location", "content_location", cl)
	}

	chunked := slices.Contains(resp.TransferEncoding, "chunked")
	if !chunked {
		a.headerContentLength = resp.ContentLength
	}

	if a.headerContentLength < 0 && !chunked {
		return stop(storage.StatusHTTPDataError, "can't know size of download, giving up")
	}

	if rec.TotalBytes != storage.UnknownSize && a.headerContentLength >= 0 && a.headerContentLength != rec.TotalBytes {
		logger.WarnContext(ctx, "incorrect file size delivered",
			"expected", rec.TotalBytes,
			"content_length", a.headerContentLength,
		)
	}

	if rec.TotalBytes == storage.UnknownSize {
		rec.TotalBytes = a.headerContentLength
	}

	if se := e.prepareFreshFile(ctx, a); se != nil {
		return se
	}

	rec.ETag = a.headerETag
	rec.CurrentBytes = 0

	if err := e.store.Upsert(ctx, rec); err != nil {
		logger.WarnContext(ctx, "failed to persist response headers", "err", err)
	}

	return nil
}

// prepareFreshFile checks the destination volume and creates an empty temp file.
func (e *Engine) prepareFreshFile(ctx context.Context, a *attempt) *StopError {
	if !e.space.Mounted() {
		return stop(storage.StatusDeviceNotFound, "external media not mounted")
	}

	if err := e.layout.EnsureDir(); err != nil {
		return stopErr(storage.StatusFileError, "while creating destination directory", err)
	}

	if e.layout.FileExists(a.rec.FileName, -1) {
		return stop(storage.StatusFileAlreadyExists, "requested destination file already exists")
	}

	if a.rec.TotalBytes > 0 {
		free, err := e.space.Available(e.layout.Dir())
		if err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to check free space", "err", err)
		} else if free < uint64(a.rec.TotalBytes) {
			return stop(storage.StatusInsufficientSpace, "insufficient space on external storage")
		}
	}

	f, err := os.OpenFile(a.tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return stopErr(storage.StatusFileError, "while opening destination file", &FileError{Path: a.tempPath, Reason: "create failed", Err: err})
	}

	if err := f.Close(); err != nil {
		return stopErr(storage.StatusFileError, "while opening destination file", &FileError{Path: a.tempPath, Reason: "close failed", Err: err})
	}

	a.bytesSoFar = 0

	return nil
}

func checkSignal(req Request) *StopError {
	if req.Signal == nil {
		return nil
	}

	if status, ok := req.Signal.StopRequested(); ok {
		return stop(status, "download stopped by request")
	}

	return nil
}

func checkConnectivity(req Request, totalBytes int64) *StopError {
	if req.Network == nil {
		return nil
	}

	switch v := req.Network.Check(totalBytes); v {
	case netgate.OK:
		return nil
	case netgate.NoConnection, netgate.CannotUseRoaming:
		return stop(storage.StatusWaitingForNetwork, "network unavailable: "+v.String())
	case netgate.TypeDisallowedByRequestor:
		return stop(storage.StatusQueuedForWifiOrCellularPermission, "network type disallowed: "+v.String())
	case netgate.UnusableDueToSize:
		return stop(storage.StatusQueuedForWifi, "download too large for current network: "+v.String())
	default:
		return stop(storage.StatusWaitingForNetwork, "network unusable: "+v.String())
	}
}

package engine

import (
	"compress/zlib"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gitlab.com/NebulousLabs/errors"
)

const (
	maxDownloadAttempts = 5
	retryPause          = 2 * time.Second
	socketTimeout       = 10 * time.Second
)

// EndpointRecord is one entry of a product's secure-link list: a URL
// template plus the CDN path parameter it was issued for (§6).
type EndpointRecord struct {
	URLFormat     string
	ParametersPath string
}

// SecureLinks maps a product id to either a literal URL string or a list of
// endpoint records (§6). Acquisition and refresh of these links is out of
// scope for this module (§1); the engine only consumes the resulting table.
type SecureLinks map[string]ProductLinks

// ProductLinks holds one product's resolved CDN access: either a literal
// URL (common for V1 redistributables' main.bin) or a list of endpoint
// records a V2 download picks from.
type ProductLinks struct {
	Literal   string
	Endpoints []EndpointRecord
}

// DownloadKind distinguishes the two wire formats a DownloadTask can have.
type DownloadKind int

const (
	DownloadV2 DownloadKind = iota
	DownloadV1
)

// DownloadTask is what the scheduler submits to a downloader worker: enough
// information to resolve a URL, fetch bytes, and verify them, independent
// of which chunk-task variant produced it (§4.2).
type DownloadTask struct {
	Kind          DownloadKind
	ProductID     string
	CompressedMD5 string // V2: identity + integrity check
	MD5           string // V2: decompressed identity
	Size          int64  // expected decompressed (V2) or range (V1) size
	Offset        int64  // V1 only
	FileHash      string // V1 only, whole-file hash for the task's synthetic id
	Index         int
	RetryCount    int // incremented by the orchestrator on re-enqueue (§9)
}

// DownloadTaskResult is the downloader's output (§4.2).
type DownloadTaskResult struct {
	Success            bool
	FailReason         *TaskError
	Task               DownloadTask
	ScratchPath        string
	DownloadedBytes    int64
	DecompressedBytes  int64
}

// Downloader pulls compressed chunks or byte ranges into scratch buffers.
type Downloader struct {
	client      *http.Client
	links       SecureLinks
	throttle    *Throttle
}

// NewDownloader builds a Downloader against the given secure-link table. A
// nil throttle leaves bandwidth unlimited.
func NewDownloader(links SecureLinks, throttle *Throttle) *Downloader {
	return &Downloader{
		client: &http.Client{Timeout: 0},
		links:  links,
		throttle: throttle,
	}
}

// Download fetches one chunk into scratchPath, retrying per §4.2's policy:
// up to 5 attempts with a 2s pause, 401 short-circuiting to UNAUTHORIZED,
// retry exhaustion terminating as CHECKSUM. cancel is polled between
// attempts and between byte-range reads (§4.2, §5).
func (d *Downloader) Download(task DownloadTask, scratchPath string, cancel *CancelToken) DownloadTaskResult {
	var lastErr error
	for attempt := 1; attempt <= maxDownloadAttempts; attempt++ {
		if cancel.Cancelled() {
			return DownloadTaskResult{Success: false, Task: task}
		}
		var (
			downloaded, decompressed int64
			err                      error
		)
		switch task.Kind {
		case DownloadV2:
			downloaded, decompressed, err = d.downloadV2(task, scratchPath, cancel)
		default:
			downloaded, err = d.downloadV1(task, scratchPath, cancel)
			decompressed = downloaded
		}
		if err == nil {
			return DownloadTaskResult{
				Success:           true,
				Task:              task,
				ScratchPath:       scratchPath,
				DownloadedBytes:   downloaded,
				DecompressedBytes: decompressed,
			}
		}
		if te, ok := err.(*TaskError); ok && te.Kind == ErrUnauthorized {
			return DownloadTaskResult{Success: false, FailReason: te, Task: task}
		}
		lastErr = err
		if attempt < maxDownloadAttempts {
			time.Sleep(retryPause)
		}
	}
	te := NewTaskError(ErrChecksum, "retries exhausted", lastErr)
	return DownloadTaskResult{Success: false, FailReason: te, Task: task}
}

// resolveURL resolves a product's CDN URL for the given content hash,
// appending the galaxy path for V2 chunks or "/main.bin" for V1
// redistributables (§6).
func (d *Downloader) resolveURL(task DownloadTask) (string, error) {
	links, ok := d.links[task.ProductID]
	if !ok {
		return "", errors.New("no secure link for product " + task.ProductID)
	}
	if task.Kind == DownloadV1 {
		if links.Literal != "" {
			return links.Literal, nil
		}
		if len(links.Endpoints) == 0 {
			return "", errors.New("no endpoint for product " + task.ProductID)
		}
		return links.Endpoints[0].URLFormat + "/main.bin", nil
	}
	if len(links.Endpoints) == 0 {
		return "", errors.New("no V2 endpoint for product " + task.ProductID)
	}
	ep := links.Endpoints[0]
	return ep.URLFormat + "/" + galaxyPath(task.CompressedMD5), nil
}

func (d *Downloader) downloadV2(task DownloadTask, scratchPath string, cancel *CancelToken) (downloaded, decompressed int64, err error) {
	url, err := d.resolveURL(task)
	if err != nil {
		return 0, 0, NewTaskError(ErrConnection, "resolve url", err)
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, NewTaskError(ErrConnection, "build request", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, 0, NewTaskError(ErrConnection, "do request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return 0, 0, NewTaskError(ErrUnauthorized, "401 from CDN", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, 0, NewTaskError(ErrConnection, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	out, err := os.Create(scratchPath)
	if err != nil {
		return 0, 0, NewTaskError(ErrConnection, "create scratch file", err)
	}
	defer out.Close()

	hasher := md5.New()
	counter := &byteCounter{}
	body := io.TeeReader(io.TeeReader(d.throttle.Wrap(resp.Body), hasher), counter)
	zr, err := zlib.NewReader(cancellableReader{r: body, cancel: cancel})
	if err != nil {
		return 0, 0, NewTaskError(ErrChecksum, "zlib init", err)
	}
	defer zr.Close()

	n, err := io.Copy(out, zr)
	if err != nil {
		return 0, 0, NewTaskError(ErrConnection, "stream decompress", err)
	}

	if hex.EncodeToString(hasher.Sum(nil)) != task.CompressedMD5 {
		return 0, 0, NewTaskError(ErrChecksum, "compressed md5 mismatch", nil)
	}
	return counter.n, n, nil
}

// byteCounter is a write-only io.Writer used via io.TeeReader to count bytes
// read from the compressed stream without disturbing the md5 hash chain.
type byteCounter struct{ n int64 }

func (b *byteCounter) Write(p []byte) (int, error) {
	b.n += int64(len(p))
	return len(p), nil
}

func (d *Downloader) downloadV1(task DownloadTask, scratchPath string, cancel *CancelToken) (int64, error) {
	url, err := d.resolveURL(task)
	if err != nil {
		return 0, NewTaskError(ErrConnection, "resolve url", err)
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, NewTaskError(ErrConnection, "build request", err)
	}
	req.Header.Set("Range", rangeHeader(task.Offset, task.Size))
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, NewTaskError(ErrConnection, "do request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return 0, NewTaskError(ErrUnauthorized, "401 from CDN", nil)
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, NewTaskError(ErrConnection, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	out, err := os.Create(scratchPath)
	if err != nil {
		return 0, NewTaskError(ErrConnection, "create scratch file", err)
	}
	defer out.Close()

	n, err := io.Copy(out, cancellableReader{r: d.throttle.Wrap(resp.Body), cancel: cancel})
	if err != nil {
		return 0, NewTaskError(ErrConnection, "stream range", err)
	}
	if n != task.Size {
		return 0, NewTaskError(ErrChecksum, "short read for byte range", nil)
	}
	return n, nil
}

// cancellableReader polls cancel between reads so a long body can be
// abandoned mid-stream (§4.2, §5: "between byte-range reads").
type cancellableReader struct {
	r      io.Reader
	cancel *CancelToken
}

func (c cancellableReader) Read(p []byte) (int, error) {
	if c.cancel.Cancelled() {
		return 0, io.EOF
	}
	return c.r.Read(p)
}

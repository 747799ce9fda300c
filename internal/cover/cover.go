// Package cover implements the override cover service: ensure a
// cover.jpg exists in a title's preferred override directory, downloading
// and converting from the Comick cover URI if necessary (§4.10).
package cover

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/ssmcore/mangamerged/internal/logging"
)

var log = logging.New("cover")

const coverFileName = "cover.jpg"

// Outcome classifies the result of EnsureCoverJpg.
type Outcome int

const (
	AlreadyExists Outcome = iota
	WrittenDownloadedJpeg
	WrittenConvertedJpeg
	DownloadFailed
	UnsupportedImage
	WriteFailed
)

func (o Outcome) String() string {
	switch o {
	case AlreadyExists:
		return "AlreadyExists"
	case WrittenDownloadedJpeg:
		return "WrittenDownloadedJpeg"
	case WrittenConvertedJpeg:
		return "WrittenConvertedJpeg"
	case DownloadFailed:
		return "DownloadFailed"
	case UnsupportedImage:
		return "UnsupportedImage"
	case WriteFailed:
		return "WriteFailed"
	default:
		return "Unknown"
	}
}

// Result is the outcome of an EnsureCoverJpg call.
type Result struct {
	Outcome    Outcome
	Path       string
	Diagnostic string
}

// Request describes where to look for and where to place a title's cover.
type Request struct {
	PreferredDir    string
	AllOverrideDirs []string
	CoverURI        string
	CoverBaseURI    string
}

// Service resolves and downloads title covers.
type Service struct {
	httpClient *http.Client
}

// New builds a cover service using client for downloads.
func New(client *http.Client) *Service {
	return &Service{httpClient: client}
}

var jpegSOI = []byte{0xFF, 0xD8, 0xFF}

// EnsureCoverJpg implements the §4.10 decision chain.
func (s *Service) EnsureCoverJpg(ctx context.Context, req Request) Result {
	for _, dir := range orderedDirs(req.PreferredDir, req.AllOverrideDirs) {
		path := filepath.Join(dir, coverFileName)
		if _, err := os.Stat(path); err == nil {
			log.Debugf("metadata.artifact.cover.skipped reason=artifact_exists path=%q", path)
			return Result{Outcome: AlreadyExists, Path: path}
		}
	}

	target, err := resolveCoverURL(req.CoverURI, req.CoverBaseURI)
	if err != nil {
		return Result{Outcome: DownloadFailed, Diagnostic: err.Error()}
	}

	if err := os.MkdirAll(req.PreferredDir, 0755); err != nil {
		return Result{Outcome: WriteFailed, Diagnostic: classifyIOError(err)}
	}

	body, err := s.download(ctx, target)
	if err != nil {
		return Result{Outcome: DownloadFailed, Diagnostic: err.Error()}
	}
	log.Debugf("cover downloaded url=%q size=%s", target, humanize.Bytes(uint64(len(body))))

	converted := false
	data := body
	if !bytes.HasPrefix(body, jpegSOI) {
		encoded, decodeErr := reencodeJPEG(body)
		if decodeErr != nil {
			return Result{Outcome: UnsupportedImage, Diagnostic: decodeErr.Error()}
		}
		data = encoded
		converted = true
	}

	destPath := filepath.Join(req.PreferredDir, coverFileName)
	if err := writeNonOverwriting(destPath, data); err != nil {
		if os.IsExist(err) {
			return Result{Outcome: AlreadyExists, Path: destPath}
		}
		return Result{Outcome: WriteFailed, Diagnostic: classifyIOError(err)}
	}

	if converted {
		return Result{Outcome: WrittenConvertedJpeg, Path: destPath}
	}
	return Result{Outcome: WrittenDownloadedJpeg, Path: destPath}
}

func orderedDirs(preferred string, all []string) []string {
	dirs := make([]string, 0, len(all)+1)
	dirs = append(dirs, preferred)
	for _, d := range all {
		if d != preferred {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func resolveCoverURL(coverURI, coverBaseURI string) (string, error) {
	parsed, err := url.Parse(coverURI)
	if err != nil {
		return "", fmt.Errorf("unparseable cover URI: %w", err)
	}
	if parsed.Scheme == "http" || parsed.Scheme == "https" {
		return coverURI, nil
	}
	if parsed.Scheme != "" {
		return "", fmt.Errorf("unsupported cover URI scheme %q", parsed.Scheme)
	}
	base := strings.TrimSuffix(coverBaseURI, "/") + "/"
	return base + strings.TrimPrefix(coverURI, "/"), nil
}

func (s *Service) download(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cover download: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func reencodeJPEG(body []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeNonOverwriting writes data atomically to path, failing with an
// os.IsExist error if path already exists. os.Rename always overwrites on
// POSIX, so the publish step uses a hard link, which fails atomically if
// the destination is already there; the temp file is always removed
// afterward.
func writeNonOverwriting(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, coverFileName+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		return err
	}
	return nil
}

func classifyIOError(err error) string {
	switch {
	case os.IsPermission(err):
		return "permission: " + err.Error()
	case os.IsNotExist(err):
		return "path: " + err.Error()
	default:
		return "I/O: " + err.Error()
	}
}

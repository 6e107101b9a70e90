package recording

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/EducatedBernie/Converge/internal/store"
)

// Source produces the raw recorded document for a scenario.
type Source interface {
	Fetch(ctx context.Context, scenario string) ([]byte, error)
}

// maxDocumentBytes bounds a single recording download unless the source
// sets its own limit.
const maxDocumentBytes = 64 << 20

// ValidScenario reports whether name can address a recording document.
func ValidScenario(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

// DirSource reads <Dir>/<scenario>.json from the local filesystem.
type DirSource struct {
	Dir string
}

func (s DirSource) Fetch(ctx context.Context, scenario string) ([]byte, error) {
	if !ValidScenario(scenario) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScenario, scenario)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(s.Dir, scenario+".json"))
}

// HTTPSource fetches <BaseURL>/<scenario>.json, the layout the static
// frontend serves recordings under.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
	// MaxBytes caps the document size; zero means 64 MiB.
	MaxBytes int64
}

func (s HTTPSource) Fetch(ctx context.Context, scenario string) ([]byte, error) {
	if !ValidScenario(scenario) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScenario, scenario)
	}
	target, err := url.JoinPath(s.BaseURL, url.PathEscape(scenario)+".json")
	if err != nil {
		return nil, fmt.Errorf("build recording url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", target, resp.Status)
	}
	limit := s.MaxBytes
	if limit <= 0 {
		limit = maxDocumentBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("GET %s: %w: over %d bytes", target, ErrTooLarge, limit)
	}
	return raw, nil
}

// ArchiveSource reads recordings imported into the local archive.
type ArchiveSource struct {
	Store *store.Store
}

func (s ArchiveSource) Fetch(ctx context.Context, scenario string) ([]byte, error) {
	return s.Store.GetRecording(ctx, scenario)
}

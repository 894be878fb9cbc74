package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/internal/utils"
	"github.com/menta2k/face-overlay/pkg/types"
)

// ErrCorruptWeights is returned when shard data does not match its manifest
var ErrCorruptWeights = errors.New("weights do not match manifest")

// Fetcher retrieves a resource by URI
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// DefaultFetcher reads http(s) URIs over HTTP and anything else from disk
type DefaultFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher
func (f DefaultFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if !isRemote(uri) {
		data, err := os.ReadFile(filepath.FromSlash(uri))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", uri, err)
		}
		return data, nil
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: HTTP %d", uri, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, nil
}

func isRemote(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

func joinURI(base, name string) string {
	if isRemote(base) {
		return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(name, "/")
	}
	return filepath.Join(base, filepath.FromSlash(name))
}

// Net is a loaded model: its manifest plus the raw weight bytes
type Net struct {
	Model    types.DetectionModel
	URI      string
	Manifest Manifest
	Weights  []byte
	LoadedAt time.Time
}

// Nets is the registry of loaded models. It is only ever built complete and
// is read-only afterwards.
type Nets struct {
	mu     sync.RWMutex
	loaded map[types.DetectionModel]*Net
}

func newNets() *Nets {
	return &Nets{loaded: make(map[types.DetectionModel]*Net)}
}

// NewNets builds a registry from already-loaded models
func NewNets(nets ...*Net) *Nets {
	n := newNets()
	for _, net := range nets {
		n.loaded[net.Model] = net
	}
	return n
}

// IsLoaded reports whether model is available
func (n *Nets) IsLoaded(model types.DetectionModel) bool {
	if n == nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.loaded[model]
	return ok
}

// Get returns the loaded model, if present
func (n *Nets) Get(model types.DetectionModel) (*Net, bool) {
	if n == nil {
		return nil, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	net, ok := n.loaded[model]
	return net, ok
}

// Missing returns the models from want that are not loaded
func (n *Nets) Missing(want ...types.DetectionModel) []types.DetectionModel {
	var missing []types.DetectionModel
	for _, m := range want {
		if !n.IsLoaded(m) {
			missing = append(missing, m)
		}
	}
	return missing
}

// Loader fetches model manifests and weights
type Loader struct {
	fetcher Fetcher
	log     *logrus.Logger
}

// NewLoader creates a loader; a nil fetcher uses DefaultFetcher
func NewLoader(fetcher Fetcher, log *logrus.Logger) *Loader {
	if fetcher == nil {
		fetcher = DefaultFetcher{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Loader{fetcher: fetcher, log: log}
}

// LoadFromURI loads one model from the directory or URL uri
func (l *Loader) LoadFromURI(ctx context.Context, model types.DetectionModel, uri string) (*Net, error) {
	manifestURI := joinURI(uri, model.ManifestName())

	data, err := l.fetcher.Fetch(ctx, manifestURI)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", model, err)
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", model, err)
	}

	var weights []byte
	for i, group := range manifest {
		var groupData []byte
		for _, p := range group.Paths {
			shard, err := l.fetcher.Fetch(ctx, joinURI(uri, p))
			if err != nil {
				return nil, fmt.Errorf("%s: shard %s: %w", model, p, err)
			}
			groupData = append(groupData, shard...)
		}

		expected, _ := group.ByteSize()
		if len(groupData) != expected {
			return nil, fmt.Errorf("%s: group %d has %d bytes, expected %d: %w",
				model, i, len(groupData), expected, ErrCorruptWeights)
		}
		weights = append(weights, groupData...)
	}

	l.log.WithFields(logrus.Fields{
		"model":  model.String(),
		"params": manifest.ParamCount(),
		"size":   utils.FormatFileSize(int64(len(weights))),
	}).Debug("model loaded")

	return &Net{
		Model:    model,
		URI:      uri,
		Manifest: manifest,
		Weights:  weights,
		LoadedAt: time.Now(),
	}, nil
}

// LoadAll loads every model variant concurrently and returns only once all
// loads have settled. If any load fails no registry is returned.
func (l *Loader) LoadAll(ctx context.Context, uri string) (*Nets, error) {
	start := time.Now()
	all := types.AllModels()
	loaded := make([]*Net, len(all))

	g, gctx := errgroup.WithContext(ctx)
	for i, model := range all {
		g.Go(func() error {
			net, err := l.LoadFromURI(gctx, model, uri)
			if err != nil {
				return err
			}
			loaded[i] = net
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load models from %s: %w", uri, err)
	}

	l.log.WithFields(logrus.Fields{
		"uri":      uri,
		"models":   len(loaded),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("all detection models loaded")

	return NewNets(loaded...), nil
}

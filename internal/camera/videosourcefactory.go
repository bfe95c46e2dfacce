package camera

import (
	"fmt"
	"sort"
)

// バックエンド名
const (
	BackendFFmpeg = "ffmpeg"
	BackendRPiCam = "rpicam"
	BackendOpenCV = "opencv"
	BackendHTTP   = "http"
)

// OpenerCreator は連続ソースの作成関数の型
type OpenerCreator func(cfg SourceConfig) (Opener, error)

// FetcherCreator は単発ソースの作成関数の型
type FetcherCreator func(cfg SourceConfig) (Fetcher, error)

// Factory はバックエンド名ごとにソース作成関数を保持する
type Factory struct {
	openers  map[string]OpenerCreator
	fetchers map[string]FetcherCreator
}

// NewFactory は標準のバックエンドを登録したファクトリーを作成する
func NewFactory() *Factory {
	f := &Factory{
		openers:  make(map[string]OpenerCreator),
		fetchers: make(map[string]FetcherCreator),
	}

	f.Register(BackendFFmpeg, NewFFmpegOpener)
	f.Register(BackendRPiCam, NewPiCamOpener)
	f.RegisterFetcher(BackendHTTP, NewSnapshotFetcher)

	return f
}

// Register は連続ソースの作成関数を登録する
func (f *Factory) Register(backend string, creator OpenerCreator) {
	f.openers[backend] = creator
}

// RegisterFetcher は単発ソースの作成関数を登録する
func (f *Factory) RegisterFetcher(backend string, creator FetcherCreator) {
	f.fetchers[backend] = creator
}

// Backends は登録済みのバックエンド名を返す
func (f *Factory) Backends() []string {
	names := make([]string, 0, len(f.openers)+len(f.fetchers))
	for name := range f.openers {
		names = append(names, name)
	}
	for name := range f.fetchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultBackend はソース種類に対する既定のバックエンドを返す
func DefaultBackend(kind SourceKind) string {
	switch kind {
	case KindPiCam:
		return BackendRPiCam
	case KindSnapshot:
		return BackendHTTP
	default:
		return BackendFFmpeg
	}
}

func backendFor(cfg SourceConfig) string {
	if cfg.Backend != "" {
		return cfg.Backend
	}
	return DefaultBackend(cfg.Kind)
}

// NewOpener は連続ソースを作成する
func (f *Factory) NewOpener(cfg SourceConfig) (Opener, error) {
	if !cfg.Kind.Continuous() {
		return nil, fmt.Errorf("連続ソースではありません: %s", cfg.Kind)
	}
	backend := backendFor(cfg)
	creator, ok := f.openers[backend]
	if !ok {
		return nil, fmt.Errorf("サポートされていないバックエンド: %s", backend)
	}
	return creator(cfg)
}

// NewFetcher は単発ソースを作成する
func (f *Factory) NewFetcher(cfg SourceConfig) (Fetcher, error) {
	if cfg.Kind.Continuous() {
		return nil, fmt.Errorf("単発ソースではありません: %s", cfg.Kind)
	}
	backend := backendFor(cfg)
	creator, ok := f.fetchers[backend]
	if !ok {
		return nil, fmt.Errorf("サポートされていないバックエンド: %s", backend)
	}
	return creator(cfg)
}

package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxgate/internal/engine"

	"github.com/rs/xid"
)

var (
	ErrUnknownModel    = errors.New("unknown model size")
	ErrPayloadTooLarge = errors.New("upload exceeds size limit")
)

// allowedSuffixes are the upload extensions kept on the staged temp file so
// the engine can sniff the container format; anything else becomes ".bin".
var allowedSuffixes = map[string]bool{
	".m4a":  true,
	".mp3":  true,
	".wav":  true,
	".webm": true,
	".ogg":  true,
	".flac": true,
	".bin":  true,
}

type EngineAcquirer interface {
	Acquire(cfg engine.Config) (engine.Engine, error)
}

// ObserverFunc is notified after every finished transcription attempt.
type ObserverFunc func(model, status string, duration time.Duration)

type Option func(*Service)

func WithObserver(observer ObserverFunc) Option {
	return func(s *Service) {
		s.observer = observer
	}
}

// WithTempDir overrides where uploads are staged, default os.TempDir().
func WithTempDir(dir string) Option {
	return func(s *Service) {
		s.tempDir = dir
	}
}

// Service runs the per-request transcription flow: validate the model, read
// and size-check the upload, stage it to a temp file, recognize through the
// engine cache, shape the response, and always remove the staged file.
type Service struct {
	engines        EngineAcquirer
	logger         *slog.Logger
	defaultModel   string
	device         string
	computeType    string
	maxUploadBytes int64
	tempDir        string
	observer       ObserverFunc
}

type Request struct {
	Audio      io.Reader
	Filename   string
	Language   string
	ModelSize  string
	Timestamps bool
}

type Transcript struct {
	Language    string
	DurationSec float64
	Text        string
	Segments    []engine.Segment
}

func New(engines EngineAcquirer, logger *slog.Logger, defaultModel, device, computeType string, maxUploadBytes int64, opts ...Option) *Service {
	if engines == nil {
		panic("transcribe: engine acquirer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		engines:        engines,
		logger:         logger,
		defaultModel:   strings.TrimSpace(defaultModel),
		device:         strings.TrimSpace(device),
		computeType:    strings.TrimSpace(computeType),
		maxUploadBytes: maxUploadBytes,
		tempDir:        os.TempDir(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	requestID := xid.New().String()
	started := time.Now()

	modelSize := strings.TrimSpace(req.ModelSize)
	if modelSize == "" {
		modelSize = s.defaultModel
	}
	if !engine.ValidModelSize(modelSize) {
		return Transcript{}, fmt.Errorf("%w: %q (allowed: %s)", ErrUnknownModel, modelSize, strings.Join(engine.ModelSizes, "|"))
	}

	content, err := io.ReadAll(req.Audio)
	if err != nil {
		return Transcript{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(content)) > s.maxUploadBytes {
		return Transcript{}, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(content), s.maxUploadBytes)
	}

	stagedPath, err := s.stage(content, req.Filename)
	if err != nil {
		return Transcript{}, fmt.Errorf("stage upload: %w", err)
	}
	defer s.discard(stagedPath, requestID)

	eng, err := s.engines.Acquire(engine.Config{
		ModelSize:   modelSize,
		Device:      s.device,
		ComputeType: s.computeType,
	})
	if err != nil {
		s.observe(modelSize, "error", time.Since(started))
		return Transcript{}, err
	}

	result, err := eng.Recognize(ctx, stagedPath, strings.TrimSpace(req.Language), req.Timestamps)
	if err != nil {
		s.observe(modelSize, "error", time.Since(started))
		s.logger.Error("recognition failed",
			"request_id", requestID,
			"model", modelSize,
			"error", errorDetail(err),
		)
		return Transcript{}, err
	}

	language := result.Language
	if language == "" {
		language = "en"
	}
	segments := result.Segments
	if segments == nil {
		segments = []engine.Segment{}
	}

	elapsed := time.Since(started)
	s.observe(modelSize, "ok", elapsed)
	s.logger.Info("transcription complete",
		"request_id", requestID,
		"filename", req.Filename,
		"size_bytes", len(content),
		"model", modelSize,
		"elapsed_sec", round2(elapsed.Seconds()),
		"duration_sec", round2(result.DurationSec),
	)

	return Transcript{
		Language:    language,
		DurationSec: round2(result.DurationSec),
		Text:        result.Text,
		Segments:    segments,
	}, nil
}

func (s *Service) stage(content []byte, filename string) (string, error) {
	f, err := os.CreateTemp(s.tempDir, "voxgate-*"+sanitizeSuffix(filename))
	if err != nil {
		return "", err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// discard removes the staged file. Removal problems are logged and swallowed;
// a file that is already gone is not an error.
func (s *Service) discard(path, requestID string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing staged upload", "request_id", requestID, "path", path, "error", err)
	}
}

func (s *Service) observe(model, status string, duration time.Duration) {
	if s.observer != nil {
		s.observer(model, status, duration)
	}
}

func sanitizeSuffix(filename string) string {
	suffix := filepath.Ext(filename)
	if !allowedSuffixes[suffix] {
		return ".bin"
	}
	return suffix
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// errorDetail surfaces the worker-internal detail for logs without putting it
// on the wire.
func errorDetail(err error) string {
	var engineErr *engine.Error
	if errors.As(err, &engineErr) && engineErr.Detail != "" {
		return engineErr.Detail
	}
	return err.Error()
}

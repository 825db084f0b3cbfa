package photos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/disintegration/imaging"

	"EMS-backend/internal/platform/ids"
)

const (
	KindCheckIn  = "check-in"
	KindCheckOut = "check-out"

	defaultMaxWidth    = 1280
	defaultMaxHeight   = 1280
	defaultJPEGQuality = 85
	defaultMaxBytes    = 5 << 20
)

var (
	ErrEmpty        = errors.New("photo is empty")
	ErrTooLarge     = errors.New("photo is too large")
	ErrInvalidImage = errors.New("photo is not a decodable image")
)

type Options struct {
	Dir         string
	MaxWidth    int
	MaxHeight   int
	JPEGQuality int
	MaxBytes    int
}

// Store: 打刻写真をJPEGに正規化してディスクに保存し、参照パスを返す
type Store struct {
	opt Options
	ids ids.Generator
	now func() time.Time
}

func NewStore(opt Options) *Store {
	if opt.MaxWidth <= 0 {
		opt.MaxWidth = defaultMaxWidth
	}
	if opt.MaxHeight <= 0 {
		opt.MaxHeight = defaultMaxHeight
	}
	if opt.JPEGQuality <= 0 {
		opt.JPEGQuality = defaultJPEGQuality
	}
	if opt.MaxBytes <= 0 {
		opt.MaxBytes = defaultMaxBytes
	}
	return &Store{opt: opt, ids: ids.NewULID(), now: time.Now}
}

// Save: kind/YYYY/MM/DD/<employee>-<ulid>.jpg に保存。戻り値は Dir からの相対参照
func (s *Store) Save(ctx context.Context, kind, employeeID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > s.opt.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), s.opt.MaxBytes)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	img = fit(img, s.opt.MaxWidth, s.opt.MaxHeight)

	id, err := s.ids.New()
	if err != nil {
		return "", err
	}
	ref := path.Join(sanitize(kind), s.now().UTC().Format("2006/01/02"), sanitize(employeeID)+"-"+id+".jpg")
	full := filepath.Join(s.opt.Dir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create photo dir: %w", err)
	}
	if err := imaging.Save(img, full, imaging.JPEGQuality(s.opt.JPEGQuality)); err != nil {
		return "", fmt.Errorf("write photo: %w", err)
	}
	log.Printf("[INFO] photo saved: %s (%d bytes in)", ref, len(data))
	return ref, nil
}

// Open: 保存済みの写真を開く。ref は Save の戻り値
func (s *Store) Open(ref string) (*os.File, error) {
	clean := path.Clean("/" + ref)
	return os.Open(filepath.Join(s.opt.Dir, filepath.FromSlash(clean)))
}

func fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}
	return imaging.Fit(img, maxW, maxH, imaging.Lanczos)
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

package pictures

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/2beens/usermgmt/internal/telemetry/tracing"
	"github.com/2beens/usermgmt/pkg"
)

const DefaultURLPrefix = "/uploads"

var (
	ErrUnsupportedType  = errors.New("unsupported picture type")
	ErrForeignReference = errors.New("reference does not point to the uploads area")
)

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// DiskStore keeps uploaded profile pictures in a single directory, named
// <username>_<unix millis><ext>, and hands out URL references under urlPrefix.
type DiskStore struct {
	rootPath  string
	urlPrefix string
	// ability to inject the clock (for unit testing)
	Now func() time.Time
}

func NewDiskStore(rootPath, urlPrefix string) (*DiskStore, error) {
	if rootPath == "" {
		return nil, errors.New("root path cannot be empty")
	}
	if err := pkg.EnsureDir(rootPath); err != nil {
		return nil, fmt.Errorf("uploads dir: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	return &DiskStore{
		rootPath:  rootPath,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
		Now:       time.Now,
	}, nil
}

func (ds *DiskStore) RootPath() string {
	return ds.rootPath
}

func (ds *DiskStore) URLPrefix() string {
	return ds.urlPrefix
}

// Save writes the picture and returns its reference, e.g. /uploads/alice_1700000000000.png
func (ds *DiskStore) Save(ctx context.Context, username, originalName string, file io.Reader) (_ string, err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "pictures.save")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	ext := strings.ToLower(filepath.Ext(originalName))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: [%s]", ErrUnsupportedType, ext)
	}

	fileName := fmt.Sprintf("%s_%d%s", safeName(username), ds.Now().UnixMilli(), ext)
	filePath := filepath.Join(ds.rootPath, fileName)
	span.SetAttributes(attribute.String("file.name", fileName))

	dst, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}

	written, copyErr := io.Copy(dst, file)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		if removeErr := os.Remove(filePath); removeErr != nil {
			log.Errorf("pictures: remove partial file %s: %s", filePath, removeErr)
		}
		if copyErr != nil {
			return "", copyErr
		}
		return "", closeErr
	}

	span.SetAttributes(attribute.Int64("file.size", written))
	log.Debugf("pictures: saved [%s] (%d bytes)", fileName, written)

	return path.Join(ds.urlPrefix, fileName), nil
}

// Remove deletes a previously saved picture. The default picture and
// already-missing files are not errors.
func (ds *DiskStore) Remove(ctx context.Context, ref string) (err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "pictures.remove")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if !strings.HasPrefix(ref, ds.urlPrefix+"/") {
		return ErrForeignReference
	}
	fileName := path.Base(ref)
	if fileName == "default.jpg" {
		return nil
	}

	if err := os.Remove(filepath.Join(ds.rootPath, fileName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func safeName(username string) string {
	name := strings.Trim(unsafeNameChars.ReplaceAllString(username, "-"), ".-")
	if name == "" {
		return "user"
	}
	return name
}

package conversion

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Category is the closed set of converter capabilities.
type Category int

const (
	CategoryImage Category = iota + 1
	CategoryDocument
	CategoryAudio
	CategoryVideo
	CategoryImageToPDF
)

func (c Category) String() string {
	switch c {
	case CategoryImage:
		return "image"
	case CategoryDocument:
		return "document"
	case CategoryAudio:
		return "audio"
	case CategoryVideo:
		return "video"
	case CategoryImageToPDF:
		return "image_pdf"
	default:
		return "unknown"
	}
}

var formatCategory = map[string]Category{
	"jpg": CategoryImage, "jpeg": CategoryImage, "png": CategoryImage, "webp": CategoryImage,
	"gif": CategoryImage, "bmp": CategoryImage, "tiff": CategoryImage,

	"pdf": CategoryDocument, "doc": CategoryDocument, "docx": CategoryDocument, "odt": CategoryDocument,
	"rtf": CategoryDocument, "txt": CategoryDocument, "xls": CategoryDocument, "xlsx": CategoryDocument,
	"ods": CategoryDocument, "ppt": CategoryDocument, "pptx": CategoryDocument, "odp": CategoryDocument,

	"mp3": CategoryAudio, "wav": CategoryAudio, "flac": CategoryAudio, "ogg": CategoryAudio,
	"aac": CategoryAudio, "m4a": CategoryAudio,

	"mp4": CategoryVideo, "webm": CategoryVideo, "mov": CategoryVideo, "avi": CategoryVideo, "mkv": CategoryVideo,
}

// NormalizeFormat lowercases an extension and strips a leading dot.
func NormalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

// Categorize picks the converter capability for a (source, target) pair.
// Video sources may target audio formats (track extraction).
func Categorize(source, target string) (Category, error) {
	source, target = NormalizeFormat(source), NormalizeFormat(target)
	src, srcOK := formatCategory[source]
	dst, dstOK := formatCategory[target]
	if !srcOK || !dstOK || source == target {
		return 0, fmt.Errorf("%w: %s -> %s", ErrUnsupported, source, target)
	}

	switch {
	case src == CategoryImage && target == "pdf":
		return CategoryImageToPDF, nil
	case src == CategoryImage && dst == CategoryImage:
		return CategoryImage, nil
	case src == CategoryDocument && source != "pdf" && target == "pdf":
		return CategoryDocument, nil
	case src == CategoryAudio && dst == CategoryAudio:
		return CategoryAudio, nil
	case src == CategoryVideo && (dst == CategoryVideo || dst == CategoryAudio):
		return CategoryVideo, nil
	}
	return 0, fmt.Errorf("%w: %s -> %s", ErrUnsupported, source, target)
}

// Task is one conversion of a local file. OutputPath must not exist until the
// converter has fully written it.
type Task struct {
	InputPath    string
	OutputPath   string
	SourceFormat string
	TargetFormat string
}

// Converter is implemented once per Category.
type Converter interface {
	// Validate rejects tasks this converter cannot handle, before any work starts.
	Validate(task Task) error
	Convert(ctx context.Context, task Task) error
}

// Converters maps every Category to its implementation.
type Converters map[Category]Converter

// CommandRunner runs an external tool and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

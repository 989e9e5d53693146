package conversion

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/go-pdf/fpdf"
)

const (
	imageMagickBin = "convert"
	ffmpegBin      = "ffmpeg"
)

// PDFRenderer turns an office document into a PDF.
type PDFRenderer interface {
	ConvertToPDF(ctx context.Context, inputPath, extension, outputPath string) error
}

// NewConverters wires the default implementation for each category. run may
// be nil, in which case tools are executed with os/exec.
func NewConverters(docs PDFRenderer, run CommandRunner) Converters {
	if run == nil {
		run = execRunner
	}
	magick := &commandConverter{tool: imageMagickBin, run: run, args: magickArgs}
	return Converters{
		CategoryImage:      magick,
		CategoryDocument:   &documentConverter{renderer: docs},
		CategoryAudio:      &commandConverter{tool: ffmpegBin, run: run, args: ffmpegArgs},
		CategoryVideo:      &commandConverter{tool: ffmpegBin, run: run, args: ffmpegArgs},
		CategoryImageToPDF: &imagePDFConverter{fallback: magick},
	}
}

// commandConverter shells out to a CLI tool that writes to an output path.
type commandConverter struct {
	tool string
	run  CommandRunner
	args func(task Task, output string) []string
}

func (c *commandConverter) Validate(task Task) error {
	if task.InputPath == "" || task.OutputPath == "" {
		return errors.New("input and output paths are required")
	}
	return nil
}

func (c *commandConverter) Convert(ctx context.Context, task Task) error {
	return writeViaTemp(task, func(tmp string) error {
		out, err := c.run(ctx, c.tool, c.args(task, tmp)...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s failed: %v, output: %s", c.tool, err, string(out))
		}
		return nil
	})
}

func magickArgs(task Task, output string) []string {
	return []string{task.InputPath, output}
}

func ffmpegArgs(task Task, output string) []string {
	args := []string{"-y", "-i", task.InputPath}
	if formatCategory[NormalizeFormat(task.TargetFormat)] == CategoryAudio {
		args = append(args, "-vn")
	}
	return append(args, output)
}

// documentConverter renders office documents through Gotenberg.
type documentConverter struct {
	renderer PDFRenderer
}

func (c *documentConverter) Validate(task Task) error {
	if c.renderer == nil {
		return errors.New("document rendering is not configured")
	}
	if NormalizeFormat(task.TargetFormat) != "pdf" {
		return fmt.Errorf("%w: %s -> %s", ErrUnsupported, task.SourceFormat, task.TargetFormat)
	}
	return nil
}

func (c *documentConverter) Convert(ctx context.Context, task Task) error {
	return c.renderer.ConvertToPDF(ctx, task.InputPath, NormalizeFormat(task.SourceFormat), task.OutputPath)
}

// imagePDFConverter embeds the image in a single-page PDF sized to the image.
// Formats the embedded writer cannot read go through the command fallback.
type imagePDFConverter struct {
	fallback Converter
}

var fpdfImageTypes = map[string]string{
	"jpeg": "JPG",
	"png":  "PNG",
	"gif":  "GIF",
}

func (c *imagePDFConverter) Validate(task Task) error {
	if NormalizeFormat(task.TargetFormat) != "pdf" {
		return fmt.Errorf("%w: %s -> %s", ErrUnsupported, task.SourceFormat, task.TargetFormat)
	}
	return c.fallback.Validate(task)
}

func (c *imagePDFConverter) Convert(ctx context.Context, task Task) error {
	err := writeViaTemp(task, func(tmp string) error {
		return renderImagePDF(task.InputPath, tmp)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ferr := c.fallback.Convert(ctx, task); ferr != nil {
		return fmt.Errorf("embedded pdf writer: %v; fallback: %w", err, ferr)
	}
	return nil
}

func renderImagePDF(input, output string) error {
	f, err := os.Open(input)
	if err != nil {
		return err
	}
	_, format, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to read image header: %w", err)
	}
	imageType, ok := fpdfImageTypes[format]
	if !ok {
		return fmt.Errorf("image format %s not supported by pdf writer", format)
	}

	pdf := fpdf.New("P", "pt", "A4", "")
	opts := fpdf.ImageOptions{ImageType: imageType}
	info := pdf.RegisterImageOptions(input, opts)
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("failed to register image: %w", err)
	}

	w, h := info.Extent()
	pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
	pdf.ImageOptions(input, 0, 0, w, h, false, opts, 0, "")
	return pdf.OutputFileAndClose(output)
}

// writeViaTemp lets write produce the artifact at a hidden temp path carrying
// the target extension, then renames it to task.OutputPath.
func writeViaTemp(task Task, write func(tmp string) error) error {
	dir := filepath.Dir(task.OutputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".partial-*."+NormalizeFormat(task.TargetFormat))
	if err != nil {
		return fmt.Errorf("failed to create temp output: %w", err)
	}
	tmp := f.Name()
	f.Close()

	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if info, err := os.Stat(tmp); err != nil || info.Size() == 0 {
		os.Remove(tmp)
		return ErrNoOutput
	}
	if err := os.Rename(tmp, task.OutputPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

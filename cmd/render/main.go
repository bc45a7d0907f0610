// Command render rasterizes pages of a PDF into PNG files.
//
//	render -file in.pdf -out pages -all -dpi 150
//	curl -s https://example.com/a.pdf | render -file - -out pages
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/drummonds/pdfbridge/bridge"
	config "github.com/drummonds/pdfbridge/config"
	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
	"github.com/drummonds/pdfbridge/fsutil"
)

type engineFactory func(kind string, opts pdfrenderer.Options) (pdfrenderer.Engine, error)

type options struct {
	file        string
	password    string
	page        int
	all         bool
	dpi         int
	format      string
	annotations bool
	engine      string
	out         string
	clean       bool
	verbose     bool
}

func parseFlags(args []string, engineConfig config.EngineConfig, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.file, "file", "", "PDF file to render, - for stdin")
	fs.StringVar(&opts.password, "password", "", "Document password")
	fs.IntVar(&opts.page, "page", 0, "Zero based page to render, clamped to the document")
	fs.BoolVar(&opts.all, "all", false, "Render every page")
	fs.IntVar(&opts.dpi, "dpi", engineConfig.DefaultDPI, "Resolution")
	fs.StringVar(&opts.format, "format", "rgba", "Pixel format, rgba or rgb565")
	fs.BoolVar(&opts.annotations, "annotations", engineConfig.RenderAnnotations, "Draw annotations")
	fs.StringVar(&opts.engine, "engine", engineConfig.Engine, "PDF engine, pdfium or fitz")
	fs.StringVar(&opts.out, "out", ".", "Output directory")
	fs.BoolVar(&opts.clean, "clean", false, "Remove the output directory before rendering")
	fs.BoolVar(&opts.verbose, "v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.file == "" {
		return opts, errors.New("-file is required")
	}
	if opts.dpi <= 0 {
		return opts, fmt.Errorf("-dpi must be positive, got %d", opts.dpi)
	}
	return opts, nil
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, newEngine engineFactory) error {
	engineConfig := config.LoadEngineConfig()
	opts, err := parseFlags(args, engineConfig, stderr)
	if err != nil {
		return err
	}

	logger := config.SetupCLI(opts.verbose)
	bridge.Logger = logger
	pdfrenderer.Logger = logger

	format, err := bridge.ParsePixelFormat(opts.format)
	if err != nil {
		return err
	}

	renderEngine, err := newEngine(opts.engine, pdfrenderer.Options{
		MinIdle:         engineConfig.PDFiumMinIdle,
		MaxIdle:         engineConfig.PDFiumMaxIdle,
		MaxTotal:        engineConfig.PDFiumMaxTotal,
		InstanceTimeout: engineConfig.PDFiumInstanceTimeout,
	})
	if err != nil {
		return err
	}
	pdfBridge := bridge.New(renderEngine, func(feature pdfrenderer.UnsupportedFeature) {
		fmt.Fprintf(stderr, "warning: document uses unsupported feature %s\n", feature)
	})

	doc, release, err := openInput(pdfBridge, opts, stdin)
	if err != nil {
		if kind := bridge.KindOf(err); kind != bridge.KindUnknown {
			return fmt.Errorf("%s: %s: %w", opts.file, kind.Message(), err)
		}
		return fmt.Errorf("%s: %w", opts.file, err)
	}
	defer release()
	defer pdfBridge.CloseDocument(doc)

	pageCount, err := pdfBridge.PageCount(doc)
	if err != nil {
		return err
	}
	meta, err := pdfBridge.Meta(doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d pages\n", opts.file, pageCount)
	for _, field := range []struct{ name, value string }{
		{"Title", meta.Title},
		{"Author", meta.Author},
		{"Subject", meta.Subject},
		{"Keywords", meta.Keywords},
		{"Creator", meta.Creator},
		{"Producer", meta.Producer},
		{"CreationDate", meta.CreationDate},
		{"ModDate", meta.ModDate},
	} {
		if field.value != "" {
			fmt.Fprintf(stdout, "  %s: %s\n", field.name, field.value)
		}
	}

	if pageCount == 0 {
		return nil
	}
	if opts.clean {
		if err := fsutil.RemoveDir(opts.out, true); err != nil {
			return fmt.Errorf("clean output directory: %w", err)
		}
	}
	if err := fsutil.Mkdir(opts.out, true, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	var indexes []int
	var pages []bridge.PageHandle
	if opts.all {
		pages, err = pdfBridge.LoadPages(doc, 0, pageCount-1)
		if err != nil {
			return err
		}
		for i := range pages {
			indexes = append(indexes, i)
		}
	} else {
		index, err := pdfBridge.ClampPageIndex(doc, opts.page)
		if err != nil {
			return err
		}
		page, err := pdfBridge.LoadPage(doc, index)
		if err != nil {
			return err
		}
		indexes, pages = []int{index}, []bridge.PageHandle{page}
	}
	defer pdfBridge.ClosePages(pages)

	for i, page := range pages {
		index := indexes[i]
		width, height, err := pdfBridge.PageSize(doc, index, opts.dpi)
		if err != nil {
			return err
		}
		if width == 0 || height == 0 {
			return fmt.Errorf("page %d has no size at %d dpi", index, opts.dpi)
		}
		canvas, err := bridge.NewCanvas(width, height, format)
		if err != nil {
			return err
		}
		req := bridge.RenderRequest{DPI: opts.dpi, Width: width, Height: height, Annotations: opts.annotations}
		if err := pdfBridge.Render(page, canvas, req); err != nil {
			return fmt.Errorf("render page %d: %w", index, err)
		}
		path := filepath.Join(opts.out, fmt.Sprintf("page-%d.png", index))
		if err := imaging.Save(canvas.Image(), path); err != nil {
			return fmt.Errorf("write page %d: %w", index, err)
		}
		fmt.Fprintf(stdout, "page %d: %dx%d %s -> %s\n", index, width, height, format, path)
	}
	return nil
}

// openInput opens the named file by descriptor, or reads stdin into memory
// when the name is "-". release frees the input after the document is closed.
func openInput(pdfBridge *bridge.Bridge, opts options, stdin io.Reader) (doc bridge.DocumentHandle, release func(), err error) {
	if opts.file == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return 0, nil, fmt.Errorf("read stdin: %w", err)
		}
		doc, err := pdfBridge.OpenMemory(data, opts.password)
		return doc, func() {}, err
	}
	file, err := os.Open(opts.file)
	if err != nil {
		return 0, nil, err
	}
	doc, err = pdfBridge.OpenDescriptor(int(file.Fd()), opts.password)
	if err != nil {
		file.Close()
		return 0, nil, err
	}
	return doc, func() { file.Close() }, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, pdfrenderer.New); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "render:", err)
		os.Exit(1)
	}
}

// Package epub parses EPUB documents and converts them to Markdown.
//
// An EPUB is a zip archive: META-INF/container.xml names the OPF package
// document, whose manifest lists every resource and whose spine orders the
// reading chapters. Parsing stops at what conversion needs: metadata,
// spine-ordered chapter HTML, and raster images.
package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/logger"
)

// Book is the parsed, conversion-ready view of an EPUB
type Book struct {
	Title    string
	Authors  []string
	Chapters []Chapter
	Images   []Image
}

// Chapter is one spine entry's HTML content, in reading order
type Chapter struct {
	Href string
	HTML []byte
}

// Image is one raster resource from the manifest
type Image struct {
	Name      string // basename used in rewritten references
	MediaType string
	Data      []byte
}

const containerPath = "META-INF/container.xml"

type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	Metadata struct {
		Title    string   `xml:"title"`
		Creators []string `xml:"creator"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID        string `xml:"id,attr"`
			Href      string `xml:"href,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		Itemrefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

// Open parses an EPUB from an in-memory payload. A document without a
// readable container, package document, or spine is rejected as invalid
// input rather than unavailable infrastructure.
func Open(data []byte) (*Book, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "input is not a zip archive")
	}

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	opfPath, err := rootfilePath(files)
	if err != nil {
		return nil, err
	}

	opfData, err := readZipFile(files, opfPath)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "package document %s unreadable: %v", opfPath, err)
	}

	var pkg opfPackage
	if err := xml.Unmarshal(opfData, &pkg); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "malformed package document %s: %v", opfPath, err)
	}
	if len(pkg.Spine.Itemrefs) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "package document has an empty spine")
	}

	opfDir := path.Dir(opfPath)
	book := &Book{
		Title:   strings.TrimSpace(pkg.Metadata.Title),
		Authors: trimAll(pkg.Metadata.Creators),
	}

	manifest := make(map[string]struct{ href, mediaType string }, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		href, err := url.PathUnescape(item.Href)
		if err != nil {
			href = item.Href
		}
		resolved := path.Join(opfDir, href)
		manifest[item.ID] = struct{ href, mediaType string }{resolved, item.MediaType}

		if strings.HasPrefix(item.MediaType, "image/") {
			data, err := readZipFile(files, resolved)
			if err != nil {
				logger.Warnw("Skipping unreadable image resource", "href", resolved, "error", err)
				continue
			}
			book.Images = append(book.Images, Image{
				Name:      path.Base(resolved),
				MediaType: item.MediaType,
				Data:      data,
			})
		}
	}

	for _, ref := range pkg.Spine.Itemrefs {
		item, ok := manifest[ref.IDRef]
		if !ok {
			logger.Warnw("Spine references unknown manifest id, skipping", "idref", ref.IDRef)
			continue
		}
		data, err := readZipFile(files, item.href)
		if err != nil {
			logger.Warnw("Skipping unreadable chapter", "href", item.href, "error", err)
			continue
		}
		book.Chapters = append(book.Chapters, Chapter{Href: item.href, HTML: data})
	}

	if len(book.Chapters) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "no readable chapters in spine")
	}
	return book, nil
}

func rootfilePath(files map[string]*zip.File) (string, error) {
	data, err := readZipFile(files, containerPath)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalidRequest, "missing META-INF/container.xml")
	}

	var c containerXML
	if err := xml.Unmarshal(data, &c); err != nil {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "malformed container.xml: %v", err)
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		return "", errors.Wrap(errors.ErrInvalidRequest, "container.xml names no rootfile")
	}
	return c.Rootfiles[0].FullPath, nil
}

func readZipFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, errors.Newf("no such entry %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

package epub

import (
	"bytes"
	"path"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/logger"
)

// Converter turns a parsed Book into one Markdown document. Image references
// inside chapters are rewritten to their published location under ImageBase
// so the produced Markdown is servable as-is.
type Converter struct {
	// ImageBase is the URL path prefix images are published under,
	// e.g. "/books". References become <ImageBase>/<label>/images/<name>.
	ImageBase string
}

// Document is the conversion result for one book
type Document struct {
	Markdown []byte
	Images   []Image
}

// Convert renders the whole book as Markdown: a title heading, an author
// line, then each spine chapter in order separated by blank lines. label
// scopes the rewritten image references (product code or job id).
func (c *Converter) Convert(book *Book, label string) (*Document, error) {
	conv := md.NewConverter("", true, nil)

	var out bytes.Buffer
	writeFrontMatter(&out, book)

	for _, ch := range book.Chapters {
		html, err := c.prepareChapter(ch, label)
		if err != nil {
			return nil, errors.Wrapf(err, "prepare chapter %s", ch.Href)
		}

		markdown, err := conv.ConvertString(html)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "chapter %s does not convert: %v", ch.Href, err)
		}

		markdown = strings.TrimSpace(markdown)
		if markdown == "" {
			logger.Debugw("Chapter produced no text", "href", ch.Href)
			continue
		}
		out.WriteString(markdown)
		out.WriteString("\n\n")
	}

	if out.Len() == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "book converted to an empty document")
	}

	return &Document{
		Markdown: bytes.TrimRight(out.Bytes(), "\n"),
		Images:   book.Images,
	}, nil
}

// prepareChapter strips non-content elements and points image references at
// their published location before Markdown rendering.
func (c *Converter) prepareChapter(ch Chapter, label string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(ch.HTML))
	if err != nil {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "unparseable chapter HTML: %v", err)
	}

	doc.Find("script, style").Remove()

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok || src == "" {
			return
		}
		name := path.Base(src)
		sel.SetAttr("src", path.Join(c.ImageBase, label, "images", name))
	})

	html, err := doc.Find("body").Html()
	if err != nil {
		return "", errors.Wrap(err, "serialize chapter body")
	}
	return html, nil
}

func writeFrontMatter(out *bytes.Buffer, book *Book) {
	if book.Title != "" {
		out.WriteString("# ")
		out.WriteString(book.Title)
		out.WriteString("\n\n")
	}
	if len(book.Authors) > 0 {
		out.WriteString("by ")
		out.WriteString(strings.Join(book.Authors, ", "))
		out.WriteString("\n\n")
	}
}

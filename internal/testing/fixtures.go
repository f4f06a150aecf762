// Package testing provides shared fixtures for bindery tests.
package testing

import (
	"archive/zip"
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shelfware/bindery/state"
)

// CreateTestStore runs a throwaway in-process Redis and returns a state
// store bound to it. Cleanup is registered via t.Cleanup().
func CreateTestStore(t *testing.T) (*state.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return state.NewStoreWithClient(rdb, "bindery", 168*time.Hour), mr
}

// BuildEPUB assembles a zip archive from the given entries
func BuildEPUB(t *testing.T, entries map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Failed to create zip entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to finalize zip: %v", err)
	}
	return buf.Bytes()
}

// MinimalEPUB builds a small but complete EPUB with the given title and
// chapter bodies, plus one cover image referenced from the first chapter.
func MinimalEPUB(t *testing.T, title string, chapterBodies ...string) []byte {
	t.Helper()

	manifest := `<item id="cover" href="images/cover.jpg" media-type="image/jpeg"/>` + "\n"
	spine := ""
	entries := map[string]string{
		"META-INF/container.xml": `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`,
		"OEBPS/images/cover.jpg": "\xff\xd8\xff jpeg bytes",
	}

	for i, body := range chapterBodies {
		id := fmt.Sprintf("ch%d", i+1)
		href := id + ".xhtml"
		manifest += fmt.Sprintf(`<item id=%q href=%q media-type="application/xhtml+xml"/>`+"\n", id, href)
		spine += fmt.Sprintf(`<itemref idref=%q/>`+"\n", id)

		html := "<html><body>" + body
		if i == 0 {
			html += `<img src="images/cover.jpg" alt="cover"/>`
		}
		html += "</body></html>"
		entries["OEBPS/"+href] = html
	}

	entries["OEBPS/content.opf"] = fmt.Sprintf(`<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" xmlns:dc="http://purl.org/dc/elements/1.1/" version="2.0">
  <metadata>
    <dc:title>%s</dc:title>
    <dc:creator>Test Author</dc:creator>
  </metadata>
  <manifest>
%s  </manifest>
  <spine>
%s  </spine>
</package>`, title, manifest, spine)

	return BuildEPUB(t, entries)
}

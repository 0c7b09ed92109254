package download

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gosimple/slug"
	"golang.org/x/text/encoding/charmap"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

const fallbackStem = "file"

var (
	// Lenient fallback for headers mime.ParseMediaType rejects, such as
	// unquoted names with spaces or raw non-ASCII bytes.
	dispositionName = regexp.MustCompile(`(?i)filename\*?\s*=\s*(?:[^']*'[^']*')?["']?([^";]+)`)
	extensionShape  = regexp.MustCompile(`^\.[A-Za-z0-9]{1,6}$`)

	mimeExtensions = map[string]string{
		"application/pdf":          ".pdf",
		"application/x-pdf":        ".pdf",
		"application/msword":       ".doc",
		"application/vnd.ms-excel": ".xls",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
		"application/zip": ".zip",
		"text/html":       ".html",
	}
)

// resolveName picks the most trustworthy original name of a downloaded
// attachment: Content-Disposition, then the declared anchor text, then the
// URL tail. A missing extension is derived from the MIME type.
func resolveName(headers http.Header, ref crawler.AttachmentRef, finalURL string) string {
	name := nameFromDisposition(headers.Get("Content-Disposition"))
	if name == "" {
		name = strings.TrimSpace(ref.DeclaredName)
	}
	if name == "" {
		name = nameFromURL(finalURL)
	}
	if name == "" {
		name = nameFromURL(ref.URL)
	}
	if splitExt(name) == "" {
		contentType := headers.Get("Content-Type")
		if contentType == "" {
			contentType = ref.DeclaredMIME
		}
		name += extensionForMIME(contentType)
	}
	return name
}

func nameFromDisposition(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := strings.TrimSpace(params["filename"]); name != "" {
			return repairLatin1(name)
		}
		return ""
	}
	m := dispositionName.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	raw := strings.TrimSpace(m[1])
	if unescaped, err := url.PathUnescape(raw); err == nil && strings.Contains(m[0], "*") {
		raw = unescaped
	}
	return repairLatin1(raw)
}

// repairLatin1 undoes UTF-8 text that was decoded as ISO-8859-1 on the way.
func repairLatin1(s string) string {
	raw, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil || raw == s || !utf8.ValidString(raw) {
		return s
	}
	return raw
}

func nameFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if v := strings.TrimSpace(u.Query().Get("file")); v != "" {
		return path.Base(v)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func extensionForMIME(contentType string) string {
	if contentType == "" {
		return ""
	}
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		media = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	media = strings.ToLower(media)
	if ext, ok := mimeExtensions[media]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(media); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func splitExt(name string) string {
	ext := path.Ext(name)
	if !extensionShape.MatchString(ext) {
		return ""
	}
	return ext
}

// safeName transliterates the stem to an ASCII slug and keeps the extension.
func safeName(name string) string {
	ext := splitExt(name)
	stem := strings.TrimSuffix(name, ext)
	s := strings.ReplaceAll(slug.Make(stem), "-", "_")
	if s == "" {
		s = fallbackStem
	}
	return s + strings.ToLower(ext)
}

// nameSet hands out unique names within one item's work directory.
type nameSet map[string]struct{}

func (n nameSet) reserve(name string) string {
	if _, taken := n[name]; !taken {
		n[name] = struct{}{}
		return name
	}
	ext := splitExt(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, taken := n[candidate]; !taken {
			n[candidate] = struct{}{}
			return candidate
		}
	}
}

// Package extract turns a streamed HTML document into visible text and outbound links.
//
// Extraction is a single left fold over tokenizer events. The fold state holds the
// open element stack, the text node currently being accumulated, the finalized
// text chunks and the discovered link set; nothing else is mutated.
package extract

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
)

// Result is the output of one extraction.
type Result struct {
	// Text is the newline-joined list of collapsed text nodes.
	Text string
	// Links holds absolute http/https URLs, sorted and unique.
	Links []string
	// Rejected counts href values that could not be resolved.
	Rejected int
}

// textElements are the elements whose text content is collected.
var textElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Span: true, atom.A: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Th: true, atom.Td: true,
	atom.Article: true, atom.Main: true, atom.Section: true, atom.Pre: true,
}

// hiddenElements never contribute text, even when nested in a text element.
var hiddenElements = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true, atom.Svg: true,
}

// voidElements never have an end tag, so they are not pushed on the stack.
var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true, atom.Embed: true,
	atom.Hr: true, atom.Img: true, atom.Input: true, atom.Link: true, atom.Meta: true,
	atom.Source: true, atom.Track: true, atom.Wbr: true,
}

// Extractor runs the fold and logs dropped links.
type Extractor struct {
	logger *zap.Logger
}

// New creates an Extractor. A nil logger discards output.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract reads r to EOF and returns the extracted text and links.
// Malformed markup never fails extraction; only an invalid base URL or a read
// error is returned.
func (e *Extractor) Extract(r io.Reader, baseURL string) (Result, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse base url: %w", err)
	}

	st := newState(base)
	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if zerr := z.Err(); zerr != nil && !errors.Is(zerr, io.EOF) {
				return Result{}, fmt.Errorf("read html: %w", zerr)
			}
			break
		}
		st = st.step(z.Token())
	}
	st = st.flush()

	for _, href := range st.rejected {
		e.logger.Debug("dropping unresolvable link",
			zap.String("base_url", baseURL),
			zap.String("href", href),
		)
	}
	return st.result(), nil
}

type state struct {
	base     *url.URL
	open     []atom.Atom
	buf      strings.Builder
	chunks   []string
	links    map[string]struct{}
	rejected []string
}

func newState(base *url.URL) *state {
	return &state{base: base, links: make(map[string]struct{})}
}

// step folds one token into the state.
func (s *state) step(tok html.Token) *state {
	switch tok.Type {
	case html.TextToken:
		if s.collecting() {
			s.buf.WriteString(tok.Data)
		}
	case html.StartTagToken:
		s = s.flush()
		if tok.DataAtom == atom.A {
			s.addLink(tok)
		}
		if !voidElements[tok.DataAtom] {
			s.open = append(s.open, tok.DataAtom)
		}
	case html.SelfClosingTagToken:
		s = s.flush()
		if tok.DataAtom == atom.A {
			s.addLink(tok)
		}
	case html.EndTagToken:
		s = s.flush()
		s.close(tok.DataAtom)
	case html.CommentToken, html.DoctypeToken:
		s = s.flush()
	}
	return s
}

// flush finalizes the pending text node.
func (s *state) flush() *state {
	if s.buf.Len() == 0 {
		return s
	}
	text := strings.Join(strings.Fields(s.buf.String()), " ")
	s.buf.Reset()
	if text != "" {
		s.chunks = append(s.chunks, text)
	}
	return s
}

func (s *state) collecting() bool {
	inText := false
	for _, a := range s.open {
		if hiddenElements[a] {
			return false
		}
		if textElements[a] {
			inText = true
		}
	}
	return inText
}

// close pops the innermost matching element; stray end tags are ignored.
func (s *state) close(a atom.Atom) {
	for i := len(s.open) - 1; i >= 0; i-- {
		if s.open[i] == a {
			s.open = s.open[:i]
			return
		}
	}
}

func (s *state) addLink(tok html.Token) {
	for _, attr := range tok.Attr {
		// An empty href resolves to the page itself, which already has a row.
		if attr.Key != "href" || strings.TrimSpace(attr.Val) == "" {
			continue
		}
		resolved, err := crawler.ResolveURL(s.base, attr.Val)
		if err != nil {
			s.rejected = append(s.rejected, attr.Val)
			continue
		}
		if crawler.IsValidHTTPURL(resolved) {
			s.links[resolved] = struct{}{}
		}
	}
}

func (s *state) result() Result {
	links := make([]string, 0, len(s.links))
	for link := range s.links {
		links = append(links, link)
	}
	slices.Sort(links)
	return Result{
		Text:     strings.Join(s.chunks, "\n"),
		Links:    links,
		Rejected: len(s.rejected),
	}
}
